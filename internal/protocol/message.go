// Package protocol implements the multiplayer session-synchronization wire
// protocol: frame codec, message registry and the message variants with their
// apply-to-world behavior.
package protocol

import (
	"fmt"
	"strings"
)

// Message is one wire message. Decode is pure and may run off the simulation
// thread; Apply mutates the world and must be serialized with the tick.
type Message interface {
	Keyword() string
	// Payload renders the body after the keyword. The grammar is
	// keyword-specific; several variants use control characters as
	// sub-field separators so free text and file paths can embed spaces.
	Payload() string
	Apply(ctx *Context) error
}

// Encode renders the complete frame body for m.
func Encode(m Message) string {
	return m.Keyword() + " " + m.Payload()
}

var decoders = map[string]func(payload string) (Message, error){
	KeywordMove:         decodeMove,
	KeywordPlayer:       decodePlayerJoin,
	KeywordSwitch:       decodeSwitchReq,
	KeywordOrgSwitch:    decodeOrgSwitch,
	KeywordSwitchStates: decodeSwitchStates,
	KeywordSignalStates: decodeSignalStates,
	KeywordResetSignal:  decodeResetSignal,
	KeywordTrain:        decodeTrainDef,
	KeywordUpdateTrain:  decodeUpdateTrain,
	KeywordRemoveTrain:  decodeRemoveTrain,
	KeywordGetTrain:     decodeGetTrain,
	KeywordServer:       decodeServerHandoff,
	KeywordAlive:        decodeAlive,
	KeywordMessage:      decodeNotice,
	KeywordControl:      decodeControl,
	KeywordLocoChange:   decodeLocoChange,
	KeywordLocoInfo:     decodeLocoInfo,
	KeywordEvent:        decodeEvent,
	KeywordQuit:         decodeQuit,
	KeywordAvatar:       decodeAvatar,
	KeywordText:         decodeText,
	KeywordWeather:      decodeWeather,
	KeywordAider:        decodeAider,
	KeywordCouple:       decodeCouple,
	KeywordUncouple:     decodeUncouple,
}

const (
	KeywordMove         = "MOVE"
	KeywordPlayer       = "PLAYER"
	KeywordSwitch       = "SWITCH"
	KeywordOrgSwitch    = "ORGSWITCH"
	KeywordSwitchStates = "SWITCHSTATES"
	KeywordSignalStates = "SIGNALSTATES"
	KeywordResetSignal  = "RESETSIGNAL"
	KeywordTrain        = "TRAIN"
	KeywordUpdateTrain  = "UPDATETRAIN"
	KeywordRemoveTrain  = "REMOVETRAIN"
	KeywordGetTrain     = "GETTRAIN"
	KeywordServer       = "SERVER"
	KeywordAlive        = "ALIVE"
	KeywordMessage      = "MESSAGE"
	KeywordControl      = "CONTROL"
	KeywordLocoChange   = "LOCCHANGE"
	KeywordLocoInfo     = "LOCOINFO"
	KeywordEvent        = "EVENT"
	KeywordQuit         = "QUIT"
	KeywordAvatar       = "AVATAR"
	KeywordText         = "TEXT"
	KeywordWeather      = "WEATHER"
	KeywordAider        = "AIDER"
	KeywordCouple       = "COUPLE"
	KeywordUncouple     = "UNCOUPLE"
)

// Decode turns a frame body into a typed message. The first space-delimited
// token is the keyword.
func Decode(body string) (Message, error) {
	keyword, payload, _ := strings.Cut(body, " ")
	dec, ok := decoders[keyword]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMessageKind, keyword)
	}
	m, err := dec(payload)
	if err != nil {
		return nil, &MalformedPayloadError{Keyword: keyword, Err: err}
	}
	return m, nil
}
