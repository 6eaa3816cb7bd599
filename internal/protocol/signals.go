package protocol

import (
	"strings"
	"time"

	"github.com/railsim/railparty/internal/world"
)

// SignalStates is the dispatcher's differential broadcast of signal aspects.
// Aspects travel shifted by one so that Unknown (-1) fits in a byte.
type SignalStates struct {
	States []byte
	OK     bool
}

// NewSignalStates snapshots the current signal aspects. OK reports whether
// any aspect changed since the previous snapshot, or a player joined
// recently.
func NewSignalStates(w *world.World, st *SessionState, now time.Time) (*SignalStates, error) {
	states, ok, err := st.SignalSnapshot(w, now)
	if err != nil {
		return nil, err
	}
	return &SignalStates{States: states, OK: ok}, nil
}

func (m *SignalStates) Keyword() string { return KeywordSignalStates }

// OKToSend reports whether the snapshot differs from the last one sent.
func (m *SignalStates) OKToSend() bool { return m.OK }

func (m *SignalStates) Payload() string { return EncodeBlob(m.States) }

func decodeSignalStates(payload string) (Message, error) {
	states, err := DecodeBlob(strings.TrimSpace(payload))
	if err != nil {
		return nil, err
	}
	return &SignalStates{States: states, OK: true}, nil
}

func (m *SignalStates) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	heads, err := ctx.State.SignalIndex(ctx.World)
	if err != nil {
		return err
	}
	for i, h := range heads {
		if i >= len(m.States) {
			break
		}
		h.SetState(world.Aspect(int(m.States[i]) - 1))
	}
	return nil
}
