package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/railsim/railparty/internal/world"
)

// SwitchReq asks the dispatcher to throw a junction. The dispatcher validates
// the request and, if it passes, applies it and echoes it to everyone.
type SwitchReq struct {
	User         string
	TileX, TileZ int
	WorldID      int
	Selection    int
	HandThrown   bool
}

func (m *SwitchReq) Keyword() string { return KeywordSwitch }

func (m *SwitchReq) Payload() string {
	return fmt.Sprintf("%s %d %d %d %d %t",
		m.User, m.TileX, m.TileZ, m.WorldID, m.Selection, m.HandThrown)
}

func decodeSwitchReq(payload string) (Message, error) {
	f := strings.Fields(payload)
	if len(f) != 6 {
		return nil, fmt.Errorf("field count %d, want 6", len(f))
	}
	m := &SwitchReq{User: f[0]}
	var err error
	if m.TileX, err = strconv.Atoi(f[1]); err != nil {
		return nil, err
	}
	if m.TileZ, err = strconv.Atoi(f[2]); err != nil {
		return nil, err
	}
	if m.WorldID, err = strconv.Atoi(f[3]); err != nil {
		return nil, err
	}
	if m.Selection, err = strconv.Atoi(f[4]); err != nil {
		return nil, err
	}
	if m.HandThrown, err = strconv.ParseBool(f[5]); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SwitchReq) Apply(ctx *Context) error {
	j := ctx.World.Track.JunctionAt(m.TileX, m.TileZ, m.WorldID)
	if j == nil {
		ctx.logger().Warn().Msgf("switch request for unknown junction %d %d %d", m.TileX, m.TileZ, m.WorldID)
		return nil
	}
	if ctx.IsDispatcher() {
		if m.HandThrown && !ctx.State.AllowedManualSwitch && !ctx.State.IsAider(m.User) {
			_ = ctx.Bus.SendTo(m.User, NewNotice(m.User, LevelSwitchWarning,
				"Server does not allow hand thrown of switch"))
			return nil
		}
		if ctx.World.JunctionOccupied(j) {
			_ = ctx.Bus.SendTo(m.User, NewNotice(m.User, LevelWarning,
				"Train on the switch, cannot throw"))
			return nil
		}
		j.SelectedRoute = m.Selection
		return ctx.Bus.Broadcast(m)
	}
	j.SelectedRoute = m.Selection
	if m.HandThrown && m.User == ctx.Self {
		ctx.logger().Info().Msgf("switched, current route is %d", m.Selection)
	}
	return nil
}

// OrgSwitch carries the baseline switch states captured when the dispatcher
// session started. A joining client applies it wholesale, without the
// occupancy guard, so late joiners converge on the same starting layout.
type OrgSwitch struct {
	User   string
	States []byte
}

func (m *OrgSwitch) Keyword() string { return KeywordOrgSwitch }

func (m *OrgSwitch) Payload() string {
	return m.User + "\t" + EncodeBlob(m.States)
}

func decodeOrgSwitch(payload string) (Message, error) {
	user, blob, ok := strings.Cut(payload, "\t")
	if !ok {
		return nil, fmt.Errorf("missing blob separator")
	}
	states, err := DecodeBlob(strings.TrimSpace(blob))
	if err != nil {
		return nil, err
	}
	return &OrgSwitch{User: user, States: states}, nil
}

func (m *OrgSwitch) Apply(ctx *Context) error {
	if ctx.IsDispatcher() || m.User != ctx.Self {
		return nil
	}
	junctions, err := ctx.State.SwitchIndex(ctx.World)
	if err != nil {
		return err
	}
	for i, j := range junctions {
		if i >= len(m.States) {
			break
		}
		j.SelectedRoute = int(m.States[i])
	}
	return nil
}

// SwitchStates is the dispatcher's differential broadcast of every junction's
// selected route.
type SwitchStates struct {
	States []byte
	OK     bool
}

// NewSwitchStates snapshots the current switch layout. OK reports whether the
// layout changed since the previous snapshot, or a player joined recently.
func NewSwitchStates(w *world.World, st *SessionState, now time.Time) (*SwitchStates, error) {
	states, ok, err := st.SwitchSnapshot(w, now)
	if err != nil {
		return nil, err
	}
	return &SwitchStates{States: states, OK: ok}, nil
}

func (m *SwitchStates) Keyword() string { return KeywordSwitchStates }

// OKToSend reports whether the snapshot differs from the last one sent.
func (m *SwitchStates) OKToSend() bool { return m.OK }

func (m *SwitchStates) Payload() string { return EncodeBlob(m.States) }

func decodeSwitchStates(payload string) (Message, error) {
	states, err := DecodeBlob(strings.TrimSpace(payload))
	if err != nil {
		return nil, err
	}
	return &SwitchStates{States: states, OK: true}, nil
}

func (m *SwitchStates) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	own := ctx.OwnTrain()
	junctions, err := ctx.State.SwitchIndex(ctx.World)
	if err != nil {
		return err
	}
	for i, j := range junctions {
		if i >= len(m.States) {
			break
		}
		// never throw a switch under the local train
		if own != nil && ctx.World.TrainOccupiesJunction(own, j) {
			continue
		}
		j.SelectedRoute = int(m.States[i])
	}
	return nil
}

// ResetSignal asks the dispatcher to clear the requesting player's next
// signal back to stop.
type ResetSignal struct {
	User string
}

func (m *ResetSignal) Keyword() string { return KeywordResetSignal }

func (m *ResetSignal) Payload() string { return m.User }

func decodeResetSignal(payload string) (Message, error) {
	return &ResetSignal{User: strings.TrimSpace(payload)}, nil
}

func (m *ResetSignal) Apply(ctx *Context) error {
	if !ctx.IsDispatcher() || !ctx.State.AllowedManualSwitch {
		return nil
	}
	t := ctx.World.FindPlayerTrain(m.User)
	if t == nil || t.NextSignal == nil {
		return nil
	}
	t.NextSignal.Reset()
	// force the new aspect out even if the periodic diff would stay quiet
	states, _, err := ctx.State.SignalSnapshot(ctx.World, time.Now())
	if err != nil {
		return err
	}
	return ctx.Bus.Broadcast(&SignalStates{States: states, OK: true})
}
