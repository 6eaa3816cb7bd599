package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/railsim/railparty/internal/world"
)

// Control levels on the wire.
const (
	ControlRequest = "Request"
	ControlConfirm = "Confirm"
)

// Control transfers authority over a train. A client sends a Request for an
// unoccupied consist; the dispatcher validates it and broadcasts a Confirm.
type Control struct {
	User  string
	Level string
	Num   int
}

func (m *Control) Keyword() string { return KeywordControl }

func (m *Control) Payload() string {
	return m.User + "\t" + m.Level + "\t" + strconv.Itoa(m.Num)
}

func decodeControl(payload string) (Message, error) {
	f := strings.Split(payload, "\t")
	if len(f) != 3 {
		return nil, fmt.Errorf("field count %d, want 3", len(f))
	}
	num, err := strconv.Atoi(strings.TrimSpace(f[2]))
	if err != nil {
		return nil, err
	}
	return &Control{User: f[0], Level: f[1], Num: num}, nil
}

func (m *Control) Apply(ctx *Context) error {
	switch {
	case m.Level == ControlConfirm && m.User == ctx.Self:
		t := ctx.World.FindTrain(m.Num)
		if t == nil {
			return nil
		}
		t.Type = world.TrainTypePlayer
		if p := ctx.World.FindPlayer(ctx.Self); p != nil {
			p.Train = t
			if lead := t.FindCar(p.LeadingLocomotiveID); lead != nil {
				t.Lead = lead
			}
		}
		ctx.World.ClearUncoupledLinks(t)

	case m.Level == ControlConfirm:
		t := ctx.World.FindTrain(m.Num)
		if t == nil {
			return nil
		}
		t.Type = world.TrainTypeRemote
		if p := ctx.World.FindPlayer(m.User); p != nil {
			p.Train = t
		}

	case m.Level == ControlRequest && ctx.IsDispatcher():
		t := ctx.World.FindTrain(m.Num)
		if t == nil {
			return nil
		}
		t.Type = world.TrainTypeRemote
		if p := ctx.World.FindPlayer(m.User); p != nil {
			p.Train = t
		}
		return ctx.Bus.Broadcast(&Control{User: m.User, Level: ControlConfirm, Num: m.Num})
	}
	return nil
}

// LocoChange announces that a player moved to a different locomotive of
// their consist.
type LocoChange struct {
	User     string
	EngineID string
	Num      int
}

func (m *LocoChange) Keyword() string { return KeywordLocoChange }

func (m *LocoChange) Payload() string {
	return m.User + "\t" + m.EngineID + "\t" + strconv.Itoa(m.Num)
}

func decodeLocoChange(payload string) (Message, error) {
	f := strings.Split(payload, "\t")
	if len(f) != 3 {
		return nil, fmt.Errorf("field count %d, want 3", len(f))
	}
	num, err := strconv.Atoi(strings.TrimSpace(f[2]))
	if err != nil {
		return nil, err
	}
	return &LocoChange{User: f[0], EngineID: f[1], Num: num}, nil
}

func (m *LocoChange) Apply(ctx *Context) error {
	t := ctx.World.FindTrain(m.Num)
	if t == nil {
		t = findTrainWithCar(ctx.World, m.EngineID)
	}
	if t != nil {
		if lead := t.FindCar(m.EngineID); lead != nil {
			t.Lead = lead
		}
	}
	if p := ctx.World.FindPlayer(m.User); p != nil {
		p.LeadingLocomotiveID = m.EngineID
	}
	if ctx.IsDispatcher() {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}

// LocoInfo mirrors the cab controls of a player's locomotives so observers
// see matching gauges.
type LocoInfo struct {
	User         string
	Num          int
	EngineBrake  float32
	DynamicBrake float32
	Throttle     float32
	Voltage      float32
	CutoffCtrl   float32
	BlowerCtrl   float32
	DamperCtrl   float32
	FiringRate   float32
	Injector1    float32
	Injector2    float32
}

// NewLocoInfo samples the cab of the train's lead locomotive.
func NewLocoInfo(user string, t *world.Train) *LocoInfo {
	m := &LocoInfo{User: user, Num: t.Number}
	if t.Lead != nil {
		cab := t.Lead.Cab
		m.EngineBrake = cab.EngineBrake
		m.DynamicBrake = cab.DynamicBrake
		m.Throttle = cab.Throttle
		m.Voltage = cab.Voltage
		m.CutoffCtrl = cab.CutoffCtrl
		m.BlowerCtrl = cab.BlowerCtrl
		m.DamperCtrl = cab.DamperCtrl
		m.FiringRate = cab.FiringRate
		m.Injector1 = cab.Injector1
		m.Injector2 = cab.Injector2
	}
	return m
}

func (m *LocoInfo) Keyword() string { return KeywordLocoInfo }

func (m *LocoInfo) Payload() string {
	f := []string{
		m.User,
		strconv.Itoa(m.Num),
		ftoa(m.EngineBrake), ftoa(m.DynamicBrake), ftoa(m.Throttle), ftoa(m.Voltage),
		ftoa(m.CutoffCtrl), ftoa(m.BlowerCtrl), ftoa(m.DamperCtrl), ftoa(m.FiringRate),
		ftoa(m.Injector1), ftoa(m.Injector2),
	}
	return strings.Join(f, "\t")
}

func decodeLocoInfo(payload string) (Message, error) {
	f := strings.Split(payload, "\t")
	if len(f) != 12 {
		return nil, fmt.Errorf("field count %d, want 12", len(f))
	}
	m := &LocoInfo{User: f[0]}
	var err error
	if m.Num, err = strconv.Atoi(strings.TrimSpace(f[1])); err != nil {
		return nil, err
	}
	for k, dst := range []*float32{
		&m.EngineBrake, &m.DynamicBrake, &m.Throttle, &m.Voltage,
		&m.CutoffCtrl, &m.BlowerCtrl, &m.DamperCtrl, &m.FiringRate,
		&m.Injector1, &m.Injector2,
	} {
		if *dst, err = atof(f[2+k]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *LocoInfo) Apply(ctx *Context) error {
	t := ctx.World.FindTrain(m.Num)
	if t == nil || t.Type == world.TrainTypePlayer {
		return nil
	}
	cab := world.CabState{
		EngineBrake:  m.EngineBrake,
		DynamicBrake: m.DynamicBrake,
		Throttle:     m.Throttle,
		Voltage:      m.Voltage,
		CutoffCtrl:   m.CutoffCtrl,
		BlowerCtrl:   m.BlowerCtrl,
		DamperCtrl:   m.DamperCtrl,
		FiringRate:   m.FiringRate,
		Injector1:    m.Injector1,
		Injector2:    m.Injector2,
	}
	for _, c := range t.Cars {
		if c.Engine && strings.HasPrefix(c.ID, m.User) {
			c.Cab = cab
		}
	}
	if ctx.IsDispatcher() {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}
