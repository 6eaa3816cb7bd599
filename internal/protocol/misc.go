package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/railsim/railparty/internal/world"
)

// ServerHandoff names the new dispatcher after the old one left. The payload
// is the receiver-relative token YOU when the receiver itself is promoted.
type ServerHandoff struct {
	User string
}

func (m *ServerHandoff) Keyword() string { return KeywordServer }

func (m *ServerHandoff) Payload() string { return m.User }

func decodeServerHandoff(payload string) (Message, error) {
	return &ServerHandoff{User: strings.TrimSpace(payload)}, nil
}

func (m *ServerHandoff) Apply(ctx *Context) error {
	if m.User == HandoffYou || m.User == ctx.Self {
		ctx.State.PromoteSelf = true
		ctx.State.DispatcherName = ctx.Self
		ctx.logger().Info().Msg("promoted to dispatcher")
		return ctx.State.RememberSwitchBaseline(ctx.World)
	}
	ctx.State.DispatcherName = m.User
	ctx.logger().Info().Msgf("dispatcher is now %s", m.User)
	return nil
}

// Alive is the periodic keepalive. Liveness itself is tracked by the
// connection layer, so applying one is a no-op.
type Alive struct {
	User string
}

func (m *Alive) Keyword() string { return KeywordAlive }

func (m *Alive) Payload() string { return m.User }

func decodeAlive(payload string) (Message, error) {
	return &Alive{User: strings.TrimSpace(payload)}, nil
}

func (m *Alive) Apply(*Context) error { return nil }

// Notice is an out-of-band status line from the dispatcher. Error level is
// terminal for the addressed client; the switch levels toggle whether the
// local simulator may throw switches on its own.
type Notice struct {
	User  string
	Level string
	Text  string
}

func NewNotice(user, level, text string) *Notice {
	return &Notice{User: user, Level: level, Text: text}
}

func (m *Notice) Keyword() string { return KeywordMessage }

func (m *Notice) Payload() string {
	return m.User + "\t" + m.Level + "\t" + m.Text
}

func decodeNotice(payload string) (Message, error) {
	f := strings.SplitN(payload, "\t", 3)
	if len(f) != 3 {
		return nil, fmt.Errorf("field count %d, want 3", len(f))
	}
	return &Notice{User: f[0], Level: f[1], Text: f[2]}, nil
}

func (m *Notice) Apply(ctx *Context) error {
	if m.User != ctx.Self && m.User != RecipientAll {
		return nil
	}
	switch m.Level {
	case LevelError:
		ctx.logger().Error().Msgf("dispatcher: %s", m.Text)
		if !ctx.IsDispatcher() {
			_ = ctx.Bus.SendToServer(&Quit{User: ctx.Self})
			return &FatalError{Reason: m.Text}
		}
	case LevelSwitchWarning:
		ctx.State.TrySwitch = false
		ctx.logger().Warn().Msgf("dispatcher: %s", m.Text)
	case LevelSwitchOK:
		ctx.State.TrySwitch = true
		ctx.logger().Info().Msgf("dispatcher: %s", m.Text)
	default:
		ctx.logger().Info().Msgf("dispatcher: %s", m.Text)
	}
	return nil
}

// Text is player chat. The dispatcher relays it to the named recipients.
type Text struct {
	Sender     string
	Recipients []string
	Text       string
}

func (m *Text) Keyword() string { return KeywordText }

func (m *Text) Payload() string {
	return m.Sender + "\t" + strings.Join(m.Recipients, "\r") + "\t" + m.Text
}

func decodeText(payload string) (Message, error) {
	f := strings.SplitN(payload, "\t", 3)
	if len(f) != 3 {
		return nil, fmt.Errorf("field count %d, want 3", len(f))
	}
	var recipients []string
	for _, r := range strings.Split(f[1], "\r") {
		if r != "" {
			recipients = append(recipients, r)
		}
	}
	return &Text{Sender: f[0], Recipients: recipients, Text: f[2]}, nil
}

func (m *Text) addressedTo(name string) bool {
	for _, r := range m.Recipients {
		if r == name || r == RecipientAll {
			return true
		}
	}
	return false
}

func (m *Text) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		if m.addressedTo(ServerUserName) || m.addressedTo(ctx.Self) {
			ctx.logger().Info().Msgf("%s: %s", m.Sender, m.Text)
		}
		if m.addressedTo(RecipientAll) {
			return ctx.Bus.Broadcast(m)
		}
		for _, r := range m.Recipients {
			if r == ServerUserName || r == ctx.Self {
				continue
			}
			if err := ctx.Bus.SendTo(r, m); err != nil {
				ctx.logger().Warn().Msgf("could not relay chat to %s: %v", r, err)
			}
		}
		return nil
	}
	if m.addressedTo(ctx.Self) {
		ctx.logger().Info().Msgf("%s: %s", m.Sender, m.Text)
	}
	return nil
}

// Quit announces a departure. A dispatcher shutdown travels as the
// ServerHasToQuit token followed by the dispatcher's name.
type Quit struct {
	User string
}

// NewServerQuit is the dispatcher's shutdown announcement.
func NewServerQuit(name string) *Quit {
	return &Quit{User: ServerQuitToken + "\t" + name}
}

func (m *Quit) Keyword() string { return KeywordQuit }

func (m *Quit) Payload() string { return m.User }

func decodeQuit(payload string) (Message, error) {
	return &Quit{User: strings.TrimSpace(payload)}, nil
}

func (m *Quit) Apply(ctx *Context) error {
	if rest, ok := strings.CutPrefix(m.User, ServerQuitToken); ok {
		name := strings.TrimSpace(rest)
		ctx.logger().Info().Msgf("dispatcher %s is shutting down, will play in single mode", name)
		if t := ctx.OwnTrain(); t != nil {
			t.Type = world.TrainTypePlayer
		}
		return &FatalError{Reason: "dispatcher quit", Expected: true}
	}
	p := ctx.World.RemovePlayer(m.User)
	if p != nil && p.Train != nil {
		// the train stays behind as scenery
		p.Train.Type = world.TrainTypeStatic
	}
	if ctx.IsDispatcher() {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}

// Avatar carries a player's avatar image location.
type Avatar struct {
	User string
	URL  string
}

func (m *Avatar) Keyword() string { return KeywordAvatar }

func (m *Avatar) Payload() string { return m.User + "\t" + m.URL }

func decodeAvatar(payload string) (Message, error) {
	user, url, ok := strings.Cut(payload, "\t")
	if !ok {
		return nil, fmt.Errorf("missing url separator")
	}
	return &Avatar{User: user, URL: strings.TrimSpace(url)}, nil
}

func (m *Avatar) Apply(ctx *Context) error {
	if p := ctx.World.FindPlayer(m.User); p != nil {
		p.AvatarURL = m.URL
	}
	if ctx.IsDispatcher() && m.User != ctx.Self {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}

// Weather is the dispatcher's environment override.
type Weather struct {
	Weather  int
	Overcast float32
}

func (m *Weather) Keyword() string { return KeywordWeather }

func (m *Weather) Payload() string {
	return strconv.Itoa(m.Weather) + " " + ftoa(m.Overcast)
}

func decodeWeather(payload string) (Message, error) {
	f := strings.Fields(payload)
	if len(f) != 2 {
		return nil, fmt.Errorf("field count %d, want 2", len(f))
	}
	m := &Weather{}
	var err error
	if m.Weather, err = strconv.Atoi(f[0]); err != nil {
		return nil, err
	}
	if m.Overcast, err = atof(f[1]); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Weather) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	ctx.World.Weather = m.Weather
	ctx.World.Overcast = m.Overcast
	ctx.World.WeatherChanged = true
	return nil
}

// Aider grants or revokes a player's helper status. Helpers may throw
// switches even when the dispatcher disallows it for everyone else.
type Aider struct {
	User  string
	Aider bool
}

func (m *Aider) Keyword() string { return KeywordAider }

func (m *Aider) Payload() string {
	flag := "F"
	if m.Aider {
		flag = "T"
	}
	return m.User + "\t" + flag
}

func decodeAider(payload string) (Message, error) {
	user, flag, ok := strings.Cut(payload, "\t")
	if !ok {
		return nil, fmt.Errorf("missing flag separator")
	}
	return &Aider{User: user, Aider: strings.TrimSpace(flag) == "T"}, nil
}

func (m *Aider) Apply(ctx *Context) error {
	if p := ctx.World.FindPlayer(m.User); p != nil {
		p.Aider = m.Aider
	}
	if ctx.IsDispatcher() {
		ctx.State.SetAider(m.User, m.Aider)
		return ctx.Bus.Broadcast(m)
	}
	if m.User == ctx.Self {
		ctx.State.AmAider = m.Aider
	}
	return nil
}

// Event names on the wire.
const (
	EventHorn      = "HORN"
	EventBell      = "BELL"
	EventWiper     = "WIPER"
	EventHeadlight = "HEADLIGHT"
	EventPanto1    = "PANTO1"
	EventPanto2    = "PANTO2"
)

// Event mirrors a discrete equipment change on a player's train.
type Event struct {
	User       string
	EventName  string
	EventState int
}

func (m *Event) Keyword() string { return KeywordEvent }

func (m *Event) Payload() string {
	return m.User + "\t" + m.EventName + "\t" + strconv.Itoa(m.EventState)
}

func decodeEvent(payload string) (Message, error) {
	f := strings.Split(payload, "\t")
	if len(f) != 3 {
		return nil, fmt.Errorf("field count %d, want 3", len(f))
	}
	state, err := strconv.Atoi(strings.TrimSpace(f[2]))
	if err != nil {
		return nil, err
	}
	return &Event{User: f[0], EventName: f[1], EventState: state}, nil
}

func (m *Event) Apply(ctx *Context) error {
	t := ctx.World.FindPlayerTrain(m.User)
	if t == nil || m.User == ctx.Self {
		return nil
	}
	switch m.EventName {
	case EventHorn:
		t.Horn = m.EventState != 0
	case EventBell:
		t.Bell = m.EventState != 0
	case EventWiper:
		t.Wiper = m.EventState != 0
	case EventHeadlight:
		t.Headlight = m.EventState
	case EventPanto1:
		t.AftPanUp = m.EventState != 0
	case EventPanto2:
		t.FrontPanUp = m.EventState != 0
	default:
		ctx.logger().Warn().Msgf("unknown event %q from %s", m.EventName, m.User)
		return nil
	}
	if ctx.IsDispatcher() {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}
