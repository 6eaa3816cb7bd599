package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/railsim/railparty/internal/world"
)

// PlayerJoin is the join handshake. The server echoes it to everyone with the
// authoritative train number filled in; the joining client adopts that number
// together with the session clock, season and weather.
type PlayerJoin struct {
	User         string
	Code         string
	Num          int
	TileX, TileZ int
	X, Z         float32
	Travelled    float32
	Seconds      float64
	Season       int
	Weather      int
	PantoFirst   int
	PantoSecond  int
	LeadingID    string
	Consist      string
	Route        string
	Path         string
	Direction    int
	AvatarURL    string
	Cars         []CarEntry
	Version      int
}

// NewPlayerJoin builds the handshake for the local player and train.
func NewPlayerJoin(p *world.Player, t *world.Train, version int, w *world.World) *PlayerJoin {
	m := &PlayerJoin{
		User:      p.Name,
		Code:      p.Code,
		LeadingID: "NA",
		Consist:   p.ConsistPath,
		Route:     p.RoutePath,
		Path:      p.PathName,
		AvatarURL: p.AvatarURL,
		Seconds:   w.ClockSeconds,
		Season:    w.Season,
		Weather:   w.Weather,
		Version:   version,
	}
	if t != nil {
		m.Num = t.Number
		m.TileX, m.TileZ = t.TileX, t.TileZ
		m.X, m.Z = t.X, t.Z
		m.Travelled = t.Travelled
		m.Direction = t.Direction
		m.Cars = carEntriesFromTrain(t)
		if t.Lead != nil {
			m.LeadingID = t.Lead.ID
		}
		if t.AftPanUp {
			m.PantoFirst = 1
		}
		if t.FrontPanUp {
			m.PantoSecond = 1
		}
	}
	return m
}

func (m *PlayerJoin) Keyword() string { return KeywordPlayer }

func (m *PlayerJoin) Payload() string {
	head := fmt.Sprintf("%s %s %d %d %d %s %s %s %s %d %d %d %d",
		m.User, m.Code, m.Num, m.TileX, m.TileZ,
		ftoa(m.X), ftoa(m.Z), ftoa(m.Travelled),
		strconv.FormatFloat(m.Seconds, 'g', -1, 64),
		m.Season, m.Weather, m.PantoFirst, m.PantoSecond)
	parts := []string{
		head,
		m.LeadingID,
		m.Consist,
		m.Route,
		m.Path,
		strconv.Itoa(m.Direction),
		m.AvatarURL,
		encodeCarList(m.Cars, true),
		strconv.Itoa(m.Version),
	}
	return strings.Join(parts, "\r")
}

func decodePlayerJoin(payload string) (Message, error) {
	areas := strings.Split(payload, "\r")
	if len(areas) < 8 {
		return nil, fmt.Errorf("area count %d, want at least 8", len(areas))
	}
	head := strings.Fields(areas[0])
	if len(head) != 13 {
		return nil, fmt.Errorf("head field count %d, want 13", len(head))
	}
	m := &PlayerJoin{User: head[0], Code: head[1]}
	var err error
	for k, dst := range []*int{&m.Num, &m.TileX, &m.TileZ} {
		if *dst, err = strconv.Atoi(head[2+k]); err != nil {
			return nil, err
		}
	}
	if m.X, err = atof(head[5]); err != nil {
		return nil, err
	}
	if m.Z, err = atof(head[6]); err != nil {
		return nil, err
	}
	if m.Travelled, err = atof(head[7]); err != nil {
		return nil, err
	}
	if m.Seconds, err = strconv.ParseFloat(head[8], 64); err != nil {
		return nil, err
	}
	for k, dst := range []*int{&m.Season, &m.Weather, &m.PantoFirst, &m.PantoSecond} {
		if *dst, err = strconv.Atoi(head[9+k]); err != nil {
			return nil, err
		}
	}
	m.LeadingID = strings.TrimSpace(areas[1])
	m.Consist = strings.TrimSpace(areas[2])
	m.Route = strings.TrimSpace(areas[3])
	m.Path = strings.TrimSpace(areas[4])
	if m.Direction, err = strconv.Atoi(strings.TrimSpace(areas[5])); err != nil {
		return nil, err
	}
	m.AvatarURL = strings.TrimSpace(areas[6])
	if m.Cars, err = decodeCarList(areas[7], true); err != nil {
		return nil, err
	}
	if len(areas) >= 9 {
		// version joined the grammar late; older peers omit it
		if m.Version, err = strconv.Atoi(strings.TrimSpace(areas[8])); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PlayerJoin) Apply(ctx *Context) error {
	if m.Version != ctx.Version {
		reason := fmt.Sprintf("Wrong version of protocol, please update to version %d", ctx.Version)
		if !ctx.IsDispatcher() {
			ctx.logger().Error().Msgf("wrong version of protocol, will play in single mode, please update to version %d", ctx.Version)
		}
		return &FatalError{Reason: reason, Err: ErrVersionMismatch}
	}

	if ctx.IsDispatcher() {
		if !ctx.State.AllowNewPlayer {
			return &FatalError{Reason: "The dispatcher does not want to add more player"}
		}
		if ctx.World.FindPlayer(m.User) != nil || m.User == ctx.Self {
			return &FatalError{Reason: "A user with the same name exists", Err: ErrDuplicateName}
		}
		t := m.addToWorld(ctx)
		if t != nil {
			m.Num = t.Number // authoritative number travels in the echo
		}
		if err := ctx.Bus.Broadcast(m); err != nil {
			ctx.logger().Error().Msgf("could not echo player join: %v", err)
		}
		if ctx.State.OriginalSwitchState != nil {
			_ = ctx.Bus.Broadcast(&OrgSwitch{User: m.User, States: ctx.State.OriginalSwitchState})
		}
		// replay the roster so the joiner learns about everyone already in
		for _, p := range ctx.World.Players() {
			if p.Name == m.User || (p.Name == ctx.Self && p.Train == nil) {
				continue
			}
			replay := NewPlayerJoin(p, p.Train, ctx.Version, ctx.World)
			if err := ctx.Bus.SendTo(m.User, replay); err != nil {
				ctx.logger().Warn().Msgf("could not replay player %s: %v", p.Name, err)
			}
		}
		ctx.State.LastPlayerAdded = time.Now()
		return nil
	}

	// client side
	if m.User == ctx.Self {
		// the server's reply: adopt the assigned train number
		ctx.State.Connected = true
		if t := ctx.OwnTrain(); t != nil {
			t.Number = m.Num
		}
	} else if ctx.World.FindPlayer(m.User) == nil {
		m.addToWorld(ctx)
	}
	ctx.World.Weather = m.Weather
	ctx.World.ClockSeconds = m.Seconds
	ctx.World.Season = m.Season
	return nil
}

// addToWorld registers the joining player and instantiates their train. The
// dispatcher assigns the first free number at or above the requested one.
func (m *PlayerJoin) addToWorld(ctx *Context) *world.Train {
	num := m.Num
	if ctx.IsDispatcher() {
		for ctx.World.FindTrain(num) != nil {
			num++
		}
	}
	t := buildTrain(ctx, num, m.Cars, m.Direction, m.TileX, m.TileZ, m.X, m.Z, m.Travelled, 0)
	if t != nil {
		t.AftPanUp = m.PantoFirst == 1
		t.FrontPanUp = m.PantoSecond == 1
		if lead := t.FindCar(m.LeadingID); lead != nil {
			t.Lead = lead
		}
		ctx.World.AddTrain(t)
	}
	p := &world.Player{
		Name:                m.User,
		Code:                m.Code,
		Train:               t,
		LeadingLocomotiveID: m.LeadingID,
		AvatarURL:           m.AvatarURL,
		Version:             m.Version,
		Role:                world.RoleClient,
		ConsistPath:         m.Consist,
		RoutePath:           m.Route,
		PathName:            m.Path,
	}
	ctx.World.AddPlayer(p)
	return t
}
