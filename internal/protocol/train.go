package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/railsim/railparty/internal/world"
)

// CarEntry is one car of a consist on the wire: quoted wagon file path, then
// stable ID, flip flag and length separated by newlines; entries are joined
// by tabs so the path and ID may embed spaces.
type CarEntry struct {
	Path    string
	ID      string
	Flipped int
	Length  int
}

func encodeCarList(cars []CarEntry, withLength bool) string {
	var sb strings.Builder
	for _, c := range cars {
		sb.WriteByte('"')
		sb.WriteString(c.Path)
		sb.WriteString(`" `)
		sb.WriteString(c.ID)
		sb.WriteByte('\n')
		sb.WriteString(strconv.Itoa(c.Flipped))
		if withLength {
			sb.WriteByte('\n')
			sb.WriteString(strconv.Itoa(c.Length))
		}
		sb.WriteByte('\t')
	}
	return sb.String()
}

func decodeCarList(s string, withLength bool) ([]CarEntry, error) {
	areas := strings.Split(s, "\t")
	if len(areas) < 2 {
		return nil, fmt.Errorf("empty car list")
	}
	cars := make([]CarEntry, 0, len(areas)-1)
	for _, area := range areas[:len(areas)-1] { // trailing tab leaves an empty tail
		open := strings.IndexByte(area, '"')
		last := strings.LastIndexByte(area, '"')
		if open < 0 || last <= open {
			return nil, fmt.Errorf("car entry %q missing quoted path", area)
		}
		c := CarEntry{Path: area[open+1 : last]}
		info := strings.Split(strings.TrimSpace(area[last+1:]), "\n")
		want := 2
		if withLength {
			want = 3
		}
		if len(info) != want {
			return nil, fmt.Errorf("car entry %q has %d fields, want %d", area, len(info), want)
		}
		c.ID = info[0]
		var err error
		if c.Flipped, err = strconv.Atoi(info[1]); err != nil {
			return nil, err
		}
		if withLength {
			if c.Length, err = strconv.Atoi(info[2]); err != nil {
				return nil, err
			}
		}
		cars = append(cars, c)
	}
	return cars, nil
}

func carEntriesFromTrain(t *world.Train) []CarEntry {
	cars := make([]CarEntry, len(t.Cars))
	for i, c := range t.Cars {
		flip := 0
		if c.Flipped {
			flip = 1
		}
		cars[i] = CarEntry{Path: c.WagFilePath, ID: c.ID, Flipped: flip, Length: c.Length}
	}
	return cars
}

// TrainDef instantiates a brand-new remote train on clients: full consist
// definition plus kinematic state.
type TrainDef struct {
	Num          int
	Direction    int
	TileX, TileZ int
	X, Z         float32
	Travelled    float32
	MUDirection  int
	Cars         []CarEntry
}

func NewTrainDef(t *world.Train) *TrainDef {
	return &TrainDef{
		Num:         t.Number,
		Direction:   t.Direction,
		TileX:       t.TileX,
		TileZ:       t.TileZ,
		X:           t.X,
		Z:           t.Z,
		Travelled:   t.Travelled,
		MUDirection: t.MUDirection,
		Cars:        carEntriesFromTrain(t),
	}
}

func (m *TrainDef) Keyword() string { return KeywordTrain }

func (m *TrainDef) Payload() string {
	return fmt.Sprintf("%d %d %d %d %s %s %s %d %s",
		m.Num, m.Direction, m.TileX, m.TileZ,
		ftoa(m.X), ftoa(m.Z), ftoa(m.Travelled), m.MUDirection,
		encodeCarList(m.Cars, true))
}

func decodeTrainHead(payload string) (head []string, carBlock string, err error) {
	// eight space-delimited head fields, then the tab-joined car list
	rest := payload
	for i := 0; i < 8; i++ {
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			return nil, "", fmt.Errorf("train head truncated after %d fields", i)
		}
		head = append(head, rest[:idx])
		rest = rest[idx+1:]
	}
	return head, rest, nil
}

func decodeTrainDef(payload string) (Message, error) {
	head, carBlock, err := decodeTrainHead(payload)
	if err != nil {
		return nil, err
	}
	m := &TrainDef{}
	if err := scanTrainHead(head, &m.Num, &m.Direction, &m.TileX, &m.TileZ, &m.X, &m.Z, &m.Travelled, &m.MUDirection); err != nil {
		return nil, err
	}
	if m.Cars, err = decodeCarList(carBlock, true); err != nil {
		return nil, err
	}
	return m, nil
}

func scanTrainHead(f []string, num, dir, tileX, tileZ *int, x, z, travelled *float32, muDir *int) error {
	var err error
	if *num, err = strconv.Atoi(f[0]); err != nil {
		return err
	}
	if *dir, err = strconv.Atoi(f[1]); err != nil {
		return err
	}
	if *tileX, err = strconv.Atoi(f[2]); err != nil {
		return err
	}
	if *tileZ, err = strconv.Atoi(f[3]); err != nil {
		return err
	}
	if *x, err = atof(f[4]); err != nil {
		return err
	}
	if *z, err = atof(f[5]); err != nil {
		return err
	}
	if *travelled, err = atof(f[6]); err != nil {
		return err
	}
	if *muDir, err = strconv.Atoi(f[7]); err != nil {
		return err
	}
	return nil
}

// buildTrain loads the consist into a fresh train object. Cars whose stock
// cannot be loaded at all are skipped; an entirely empty result returns nil.
func buildTrain(ctx *Context, num int, cars []CarEntry, direction, tileX, tileZ int, x, z, travelled float32, muDirection int) *world.Train {
	t := &world.Train{
		Number:      num,
		Type:        world.TrainTypeRemote,
		Direction:   direction,
		TileX:       tileX,
		TileZ:       tileZ,
		X:           x,
		Z:           z,
		Travelled:   travelled,
		MUDirection: muDirection,
	}
	var prev *world.Car
	for _, entry := range cars {
		car, err := ctx.World.LoadCar(entry.Path, entry.Length, prev)
		if err != nil || car == nil {
			ctx.logger().Warn().Str("wagon", entry.Path).Msg("could not load car, skipping")
			continue
		}
		car.Flipped = entry.Flipped != 0
		car.ID = entry.ID
		car.Train = t
		t.Cars = append(t.Cars, car)
		prev = car
	}
	if len(t.Cars) == 0 {
		return nil
	}
	if t.Cars[0].Engine {
		t.Lead = t.Cars[0]
	}
	return t
}

func (m *TrainDef) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	t := buildTrain(ctx, m.Num, m.Cars, m.Direction, m.TileX, m.TileZ, m.X, m.Z, m.Travelled, m.MUDirection)
	if t == nil {
		return nil
	}
	ctx.World.AddTrain(t)
	return nil
}

// UpdateTrain refreshes (or creates) a train for the single user who asked
// for it, reusing already-loaded cars matched by stable ID so rolling-stock
// assets are not reloaded.
type UpdateTrain struct {
	User string
	TrainDef
}

func NewUpdateTrain(user string, t *world.Train) *UpdateTrain {
	return &UpdateTrain{User: user, TrainDef: *NewTrainDef(t)}
}

func (m *UpdateTrain) Keyword() string { return KeywordUpdateTrain }

func (m *UpdateTrain) Payload() string {
	return m.User + " " + m.TrainDef.Payload()
}

func decodeUpdateTrain(payload string) (Message, error) {
	user, rest, ok := strings.Cut(payload, " ")
	if !ok {
		return nil, fmt.Errorf("missing user field")
	}
	inner, err := decodeTrainDef(rest)
	if err != nil {
		return nil, err
	}
	return &UpdateTrain{User: user, TrainDef: *inner.(*TrainDef)}, nil
}

func (m *UpdateTrain) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	if m.User != ctx.Self {
		return nil // addressed to whoever requested the resync
	}
	t := ctx.World.FindTrain(m.Num)
	if t == nil {
		return m.TrainDef.Apply(ctx)
	}
	var cars []*world.Car
	var prev *world.Car
	for _, entry := range m.Cars {
		car := t.FindCar(entry.ID)
		if car == nil {
			loaded, err := ctx.World.LoadCar(entry.Path, entry.Length, prev)
			if err != nil || loaded == nil {
				ctx.logger().Warn().Str("wagon", entry.Path).Msg("could not load car, skipping")
				continue
			}
			car = loaded
		}
		car.Flipped = entry.Flipped != 0
		car.ID = entry.ID
		car.Train = t
		cars = append(cars, car)
		prev = car
	}
	if len(cars) == 0 {
		return nil
	}
	t.Cars = cars
	t.MUDirection = m.MUDirection
	t.Direction = m.Direction
	t.TileX, t.TileZ = m.TileX, m.TileZ
	t.X, t.Z = m.X, m.Z
	t.Travelled = m.Travelled
	return nil
}

// GetTrain asks the dispatcher to send train Num. The dispatcher answers by
// broadcasting an UPDATETRAIN to everyone, so all clients self-heal together.
type GetTrain struct {
	User string
	Num  int
}

func (m *GetTrain) Keyword() string { return KeywordGetTrain }

func (m *GetTrain) Payload() string {
	return fmt.Sprintf("%s %d", m.User, m.Num)
}

func decodeGetTrain(payload string) (Message, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return nil, fmt.Errorf("field count %d, want 2", len(fields))
	}
	num, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	return &GetTrain{User: fields[0], Num: num}, nil
}

func (m *GetTrain) Apply(ctx *Context) error {
	if !ctx.IsDispatcher() {
		return nil
	}
	if t := ctx.World.FindTrain(m.Num); t != nil {
		return ctx.Bus.Broadcast(NewUpdateTrain(m.User, t))
	}
	return nil
}

// RemoveTrain marks the listed train numbers for removal on every receiver.
// Actual removal is deferred to the world's safe mutation point.
type RemoveTrain struct {
	Numbers []int
}

func NewRemoveTrain(trains []*world.Train) *RemoveTrain {
	m := &RemoveTrain{}
	for _, t := range trains {
		m.Numbers = append(m.Numbers, t.Number)
	}
	return m
}

func (m *RemoveTrain) Keyword() string { return KeywordRemoveTrain }

func (m *RemoveTrain) Payload() string {
	parts := make([]string, len(m.Numbers))
	for i, n := range m.Numbers {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " ")
}

func decodeRemoveTrain(payload string) (Message, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty train list")
	}
	m := &RemoveTrain{}
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		m.Numbers = append(m.Numbers, n)
	}
	return m, nil
}

func (m *RemoveTrain) Apply(ctx *Context) error {
	for _, n := range m.Numbers {
		if t := ctx.World.FindTrain(n); t != nil {
			ctx.World.MarkRemoved(t)
		}
	}
	return nil
}
