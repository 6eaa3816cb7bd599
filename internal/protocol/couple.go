package protocol

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/railsim/railparty/internal/world"
)

const (
	leadCarPrefix  = "Leading "
	firstCarPrefix = "First "
)

// tempTrainNumber picks a provisional number for a train a client created
// locally. The dispatcher replaces it with an authoritative one in the echo.
func tempTrainNumber() int {
	return 1000000 + rand.Intn(1000000)
}

// TrainHalf is the kinematic state of one half of an uncoupled consist.
type TrainHalf struct {
	TileX, TileZ int
	X, Z         float32
	Travelled    float32
	Speed        float32
	Direction    int
	Number       int
	MUDirection  int
}

func (h TrainHalf) encode() string {
	return fmt.Sprintf("%d %d %s %s %s %s %d %d %d",
		h.TileX, h.TileZ, ftoa(h.X), ftoa(h.Z), ftoa(h.Travelled), ftoa(h.Speed),
		h.Direction, h.Number, h.MUDirection)
}

func decodeTrainHalfFields(s string) (TrainHalf, error) {
	f := strings.Fields(s)
	if len(f) != 9 {
		return TrainHalf{}, fmt.Errorf("half field count %d, want 9", len(f))
	}
	var h TrainHalf
	var err error
	if h.TileX, err = strconv.Atoi(f[0]); err != nil {
		return h, err
	}
	if h.TileZ, err = strconv.Atoi(f[1]); err != nil {
		return h, err
	}
	if h.X, err = atof(f[2]); err != nil {
		return h, err
	}
	if h.Z, err = atof(f[3]); err != nil {
		return h, err
	}
	if h.Travelled, err = atof(f[4]); err != nil {
		return h, err
	}
	if h.Speed, err = atof(f[5]); err != nil {
		return h, err
	}
	if h.Direction, err = strconv.Atoi(f[6]); err != nil {
		return h, err
	}
	if h.Number, err = strconv.Atoi(f[7]); err != nil {
		return h, err
	}
	if h.MUDirection, err = strconv.Atoi(f[8]); err != nil {
		return h, err
	}
	return h, nil
}

func halfFromTrain(t *world.Train) TrainHalf {
	return TrainHalf{
		TileX: t.TileX, TileZ: t.TileZ,
		X: t.X, Z: t.Z,
		Travelled: t.Travelled, Speed: t.Speed,
		Direction: t.Direction, Number: t.Number, MUDirection: t.MUDirection,
	}
}

func (h TrainHalf) applyTo(t *world.Train) {
	t.TileX, t.TileZ = h.TileX, h.TileZ
	t.X, t.Z = h.X, h.Z
	t.Travelled = h.Travelled
	t.Speed = h.Speed
	t.Direction = h.Direction
	t.MUDirection = h.MUDirection
}

// CarRef identifies a car of the original consist by ID plus its orientation
// after the split.
type CarRef struct {
	ID      string
	Flipped bool
}

func encodeCarRefs(refs []CarRef) string {
	var b strings.Builder
	for _, r := range refs {
		b.WriteString(r.ID)
		b.WriteByte('\r')
		if r.Flipped {
			b.WriteString("1")
		} else {
			b.WriteString("0")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func decodeCarRefs(s string) ([]CarRef, error) {
	var refs []CarRef
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		id, flip, ok := strings.Cut(line, "\r")
		if !ok {
			return nil, fmt.Errorf("car ref %q missing orientation", line)
		}
		refs = append(refs, CarRef{ID: id, Flipped: strings.TrimSpace(flip) == "1"})
	}
	return refs, nil
}

func carRefsFromTrain(t *world.Train) []CarRef {
	refs := make([]CarRef, 0, len(t.Cars))
	for _, c := range t.Cars {
		refs = append(refs, CarRef{ID: c.ID, Flipped: c.Flipped})
	}
	return refs
}

// firstCarToken marks the first car of a half, flagged when it doubles as the
// half's lead locomotive.
func firstCarToken(t *world.Train) string {
	if len(t.Cars) == 0 {
		return firstCarPrefix + "NA"
	}
	first := t.Cars[0]
	if t.Lead == first {
		return leadCarPrefix + first.ID
	}
	return firstCarPrefix + first.ID
}

func splitCarToken(tok string) (id string, leading bool) {
	if rest, ok := strings.CutPrefix(tok, leadCarPrefix); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(tok, firstCarPrefix); ok {
		return rest, false
	}
	return tok, false
}

// Uncouple announces that a consist split in two. Each receiver rebuilds both
// halves from the car IDs so every session keeps identical consists.
type Uncouple struct {
	User          string
	WhichIsPlayer int
	FirstOld      string
	FirstNew      string
	Half1, Half2  TrainHalf
	Cars1, Cars2  []CarRef
}

// NewUncouple describes a split the local simulator already performed. old
// keeps its number; the new half gets a provisional one on clients, which the
// dispatcher replaces when it echoes the message.
func NewUncouple(ctx *Context, old, fresh *world.Train) *Uncouple {
	if !ctx.IsDispatcher() {
		fresh.Number = tempTrainNumber()
		fresh.Type = world.TrainTypeRemote
	}
	old.UncoupledFrom, fresh.UncoupledFrom = fresh, old
	m := &Uncouple{
		User:     ctx.Self,
		FirstOld: firstCarToken(old),
		FirstNew: firstCarToken(fresh),
		Half1:    halfFromTrain(old),
		Half2:    halfFromTrain(fresh),
		Cars1:    carRefsFromTrain(old),
		Cars2:    carRefsFromTrain(fresh),
	}
	if own := ctx.OwnTrain(); own == fresh {
		m.WhichIsPlayer = 1
	}
	remapPlayersAfterSplit(ctx.World, old, fresh)
	return m
}

func (m *Uncouple) Keyword() string { return KeywordUncouple }

func (m *Uncouple) Payload() string {
	parts := []string{
		m.User,
		strconv.Itoa(m.WhichIsPlayer),
		m.FirstOld,
		m.FirstNew,
		m.Half1.encode(),
		encodeCarRefs(m.Cars1),
		m.Half2.encode(),
		encodeCarRefs(m.Cars2),
	}
	return strings.Join(parts, "\t")
}

func decodeUncouple(payload string) (Message, error) {
	areas := strings.Split(payload, "\t")
	if len(areas) != 8 {
		return nil, fmt.Errorf("area count %d, want 8", len(areas))
	}
	m := &Uncouple{User: areas[0], FirstOld: areas[2], FirstNew: areas[3]}
	var err error
	if m.WhichIsPlayer, err = strconv.Atoi(areas[1]); err != nil {
		return nil, err
	}
	if m.Half1, err = decodeTrainHalfFields(areas[4]); err != nil {
		return nil, err
	}
	if m.Cars1, err = decodeCarRefs(areas[5]); err != nil {
		return nil, err
	}
	if m.Half2, err = decodeTrainHalfFields(areas[6]); err != nil {
		return nil, err
	}
	if m.Cars2, err = decodeCarRefs(areas[7]); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Uncouple) Apply(ctx *Context) error {
	if m.User == ctx.Self {
		return m.reconcileEcho(ctx)
	}

	oldID, oldLeading := splitCarToken(m.FirstOld)
	newID, newLeading := splitCarToken(m.FirstNew)

	source := findTrainWithCar(ctx.World, oldID)
	if source == nil {
		source = ctx.World.FindTrain(m.Half1.Number)
	}
	if source == nil {
		return ErrOperationAborted
	}

	cars1 := pickCars(source, m.Cars1)
	cars2 := pickCars(source, m.Cars2)
	if len(cars1) == 0 || len(cars2) == 0 {
		return ErrOperationAborted
	}

	source.Cars = cars1
	m.Half1.applyTo(source)
	source.Lead = nil
	if oldLeading {
		source.Lead = source.FindCar(oldID)
	}

	fresh := &world.Train{
		Number: m.Half2.Number,
		Type:   world.TrainTypeRemote,
		Cars:   cars2,
	}
	m.Half2.applyTo(fresh)
	if newLeading {
		fresh.Lead = fresh.FindCar(newID)
	}
	if ctx.IsDispatcher() {
		num := fresh.Number
		for ctx.World.FindTrain(num) != nil {
			num++
		}
		fresh.Number = num
		m.Half2.Number = num
	}
	source.UncoupledFrom, fresh.UncoupledFrom = fresh, source
	ctx.World.AddTrain(fresh)

	remapPlayersAfterSplit(ctx.World, source, fresh)

	if ctx.IsDispatcher() {
		return ctx.Bus.Broadcast(m)
	}
	return nil
}

// reconcileEcho adopts the dispatcher's authoritative numbers for a split the
// local simulator already performed.
func (m *Uncouple) reconcileEcho(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	oldID, _ := splitCarToken(m.FirstOld)
	newID, _ := splitCarToken(m.FirstNew)
	if t := findTrainWithCar(ctx.World, oldID); t != nil {
		t.Number = m.Half1.Number
	}
	if t := findTrainWithCar(ctx.World, newID); t != nil {
		t.Number = m.Half2.Number
	}
	return nil
}

func findTrainWithCar(w *world.World, id string) *world.Train {
	for _, t := range w.Trains() {
		if t.FindCar(id) != nil {
			return t
		}
	}
	return nil
}

// pickCars pulls the listed cars out of the source consist, in wire order.
// Cars the source never had are skipped rather than invented.
func pickCars(source *world.Train, refs []CarRef) []*world.Car {
	var cars []*world.Car
	for _, r := range refs {
		c := source.FindCar(r.ID)
		if c == nil {
			continue
		}
		c.Flipped = r.Flipped
		cars = append(cars, c)
	}
	return cars
}

// remapPlayersAfterSplit moves every player whose leading locomotive ended up
// in the new half over to it.
func remapPlayersAfterSplit(w *world.World, old, fresh *world.Train) {
	for _, p := range w.Players() {
		if p.Train != old && p.Train != fresh {
			continue
		}
		switch {
		case fresh.FindCar(p.LeadingLocomotiveID) != nil:
			p.Train = fresh
		case old.FindCar(p.LeadingLocomotiveID) != nil:
			p.Train = old
		}
	}
}

// Couple announces that two consists merged back into one. The surviving
// train keeps its number; the absorbed one is removed everywhere.
type Couple struct {
	Num         int
	RemovedNum  int
	Direction   int
	TileX       int
	TileZ       int
	X, Z        float32
	Travelled   float32
	LeadIndex   int
	WhoControls string
	MUDirection int
	Cars        []CarEntry
}

// NewCouple describes a merge the local simulator already performed. t is the
// surviving consist, absorbed the one that vanished into it.
func NewCouple(ctx *Context, t, absorbed *world.Train) *Couple {
	ctx.World.ClearUncoupledLinks(t)
	ctx.World.ClearUncoupledLinks(absorbed)
	m := &Couple{
		Num:         t.Number,
		RemovedNum:  absorbed.Number,
		Direction:   t.Direction,
		TileX:       t.TileX,
		TileZ:       t.TileZ,
		X:           t.X,
		Z:           t.Z,
		Travelled:   t.Travelled,
		LeadIndex:   t.LeadIndex(),
		WhoControls: "NA",
		MUDirection: t.MUDirection,
		Cars:        carEntriesFromTrain(t),
	}
	if t.Lead != nil {
		// car IDs carry their owner's name up front
		if who, _, ok := strings.Cut(t.Lead.ID, " - "); ok {
			m.WhoControls = who
		}
	}
	ctx.World.MarkRemoved(absorbed)
	return m
}

func (m *Couple) Keyword() string { return KeywordCouple }

func (m *Couple) Payload() string {
	head := fmt.Sprintf("%d %d %d %d %d %s %s %s %d %s %d",
		m.Num, m.RemovedNum, m.Direction, m.TileX, m.TileZ,
		ftoa(m.X), ftoa(m.Z), ftoa(m.Travelled),
		m.LeadIndex, m.WhoControls, m.MUDirection)
	return head + "\t" + encodeCarList(m.Cars, false)
}

func decodeCouple(payload string) (Message, error) {
	head, carBlock, ok := strings.Cut(payload, "\t")
	if !ok {
		return nil, fmt.Errorf("missing car block")
	}
	f := strings.Fields(head)
	if len(f) != 11 {
		return nil, fmt.Errorf("head field count %d, want 11", len(f))
	}
	m := &Couple{WhoControls: f[9]}
	var err error
	for k, dst := range []*int{&m.Num, &m.RemovedNum, &m.Direction, &m.TileX, &m.TileZ} {
		if *dst, err = strconv.Atoi(f[k]); err != nil {
			return nil, err
		}
	}
	if m.X, err = atof(f[5]); err != nil {
		return nil, err
	}
	if m.Z, err = atof(f[6]); err != nil {
		return nil, err
	}
	if m.Travelled, err = atof(f[7]); err != nil {
		return nil, err
	}
	if m.LeadIndex, err = strconv.Atoi(f[8]); err != nil {
		return nil, err
	}
	if m.MUDirection, err = strconv.Atoi(f[10]); err != nil {
		return nil, err
	}
	if m.Cars, err = decodeCarList(carBlock, false); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Couple) Apply(ctx *Context) error {
	if ctx.IsDispatcher() {
		return nil
	}
	t1 := ctx.World.FindTrain(m.Num)
	t2 := ctx.World.FindTrain(m.RemovedNum)
	if t1 == nil || t2 == nil {
		return ErrOperationAborted
	}

	var merged []*world.Car
	for _, e := range m.Cars {
		c := t1.FindCar(e.ID)
		if c == nil {
			c = t2.FindCar(e.ID)
		}
		if c == nil {
			continue
		}
		c.Flipped = e.Flipped != 0
		merged = append(merged, c)
	}
	if len(merged) == 0 {
		return ErrOperationAborted
	}

	ownBefore := ctx.OwnTrain()
	t1.Cars = merged
	t1.TileX, t1.TileZ = m.TileX, m.TileZ
	t1.X, t1.Z = m.X, m.Z
	t1.Travelled = m.Travelled
	t1.Direction = m.Direction
	t1.MUDirection = m.MUDirection
	if m.LeadIndex >= 0 && m.LeadIndex < len(t1.Cars) {
		t1.Lead = t1.Cars[m.LeadIndex]
	} else {
		t1.LeadNextEngine()
	}

	for _, p := range ctx.World.Players() {
		if p.Train == t2 {
			p.Train = t1
		}
	}
	// losing control of the merged consist demotes it to a remote train
	if (ownBefore == t1 || ownBefore == t2) && m.WhoControls != ctx.Self {
		t1.Type = world.TrainTypeRemote
	} else if m.WhoControls == ctx.Self {
		t1.Type = world.TrainTypePlayer
	}
	ctx.World.MarkRemoved(t2)
	return nil
}
