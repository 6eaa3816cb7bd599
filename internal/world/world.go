// Package world holds the shared mutable model of a multiplayer session: the
// player roster, the train roster and the track database with its junctions
// and signal heads. Messages borrow a *World while being applied; the session
// controller owns it for the lifetime of the session.
package world

import (
	"fmt"
	"io"
	"sync"

	"github.com/phuslu/log"
)

type TrainType int

const (
	TrainTypePlayer TrainType = iota
	TrainTypeRemote
	TrainTypeAI
	TrainTypeStatic
)

// Direction values used by travellers and the MU controls.
const (
	DirectionBackward = 0
	DirectionForward  = 1
)

type Car struct {
	WagFilePath string
	ID          string
	Length      int
	Flipped     bool
	Engine      bool
	Train       *Train
	Cab         CabState
}

// CabState mirrors the driving controls of a locomotive as replicated by
// LOCOINFO. The traction model behind these values is out of scope.
type CabState struct {
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

type Train struct {
	Number    int
	Type      TrainType
	Cars      []*Car
	Lead      *Car
	Speed     float32
	Travelled float32

	// rear traveller placement
	TileX, TileZ   int
	X, Z           float32
	TrackNodeIndex int
	Direction      int

	FrontNodeIndex int
	MUDirection    int

	// sibling from the most recent uncouple, cleared on re-couple
	UncoupledFrom *Train

	LastReportedSpeed float32
	NextSignal        *SignalHead

	// equipment state mirrored by EVENT messages
	Horn       bool
	Bell       bool
	Wiper      bool
	Headlight  int
	FrontPanUp bool
	AftPanUp   bool
}

func (t *Train) FindCar(id string) *Car {
	for _, c := range t.Cars {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (t *Train) ContainsCar(car *Car) bool {
	for _, c := range t.Cars {
		if c == car {
			return true
		}
	}
	return false
}

// LeadIndex returns the position of the lead locomotive in the consist, or -1.
func (t *Train) LeadIndex() int {
	for i, c := range t.Cars {
		if c == t.Lead {
			return i
		}
	}
	return -1
}

// WorthReporting reports whether the train belongs in the next position
// batch: it is moving, or it stopped and the stop itself has not gone out yet.
func (t *Train) WorthReporting() bool {
	return t.Speed != 0 || t.LastReportedSpeed != 0
}

// LeadNextEngine picks the first engine in the consist as the new lead.
func (t *Train) LeadNextEngine() {
	t.Lead = nil
	for _, c := range t.Cars {
		if c.Engine {
			t.Lead = c
			return
		}
	}
}

type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

type Player struct {
	Name                string
	Code                string
	Train               *Train
	LeadingLocomotiveID string
	AvatarURL           string
	Version             int
	Role                Role
	Aider               bool

	ConsistPath string
	RoutePath   string
	PathName    string
}

// StockDef describes a rolling-stock definition file from the read-only
// catalog. The catalog stands in for the wagon/engine loaders, which are out
// of scope here.
type StockDef struct {
	Path   string
	Length int
	Engine bool
}

type World struct {
	mu sync.RWMutex

	players map[string]*Player
	trains  []*Train
	removed []*Train

	Track   *TrackDB
	Signals []*SignalHead

	stock map[string]StockDef

	// session environment replicated by PLAYER/WEATHER
	ClockSeconds   float64
	Season         int
	Weather        int
	Overcast       float32
	WeatherChanged bool

	logger *log.Logger
}

func New(track *TrackDB, signals []*SignalHead, logger *log.Logger) *World {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return &World{
		players: make(map[string]*Player),
		Track:   track,
		Signals: signals,
		stock:   make(map[string]StockDef),
		logger:  logger,
	}
}

func (w *World) RegisterStock(defs ...StockDef) {
	for _, d := range defs {
		w.stock[d.Path] = d
	}
}

// AddPlayer registers p and reports whether the name was free. The
// check-then-add is done under the roster lock so two connections cannot race
// on the same name.
func (w *World) AddPlayer(p *Player) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.players[p.Name]; ok {
		return false
	}
	w.players[p.Name] = p
	return true
}

func (w *World) FindPlayer(name string) *Player {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.players[name]
}

func (w *World) RemovePlayer(name string) *Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.players[name]
	delete(w.players, name)
	return p
}

// Players returns a snapshot of the roster.
func (w *World) Players() []*Player {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Player, 0, len(w.players))
	for _, p := range w.players {
		out = append(out, p)
	}
	return out
}

func (w *World) FindPlayerTrain(name string) *Train {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if p, ok := w.players[name]; ok {
		return p.Train
	}
	return nil
}

func (w *World) FindTrain(number int) *Train {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, t := range w.trains {
		if t.Number == number {
			return t
		}
	}
	return nil
}

func (w *World) Trains() []*Train {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Train, len(w.trains))
	copy(out, w.trains)
	return out
}

func (w *World) AddTrain(t *Train) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, have := range w.trains {
		if have == t || have.Number == t.Number {
			return false
		}
	}
	w.trains = append(w.trains, t)
	return true
}

// MarkRemoved queues t for removal at the next safe mutation point instead of
// mutating the roster mid-pass.
func (w *World) MarkRemoved(t *Train) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, have := range w.removed {
		if have == t {
			return
		}
	}
	w.removed = append(w.removed, t)
}

// SweepRemoved drops every queued train from the roster. Called once per tick
// by the session controller.
func (w *World) SweepRemoved() []*Train {
	w.mu.Lock()
	defer w.mu.Unlock()
	swept := w.removed
	w.removed = nil
	for _, t := range swept {
		for i, have := range w.trains {
			if have == t {
				w.trains = append(w.trains[:i], w.trains[i+1:]...)
				break
			}
		}
	}
	return swept
}

// ClearUncoupledLinks drops any sibling link pointing at or from t.
func (w *World) ClearUncoupledLinks(t *Train) {
	if t == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.UncoupledFrom != nil {
		t.UncoupledFrom.UncoupledFrom = nil
		t.UncoupledFrom = nil
	}
	for _, have := range w.trains {
		if have.UncoupledFrom == t {
			have.UncoupledFrom = nil
		}
	}
}

// LoadCar instantiates a car from the stock catalog. A missing definition is
// substituted with a placeholder of the reported length and logged as a
// warning, never treated as fatal.
func (w *World) LoadCar(path string, length int, prev *Car) (*Car, error) {
	def, ok := w.stock[path]
	if !ok {
		w.logger.Warn().Str("wagon", path).Msg("unknown rolling stock, substituting")
		return &Car{WagFilePath: path, Length: length}, nil
	}
	_ = prev // couplers are physics, out of scope
	car := &Car{WagFilePath: def.Path, Length: def.Length, Engine: def.Engine}
	if length > 0 {
		car.Length = length
	}
	return car, nil
}

// TrainOccupiesJunction walks the track from the train's rear traveller to
// its front and reports whether the junction lies strictly between them.
func (w *World) TrainOccupiesJunction(t *Train, j *Junction) bool {
	if t == nil || j == nil || w.Track == nil {
		return false
	}
	if t.TrackNodeIndex == t.FrontNodeIndex {
		return false
	}
	path := w.Track.Walk(t.TrackNodeIndex, t.FrontNodeIndex)
	for i := 1; i < len(path); i++ {
		if path[i] == t.FrontNodeIndex {
			break
		}
		if n := w.Track.Node(path[i]); n != nil && n.Junction == j {
			return true
		}
	}
	return false
}

// JunctionOccupied reports whether any train currently sits on the junction.
func (w *World) JunctionOccupied(j *Junction) bool {
	for _, t := range w.Trains() {
		if w.TrainOccupiesJunction(t, j) {
			return true
		}
	}
	return false
}

// Junctions enumerates all junctions in stable track-node order.
func (w *World) Junctions() ([]*Junction, error) {
	if w.Track == nil {
		return nil, fmt.Errorf("no track database")
	}
	return w.Track.Junctions(), nil
}

// SignalHeads enumerates all signal heads ordered by their composite key.
func (w *World) SignalHeads() ([]*SignalHead, error) {
	if w.Signals == nil {
		return nil, fmt.Errorf("no signal configuration")
	}
	out := make([]*SignalHead, len(w.Signals))
	copy(out, w.Signals)
	sortSignalHeads(out)
	return out, nil
}

func (w *World) Logger() *log.Logger { return w.logger }
