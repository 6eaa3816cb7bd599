package protocol

import (
	"time"

	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/world"
)

// Reserved name prefixes and sentinels carried on the wire.
const (
	PrefixAI        = "0xAI" // AI train owner names
	PrefixUncoupled = "0xUC" // synthetic owner of a freshly uncoupled train

	ServerUserName  = "0Server"         // chat recipient meaning "the dispatcher"
	HandoffYou      = "YOU"             // SERVER payload addressed to the receiver
	ServerQuitToken = "ServerHasToQuit" // QUIT payload prefix for a dispatcher shutdown
	RecipientAll    = "All"             // MESSAGE addressed to everyone
)

// Notice levels.
const (
	LevelError         = "Error"
	LevelWarning       = "Warning"
	LevelSwitchWarning = "SwitchWarning"
	LevelSwitchOK      = "SwitchOK"
	LevelInfo          = "Info"
)

// Bus delivers encoded messages to peers. Broadcast is fire-and-forget
// best-effort: there is no acknowledgement or retry, only the per-connection
// stream order. On a client Broadcast and SendToServer are the same thing.
type Bus interface {
	Broadcast(m Message) error
	SendTo(user string, m Message) error
	SendToServer(m Message) error
}

// Context carries everything an apply routine may touch. The session
// controller builds one per session and hands it to every Apply call.
type Context struct {
	World   *world.World
	Self    string
	Role    world.Role
	Version int
	Bus     Bus
	State   *SessionState
	Logger  *log.Logger
}

func (c *Context) IsDispatcher() bool { return c.Role == world.RoleServer }

func (c *Context) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return c.World.Logger()
}

// OwnTrain is the train the local player currently controls, if any.
func (c *Context) OwnTrain() *world.Train {
	return c.World.FindPlayerTrain(c.Self)
}

const missThreshold = 10

// SessionState holds the session-wide caches the protocol needs across
// messages: the ordered switch/signal indexes with their previous snapshots,
// the per-train miss counters and the dispatcher policy flags. It lives
// exactly as long as the session; the indexes are rebuilt if enumeration of
// the world fails.
type SessionState struct {
	switchIndex  []*world.Junction
	switchStates []byte
	prevSwitch   []byte

	signalIndex  []*world.SignalHead
	signalStates []byte
	prevSignal   []byte

	missCounts map[int]int

	// grace window bookkeeping: a late joiner keeps receiving full
	// snapshots for a short while even with zero real changes
	LastPlayerAdded time.Time
	UpdateInterval  time.Duration

	// dispatcher policy
	AllowNewPlayer      bool
	AllowedManualSwitch bool
	aiders              map[string]bool

	// local client flags
	TrySwitch bool
	AmAider   bool
	Connected bool

	// pre-change switch baseline for ORGSWITCH, remembered at session
	// start and again at role handoff
	OriginalSwitchState []byte

	// role handoff outcome, consumed by the session controller
	PromoteSelf    bool
	DispatcherName string
}

func NewSessionState() *SessionState {
	return &SessionState{
		missCounts:          make(map[int]int),
		aiders:              make(map[string]bool),
		UpdateInterval:      time.Second,
		AllowNewPlayer:      true,
		AllowedManualSwitch: true,
		TrySwitch:           true,
	}
}

// CheckMissing bumps the miss counter for a train number and reports whether
// it just reached the resync threshold, resetting it if so. This damps resync
// storms against transient reordering: only the 10th consecutive miss asks
// the server for the full train.
func (s *SessionState) CheckMissing(number int) bool {
	s.missCounts[number]++
	if s.missCounts[number] >= missThreshold {
		s.missCounts[number] = 0
		return true
	}
	return false
}

// ClearMissing resets the counter once the train is seen again.
func (s *SessionState) ClearMissing(number int) {
	delete(s.missCounts, number)
}

func (s *SessionState) SetAider(name string, aider bool) {
	if aider {
		s.aiders[name] = true
	} else {
		delete(s.aiders, name)
	}
}

func (s *SessionState) IsAider(name string) bool { return s.aiders[name] }

// withinGraceWindow reports whether a player joined recently enough that
// snapshots should keep flowing unchanged.
func (s *SessionState) withinGraceWindow(now time.Time) bool {
	if s.LastPlayerAdded.IsZero() {
		return false
	}
	return now.Sub(s.LastPlayerAdded) < 3*s.UpdateInterval
}

// SwitchIndex returns the cached ordered junction list, building it on first
// use. On enumeration failure the cache is cleared so the next call retries.
func (s *SessionState) SwitchIndex(w *world.World) ([]*world.Junction, error) {
	if s.switchIndex != nil {
		return s.switchIndex, nil
	}
	index, err := w.Junctions()
	if err != nil {
		s.switchIndex = nil
		return nil, err
	}
	s.switchIndex = index
	s.switchStates = make([]byte, len(index)+2)
	s.prevSwitch = nil
	return s.switchIndex, nil
}

// SignalIndex is the signal-head analog of SwitchIndex.
func (s *SessionState) SignalIndex(w *world.World) ([]*world.SignalHead, error) {
	if s.signalIndex != nil {
		return s.signalIndex, nil
	}
	index, err := w.SignalHeads()
	if err != nil {
		s.signalIndex = nil
		return nil, err
	}
	s.signalIndex = index
	s.signalStates = make([]byte, len(index)+2)
	s.prevSignal = nil
	return s.signalIndex, nil
}

// SwitchSnapshot renders the current switch states and reports whether the
// snapshot is worth sending: true on the first call after the index was
// (re)built, when any byte differs from the previous snapshot, or within the
// new-player grace window.
func (s *SessionState) SwitchSnapshot(w *world.World, now time.Time) ([]byte, bool, error) {
	index, err := s.SwitchIndex(w)
	if err != nil {
		return nil, false, err
	}
	for i, j := range index {
		s.switchStates[i] = byte(j.SelectedRoute)
	}
	okToSend := false
	if s.prevSwitch == nil {
		s.prevSwitch = make([]byte, len(s.switchStates))
		okToSend = true
	}
	for i := range index {
		if s.switchStates[i] != s.prevSwitch[i] {
			okToSend = true
		}
		s.prevSwitch[i] = s.switchStates[i]
	}
	if !okToSend && s.withinGraceWindow(now) {
		okToSend = true
	}
	return s.switchStates, okToSend, nil
}

// SignalSnapshot is the signal-head analog of SwitchSnapshot. Aspects are
// stored off by one so an unknown aspect (-1) never renders as a zero byte.
func (s *SessionState) SignalSnapshot(w *world.World, now time.Time) ([]byte, bool, error) {
	index, err := s.SignalIndex(w)
	if err != nil {
		return nil, false, err
	}
	for i, h := range index {
		s.signalStates[i] = byte(int(h.State) + 1)
	}
	okToSend := false
	if s.prevSignal == nil {
		s.prevSignal = make([]byte, len(s.signalStates))
		okToSend = true
	}
	for i := range index {
		if s.signalStates[i] != s.prevSignal[i] {
			okToSend = true
		}
		s.prevSignal[i] = s.signalStates[i]
	}
	if !okToSend && s.withinGraceWindow(now) {
		okToSend = true
	}
	return s.signalStates, okToSend, nil
}

// RememberSwitchBaseline snapshots the current switch states for later
// ORGSWITCH use. Called at session start on the server and on role handoff.
func (s *SessionState) RememberSwitchBaseline(w *world.World) error {
	index, err := s.SwitchIndex(w)
	if err != nil {
		return err
	}
	baseline := make([]byte, len(index)+2)
	for i, j := range index {
		baseline[i] = byte(j.SelectedRoute)
	}
	s.OriginalSwitchState = baseline
	return nil
}
