package protocol_test

import (
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/railsim/railparty/internal/protocol"
	"github.com/railsim/railparty/internal/world"
)

// recordingBus captures outgoing messages instead of delivering them.
type recordingBus struct {
	broadcast []protocol.Message
	direct    map[string][]protocol.Message
	toServer  []protocol.Message
}

func newRecordingBus() *recordingBus {
	return &recordingBus{direct: make(map[string][]protocol.Message)}
}

func (b *recordingBus) Broadcast(m protocol.Message) error {
	b.broadcast = append(b.broadcast, m)
	return nil
}

func (b *recordingBus) SendTo(user string, m protocol.Message) error {
	b.direct[user] = append(b.direct[user], m)
	return nil
}

func (b *recordingBus) SendToServer(m protocol.Message) error {
	b.toServer = append(b.toServer, m)
	return nil
}

func newApplyWorld() *world.World {
	nodes := []*world.TrackNode{
		{Index: 1, Links: []int{2}},
		{Index: 2, Links: []int{1, 3}, Junction: &world.Junction{TileX: 10, TileZ: 20, WorldID: 5}},
		{Index: 3, Links: []int{2}},
	}
	w := world.New(world.NewTrackDB(nodes), []*world.SignalHead{
		{TDBIndex: 1, ItemIndex: 0, State: world.AspectStop},
	}, nil)
	w.RegisterStock(
		world.StockDef{Path: "trains/acela.eng", Length: 20, Engine: true},
		world.StockDef{Path: "trains/coach.wag", Length: 18},
	)
	return w
}

func remoteTrain(owner string, num, carCount int) *world.Train {
	t := &world.Train{Number: num, Type: world.TrainTypeRemote}
	for i := 0; i < carCount; i++ {
		car := &world.Car{WagFilePath: "trains/coach.wag", ID: ownerCarID(owner, i), Length: 18}
		if i == 0 {
			car.WagFilePath = "trains/acela.eng"
			car.Engine = true
			t.Lead = car
		}
		t.Cars = append(t.Cars, car)
	}
	return t
}

func ownerCarID(owner string, i int) string {
	return owner + " - " + string(rune('0'+i))
}

func clientContext(w *world.World, bus protocol.Bus) *protocol.Context {
	return &protocol.Context{
		World:   w,
		Self:    "alice",
		Role:    world.RoleClient,
		Version: 15,
		Bus:     bus,
		State:   protocol.NewSessionState(),
	}
}

func TestMoveUnknownTrainTriggersResyncOnTenthMiss(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	bus := newRecordingBus()
	ctx := clientContext(w, bus)

	move := &protocol.Move{Items: []protocol.MoveItem{{
		User: "bob", Num: 77, Speed: 1, CarCount: 2,
	}}}

	for i := 0; i < 9; i++ {
		is.NoErr(move.Apply(ctx))
	}
	is.Equal(len(bus.toServer), 0)

	// the tenth consecutive miss asks the server for the train
	is.NoErr(move.Apply(ctx))
	is.Equal(len(bus.toServer), 1)
	get, ok := bus.toServer[0].(*protocol.GetTrain)
	is.True(ok)
	is.Equal(get.Num, 77)

	// the counter restarts, so the next nine misses stay quiet again
	for i := 0; i < 9; i++ {
		is.NoErr(move.Apply(ctx))
	}
	is.Equal(len(bus.toServer), 1)
	is.NoErr(move.Apply(ctx))
	is.Equal(len(bus.toServer), 2)
}

func TestMoveAppliesToRemoteTrain(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	bus := newRecordingBus()
	ctx := clientContext(w, bus)

	bobTrain := remoteTrain("bob", 8, 2)
	w.AddTrain(bobTrain)
	w.AddPlayer(&world.Player{Name: "bob", Train: bobTrain, Role: world.RoleClient})

	move := &protocol.Move{Items: []protocol.MoveItem{{
		User: "bob", Num: 8, Speed: 7.5, Travelled: 120, TileX: 3, TileZ: 4,
		X: 0.25, Z: 0.75, TrackNodeIndex: 9, CarCount: 2, MUDirection: 1, TDBDirection: 1,
	}}}
	is.NoErr(move.Apply(ctx))

	is.Equal(bobTrain.Speed, float32(7.5))
	is.Equal(bobTrain.Travelled, float32(120))
	is.Equal(bobTrain.TrackNodeIndex, 9)
	is.Equal(bobTrain.Direction, 1)
	is.Equal(len(bus.toServer), 0)
}

func TestSwitchStatesKeepsJunctionUnderOwnTrain(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	bus := newRecordingBus()
	ctx := clientContext(w, bus)

	own := remoteTrain("alice", 5, 2)
	own.Type = world.TrainTypePlayer
	// rear on node 1, front on node 3: the junction at node 2 is occupied
	own.TrackNodeIndex = 1
	own.FrontNodeIndex = 3
	w.AddTrain(own)
	w.AddPlayer(&world.Player{Name: "alice", Train: own, Role: world.RoleClient})

	j := w.Track.JunctionAt(10, 20, 5)
	is.Equal(j.SelectedRoute, 0)

	states := &protocol.SwitchStates{States: []byte{1}, OK: true}
	is.NoErr(states.Apply(ctx))
	is.Equal(j.SelectedRoute, 0) // never thrown under the local train

	// once the train is clear the broadcast applies
	own.TrackNodeIndex = 3
	own.FrontNodeIndex = 3
	is.NoErr(states.Apply(ctx))
	is.Equal(j.SelectedRoute, 1)
}

func TestUncoupleThenCoupleRestoresConsist(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	bus := newRecordingBus()
	ctx := clientContext(w, bus)

	bobTrain := remoteTrain("bob", 42, 3)
	w.AddTrain(bobTrain)
	w.AddPlayer(&world.Player{
		Name: "bob", Train: bobTrain,
		LeadingLocomotiveID: ownerCarID("bob", 0), Role: world.RoleClient,
	})

	uncouple := &protocol.Uncouple{
		User:     "bob",
		FirstOld: "Leading " + ownerCarID("bob", 0),
		FirstNew: "First " + ownerCarID("bob", 2),
		Half1:    protocol.TrainHalf{Number: 42, Travelled: 100, Speed: 2, Direction: 1},
		Half2:    protocol.TrainHalf{Number: 9001, Travelled: 60},
		Cars1:    []protocol.CarRef{{ID: ownerCarID("bob", 0)}, {ID: ownerCarID("bob", 1)}},
		Cars2:    []protocol.CarRef{{ID: ownerCarID("bob", 2)}},
	}
	is.NoErr(uncouple.Apply(ctx))

	is.Equal(len(bobTrain.Cars), 2)
	split := w.FindTrain(9001)
	is.True(split != nil)
	is.Equal(len(split.Cars), 1)
	is.Equal(split.UncoupledFrom, bobTrain)
	is.Equal(bobTrain.UncoupledFrom, split)

	couple := &protocol.Couple{
		Num: 42, RemovedNum: 9001, Direction: 1, Travelled: 100,
		LeadIndex: 0, WhoControls: "bob", MUDirection: 1,
		Cars: []protocol.CarEntry{
			{Path: "trains/acela.eng", ID: ownerCarID("bob", 0)},
			{Path: "trains/coach.wag", ID: ownerCarID("bob", 1)},
			{Path: "trains/coach.wag", ID: ownerCarID("bob", 2)},
		},
	}
	is.NoErr(couple.Apply(ctx))
	w.SweepRemoved()

	is.Equal(len(w.Trains()), 1)
	is.Equal(len(bobTrain.Cars), 3)
	for i, c := range bobTrain.Cars {
		is.Equal(c.ID, ownerCarID("bob", i)) // original order restored
	}
	is.Equal(bobTrain.Lead, bobTrain.Cars[0])
}

func TestNoticeLevels(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	bus := newRecordingBus()
	ctx := clientContext(w, bus)

	is.True(ctx.State.TrySwitch)

	warn := protocol.NewNotice("alice", protocol.LevelSwitchWarning, "Server does not allow hand thrown of switch")
	is.NoErr(warn.Apply(ctx))
	is.Equal(ctx.State.TrySwitch, false)

	ok := protocol.NewNotice("All", protocol.LevelSwitchOK, "OK to throw switch")
	is.NoErr(ok.Apply(ctx))
	is.Equal(ctx.State.TrySwitch, true)

	// a notice for someone else changes nothing
	other := protocol.NewNotice("bob", protocol.LevelSwitchWarning, "no")
	is.NoErr(other.Apply(ctx))
	is.Equal(ctx.State.TrySwitch, true)

	fatal := protocol.NewNotice("alice", protocol.LevelError, "A user with the same name exists")
	err := fatal.Apply(ctx)
	is.True(protocol.IsFatal(err))
	// the client says goodbye on its way out
	is.Equal(len(bus.toServer), 1)
	_, isQuit := bus.toServer[0].(*protocol.Quit)
	is.True(isQuit)
}

func TestServerHandoff(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	ctx := clientContext(w, newRecordingBus())

	other := &protocol.ServerHandoff{User: "bob"}
	is.NoErr(other.Apply(ctx))
	is.Equal(ctx.State.DispatcherName, "bob")
	is.Equal(ctx.State.PromoteSelf, false)

	you := &protocol.ServerHandoff{User: protocol.HandoffYou}
	is.NoErr(you.Apply(ctx))
	is.True(ctx.State.PromoteSelf)
	is.Equal(ctx.State.DispatcherName, "alice")
	is.True(ctx.State.OriginalSwitchState != nil)
}

func TestQuitServerShutdown(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	ctx := clientContext(w, newRecordingBus())

	own := remoteTrain("alice", 5, 2)
	own.Type = world.TrainTypeRemote // say control was handed away earlier
	w.AddTrain(own)
	w.AddPlayer(&world.Player{Name: "alice", Train: own, Role: world.RoleClient})

	quit := protocol.NewServerQuit("dispatcher")
	err := quit.Apply(ctx)

	var fatal *protocol.FatalError
	is.True(errors.As(err, &fatal))
	is.True(fatal.Expected)
	// the local train is ours again
	is.Equal(own.Type, world.TrainTypePlayer)
}

func TestQuitRemovesPlayer(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	ctx := clientContext(w, newRecordingBus())

	bobTrain := remoteTrain("bob", 8, 2)
	w.AddTrain(bobTrain)
	w.AddPlayer(&world.Player{Name: "bob", Train: bobTrain, Role: world.RoleClient})

	quit := &protocol.Quit{User: "bob"}
	is.NoErr(quit.Apply(ctx))

	is.True(w.FindPlayer("bob") == nil)
	// the abandoned train stays behind as scenery
	is.Equal(bobTrain.Type, world.TrainTypeStatic)
}

func TestControlConfirmReassignsTrain(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	ctx := clientContext(w, newRecordingBus())

	loose := remoteTrain("bob", 13, 2)
	loose.Type = world.TrainTypeStatic
	w.AddTrain(loose)
	w.AddPlayer(&world.Player{Name: "bob", Role: world.RoleClient})

	confirm := &protocol.Control{User: "bob", Level: protocol.ControlConfirm, Num: 13}
	is.NoErr(confirm.Apply(ctx))

	is.Equal(loose.Type, world.TrainTypeRemote)
	is.Equal(w.FindPlayer("bob").Train, loose)
}

func TestEventMirrorsEquipment(t *testing.T) {
	is := is.New(t)

	w := newApplyWorld()
	ctx := clientContext(w, newRecordingBus())

	bobTrain := remoteTrain("bob", 8, 2)
	w.AddTrain(bobTrain)
	w.AddPlayer(&world.Player{Name: "bob", Train: bobTrain, Role: world.RoleClient})

	for _, tc := range []struct {
		name  string
		state int
		check func() bool
	}{
		{protocol.EventHorn, 1, func() bool { return bobTrain.Horn }},
		{protocol.EventBell, 1, func() bool { return bobTrain.Bell }},
		{protocol.EventWiper, 1, func() bool { return bobTrain.Wiper }},
		{protocol.EventHeadlight, 2, func() bool { return bobTrain.Headlight == 2 }},
		{protocol.EventPanto2, 1, func() bool { return bobTrain.FrontPanUp }},
	} {
		e := &protocol.Event{User: "bob", EventName: tc.name, EventState: tc.state}
		is.NoErr(e.Apply(ctx))
		is.True(tc.check())
	}
}

func TestSwitchSnapshotDiff(t *testing.T) {
	is := is.New(t)

	nodes := []*world.TrackNode{
		{Index: 1, Links: []int{2}, Junction: &world.Junction{TileX: 1, TileZ: 1, WorldID: 1}},
		{Index: 2, Links: []int{1, 3}, Junction: &world.Junction{TileX: 2, TileZ: 2, WorldID: 2, SelectedRoute: 1}},
		{Index: 3, Links: []int{2}, Junction: &world.Junction{TileX: 3, TileZ: 3, WorldID: 3}},
	}
	w := world.New(world.NewTrackDB(nodes), nil, nil)

	state := protocol.NewSessionState()
	now := time.Now()

	// first build always sends
	states, ok, err := state.SwitchSnapshot(w, now)
	is.NoErr(err)
	is.True(ok)
	is.Equal(states[:3], []byte{0, 1, 0})

	// unchanged world, outside any grace window: nothing to send
	_, ok, err = state.SwitchSnapshot(w, now)
	is.NoErr(err)
	is.Equal(ok, false)

	// one junction changes: send again
	w.Track.JunctionAt(1, 1, 1).SelectedRoute = 1
	states, ok, err = state.SwitchSnapshot(w, now)
	is.NoErr(err)
	is.True(ok)
	is.Equal(states[:3], []byte{1, 1, 0})
}

func TestSwitchSnapshotGraceWindow(t *testing.T) {
	is := is.New(t)

	nodes := []*world.TrackNode{
		{Index: 1, Links: nil, Junction: &world.Junction{TileX: 1, TileZ: 1, WorldID: 1}},
	}
	w := world.New(world.NewTrackDB(nodes), nil, nil)

	state := protocol.NewSessionState()
	now := time.Now()

	_, ok, err := state.SwitchSnapshot(w, now)
	is.NoErr(err)
	is.True(ok)

	// a fresh join keeps the snapshots flowing for three intervals
	state.LastPlayerAdded = now
	_, ok, err = state.SwitchSnapshot(w, now.Add(2*state.UpdateInterval))
	is.NoErr(err)
	is.True(ok)

	// and then they stop again
	_, ok, err = state.SwitchSnapshot(w, now.Add(4*state.UpdateInterval))
	is.NoErr(err)
	is.Equal(ok, false)
}

func TestSignalSnapshotShiftsAspects(t *testing.T) {
	is := is.New(t)

	w := world.New(world.NewTrackDB(nil), []*world.SignalHead{
		{TDBIndex: 1, ItemIndex: 0, State: world.AspectUnknown},
		{TDBIndex: 1, ItemIndex: 1, State: world.AspectStop},
		{TDBIndex: 2, ItemIndex: 0, State: world.AspectClear2},
	}, nil)

	state := protocol.NewSessionState()

	states, ok, err := state.SignalSnapshot(w, time.Now())
	is.NoErr(err)
	is.True(ok)
	// Unknown (-1) travels as 0, Stop as 1, Clear2 as 8
	is.Equal(states[:3], []byte{0, 1, 8})
}
