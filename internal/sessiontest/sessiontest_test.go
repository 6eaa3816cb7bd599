package sessiontest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/dispatchclient"
	"github.com/railsim/railparty/internal/dispatchserver"
	"github.com/railsim/railparty/internal/protocol"
	"github.com/railsim/railparty/internal/transport"
	"github.com/railsim/railparty/internal/world"
)

const protocolVersion = 15

// testWorld is the shared fixture: a three-node track with one junction in
// the middle, a single signal head and a tiny stock catalog.
func testWorld(logger *log.Logger) *world.World {
	nodes := []*world.TrackNode{
		{Index: 1, Links: []int{2}},
		{Index: 2, Links: []int{1, 3}, Junction: &world.Junction{TileX: 10, TileZ: 20, WorldID: 5}},
		{Index: 3, Links: []int{2}},
	}
	signals := []*world.SignalHead{
		{TDBIndex: 1, ItemIndex: 0, State: world.AspectStop},
	}
	w := world.New(world.NewTrackDB(nodes), signals, logger)
	w.RegisterStock(
		world.StockDef{Path: "trains/acela.eng", Length: 20, Engine: true},
		world.StockDef{Path: "trains/coach.wag", Length: 18},
	)
	return w
}

func testTrain(owner string, num int) *world.Train {
	eng := &world.Car{WagFilePath: "trains/acela.eng", ID: owner + " - 0", Length: 20, Engine: true}
	coach := &world.Car{WagFilePath: "trains/coach.wag", ID: owner + " - 1", Length: 18}
	return &world.Train{
		Number:    num,
		Type:      world.TrainTypePlayer,
		Cars:      []*world.Car{eng, coach},
		Lead:      eng,
		Direction: world.DirectionForward,
	}
}

func addLocalPlayer(w *world.World, name, code string, num int) *world.Train {
	t := testTrain(name, num)
	w.AddTrain(t)
	w.AddPlayer(&world.Player{
		Name:                name,
		Code:                code,
		Train:               t,
		LeadingLocomotiveID: name + " - 0",
		Role:                world.RoleClient,
	})
	return t
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

func joinClient(t *testing.T, ctx context.Context, addr string, w *world.World, name string) (*dispatchclient.Client, error) {
	t.Helper()
	conn, err := transport.DialTCP(ctx, addr)
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}
	client := dispatchclient.NewClient(conn, w, name, protocolVersion, nil)
	go client.Run(ctx)
	return client, client.Join(ctx)
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverWorld := testWorld(nil)
	serverWorld.AddPlayer(&world.Player{Name: "dispatcher", Role: world.RoleServer})

	server, err := dispatchserver.NewServer("127.0.0.1:0", "", serverWorld, dispatchserver.Config{
		Name:           "dispatcher",
		Version:        protocolVersion,
		UpdateInterval: 50 * time.Millisecond,
		AliveInterval:  200 * time.Millisecond,
	}, nil)
	is.NoErr(err)
	go server.Run(ctx)

	// join player one

	aliceWorld := testWorld(nil)
	aliceTrain := addLocalPlayer(aliceWorld, "alice", "1111", 1000001)

	alice, err := joinClient(t, ctx, server.Addr().String(), aliceWorld, "alice")
	is.NoErr(err)

	// join player two

	bobWorld := testWorld(nil)
	addLocalPlayer(bobWorld, "bob", "2222", 1000002)

	_, err = joinClient(t, ctx, server.Addr().String(), bobWorld, "bob")
	is.NoErr(err)

	is.True(serverWorld.FindPlayer("alice") != nil)
	is.True(serverWorld.FindPlayer("bob") != nil)

	// the dispatcher replays earlier joins, so both clients learn about
	// each other
	waitFor(t, "alice to see bob", func() bool {
		return aliceWorld.FindPlayer("bob") != nil
	})
	waitFor(t, "bob to see alice", func() bool {
		return bobWorld.FindPlayerTrain("alice") != nil
	})

	// both sides agree on the number the dispatcher settled on
	is.Equal(bobWorld.FindPlayerTrain("alice").Number, aliceTrain.Number)

	// move propagation

	aliceTrain.Speed = 12.5
	aliceTrain.Travelled = 240
	alice.ReportMove()

	waitFor(t, "bob to see alice move", func() bool {
		remote := bobWorld.FindPlayerTrain("alice")
		return remote != nil && remote.Speed == 12.5 && remote.Travelled == 240
	})

	// a hand-thrown switch goes through the dispatcher and back out

	err = alice.SendToServer(&protocol.SwitchReq{
		User: "alice", TileX: 10, TileZ: 20, WorldID: 5, Selection: 1, HandThrown: true,
	})
	is.NoErr(err)

	waitFor(t, "switch to reach bob", func() bool {
		j := bobWorld.Track.JunctionAt(10, 20, 5)
		return j != nil && j.SelectedRoute == 1
	})
	is.Equal(serverWorld.Track.JunctionAt(10, 20, 5).SelectedRoute, 1)
}

func TestRoleHandoff(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverWorld := testWorld(nil)
	serverWorld.AddPlayer(&world.Player{Name: "dispatcher", Role: world.RoleServer})

	server, err := dispatchserver.NewServer("127.0.0.1:0", "", serverWorld, dispatchserver.Config{
		Name:           "dispatcher",
		Version:        protocolVersion,
		UpdateInterval: 50 * time.Millisecond,
	}, nil)
	is.NoErr(err)
	go server.Run(ctx)

	aliceWorld := testWorld(nil)
	addLocalPlayer(aliceWorld, "alice", "1111", 1000001)
	_, err = joinClient(t, ctx, server.Addr().String(), aliceWorld, "alice")
	is.NoErr(err)

	bobWorld := testWorld(nil)
	addLocalPlayer(bobWorld, "bob", "2222", 1000002)
	bob, err := joinClient(t, ctx, server.Addr().String(), bobWorld, "bob")
	is.NoErr(err)

	is.NoErr(server.PromotePlayer("alice"))

	waitFor(t, "bob to learn the new dispatcher", func() bool {
		return bob.State().DispatcherName == "alice"
	})

	// bob's request is forwarded to alice, decided there and fanned back out
	err = bob.SendToServer(&protocol.SwitchReq{
		User: "bob", TileX: 10, TileZ: 20, WorldID: 5, Selection: 1, HandThrown: true,
	})
	is.NoErr(err)

	waitFor(t, "alice's verdict to reach bob", func() bool {
		j := bobWorld.Track.JunctionAt(10, 20, 5)
		return j != nil && j.SelectedRoute == 1
	})
	is.Equal(aliceWorld.Track.JunctionAt(10, 20, 5).SelectedRoute, 1)
	// the relay no longer decides, so its own junction stayed put
	is.Equal(serverWorld.Track.JunctionAt(10, 20, 5).SelectedRoute, 0)
}

func TestServerShutdownNotifiesClients(t *testing.T) {
	is := is.New(t)

	clientCtx, cancelClients := context.WithCancel(context.Background())
	defer cancelClients()
	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()

	serverWorld := testWorld(nil)
	serverWorld.AddPlayer(&world.Player{Name: "dispatcher", Role: world.RoleServer})

	server, err := dispatchserver.NewServer("127.0.0.1:0", "", serverWorld, dispatchserver.Config{
		Name:           "dispatcher",
		Version:        protocolVersion,
		UpdateInterval: 50 * time.Millisecond,
	}, nil)
	is.NoErr(err)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		server.Run(serverCtx)
	}()

	aliceWorld := testWorld(nil)
	aliceTrain := addLocalPlayer(aliceWorld, "alice", "1111", 1000001)
	// say control was handed away earlier in the session
	aliceTrain.Type = world.TrainTypeRemote

	alice, err := joinClient(t, clientCtx, server.Addr().String(), aliceWorld, "alice")
	is.NoErr(err)

	cancelServer()
	<-serverDone

	waitFor(t, "alice to see the shutdown", func() bool {
		select {
		case <-alice.Done():
			return true
		default:
			return false
		}
	})
	var fatal *protocol.FatalError
	is.True(errors.As(alice.Err(), &fatal))
	is.True(fatal.Expected)
	// the session ends with the local train back under local control
	is.Equal(aliceTrain.Type, world.TrainTypePlayer)
}

func TestDuplicateNameRejected(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverWorld := testWorld(nil)
	serverWorld.AddPlayer(&world.Player{Name: "dispatcher", Role: world.RoleServer})

	server, err := dispatchserver.NewServer("127.0.0.1:0", "", serverWorld, dispatchserver.Config{
		Name:           "dispatcher",
		Version:        protocolVersion,
		UpdateInterval: 50 * time.Millisecond,
	}, nil)
	is.NoErr(err)
	go server.Run(ctx)

	aliceWorld := testWorld(nil)
	addLocalPlayer(aliceWorld, "alice", "1111", 1000001)
	_, err = joinClient(t, ctx, server.Addr().String(), aliceWorld, "alice")
	is.NoErr(err)

	// a second alice must not get in
	impostorWorld := testWorld(nil)
	addLocalPlayer(impostorWorld, "alice", "9999", 1000003)
	_, err = joinClient(t, ctx, server.Addr().String(), impostorWorld, "alice")
	is.True(err != nil)

	// and the real alice is still in the roster
	is.True(serverWorld.FindPlayer("alice") != nil)
}

func TestWrongVersionRejected(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverWorld := testWorld(nil)
	serverWorld.AddPlayer(&world.Player{Name: "dispatcher", Role: world.RoleServer})

	server, err := dispatchserver.NewServer("127.0.0.1:0", "", serverWorld, dispatchserver.Config{
		Name:    "dispatcher",
		Version: protocolVersion,
	}, nil)
	is.NoErr(err)
	go server.Run(ctx)

	oldWorld := testWorld(nil)
	addLocalPlayer(oldWorld, "carol", "3333", 1000004)

	conn, err := transport.DialTCP(ctx, server.Addr().String())
	is.NoErr(err)
	client := dispatchclient.NewClient(conn, oldWorld, "carol", protocolVersion-1, nil)
	go client.Run(ctx)
	is.True(client.Join(ctx) != nil)
}
