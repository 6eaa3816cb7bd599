package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/railsim/railparty/internal/protocol"
)

func TestDecodeMoveExample(t *testing.T) {
	is := is.New(t)

	m := &protocol.Move{Items: []protocol.MoveItem{
		{
			User: "alice", Speed: 12.5, Travelled: 340.0, Num: 7,
			TileX: 100, TileZ: 200, X: 1.0, Z: 2.0,
			TrackNodeIndex: 55, CarCount: 3, MUDirection: 1, TDBDirection: 0,
		},
		{
			User: "bob", Speed: 0.0, Travelled: 0.0, Num: 8,
			TileX: 101, TileZ: 201, X: 0.0, Z: 0.0,
			TrackNodeIndex: 56, CarCount: 1, MUDirection: 0, TDBDirection: 1,
		},
	}}

	decoded, err := protocol.Decode(protocol.Encode(m))
	is.NoErr(err)

	got, ok := decoded.(*protocol.Move)
	is.True(ok)
	is.Equal(len(got.Items), 2)
	is.Equal(got.Items[0], m.Items[0])
	is.Equal(got.Items[1], m.Items[1])
}

// One representative value per message kind; the decoder must reproduce the
// encoder's value exactly.
func TestDecodeEncodeRoundTrip(t *testing.T) {
	messages := []protocol.Message{
		&protocol.Move{Items: []protocol.MoveItem{{
			User: "alice", Speed: -3.25, Travelled: 17, Num: 4,
			TileX: -2, TileZ: 9, X: 0.5, Z: -0.5,
			TrackNodeIndex: 12, CarCount: 2, MUDirection: 1, TDBDirection: 1,
		}}},
		&protocol.SwitchReq{User: "alice", TileX: 10, TileZ: -20, WorldID: 500, Selection: 1, HandThrown: true},
		&protocol.OrgSwitch{User: "bob", States: []byte{0, 1, 1, 0}},
		&protocol.SwitchStates{States: []byte{1, 0, 1}, OK: true},
		&protocol.SignalStates{States: []byte{0, 3, 8}, OK: true},
		&protocol.ResetSignal{User: "alice"},
		&protocol.TrainDef{
			Num: 42, Direction: 1, TileX: 3, TileZ: 4, X: 1.5, Z: 2.5, Travelled: 99, MUDirection: 1,
			Cars: []protocol.CarEntry{
				{Path: `trains\acela.eng`, ID: "alice - 0", Flipped: 0, Length: 20},
				{Path: `trains\coach with space.wag`, ID: "alice - 1", Flipped: 1, Length: 18},
			},
		},
		&protocol.GetTrain{User: "bob", Num: 42},
		&protocol.RemoveTrain{Numbers: []int{3, 7, 12}},
		&protocol.ServerHandoff{User: "YOU"},
		&protocol.Alive{User: "dispatcher"},
		protocol.NewNotice("alice", protocol.LevelSwitchWarning, "Server does not allow hand thrown of switch"),
		&protocol.Control{User: "alice", Level: protocol.ControlConfirm, Num: 42},
		&protocol.LocoChange{User: "alice", EngineID: "alice - 1", Num: 42},
		&protocol.LocoInfo{User: "alice", Num: 42, Throttle: 0.75, DynamicBrake: 0.1, Injector2: 1},
		&protocol.Event{User: "alice", EventName: protocol.EventHeadlight, EventState: 2},
		&protocol.Quit{User: "alice"},
		&protocol.Avatar{User: "alice", URL: "https://example.com/a.png"},
		&protocol.Text{Sender: "alice", Recipients: []string{"bob", "carol"}, Text: "clear of the junction"},
		&protocol.Weather{Weather: 2, Overcast: 0.4},
		&protocol.Aider{User: "bob", Aider: true},
		&protocol.PlayerJoin{
			User: "alice", Code: "1111", Num: 1000001,
			TileX: 100, TileZ: 200, X: 1.0, Z: 2.0, Travelled: 50,
			Seconds: 36000.5, Season: 1, Weather: 0, PantoFirst: 1,
			LeadingID: "alice - 0", Consist: `trains\acela.con`,
			Route: "NORTHEAST", Path: `paths\down.pat`, Direction: 1,
			AvatarURL: "https://example.com/alice.png",
			Cars: []protocol.CarEntry{
				{Path: `trains\acela.eng`, ID: "alice - 0", Length: 20},
			},
			Version: 15,
		},
		&protocol.UpdateTrain{
			User: "alice",
			TrainDef: protocol.TrainDef{
				Num: 42, Direction: 1, TileX: 3, TileZ: 4, X: 1.5, Z: 2.5, Travelled: 99,
				Cars: []protocol.CarEntry{
					{Path: `trains\coach.wag`, ID: "alice - 1", Length: 18},
				},
			},
		},
		&protocol.Couple{
			Num: 42, RemovedNum: 1000007, Direction: 1, TileX: 3, TileZ: 4,
			X: 1.5, Z: 2.5, Travelled: 99, LeadIndex: 0, WhoControls: "alice", MUDirection: 1,
			Cars: []protocol.CarEntry{
				{Path: `trains\acela.eng`, ID: "alice - 0"},
				{Path: `trains\coach.wag`, ID: "alice - 1", Flipped: 1},
			},
		},
		&protocol.Uncouple{
			User: "alice", WhichIsPlayer: 0,
			FirstOld: "Leading alice - 0", FirstNew: "First alice - 2",
			Half1: protocol.TrainHalf{TileX: 3, TileZ: 4, X: 1, Z: 2, Travelled: 50, Speed: 3, Direction: 1, Number: 42, MUDirection: 1},
			Half2: protocol.TrainHalf{TileX: 3, TileZ: 4, X: 1, Z: 2, Travelled: 30, Number: 1000007},
			Cars1: []protocol.CarRef{{ID: "alice - 0"}, {ID: "alice - 1", Flipped: true}},
			Cars2: []protocol.CarRef{{ID: "alice - 2"}},
		},
	}

	for _, m := range messages {
		t.Run(m.Keyword(), func(t *testing.T) {
			is := is.New(t)
			decoded, err := protocol.Decode(protocol.Encode(m))
			is.NoErr(err)
			is.Equal(decoded, m)
		})
	}
}

func TestDecodeUnknownKeyword(t *testing.T) {
	is := is.New(t)

	_, err := protocol.Decode("TELEPORT alice 1 2 3")
	is.True(errors.Is(err, protocol.ErrUnknownMessageKind))
}

func TestDecodeMalformedPayload(t *testing.T) {
	for _, body := range []string{
		"MOVE alice 12.5",          // truncated tuple
		"SWITCH alice 1 2",         // missing fields
		"CONTROL alice Confirm x",  // non-numeric train number
		"SWITCHSTATES $$$",         // not a blob
		"WEATHER cloudy 0.5",       // non-numeric weather
		"PLAYER alice",             // no areas at all
		"MESSAGE alice",            // missing level and text
		"EVENT alice HORN maybe",   // non-numeric state
		"UPDATETRAIN bob",          // missing train definition
		"COUPLE 1 2 3",             // no car block
		"UNCOUPLE alice\t0\ta\tb",  // missing halves
		"LOCOINFO alice\t42\t0.5",  // truncated cab fields
		"ORGSWITCH alice no-blob~", // blob does not decode
	} {
		keyword, _, _ := strings.Cut(body, " ")
		t.Run(keyword, func(t *testing.T) {
			is := is.New(t)
			_, err := protocol.Decode(body)
			is.True(err != nil)

			var malformed *protocol.MalformedPayloadError
			is.True(errors.As(err, &malformed))
			is.Equal(malformed.Keyword, strings.Fields(body)[0])
		})
	}
}
