package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/railsim/railparty/internal/world"
)

// MoveItem is one per-train positional tuple inside a MOVE batch.
type MoveItem struct {
	User           string
	Speed          float32
	Travelled      float32
	Num            int
	TileX, TileZ   int
	X, Z           float32
	TrackNodeIndex int
	CarCount       int
	MUDirection    int
	TDBDirection   int
}

const moveItemFields = 12

// Move batches the positional state of every locally-known non-stale train,
// one message per tick.
type Move struct {
	Items []MoveItem
}

func (m *Move) Keyword() string { return KeywordMove }

// AddTrain appends a tuple for t owned by user.
func (m *Move) AddTrain(user string, t *world.Train) {
	m.Items = append(m.Items, MoveItem{
		User:           user,
		Speed:          t.Speed,
		Travelled:      t.Travelled,
		Num:            t.Number,
		TileX:          t.TileX,
		TileZ:          t.TileZ,
		X:              t.X,
		Z:              t.Z,
		TrackNodeIndex: t.TrackNodeIndex,
		CarCount:       len(t.Cars),
		MUDirection:    t.MUDirection,
		TDBDirection:   t.Direction,
	})
	t.LastReportedSpeed = t.Speed
}

func (m *Move) OKToSend() bool { return len(m.Items) > 0 }

func (m *Move) Payload() string {
	var sb strings.Builder
	for i, it := range m.Items {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s %s %s %d %d %d %s %s %d %d %d %d",
			it.User, ftoa(it.Speed), ftoa(it.Travelled), it.Num,
			it.TileX, it.TileZ, ftoa(it.X), ftoa(it.Z),
			it.TrackNodeIndex, it.CarCount, it.MUDirection, it.TDBDirection)
	}
	return sb.String()
}

func decodeMove(payload string) (Message, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 || len(fields)%moveItemFields != 0 {
		return nil, fmt.Errorf("field count %d not a multiple of %d", len(fields), moveItemFields)
	}
	m := &Move{}
	for i := 0; i < len(fields); i += moveItemFields {
		f := fields[i : i+moveItemFields]
		it := MoveItem{User: f[0]}
		var err error
		if it.Speed, err = atof(f[1]); err != nil {
			return nil, err
		}
		if it.Travelled, err = atof(f[2]); err != nil {
			return nil, err
		}
		ints := []*int{&it.Num, &it.TileX, &it.TileZ}
		for k, dst := range ints {
			if *dst, err = strconv.Atoi(f[3+k]); err != nil {
				return nil, err
			}
		}
		if it.X, err = atof(f[6]); err != nil {
			return nil, err
		}
		if it.Z, err = atof(f[7]); err != nil {
			return nil, err
		}
		tail := []*int{&it.TrackNodeIndex, &it.CarCount, &it.MUDirection, &it.TDBDirection}
		for k, dst := range tail {
			if *dst, err = strconv.Atoi(f[8+k]); err != nil {
				return nil, err
			}
		}
		m.Items = append(m.Items, it)
	}
	return m, nil
}

func (m *Move) Apply(ctx *Context) error {
	for _, it := range m.Items {
		found := false
		switch {
		case it.User == ctx.Self:
			// authoritative locally, unless our train was demoted to
			// remote control
			if t := ctx.OwnTrain(); t != nil && t.Type == world.TrainTypeRemote {
				applyMoveItem(t, it)
			}
			found = true
		case strings.Contains(it.User, PrefixAI) || strings.Contains(it.User, PrefixUncoupled):
			if t := ctx.World.FindTrain(it.Num); t != nil {
				found = true
				if len(t.Cars) != it.CarCount {
					// consist changed under us, ask for the full train
					if !ctx.IsDispatcher() && ctx.State.CheckMissing(t.Number) {
						_ = ctx.Bus.SendToServer(&GetTrain{User: ctx.Self, Num: t.Number})
					}
					continue
				}
				if t.Type == world.TrainTypeRemote {
					applyMoveItem(t, it)
				}
			}
		default:
			if t := ctx.World.FindPlayerTrain(it.User); t != nil {
				found = true
				if t.Type == world.TrainTypeRemote {
					applyMoveItem(t, it)
				}
			}
		}
		if found {
			ctx.State.ClearMissing(it.Num)
			continue
		}
		if !ctx.IsDispatcher() && ctx.State.CheckMissing(it.Num) {
			_ = ctx.Bus.SendToServer(&GetTrain{User: ctx.Self, Num: it.Num})
		}
	}
	return nil
}

func applyMoveItem(t *world.Train, it MoveItem) {
	t.TrackNodeIndex = it.TrackNodeIndex
	t.TileX = it.TileX
	t.TileZ = it.TileZ
	t.X = it.X
	t.Z = it.Z
	t.Travelled = it.Travelled
	t.Speed = it.Speed
	t.MUDirection = it.MUDirection
	t.Direction = it.TDBDirection
}

func ftoa(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

func atof(s string) (float32, error) {
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(f), nil
}
