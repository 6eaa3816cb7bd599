package world

import "sort"

// Junction is a track node with a selectable route, identified on the wire by
// tile coordinates plus an in-tile object ID.
type Junction struct {
	NodeIndex     int
	TileX, TileZ  int
	WorldID       int
	SelectedRoute int
}

// TrackNode is one node of the track database. Links lists adjacent node
// indices; plain sections have up to two, junctions more.
type TrackNode struct {
	Index    int
	Links    []int
	Junction *Junction
}

type TrackDB struct {
	nodes map[int]*TrackNode
}

func NewTrackDB(nodes []*TrackNode) *TrackDB {
	db := &TrackDB{nodes: make(map[int]*TrackNode, len(nodes))}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if n.Junction != nil {
			n.Junction.NodeIndex = n.Index
		}
		db.nodes[n.Index] = n
	}
	return db
}

func (db *TrackDB) Node(index int) *TrackNode {
	return db.nodes[index]
}

// JunctionAt resolves a junction by its wire identity.
func (db *TrackDB) JunctionAt(tileX, tileZ, worldID int) *Junction {
	for _, n := range db.nodes {
		j := n.Junction
		if j != nil && j.TileX == tileX && j.TileZ == tileZ && j.WorldID == worldID {
			return j
		}
	}
	return nil
}

// Junctions returns every junction ordered by track-node index. The order is
// stable across calls, which the differential broadcaster relies on.
func (db *TrackDB) Junctions() []*Junction {
	out := make([]*Junction, 0, len(db.nodes))
	for _, n := range db.nodes {
		if n.Junction != nil {
			out = append(out, n.Junction)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeIndex < out[j].NodeIndex })
	return out
}

// Walk returns a node-index path from one node to another, the start node
// first. An unreachable target yields just the start node.
func (db *TrackDB) Walk(from, to int) []int {
	if from == to {
		return []int{from}
	}
	prev := map[int]int{from: from}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := db.nodes[cur]
		if n == nil {
			continue
		}
		for _, next := range n.Links {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				return unwind(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return []int{from}
}

func unwind(prev map[int]int, from, to int) []int {
	path := []int{to}
	for cur := to; cur != from; cur = prev[cur] {
		path = append(path, prev[cur])
	}
	// reverse in place, rear first
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
