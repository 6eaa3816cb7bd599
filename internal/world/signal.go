package world

import "sort"

// Aspect is a signal head state. Values follow the usual most-restrictive to
// least-restrictive ordering; Unknown encodes "no state yet" on the wire.
type Aspect int

const (
	AspectUnknown Aspect = iota - 1
	AspectStop
	AspectStopAndProceed
	AspectRestricting
	AspectApproach1
	AspectApproach2
	AspectApproach3
	AspectClear1
	AspectClear2
)

// SignalCatalog resolves an aspect to a draw state for a given head. It is the
// read-only static signal configuration; a full scripted catalog is out of
// scope, so the default maps aspects one to one.
type SignalCatalog interface {
	DefaultDrawState(h *SignalHead, a Aspect) int
}

type identityCatalog struct{}

func (identityCatalog) DefaultDrawState(_ *SignalHead, a Aspect) int { return int(a) }

// DefaultCatalog is used wherever no catalog was configured.
var DefaultCatalog SignalCatalog = identityCatalog{}

// SignalHead is identified by its track-item index plus the head index within
// the node. Key keeps the same composite ordering the enumeration sorts by.
type SignalHead struct {
	TDBIndex  int
	ItemIndex int
	State     Aspect
	DrawState int
	Catalog   SignalCatalog
}

func (h *SignalHead) Key() int {
	return h.TDBIndex*1000 + h.ItemIndex
}

// SetState updates the aspect and re-derives the draw state.
func (h *SignalHead) SetState(a Aspect) {
	cat := h.Catalog
	if cat == nil {
		cat = DefaultCatalog
	}
	h.State = a
	h.DrawState = cat.DefaultDrawState(h, a)
}

// Reset drives the head back to its most restrictive state. Used by the
// dispatcher to clear a train's next governing signal.
func (h *SignalHead) Reset() {
	h.SetState(AspectStop)
}

func sortSignalHeads(heads []*SignalHead) {
	sort.Slice(heads, func(i, j int) bool { return heads[i].Key() < heads[j].Key() })
}
