package controller

import (
	"time"

	"github.com/denpacast/smoothcast/internal/engine"
	"github.com/denpacast/smoothcast/internal/playlist"
	"github.com/denpacast/smoothcast/internal/source"
	"github.com/denpacast/smoothcast/internal/streamsel"
)

// slotName identifies one of the three slots the controller holds at once.
type slotName int

const (
	slotPrev slotName = iota
	slotCurrent
	slotNext
)

func (s slotName) String() string {
	switch s {
	case slotPrev:
		return "prev"
	case slotCurrent:
		return "current"
	case slotNext:
		return "next"
	default:
		return "unknown"
	}
}

// playingItem is the per-slot state of §3's PlayingItem: the originating
// playlist item, its position, readiness, and everything needed to tear it
// down and to keep the switcher's subscription set current.
type playingItem struct {
	item  playlist.Item
	index int
	pin   string

	nodeID string
	kind   playlist.Kind
	filter streamsel.Filter
	node   engine.Node

	ready     bool
	duration  *source.DurationFuture
	closeNode func()

	// sub is this slot's pin subscription, built from whatever streams have
	// been observed so far; nil until at least one stream is selected.
	sub map[string][]engine.StreamKey
	// silenceSub feeds a silent audio track onto this slot's pin when kind is
	// KindVideo, so the switcher always receives an A+V pair per pin.
	silenceSub map[string][]engine.StreamKey

	// durationTimer fires the scheduled advance for this slot while it is
	// current; nil for slots without a known finite duration.
	durationTimer *time.Timer
}

// applyStreams re-evaluates readiness and the pin subscription from a fresh
// stream list, following §4.4's subscribeToNode selector logic. It must only
// ever be called from the controller's single command-loop goroutine (or,
// for the very first call, synchronously inside the engine's node-creation
// hook before the slot is visible to that loop — see package doc).
func (pi *playingItem) applyStreams(streams []engine.Stream) {
	sel := streamsel.Select(streams, pi.filter)
	if sel.HasAny() {
		pi.sub = map[string][]engine.StreamKey{pi.pin: sel.Keys()}
	} else {
		pi.sub = nil
	}
	pi.ready = (pi.kind == playlist.KindVideo || sel.Audio != nil) && sel.Video != nil
}
