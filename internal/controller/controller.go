// Package controller implements the playlist state machine of §4.4: it holds
// three slots (prev, current, next), advances them on update, wires
// SourceHandles into the switcher, decides when to request an actual
// crossfade, schedules duration-based advances, and handles manual advance.
//
// All state transitions run on a single goroutine draining a command
// channel (see loop.go), following the teacher's actor-ish use of
// goroutines + channels in internal/radio/stream.go's Broadcaster skip
// channel. The one exception is subscribeToNode's slot installation, which
// runs synchronously inside the engine's node-creation hook — by
// construction on the same goroutine for every source type this module
// ships, since Factory.Create always invokes the engine synchronously from
// within update() (see internal/source/factory.go).
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/denpacast/smoothcast/internal/engine"
	"github.com/denpacast/smoothcast/internal/playlist"
	"github.com/denpacast/smoothcast/internal/registry"
	"github.com/denpacast/smoothcast/internal/source"
	"github.com/denpacast/smoothcast/internal/streamsel"
	"github.com/denpacast/smoothcast/internal/switcherbinding"
)

const (
	defaultTransitionMs = 300
	defaultWidth        = 640
	defaultHeight       = 480
	defaultSampleRate   = 48000
	defaultChannels     = 2

	closeGraceDelay = time.Second
	activateDelay   = 10 * time.Millisecond
)

// Output stream keys are stable and documented in §6.
var (
	videoOutputKey = engine.StreamKey{Program: 1, Rendition: "video", StreamID: 256, SourceName: "input"}
	audioOutputKey = engine.StreamKey{Program: 1, Rendition: "audio", StreamID: 257, SourceName: "input"}
)

// Option configures a Controller at construction, following the
// functional-options pattern used for internal/stream.Manager in the pack.
type Option func(*Controller)

// WithTransitionDuration overrides the crossfade duration (default 300ms).
func WithTransitionDuration(d time.Duration) Option {
	return func(c *Controller) { c.transitionDuration = d }
}

// WithOutputSize overrides the switcher's output video dimensions (default 640x480).
func WithOutputSize(width, height int) Option {
	return func(c *Controller) { c.width, c.height = width, height }
}

// WithOutputAudio overrides the switcher's output sample rate and channel count.
func WithOutputAudio(sampleRate, channels int) Option {
	return func(c *Controller) { c.sampleRate, c.channels = sampleRate, channels }
}

// WithLogger overrides the controller's logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithEventBuffer overrides the Events() channel's buffer size (default 1),
// following the teacher's skipCh "drop if full" idiom for non-blocking posts.
func WithEventBuffer(n int) Option {
	return func(c *Controller) { c.eventBuf = n }
}

// Controller is the playlist state machine of §4.4.
type Controller struct {
	items   []playlist.Item
	eng     engine.Engine
	factory *source.Factory
	reg     *registry.Registry
	logger  *slog.Logger

	transitionDuration time.Duration
	width, height      int
	sampleRate         int
	channels           int
	eventBuf           int

	binding    *switcherbinding.Binding
	silence    engine.InputNode
	videoOut   engine.Node
	audioOut   engine.Node
	silenceKey engine.StreamKey

	cmdCh     chan func()
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	sourceIndex int
	started     bool
	playing     int
	hasPlayed   bool
	slots       [3]*playingItem
}

// Create pre-creates every shared listener the playlist needs, builds the
// controller's lifetime-owned nodes (switcher, silence source, stream-key
// overrides), starts the command loop, and returns a ready-to-Start
// Controller. It is the async constructor of §6.
func Create(ctx context.Context, eng engine.Engine, items []playlist.Item, opts ...Option) (*Controller, error) {
	c := &Controller{
		items:              items,
		eng:                eng,
		reg:                registry.New(nil),
		logger:             slog.Default(),
		transitionDuration: defaultTransitionMs * time.Millisecond,
		width:              defaultWidth,
		height:             defaultHeight,
		sampleRate:         defaultSampleRate,
		channels:           defaultChannels,
		eventBuf:           1,
		sourceIndex:        -1,
		playing:            -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "controller")
	c.events = make(chan Event, c.eventBuf)
	c.done = make(chan struct{})
	c.cmdCh = make(chan func())

	c.factory = &source.Factory{
		Engine:     eng,
		Registry:   c.reg,
		GraceDelay: closeGraceDelay,
		Logger:     c.logger,
	}

	if err := c.precreateListeners(); err != nil {
		return nil, err
	}

	switcher, err := eng.SmoothSwitcher(engine.SwitcherConfig{
		TransitionMs: c.transitionDuration.Milliseconds(),
		Width:        c.width,
		Height:       c.height,
		SampleRate:   c.sampleRate,
		Channels:     c.channels,
	})
	if err != nil {
		return nil, fmt.Errorf("controller: create smooth switcher: %w", err)
	}
	c.binding = switcherbinding.New(switcher, c.transitionDuration.Milliseconds())

	silence, err := eng.AudioGain(engine.AudioGainConfig{ChannelGainsDb: make([]float64, c.channels)})
	if err != nil {
		return nil, fmt.Errorf("controller: create silent-audio source: %w", err)
	}
	c.silence = silence
	c.silenceKey = engine.StreamKey{Program: 0, Rendition: "silence", StreamID: 0, SourceName: "silence"}

	videoOut, err := eng.StreamKeyOverride(engine.StreamKeyOverrideConfig{Key: videoOutputKey})
	if err != nil {
		return nil, fmt.Errorf("controller: create video output: %w", err)
	}
	c.videoOut = videoOut

	audioOut, err := eng.StreamKeyOverride(engine.StreamKeyOverrideConfig{Key: audioOutputKey})
	if err != nil {
		return nil, fmt.Errorf("controller: create audio output: %w", err)
	}
	c.audioOut = audioOut

	go c.loop(ctx)

	return c, nil
}

// precreateListeners scans every item for a listener-mode SRT or RTMP
// source and ensures exactly one registry entry per (protocol, port) pair,
// per §4.2. Must complete before Start, so Start never races a listener's
// first creation (§9).
func (c *Controller) precreateListeners() error {
	seen := make(map[registry.Protocol]map[int]bool)
	for _, item := range c.items {
		if !item.Source.IsListener() {
			continue
		}
		proto := registry.ProtocolSRT
		if item.Source.Type == playlist.SourceRTMP {
			proto = registry.ProtocolRTMP
		}
		port := item.Source.Port
		if seen[proto] == nil {
			seen[proto] = make(map[int]bool)
		}
		if seen[proto][port] {
			continue
		}
		seen[proto][port] = true

		if err := c.reg.Ensure(proto, port, c.listenerFactory(proto, port)); err != nil {
			return fmt.Errorf("controller: precreate %s listener on port %d: %w", proto, port, err)
		}
	}
	return nil
}

// listenerFactory builds the registry.Factory for one (protocol, port) pair,
// wiring the engine's onStream admission hook per §4.2's RTMP-specific rule
// (fixed rendition "default" for both stream keys, sourceName = app/publishingName).
func (c *Controller) listenerFactory(proto registry.Protocol, port int) registry.Factory {
	return func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		hooks := engine.Hooks{
			OnConnectionStatusChange: func(connected bool, sourceName string) {
				if !connected {
					onDisconnect(sourceName)
				}
			},
		}
		onStream := func(app, url, streamID, name string) (bool, engine.StreamKey, engine.StreamKey) {
			sourceName := streamsel.RTMPSourceName(app, name)
			audioKey := engine.StreamKey{Program: 1, Rendition: "default", StreamID: 1, SourceName: sourceName}
			videoKey := engine.StreamKey{Program: 1, Rendition: "default", StreamID: 2, SourceName: sourceName}
			// A publisher's stream set is known in full as soon as it is
			// admitted, since both keys are assigned here rather than
			// negotiated later — fan it out immediately rather than waiting
			// for a separate metadata event that will never come.
			onStreams(sourceName, []engine.Stream{
				{Type: engine.MediaAudio, Key: audioKey},
				{Type: engine.MediaVideo, Key: videoKey},
			})
			return true, audioKey, videoKey
		}

		switch proto {
		case registry.ProtocolRTMP:
			return c.eng.RTMPListener(engine.ListenerConfig{Port: port}, onStream, hooks)
		default:
			return c.eng.SRTListener(engine.ListenerConfig{Port: port}, onStream, hooks)
		}
	}
}

// Start begins playback from item 0, per §6.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.started {
			return nil
		}
		c.started = true
		return c.update()
	})
}

// Switch manually advances to the next item, per §6.
func (c *Controller) Switch(ctx context.Context) error {
	return c.do(ctx, func() error {
		return c.update()
	})
}

// Events delivers PlaylistExhausted and other non-fatal notifications.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Video returns the video stream-key-override output node.
func (c *Controller) Video() engine.Node { return c.videoOut }

// Audio returns the audio stream-key-override output node.
func (c *Controller) Audio() engine.Node { return c.audioOut }

// SlotStatus is a read-only snapshot of one slot's state, for the HTTP
// status endpoint and tests.
type SlotStatus struct {
	Occupied bool
	Index    int
	Ready    bool
	Pin      string
}

// Status is a point-in-time snapshot of the controller's slots and listener
// registry, built by Status.
type Status struct {
	Prev, Current, Next SlotStatus
	Playing             int
	Listeners           []registry.Info
}

// Status returns a snapshot of the controller's current slot state and
// listener registry. Like every other read of controller state, it is
// serialised through the command loop rather than read directly.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func() error {
		st.Prev = snapshotSlot(c.slots[slotPrev])
		st.Current = snapshotSlot(c.slots[slotCurrent])
		st.Next = snapshotSlot(c.slots[slotNext])
		st.Playing = c.playing
		st.Listeners = c.reg.Snapshot()
		return nil
	})
	return st, err
}

func snapshotSlot(pi *playingItem) SlotStatus {
	if pi == nil {
		return SlotStatus{}
	}
	return SlotStatus{Occupied: true, Index: pi.index, Ready: pi.ready, Pin: pi.pin}
}

// Close releases every slot's node, the silence source, the two stream-key
// overrides, and every registry listener; the switcher itself is not closed,
// since engine.Switcher has no Close. It stops the command loop; no further
// public call is valid afterwards, and a repeated Close only reports
// ErrClosed without closing anything again.
func (c *Controller) Close(ctx context.Context) error {
	err := c.do(ctx, func() error {
		for _, pi := range c.slots {
			if pi != nil && pi.closeNode != nil {
				pi.closeNode()
			}
			if pi != nil && pi.durationTimer != nil {
				pi.durationTimer.Stop()
			}
		}
		return nil
	})

	first := false
	c.closeOnce.Do(func() {
		close(c.done)
		first = true
	})
	if !first {
		return err
	}

	var firstErr error
	if err != nil {
		firstErr = err
	}
	if e := c.reg.Close(); e != nil && firstErr == nil {
		firstErr = e
	}
	if c.silence != nil {
		if e := c.silence.Close(); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	if c.videoOut != nil {
		if e := c.videoOut.Close(); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	if c.audioOut != nil {
		if e := c.audioOut.Close(); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	return firstErr
}

// triggerUpdate posts an update() call without expecting the caller to
// observe its result — the fire-and-forget path for source-end events (EOF,
// disconnect, duration-timer expiry), per §7's "Source-end (non-error)"
// category.
func (c *Controller) triggerUpdate() {
	c.post(func() {
		if err := c.update(); err != nil {
			c.logger.Warn("update failed after source-end event", "error", err)
		}
	})
}

// findSlotByIndex resolves a playlist index to whichever slot currently
// holds it. Async stream-metadata callbacks key off index rather than a
// slot name captured at subscribe time, because a prewarmed next item can be
// promoted to current between the subscribe call and a later async event.
func (c *Controller) findSlotByIndex(index int) (slotName, *playingItem) {
	for _, s := range []slotName{slotPrev, slotCurrent, slotNext} {
		if pi := c.slots[s]; pi != nil && pi.index == index {
			return s, pi
		}
	}
	return slotPrev, nil
}

// subscribeToNode builds the per-slot subscribe callback of §4.4. It is
// invoked synchronously from within the engine's OnCreate hook (directly, or
// via a registry lookup), which for every source type this module ships
// happens on the same goroutine that is executing update() — so installing
// the fresh slot here, before it is reachable by any other code, needs no
// additional synchronization (§5).
func (c *Controller) subscribeToNode(index int, slot slotName) source.SubscribeFunc {
	return func(p source.SubscribeParams) {
		pi := &playingItem{
			item:      p.Item,
			index:     index,
			pin:       strconv.Itoa(index),
			nodeID:    p.NodeID,
			kind:      p.Kind,
			filter:    p.StreamKeyFilter,
			node:      p.Node,
			closeNode: p.CloseNode,
		}
		pi.applyStreams(p.Streams)
		if pi.kind == playlist.KindVideo {
			pi.silenceSub = map[string][]engine.StreamKey{pi.pin: {c.silenceKey}}
		}
		c.slots[slot] = pi

		c.refreshSubs()
		c.refreshActive()
	}
}

// onStreamsForIndex is passed to Factory.Create as the async stream-update
// callback. It is only ever invoked for listener-multiplexed sources (SRT
// listener, RTMP), which deliver it from the engine's OnStream admission
// path on an engine-owned goroutine — genuinely asynchronous, so it must be
// serialised through the command channel rather than called directly.
func (c *Controller) onStreamsForIndex(index int) func([]engine.Stream) {
	return func(streams []engine.Stream) {
		c.post(func() {
			_, pi := c.findSlotByIndex(index)
			if pi == nil {
				return
			}
			pi.applyStreams(streams)
			c.refreshSubs()
			c.refreshActive()
		})
	}
}

// refreshSubs collects every non-absent sub/silenceSub across prev, current,
// and next, and republishes the complete pin-set to the switcher, per §4.4.
func (c *Controller) refreshSubs() {
	subs := make(map[string][]engine.StreamKey)
	for _, pi := range c.slots {
		if pi == nil {
			continue
		}
		for pin, keys := range pi.sub {
			subs[pin] = keys
		}
		for pin, keys := range pi.silenceSub {
			merged := append([]engine.StreamKey(nil), subs[pin]...)
			subs[pin] = append(merged, keys...)
		}
	}
	if err := c.binding.RefreshSubs(subs); err != nil {
		c.logger.Warn("subscribe to pins failed", "error", err)
	}
}

// refreshActive decides what pin should currently be active, per §4.4: if
// current is ready and not already active, switch to it (after a short delay
// so refreshSubs lands first); otherwise, if nothing has ever played and
// prev is ready, activate prev as a degenerate recovery path.
func (c *Controller) refreshActive() {
	if cur := c.slots[slotCurrent]; cur != nil && cur.ready && c.playing != cur.index {
		index := cur.index
		pin := cur.pin
		time.AfterFunc(activateDelay, func() {
			c.post(func() {
				if c.slots[slotCurrent] == nil || c.slots[slotCurrent].index != index {
					return
				}
				if err := c.binding.Activate(pin); err != nil {
					c.logger.Warn("switch source failed", "pin", pin, "error", err)
					return
				}
				c.playing = index
				c.hasPlayed = true
			})
		})
		return
	}
	if !c.hasPlayed {
		if prev := c.slots[slotPrev]; prev != nil && prev.ready {
			pin := prev.pin
			index := prev.index
			if err := c.binding.Activate(pin); err != nil {
				c.logger.Warn("recovery switch source failed", "pin", pin, "error", err)
				return
			}
			c.playing = index
			c.hasPlayed = true
		}
	}
}

// emitEvent posts ev to Events() without blocking, dropping it if the buffer
// is full — the teacher's skipCh "drop if full" idiom.
func (c *Controller) emitEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
