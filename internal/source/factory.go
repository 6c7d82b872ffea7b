// Package source implements the SourceFactory of §4.3: for a given playlist
// item it produces a SourceHandle — either a freshly created standalone
// input node, or a handle onto an entry in the ListenerRegistry — uniformly
// exposing lifecycle callbacks and an idempotent close.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denpacast/smoothcast/internal/engine"
	"github.com/denpacast/smoothcast/internal/playlist"
	"github.com/denpacast/smoothcast/internal/registry"
	"github.com/denpacast/smoothcast/internal/streamsel"
)

// ErrUnknownSourceType is returned when an item's source variant is not one
// of the seven known cases — a playlist is external input, not a
// compile-time-checked literal, so this is a runtime error rather than a
// panic.
var ErrUnknownSourceType = errors.New("source: unknown source type")

// defaultGraceDelay is the grace period a standalone node's teardown waits
// before closing, giving the switcher's crossfade time to drain without a
// glitch.
const defaultGraceDelay = time.Second

// SubscribeParams is what the factory hands to the controller-supplied
// SubscribeFunc, invoked synchronously from the engine's node-creation hook
// (or immediately after a registry lookup for shared listeners) so the
// subscription is installed before any frame can be dropped.
type SubscribeParams struct {
	Node            engine.Node
	NodeID          string
	Kind            playlist.Kind
	Item            playlist.Item
	Streams         []engine.Stream
	StreamKeyFilter streamsel.Filter
	CloseNode       func()
}

// SubscribeFunc installs a slot's PlayingItem and switcher subscription.
type SubscribeFunc func(SubscribeParams)

// CreatedSourceInfo is what Factory.Create returns once the underlying node
// exists (synchronously for standalone nodes; via registry lookup for
// shared listeners).
type CreatedSourceInfo struct {
	Node            engine.Node
	NodeID          string
	Kind            playlist.Kind
	Duration        *DurationFuture
	StreamKeyFilter streamsel.Filter
	CloseNode       func()
}

// ConfigError is raised when a playlist item references a listener (SRT
// listener or RTMP) for which no listener was pre-created by the registry.
type ConfigError struct {
	Protocol registry.Protocol
	Port     int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source: no %s listener pre-created on port %d", e.Protocol, e.Port)
}

// Factory creates SourceHandles for playlist items.
type Factory struct {
	Engine     engine.Engine
	Registry   *registry.Registry
	GraceDelay time.Duration
	Logger     *slog.Logger
}

func (f *Factory) graceDelay() time.Duration {
	if f.GraceDelay > 0 {
		return f.GraceDelay
	}
	return defaultGraceDelay
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// standaloneCloseNode returns an idempotent close function for a uniquely
// owned node: the first call schedules node.Close() after the grace delay;
// subsequent calls are no-ops. The delay itself is not cancellable — re-firing
// Close after it already ran is harmless, which is what makes this safe to
// call more than once.
func standaloneCloseNode(node engine.Node, grace time.Duration, logger *slog.Logger, nodeID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			time.AfterFunc(grace, func() {
				if err := node.Close(); err != nil {
					logger.Warn("error closing standalone node", "node_id", nodeID, "error", err)
				}
			})
		})
	}
}

// listenerCloseNode returns an idempotent close function for a shared
// listener handle: it never touches the underlying node, only detaches this
// handle's callbacks from the registry.
func listenerCloseNode(reg *registry.Registry, proto registry.Protocol, port int, handleID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			reg.Detach(proto, port, handleID)
		})
	}
}

func beginMs(item playlist.Item) int64 {
	if item.Begin == nil {
		return 0
	}
	return *item.Begin
}

// Create builds the node (or listener handle) for item, installs the
// subscription via subscribe, and wires triggerUpdate into whatever
// source-end signal (EOF, disconnect) this source type exposes. A standalone
// node's initial (and, for these source types, only) stream set is delivered
// synchronously as part of subscribe's SubscribeParams.Streams. onStreams is
// only invoked for listener-multiplexed sources (SRT listener, RTMP), where a
// shared socket serves many publishers over its lifetime and stream metadata
// genuinely arrives asynchronously, one publisher at a time, well after
// Create has returned.
func (f *Factory) Create(item playlist.Item, slotIndex int, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	nodeID := fmt.Sprintf("input-%d", slotIndex)
	kind := item.Source.Kind()

	switch item.Source.Type {
	case playlist.SourceLocalTSFile:
		return f.createLocalTSFile(item, nodeID, kind, subscribe, triggerUpdate, onStreams)
	case playlist.SourceLocalMP4File:
		return f.createLocalMP4File(item, nodeID, kind, subscribe, triggerUpdate, onStreams)
	case playlist.SourceSRT:
		if item.Source.SRTMode == playlist.SRTModeCaller {
			return f.createSRTCaller(item, nodeID, kind, subscribe, triggerUpdate, onStreams)
		}
		return f.createSRTListener(item, nodeID, kind, subscribe, triggerUpdate, onStreams)
	case playlist.SourceRTMP:
		return f.createRTMP(item, nodeID, kind, subscribe, triggerUpdate, onStreams)
	case playlist.SourceImage:
		return f.createImage(item, nodeID, kind, subscribe, onStreams)
	case playlist.SourceRTP:
		return f.createRTP(item, nodeID, kind, subscribe, onStreams)
	case playlist.SourceWHIP:
		return f.createWHIP(item, nodeID, kind, subscribe, onStreams)
	default:
		return CreatedSourceInfo{}, fmt.Errorf("%w: %v", ErrUnknownSourceType, item.Source.Type)
	}
}

func (f *Factory) createLocalTSFile(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	df := Resolved(item.Duration)
	var closeNode func()

	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
		OnEof: func() {
			if closeNode != nil {
				closeNode()
			}
			triggerUpdate()
		},
	}

	node, err := f.Engine.LocalTSFile(engine.LocalFileConfig{FileName: item.Source.FileName, BeginMs: beginMs(item)}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create local ts file %q: %w", item.Source.FileName, err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: df, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createLocalMP4File(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	var df *DurationFuture
	if item.Duration != nil {
		df = Resolved(item.Duration)
	} else {
		df = NewDurationFuture()
	}
	var closeNode func()

	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
		OnEof: func() {
			if closeNode != nil {
				closeNode()
			}
			triggerUpdate()
		},
		OnInfo: func(durationMs int64) {
			df.Resolve(&durationMs)
		},
	}

	node, err := f.Engine.LocalMP4File(engine.LocalFileConfig{FileName: item.Source.FileName, BeginMs: beginMs(item)}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create local mp4 file %q: %w", item.Source.FileName, err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: df, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createSRTCaller(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	df := Resolved(item.Duration)
	var closeNode func()

	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
		OnConnectionStatusChange: func(connected bool, sourceName string) {
			if !connected {
				if closeNode != nil {
					closeNode()
				}
				triggerUpdate()
			}
		},
	}

	node, err := f.Engine.SRTCaller(engine.SRTCallerConfig{IP: item.Source.IP, Port: item.Source.Port}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create srt caller %s:%d: %w", item.Source.IP, item.Source.Port, err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: df, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createSRTListener(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	node, err := f.Registry.Get(registry.ProtocolSRT, item.Source.Port)
	if err != nil {
		return CreatedSourceInfo{}, &ConfigError{Protocol: registry.ProtocolSRT, Port: item.Source.Port}
	}

	handleID := nodeID
	closeNode := listenerCloseNode(f.Registry, registry.ProtocolSRT, item.Source.Port, handleID)

	_ = f.Registry.Attach(registry.ProtocolSRT, item.Source.Port, handleID, registry.Callbacks{
		OnDisconnect: func(sourceName string) {
			triggerUpdate()
			f.Registry.Detach(registry.ProtocolSRT, item.Source.Port, handleID)
		},
		OnStreams: func(sourceName string, streams []engine.Stream) {
			if onStreams != nil {
				onStreams(streams)
			}
		},
	})

	subscribe(SubscribeParams{Node: node, NodeID: nodeID, Kind: kind, Item: item, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: Resolved(item.Duration), StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createRTMP(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, triggerUpdate func(), onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	node, err := f.Registry.Get(registry.ProtocolRTMP, item.Source.Port)
	if err != nil {
		return CreatedSourceInfo{}, &ConfigError{Protocol: registry.ProtocolRTMP, Port: item.Source.Port}
	}

	filter := streamsel.AcceptAll
	hasNameFilter := item.Source.App != "" && item.Source.Stream != ""
	if hasNameFilter {
		filter = streamsel.RTMPSourceNameFilter(item.Source.App, item.Source.Stream)
	}

	handleID := nodeID
	closeNode := listenerCloseNode(f.Registry, registry.ProtocolRTMP, item.Source.Port, handleID)
	wantName := streamsel.RTMPSourceName(item.Source.App, item.Source.Stream)

	_ = f.Registry.Attach(registry.ProtocolRTMP, item.Source.Port, handleID, registry.Callbacks{
		OnDisconnect: func(sourceName string) {
			if !hasNameFilter || sourceName == wantName {
				triggerUpdate()
			}
		},
		OnStreams: func(sourceName string, streams []engine.Stream) {
			if onStreams == nil {
				return
			}
			if !hasNameFilter || sourceName == wantName {
				onStreams(streams)
			}
		},
	})

	subscribe(SubscribeParams{Node: node, NodeID: nodeID, Kind: kind, Item: item, StreamKeyFilter: filter, CloseNode: closeNode})

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: Resolved(item.Duration), StreamKeyFilter: filter, CloseNode: closeNode}, nil
}

func (f *Factory) createImage(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	var closeNode func()
	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
	}

	node, err := f.Engine.Image(engine.ImageConfig{FileName: item.Source.FileName, ImageFormat: item.Source.ImageFormat}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create image %q: %w", item.Source.FileName, err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: Resolved(item.Duration), StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createRTP(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	var closeNode func()
	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
	}

	keys := make([]engine.StreamKey, len(item.Source.RTPStreams))
	for i, s := range item.Source.RTPStreams {
		keys[i] = engine.StreamKey{Program: s.Program, Rendition: s.Rendition, StreamID: s.StreamID, SourceName: s.SourceName}
	}

	node, err := f.Engine.RTP(engine.RTPConfig{Streams: keys}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create rtp input: %w", err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: Resolved(item.Duration), StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}

func (f *Factory) createWHIP(item playlist.Item, nodeID string, kind playlist.Kind, subscribe SubscribeFunc, onStreams func([]engine.Stream)) (CreatedSourceInfo, error) {
	var closeNode func()
	hooks := engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			closeNode = standaloneCloseNode(n, f.graceDelay(), f.logger(), nodeID)
			subscribe(SubscribeParams{Node: n, NodeID: nodeID, Kind: kind, Item: item, Streams: streams, StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode})
		},
	}

	node, err := f.Engine.WHIP(engine.WHIPConfig{}, hooks)
	if err != nil {
		return CreatedSourceInfo{}, fmt.Errorf("source: create whip input: %w", err)
	}

	return CreatedSourceInfo{Node: node, NodeID: nodeID, Kind: kind, Duration: Resolved(item.Duration), StreamKeyFilter: streamsel.AcceptAll, CloseNode: closeNode}, nil
}
