// Package registry implements the ListenerRegistry of §4.2: it owns shared
// listener-mode input nodes for protocols where one socket multiplexes many
// logical sources (SRT listener, RTMP server), and fans out disconnect
// notifications to every slot currently attached to that listener.
//
// The map of attached callbacks is guarded by a mutex held only across map
// edits and snapshot copies, never across callback dispatch — the same split
// the teacher's Manager and the pack's RTMP stream registry use to avoid
// holding a lock during I/O or user callbacks.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/denpacast/smoothcast/internal/engine"
)

// Protocol is the listener protocol a registry entry serves.
type Protocol string

const (
	ProtocolSRT  Protocol = "srt"
	ProtocolRTMP Protocol = "rtmp"
)

// ErrNoListener is returned by Get when no listener has been registered for
// the requested (protocol, port) pair.
var ErrNoListener = errors.New("registry: no listener for protocol/port")

// key identifies one registry entry.
type key struct {
	proto Protocol
	port  int
}

// Callbacks bundles the per-handle notifications a slot receives for a
// shared listener node: disconnect (keyed by the publisher's source name)
// and stream-metadata changes (also keyed by source name, so a slot can
// ignore updates belonging to a different publisher sharing the listener).
type Callbacks struct {
	OnDisconnect func(sourceName string)
	OnStreams    func(sourceName string, streams []engine.Stream)
}

// entry is one shared listener node plus its attached per-handle callbacks.
type entry struct {
	mu        sync.RWMutex
	node      engine.InputNode
	callbacks map[string]Callbacks
}

// Registry owns shared listener-mode input nodes for the lifetime of the
// controller that constructed it.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[key]*entry),
		logger:  logger.With("component", "listener_registry"),
	}
}

// Factory creates the shared listener node for a (protocol, port) pair. It is
// called inside Ensure only when no entry exists for the pair (so once per
// pair, unless an earlier factory call failed), and must arrange for
// onDisconnect/onStreams to be invoked (with the source name of the relevant
// publisher) whenever a connected publisher on this listener drops or its
// stream metadata changes.
type Factory func(onDisconnect func(sourceName string), onStreams func(sourceName string, streams []engine.Stream)) (engine.InputNode, error)

// Ensure idempotently creates the listener node for (protocol, port) if one
// does not already exist, using factory. If a node already exists, factory is
// not called and the existing node is left untouched.
func (r *Registry) Ensure(proto Protocol, port int, factory Factory) error {
	k := key{proto, port}

	r.mu.Lock()
	if _, ok := r.entries[k]; ok {
		r.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock and calling the factory so
	// concurrent Ensure calls for the same pair cannot both create a node.
	e := &entry{callbacks: make(map[string]Callbacks)}
	r.entries[k] = e
	r.mu.Unlock()

	node, err := factory(
		func(sourceName string) { r.fanOutDisconnect(k, sourceName) },
		func(sourceName string, streams []engine.Stream) { r.fanOutStreams(k, sourceName, streams) },
	)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, k)
		r.mu.Unlock()
		return fmt.Errorf("registry: create %s listener on port %d: %w", proto, port, err)
	}

	e.mu.Lock()
	e.node = node
	e.mu.Unlock()

	r.logger.Info("listener registered", "protocol", string(proto), "port", port)
	return nil
}

// Get returns the shared node for (protocol, port), or ErrNoListener if none
// was registered.
func (r *Registry) Get(proto Protocol, port int) (engine.InputNode, error) {
	r.mu.RLock()
	e, ok := r.entries[key{proto, port}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoListener
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.node == nil {
		return nil, ErrNoListener
	}
	return e.node, nil
}

// Attach registers a per-handle callback set on the listener at (protocol,
// port). Returns ErrNoListener if the listener does not exist.
func (r *Registry) Attach(proto Protocol, port int, handleID string, cb Callbacks) error {
	r.mu.RLock()
	e, ok := r.entries[key{proto, port}]
	r.mu.RUnlock()
	if !ok {
		return ErrNoListener
	}

	e.mu.Lock()
	e.callbacks[handleID] = cb
	e.mu.Unlock()
	return nil
}

// Detach removes a per-handle disconnect callback; a no-op if absent.
func (r *Registry) Detach(proto Protocol, port int, handleID string) {
	r.mu.RLock()
	e, ok := r.entries[key{proto, port}]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.callbacks, handleID)
	e.mu.Unlock()
}

// AttachedCount returns the number of handles currently attached to the
// listener at (protocol, port), or 0 if it does not exist.
func (r *Registry) AttachedCount(proto Protocol, port int) int {
	r.mu.RLock()
	e, ok := r.entries[key{proto, port}]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.callbacks)
}

// fanOutDisconnect is invoked by the engine's listener-level disconnect hook.
// It snapshots the attached callbacks under a read lock, then invokes each
// outside the lock so a slow or reentrant callback cannot stall other
// attachers or Attach/Detach calls.
func (r *Registry) fanOutDisconnect(k key, sourceName string) {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.RLock()
	callbacks := make([]func(string), 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		if cb.OnDisconnect != nil {
			callbacks = append(callbacks, cb.OnDisconnect)
		}
	}
	e.mu.RUnlock()

	r.logger.Debug("listener disconnect fan-out", "protocol", string(k.proto), "port", k.port,
		"source_name", sourceName, "attached", len(callbacks))

	for _, cb := range callbacks {
		cb(sourceName)
	}
}

// fanOutStreams is the stream-metadata analogue of fanOutDisconnect: it
// notifies every attached handle that this listener's exposed streams for
// sourceName changed, under the same snapshot-then-dispatch discipline.
func (r *Registry) fanOutStreams(k key, sourceName string, streams []engine.Stream) {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.RLock()
	callbacks := make([]func(string, []engine.Stream), 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		if cb.OnStreams != nil {
			callbacks = append(callbacks, cb.OnStreams)
		}
	}
	e.mu.RUnlock()

	for _, cb := range callbacks {
		cb(sourceName, streams)
	}
}

// Info is a read-only snapshot of one registry entry, used by status
// endpoints and tests.
type Info struct {
	Protocol      Protocol
	Port          int
	AttachedCount int
}

// Snapshot returns a point-in-time view of every registered listener. It
// holds the registry lock only long enough to copy the key set, and each
// entry's lock only long enough to copy its callback count — never across
// callback dispatch.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	keys := make([]key, 0, len(r.entries))
	ents := make([]*entry, 0, len(r.entries))
	for k, e := range r.entries {
		keys = append(keys, k)
		ents = append(ents, e)
	}
	r.mu.RUnlock()

	out := make([]Info, len(keys))
	for i, k := range keys {
		ents[i].mu.RLock()
		count := len(ents[i].callbacks)
		ents[i].mu.RUnlock()
		out[i] = Info{Protocol: k.proto, Port: k.port, AttachedCount: count}
	}
	return out
}

// Close tears down every registered listener node. Intended for controller
// shutdown only — listener nodes otherwise live for the controller's entire
// lifetime.
func (r *Registry) Close() error {
	r.mu.Lock()
	ents := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ents = append(ents, e)
	}
	r.entries = make(map[key]*entry)
	r.mu.Unlock()

	var firstErr error
	for _, e := range ents {
		e.mu.RLock()
		node := e.node
		e.mu.RUnlock()
		if node == nil {
			continue
		}
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
