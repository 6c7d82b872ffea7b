package source

import "sync"

// DurationFuture is a single-assignment promise of an optional duration in
// milliseconds. It resolves at most once, either with a value (explicit
// item.duration, or an MP4's natural duration reported by OnInfo) or with
// "absent". Sources other than MP4 get an already-resolved future; an MP4
// item without an explicit duration resolves only when OnInfo fires, and
// stays unresolved if the engine never reports one.
type DurationFuture struct {
	mu       sync.Mutex
	resolved bool
	value    *int64
	waiters  []chan struct{}
}

// NewDurationFuture creates an unresolved future.
func NewDurationFuture() *DurationFuture {
	return &DurationFuture{}
}

// Resolved creates a future that is already resolved with value (nil means
// "absent").
func Resolved(value *int64) *DurationFuture {
	return &DurationFuture{resolved: true, value: value}
}

// Resolve sets the future's value. Only the first call has effect; later
// calls are no-ops, matching an engine that could in principle call OnInfo
// more than once.
func (f *DurationFuture) Resolve(value *int64) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	f.value = value
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until the future resolves and returns its value.
func (f *DurationFuture) Wait() *int64 {
	f.mu.Lock()
	if f.resolved {
		v := f.value
		f.mu.Unlock()
		return v
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	<-ch
	return f.value
}

// TryValue returns the resolved value and true, or (nil, false) if the
// future has not resolved yet.
func (f *DurationFuture) TryValue() (*int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		return nil, false
	}
	return f.value, true
}
