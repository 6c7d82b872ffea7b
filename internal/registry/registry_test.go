package registry

import (
	"sync/atomic"
	"testing"

	"github.com/denpacast/smoothcast/internal/engine"
)

type fakeNode struct{ closed atomic.Bool }

func (n *fakeNode) Close() error {
	n.closed.Store(true)
	return nil
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := New(nil)
	calls := 0

	factory := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		calls++
		return &fakeNode{}, nil
	}

	if err := r.Ensure(ProtocolRTMP, 1935, factory); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := r.Ensure(ProtocolRTMP, 1935, factory); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestGetMissingReturnsErrNoListener(t *testing.T) {
	r := New(nil)
	if _, err := r.Get(ProtocolSRT, 5000); err != ErrNoListener {
		t.Fatalf("got %v, want ErrNoListener", err)
	}
}

func TestAttachDetachAndFanOut(t *testing.T) {
	r := New(nil)
	var disconnect func(string)
	var streams func(string, []engine.Stream)

	factory := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		disconnect = onDisconnect
		streams = onStreams
		return &fakeNode{}, nil
	}
	if err := r.Ensure(ProtocolRTMP, 1935, factory); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	var fired0, fired1 int
	var lastSource string
	var sawStreams int
	cb0 := Callbacks{
		OnDisconnect: func(sourceName string) { fired0++; lastSource = sourceName },
		OnStreams:    func(sourceName string, s []engine.Stream) { sawStreams += len(s) },
	}
	cb1 := Callbacks{OnDisconnect: func(sourceName string) { fired1++ }}
	if err := r.Attach(ProtocolRTMP, 1935, "slot-0", cb0); err != nil {
		t.Fatalf("Attach slot-0: %v", err)
	}
	if err := r.Attach(ProtocolRTMP, 1935, "slot-1", cb1); err != nil {
		t.Fatalf("Attach slot-1: %v", err)
	}

	if got := r.AttachedCount(ProtocolRTMP, 1935); got != 2 {
		t.Fatalf("AttachedCount = %d, want 2", got)
	}

	streams("a/1", []engine.Stream{{Type: engine.MediaVideo}})
	if sawStreams != 1 {
		t.Fatalf("expected stream fan-out to reach slot-0, got %d", sawStreams)
	}

	disconnect("a/1")
	if fired0 != 1 || fired1 != 1 {
		t.Fatalf("expected both callbacks to fire once, got %d %d", fired0, fired1)
	}
	if lastSource != "a/1" {
		t.Fatalf("expected source name to propagate, got %q", lastSource)
	}

	r.Detach(ProtocolRTMP, 1935, "slot-0")
	if got := r.AttachedCount(ProtocolRTMP, 1935); got != 1 {
		t.Fatalf("AttachedCount after detach = %d, want 1", got)
	}

	disconnect("a/2")
	if fired0 != 1 || fired1 != 2 {
		t.Fatalf("expected only slot-1 to fire again, got %d %d", fired0, fired1)
	}

	// Detaching twice is a safe no-op, matching closeNode's idempotence
	// requirement applied to listener handles.
	r.Detach(ProtocolRTMP, 1935, "slot-0")
}

func TestEnsureFactoryErrorDoesNotLeaveStaleEntry(t *testing.T) {
	r := New(nil)
	boom := errFactory("boom")

	factory := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		return nil, boom
	}
	if err := r.Ensure(ProtocolSRT, 1, factory); err == nil {
		t.Fatalf("expected error from factory")
	}
	if _, err := r.Get(ProtocolSRT, 1); err != ErrNoListener {
		t.Fatalf("expected no listener after failed Ensure, got %v", err)
	}

	// A later Ensure retries cleanly.
	ok := false
	factory2 := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		ok = true
		return &fakeNode{}, nil
	}
	if err := r.Ensure(ProtocolSRT, 1, factory2); err != nil {
		t.Fatalf("retry Ensure: %v", err)
	}
	if !ok {
		t.Fatalf("expected retry factory to run")
	}
}

type errFactory string

func (e errFactory) Error() string { return string(e) }

func TestSnapshot(t *testing.T) {
	r := New(nil)
	factory := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		return &fakeNode{}, nil
	}
	_ = r.Ensure(ProtocolRTMP, 1935, factory)
	_ = r.Attach(ProtocolRTMP, 1935, "slot-0", Callbacks{})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
	if snap[0].Port != 1935 || snap[0].AttachedCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap[0])
	}
}

func TestCloseClosesAllNodes(t *testing.T) {
	r := New(nil)
	n := &fakeNode{}
	factory := func(onDisconnect func(string), onStreams func(string, []engine.Stream)) (engine.InputNode, error) {
		return n, nil
	}
	_ = r.Ensure(ProtocolRTMP, 1935, factory)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !n.closed.Load() {
		t.Fatalf("expected node to be closed")
	}
}
