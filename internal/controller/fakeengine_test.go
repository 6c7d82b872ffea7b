package controller

import (
	"fmt"
	"sync"

	"github.com/denpacast/smoothcast/internal/engine"
)

// fakeNode is a no-op engine.Node/InputNode the fake engine hands back for
// every created source, recording how many times Close was called.
type fakeNode struct {
	mu     sync.Mutex
	closed int
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
	return nil
}

func (n *fakeNode) closeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// fakeSwitcher records every pin-subscription and switch-source call the
// controller issues through its switcherbinding.Binding.
type fakeSwitcher struct {
	mu     sync.Mutex
	subs   map[string][]engine.StreamKey
	active string
}

func (s *fakeSwitcher) SubscribeToPins(subs map[string][]engine.StreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = subs
	return nil
}

func (s *fakeSwitcher) SwitchSource(pin string, transitionMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = pin
	return nil
}

func (s *fakeSwitcher) activePin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// fakeEngine is a hand-written engine.Engine whose standalone input methods
// (files, SRT caller, image, RTP, WHIP) invoke hooks.OnCreate synchronously,
// matching the real controller's assumption (package doc of controller.go)
// that Factory.Create always calls the engine synchronously from the
// command-loop goroutine. The listener methods only capture their hooks and
// onStream admission function; tests drive publisher admission directly by
// calling the captured onStream, as the reference mediasim engine would from
// its own goroutines.
type fakeEngine struct {
	mu sync.Mutex

	// streamsFor, keyed by file name (or "ip:port" for SRT callers), supplies
	// the stream set OnCreate delivers for that node. Missing entries default
	// to a full audio+video pair.
	streamsFor map[string][]engine.Stream

	// failFor causes the named file (or SRT caller "ip:port") to fail
	// creation.
	failFor map[string]bool

	created []string

	listenerHooks map[int]engine.Hooks
	listenerOnStream map[int]engine.OnStreamFunc

	switcher *fakeSwitcher
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		streamsFor:       make(map[string][]engine.Stream),
		failFor:          make(map[string]bool),
		listenerHooks:    make(map[int]engine.Hooks),
		listenerOnStream: make(map[int]engine.OnStreamFunc),
		switcher:         &fakeSwitcher{},
	}
}

func defaultAVStreams() []engine.Stream {
	return []engine.Stream{
		{Type: engine.MediaAudio, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 1}},
		{Type: engine.MediaVideo, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 2}},
	}
}

func (e *fakeEngine) streamsForKey(k string) []engine.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.streamsFor[k]; ok {
		return s
	}
	return defaultAVStreams()
}

func (e *fakeEngine) shouldFail(k string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failFor[k]
}

func (e *fakeEngine) recordCreated(k string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, k)
}

func (e *fakeEngine) LocalTSFile(cfg engine.LocalFileConfig, hooks engine.Hooks) (engine.InputNode, error) {
	if e.shouldFail(cfg.FileName) {
		return nil, fmt.Errorf("fake: ts file %q rejected", cfg.FileName)
	}
	e.recordCreated(cfg.FileName)
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, e.streamsForKey(cfg.FileName))
	}
	return n, nil
}

func (e *fakeEngine) LocalMP4File(cfg engine.LocalFileConfig, hooks engine.Hooks) (engine.InputNode, error) {
	if e.shouldFail(cfg.FileName) {
		return nil, fmt.Errorf("fake: mp4 file %q rejected", cfg.FileName)
	}
	e.recordCreated(cfg.FileName)
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, e.streamsForKey(cfg.FileName))
	}
	return n, nil
}

func (e *fakeEngine) SRTCaller(cfg engine.SRTCallerConfig, hooks engine.Hooks) (engine.InputNode, error) {
	key := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	if e.shouldFail(key) {
		return nil, fmt.Errorf("fake: srt caller %s rejected", key)
	}
	e.recordCreated(key)
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, e.streamsForKey(key))
	}
	return n, nil
}

func (e *fakeEngine) SRTListener(cfg engine.ListenerConfig, onStream engine.OnStreamFunc, hooks engine.Hooks) (engine.InputNode, error) {
	e.mu.Lock()
	e.listenerHooks[cfg.Port] = hooks
	e.listenerOnStream[cfg.Port] = onStream
	e.mu.Unlock()
	return &fakeNode{}, nil
}

func (e *fakeEngine) RTMPListener(cfg engine.ListenerConfig, onStream engine.OnStreamFunc, hooks engine.Hooks) (engine.InputNode, error) {
	e.mu.Lock()
	e.listenerHooks[cfg.Port] = hooks
	e.listenerOnStream[cfg.Port] = onStream
	e.mu.Unlock()
	return &fakeNode{}, nil
}

func (e *fakeEngine) Image(cfg engine.ImageConfig, hooks engine.Hooks) (engine.InputNode, error) {
	if e.shouldFail(cfg.FileName) {
		return nil, fmt.Errorf("fake: image %q rejected", cfg.FileName)
	}
	e.recordCreated(cfg.FileName)
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, []engine.Stream{{Type: engine.MediaVideo, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 2}}})
	}
	return n, nil
}

func (e *fakeEngine) RTP(cfg engine.RTPConfig, hooks engine.Hooks) (engine.InputNode, error) {
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, defaultAVStreams())
	}
	return n, nil
}

func (e *fakeEngine) WHIP(cfg engine.WHIPConfig, hooks engine.Hooks) (engine.InputNode, error) {
	n := &fakeNode{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, defaultAVStreams())
	}
	return n, nil
}

func (e *fakeEngine) SmoothSwitcher(cfg engine.SwitcherConfig) (engine.Switcher, error) {
	return e.switcher, nil
}

func (e *fakeEngine) AudioGain(cfg engine.AudioGainConfig) (engine.InputNode, error) {
	return &fakeNode{}, nil
}

func (e *fakeEngine) StreamKeyOverride(cfg engine.StreamKeyOverrideConfig) (engine.Node, error) {
	return &fakeNode{}, nil
}

func (e *fakeEngine) AudioSignal(cfg engine.AudioSignalConfig) (engine.InputNode, error) {
	return &fakeNode{}, nil
}
