// Package mediasim is a reference implementation of engine.Engine: good
// enough to drive the playlist controller against real local files and real
// TCP listeners in tests and the demo binary, but not a production decoder.
// It never touches frame data, only lifecycle and metadata — probing MP4
// duration via ffprobe (os/exec, mirroring the teacher's ffmpeg.Encoder
// subprocess-with-context pattern) and reading ID3 tags from local files
// with github.com/dhowden/tag purely to enrich logs, the same library and
// call pattern as the teacher's internal/playlist/track.go.
package mediasim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhowden/tag"

	"github.com/denpacast/smoothcast/internal/engine"
)

const ffprobeTimeout = 10 * time.Second

// Engine is a reference engine.Engine backed by real files on disk and real
// TCP sockets for listener-mode sources. Nothing it does is production
// grade: streams are synthesised, not decoded.
type Engine struct {
	mediaDir string
	ffprobe  string
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
}

// New builds an Engine that resolves local file sources relative to
// mediaDir and shells out to ffprobePath for MP4 duration discovery.
func New(mediaDir, ffprobePath string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		mediaDir: mediaDir,
		ffprobe:  ffprobePath,
		logger:   logger.With("component", "mediasim"),
	}
}

// node is the generic engine.Node/InputNode mediasim hands back for every
// source type. Close is idempotent; onClose, if set, releases whatever
// real resource (file descriptor, socket, timer) backs this node.
type node struct {
	once    sync.Once
	onClose func()
}

func (n *node) Close() error {
	n.once.Do(func() {
		if n.onClose != nil {
			n.onClose()
		}
	})
	return nil
}

var nextStreamID atomic.Int64

func genStreamID() int {
	return int(nextStreamID.Add(1))
}

func avStreams(sourceName string) []engine.Stream {
	return []engine.Stream{
		{Type: engine.MediaAudio, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 1, SourceName: sourceName}},
		{Type: engine.MediaVideo, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 2, SourceName: sourceName}},
	}
}

// logTagMetadata best-effort reads ID3/tag metadata from a local file purely
// for structured log enrichment, exactly as the teacher's
// extractTrackMetadata does — a missing or unreadable tag is not an error.
func logTagMetadata(path string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		logger.Debug("no tag metadata", "path", path, "error", err)
		return
	}
	logger.Info("local file metadata", "path", path, "title", m.Title(), "artist", m.Artist(), "album", m.Album())
}

// --- local files ---

func (e *Engine) LocalTSFile(cfg engine.LocalFileConfig, hooks engine.Hooks) (engine.InputNode, error) {
	return e.playLocalFile(cfg, hooks, false)
}

func (e *Engine) LocalMP4File(cfg engine.LocalFileConfig, hooks engine.Hooks) (engine.InputNode, error) {
	return e.playLocalFile(cfg, hooks, true)
}

func (e *Engine) playLocalFile(cfg engine.LocalFileConfig, hooks engine.Hooks, reportDuration bool) (engine.InputNode, error) {
	path := filepath.Join(e.mediaDir, cfg.FileName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mediasim: local file %q: %w", path, err)
	}
	logTagMetadata(path, e.logger)

	var eofTimer *time.Timer
	n := &node{onClose: func() {
		if eofTimer != nil {
			eofTimer.Stop()
		}
	}}

	if hooks.OnCreate != nil {
		hooks.OnCreate(n, avStreams(cfg.FileName))
	}

	go e.probeDuration(path, func(ms int64) {
		if reportDuration && hooks.OnInfo != nil {
			hooks.OnInfo(ms)
		}
		if hooks.OnEof != nil {
			eofTimer = time.AfterFunc(time.Duration(ms)*time.Millisecond, hooks.OnEof)
		}
	})

	return n, nil
}

// probeDuration shells out to ffprobe to discover a local file's natural
// duration, mirroring the teacher's os/exec.CommandContext subprocess usage
// in internal/ffmpeg.Encoder. onDuration is never called if ffprobe fails or
// reports no parseable duration — callers must tolerate that silently.
func (e *Engine) probeDuration(path string, onDuration func(ms int64)) {
	ctx, cancel := context.WithTimeout(context.Background(), ffprobeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		e.logger.Debug("ffprobe failed, duration unknown", "path", path, "error", err)
		return
	}

	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		e.logger.Debug("ffprobe output unparseable", "path", path, "error", err)
		return
	}
	secs, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return
	}
	onDuration(int64(secs * 1000))
}

// --- SRT ---

func (e *Engine) SRTCaller(cfg engine.SRTCallerConfig, hooks engine.Hooks) (engine.InputNode, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mediasim: srt caller dial %s: %w", addr, err)
	}

	n := &node{onClose: func() { conn.Close() }}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, avStreams(addr))
	}
	go e.monitorConnection(conn, "", hooks)
	return n, nil
}

func (e *Engine) SRTListener(cfg engine.ListenerConfig, onStream engine.OnStreamFunc, hooks engine.Hooks) (engine.InputNode, error) {
	return e.listen("srt", cfg.Port, onStream, hooks)
}

func (e *Engine) RTMPListener(cfg engine.ListenerConfig, onStream engine.OnStreamFunc, hooks engine.Hooks) (engine.InputNode, error) {
	return e.listen("rtmp", cfg.Port, onStream, hooks)
}

// listen opens a real TCP listener standing in for an SRT/RTMP socket.
// Each accepted connection is treated as one publisher: it reads a single
// newline-delimited "app/stream" handshake line (falling back to the
// connection's remote address when absent), offers it to onStream, and on
// disconnect invokes hooks.OnConnectionStatusChange. This is deliberately
// far simpler than real SRT/RTMP framing — mediasim exists to exercise the
// controller's lifecycle and demultiplexing logic, not to speak either wire
// protocol.
func (e *Engine) listen(proto string, port int, onStream engine.OnStreamFunc, hooks engine.Hooks) (engine.InputNode, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mediasim: listen %s on %s: %w", proto, addr, err)
	}

	e.mu.Lock()
	e.listeners = append(e.listeners, ln)
	e.mu.Unlock()

	n := &node{onClose: func() { ln.Close() }}
	go e.acceptLoop(proto, ln, onStream, hooks)

	if hooks.OnCreate != nil {
		hooks.OnCreate(n, nil)
	}
	return n, nil
}

func (e *Engine) acceptLoop(proto string, ln net.Listener, onStream engine.OnStreamFunc, hooks engine.Hooks) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go e.handlePublisher(proto, conn, onStream, hooks)
	}
}

func (e *Engine) handlePublisher(proto string, conn net.Conn, onStream engine.OnStreamFunc, hooks engine.Hooks) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)

	app, name, ok := splitHandshake(line)
	if !ok {
		app, name = proto, conn.RemoteAddr().String()
	}
	sourceName := app + "/" + name

	if onStream != nil {
		accept, _, _ := onStream(app, "", strconv.Itoa(genStreamID()), name)
		if !accept {
			return
		}
	}
	e.logger.Info("publisher connected", "protocol", proto, "source_name", sourceName)

	e.monitorConnection(conn, sourceName, hooks)
}

// monitorConnection blocks reading from conn until it errors (peer closed,
// network reset) and then reports the disconnect. Real media bytes are
// never inspected; the read loop exists only to detect socket closure.
func (e *Engine) monitorConnection(conn net.Conn, sourceName string, hooks engine.Hooks) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	if hooks.OnConnectionStatusChange != nil {
		hooks.OnConnectionStatusChange(false, sourceName)
	}
}

// splitHandshake parses a "app/stream" handshake line. Returns ok=false for
// an empty or malformed line.
func splitHandshake(line string) (app, stream string, ok bool) {
	parts := strings.SplitN(line, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// --- image / rtp / whip ---

func (e *Engine) Image(cfg engine.ImageConfig, hooks engine.Hooks) (engine.InputNode, error) {
	path := filepath.Join(e.mediaDir, cfg.FileName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mediasim: image %q: %w", path, err)
	}

	n := &node{}
	streams := []engine.Stream{
		{Type: engine.MediaVideo, Key: engine.StreamKey{Program: 1, Rendition: "default", StreamID: 1, SourceName: cfg.FileName}},
	}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, streams)
	}
	return n, nil
}

func (e *Engine) RTP(cfg engine.RTPConfig, hooks engine.Hooks) (engine.InputNode, error) {
	n := &node{}
	streams := make([]engine.Stream, 0, len(cfg.Streams))
	for _, k := range cfg.Streams {
		mt := engine.MediaVideo
		if strings.Contains(strings.ToLower(k.Rendition), "audio") {
			mt = engine.MediaAudio
		}
		streams = append(streams, engine.Stream{Type: mt, Key: k})
	}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, streams)
	}
	return n, nil
}

func (e *Engine) WHIP(cfg engine.WHIPConfig, hooks engine.Hooks) (engine.InputNode, error) {
	n := &node{}
	if hooks.OnCreate != nil {
		hooks.OnCreate(n, avStreams("whip"))
	}
	return n, nil
}

// --- controller-owned lifetime nodes ---

func (e *Engine) AudioGain(cfg engine.AudioGainConfig) (engine.InputNode, error) {
	return &node{}, nil
}

func (e *Engine) StreamKeyOverride(cfg engine.StreamKeyOverrideConfig) (engine.Node, error) {
	return &node{}, nil
}

func (e *Engine) AudioSignal(cfg engine.AudioSignalConfig) (engine.InputNode, error) {
	return &node{}, nil
}

// --- switcher ---

// switcher is a reference engine.Switcher that logs every subscription
// change and crossfade instead of touching real frames.
type switcher struct {
	mu     sync.Mutex
	subs   map[string][]engine.StreamKey
	active string
	logger *slog.Logger
}

func (e *Engine) SmoothSwitcher(cfg engine.SwitcherConfig) (engine.Switcher, error) {
	return &switcher{
		subs:   make(map[string][]engine.StreamKey),
		logger: e.logger.With("width", cfg.Width, "height", cfg.Height, "sample_rate", cfg.SampleRate, "channels", cfg.Channels),
	}, nil
}

func (s *switcher) SubscribeToPins(subs map[string][]engine.StreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = subs
	s.logger.Debug("switcher pin subscriptions updated", "pins", len(subs))
	return nil
}

func (s *switcher) SwitchSource(pin string, transitionMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[pin]; !ok {
		return fmt.Errorf("mediasim: switch to unsubscribed pin %q", pin)
	}
	s.logger.Info("switcher crossfade", "from_pin", s.active, "to_pin", pin, "transition_ms", transitionMs)
	s.active = pin
	return nil
}

// ActivePin reports the most recently activated pin, for tests.
func (s *switcher) ActivePin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close tears down every TCP listener mediasim opened. The demo binary
// calls this on shutdown, after the controller itself has been closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	lns := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	var firstErr error
	for _, ln := range lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
