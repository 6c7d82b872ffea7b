package mediasim

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/denpacast/smoothcast/internal/engine"
)

func TestLocalFileMissingReturnsError(t *testing.T) {
	e := New(t.TempDir(), "ffprobe", nil)
	_, err := e.LocalTSFile(engine.LocalFileConfig{FileName: "missing.ts"}, engine.Hooks{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLocalTSFileFiresOnCreateSynchronously(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.ts")
	if err := os.WriteFile(path, []byte("not a real ts file"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := New(dir, "ffprobe", nil)
	var gotStreams []engine.Stream
	created := false
	node, err := e.LocalTSFile(engine.LocalFileConfig{FileName: "clip.ts"}, engine.Hooks{
		OnCreate: func(n engine.Node, streams []engine.Stream) {
			created = true
			gotStreams = streams
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("OnCreate was not invoked synchronously")
	}
	if len(gotStreams) != 2 {
		t.Fatalf("got %d streams, want 2 (audio+video)", len(gotStreams))
	}
	if err := node.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Idempotent.
	if err := node.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestImageMissingReturnsError(t *testing.T) {
	e := New(t.TempDir(), "ffprobe", nil)
	_, err := e.Image(engine.ImageConfig{FileName: "missing.png", ImageFormat: "png"}, engine.Hooks{})
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestImageProducesVideoOnlyStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(path, []byte("fake png"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New(dir, "ffprobe", nil)
	var streams []engine.Stream
	_, err := e.Image(engine.ImageConfig{FileName: "logo.png", ImageFormat: "png"}, engine.Hooks{
		OnCreate: func(n engine.Node, s []engine.Stream) { streams = s },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(streams) != 1 || streams[0].Type != engine.MediaVideo {
		t.Fatalf("got %+v, want single video stream", streams)
	}
}

func TestRTPClassifiesStreamsByRendition(t *testing.T) {
	e := New(t.TempDir(), "ffprobe", nil)
	var streams []engine.Stream
	_, err := e.RTP(engine.RTPConfig{Streams: []engine.StreamKey{
		{Program: 1, Rendition: "audio-main", StreamID: 1},
		{Program: 1, Rendition: "video-main", StreamID: 2},
	}}, engine.Hooks{OnCreate: func(n engine.Node, s []engine.Stream) { streams = s }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(streams) != 2 || streams[0].Type != engine.MediaAudio || streams[1].Type != engine.MediaVideo {
		t.Fatalf("got %+v, want [audio, video]", streams)
	}
}

func TestSwitcherRejectsUnknownPin(t *testing.T) {
	e := New(t.TempDir(), "ffprobe", nil)
	sw, err := e.SmoothSwitcher(engine.SwitcherConfig{Width: 640, Height: 480, SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sw.SwitchSource("0", 300); err == nil {
		t.Fatal("expected error switching to unsubscribed pin")
	}
	if err := sw.SubscribeToPins(map[string][]engine.StreamKey{"0": {{}}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sw.SwitchSource("0", 300); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := sw.(*switcher).ActivePin(); got != "0" {
		t.Fatalf("active pin = %q, want 0", got)
	}
}

func TestRTMPListenerDemultiplexesByHandshake(t *testing.T) {
	e := New(t.TempDir(), "ffprobe", nil)

	var accepted []string
	onStream := func(app, url, streamID, name string) (bool, engine.StreamKey, engine.StreamKey) {
		accepted = append(accepted, app+"/"+name)
		return true, engine.StreamKey{}, engine.StreamKey{}
	}

	disconnects := make(chan string, 2)
	hooks := engine.Hooks{
		OnConnectionStatusChange: func(connected bool, sourceName string) {
			if !connected {
				disconnects <- sourceName
			}
		},
	}

	var port int
	var listenNode engine.InputNode
	for attempt := 0; attempt < 5; attempt++ {
		ln, errProbe := net.Listen("tcp", ":0")
		if errProbe != nil {
			t.Fatalf("probe free port: %v", errProbe)
		}
		port = ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		n, err := e.RTMPListener(engine.ListenerConfig{Port: port}, onStream, hooks)
		if err == nil {
			listenNode = n
			break
		}
	}
	if listenNode == nil {
		t.Fatal("could not bind a test RTMP listener")
	}
	defer listenNode.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("live/alice\n")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(accepted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(accepted) != 1 || accepted[0] != "live/alice" {
		t.Fatalf("accepted = %v, want [live/alice]", accepted)
	}

	conn.Close()
	select {
	case name := <-disconnects:
		if name != "live/alice" {
			t.Fatalf("disconnect source = %q, want live/alice", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}
}
