// Package streamsel implements the pure stream-key filter and selector
// helpers of §4.1: picking at most one audio and one video stream for a
// source, optionally filtered by an item-specific predicate, and building
// the pin mapping the switcher subscribes to.
package streamsel

import (
	"fmt"
	"strings"

	"github.com/denpacast/smoothcast/internal/engine"
)

// Filter decides whether a stream key belongs to this playlist item. Select
// treats a nil Filter as AcceptAll, which accepts every key.
type Filter func(engine.StreamKey) bool

// AcceptAll is the default filter: every stream key is accepted.
func AcceptAll(engine.StreamKey) bool { return true }

// RTMPSourceNameFilter builds a Filter that accepts only keys whose
// SourceName equals "app/stream". Used for RTMP items that specify both an
// app and a stream name, so multiple publishers sharing one listener can be
// demultiplexed.
func RTMPSourceNameFilter(app, stream string) Filter {
	want := app + "/" + stream
	return func(k engine.StreamKey) bool {
		return k.SourceName == want
	}
}

// AudioStreamKeys returns the keys of every audio stream in streams.
func AudioStreamKeys(streams []engine.Stream) []engine.StreamKey {
	return keysOfType(streams, engine.MediaAudio)
}

// VideoStreamKeys returns the keys of every video stream in streams.
func VideoStreamKeys(streams []engine.Stream) []engine.StreamKey {
	return keysOfType(streams, engine.MediaVideo)
}

func keysOfType(streams []engine.Stream, t engine.MediaType) []engine.StreamKey {
	var out []engine.StreamKey
	for _, s := range streams {
		if s.Type == t {
			out = append(out, s.Key)
		}
	}
	return out
}

// Selection is the result of filtering and picking at most one audio and one
// video stream from a node's full stream list.
type Selection struct {
	Audio   *engine.StreamKey
	Video   *engine.StreamKey
}

// Select applies filter to streams and picks at most one audio key and one
// video key (the first match of each type, in input order).
func Select(streams []engine.Stream, filter Filter) Selection {
	if filter == nil {
		filter = AcceptAll
	}

	var sel Selection
	for _, s := range streams {
		if !filter(s.Key) {
			continue
		}
		switch s.Type {
		case engine.MediaAudio:
			if sel.Audio == nil {
				k := s.Key
				sel.Audio = &k
			}
		case engine.MediaVideo:
			if sel.Video == nil {
				k := s.Key
				sel.Video = &k
			}
		}
	}
	return sel
}

// HasAny reports whether the selection carries at least one stream.
func (s Selection) HasAny() bool {
	return s.Audio != nil || s.Video != nil
}

// Keys returns the selection's keys concatenated audio-then-video, skipping
// whichever side is absent.
func (s Selection) Keys() []engine.StreamKey {
	var out []engine.StreamKey
	if s.Audio != nil {
		out = append(out, *s.Audio)
	}
	if s.Video != nil {
		out = append(out, *s.Video)
	}
	return out
}

// AVToPin returns a single-entry pin subscription mapping {pinName: [audio,
// video]} only when the selection carries both an audio and a video key;
// otherwise it returns nil, signalling "no synchronised A/V pin yet".
func AVToPin(pinName string, sel Selection) map[string][]engine.StreamKey {
	if sel.Audio == nil || sel.Video == nil {
		return nil
	}
	return map[string][]engine.StreamKey{
		pinName: {*sel.Audio, *sel.Video},
	}
}

// RTMPSourceName formats the conventional "app/stream" source name used to
// demultiplex publishers sharing one RTMP listener.
func RTMPSourceName(app, stream string) string {
	return fmt.Sprintf("%s/%s", app, stream)
}

// SplitRTMPSourceName splits a "app/stream" source name back into its parts.
// It splits at the first "/", so "a/b/c" yields app "a" and stream "b/c".
// Returns ok=false if name contains no "/" or either part is empty.
func SplitRTMPSourceName(name string) (app, stream string, ok bool) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
