package playlist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// jsonItem is the on-disk representation of one playlist entry. It mirrors
// the tagged-union shape of Source with one field per case, following the
// same "flat struct, optional fields per variant" approach the teacher uses
// for its store's on-disk playlist records.
type jsonItem struct {
	BeginMs    *int64      `json:"beginMs,omitempty"`
	DurationMs *int64      `json:"durationMs,omitempty"`
	Source     jsonSource  `json:"source"`
}

type jsonSource struct {
	Type        string      `json:"type"`
	FileName    string      `json:"fileName,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	IP          string      `json:"ip,omitempty"`
	Port        int         `json:"port,omitempty"`
	App         string      `json:"app,omitempty"`
	Stream      string      `json:"stream,omitempty"`
	ImageFormat string      `json:"imageFormat,omitempty"`
	Streams     []jsonRTP   `json:"streams,omitempty"`
}

type jsonRTP struct {
	Program    int    `json:"program"`
	Rendition  string `json:"rendition"`
	StreamID   int    `json:"streamId"`
	SourceName string `json:"sourceName"`
}

// Load reads a JSON-encoded playlist from r and decodes it into an ordered
// list of Items. This is a one-shot, read-only translation step: nothing in
// this package persists controller state or supports editing a playlist
// once loaded.
func Load(r io.Reader) ([]Item, error) {
	var raw []jsonItem
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	items := make([]Item, 0, len(raw))
	for i, ji := range raw {
		item, err := ji.toItem()
		if err != nil {
			return nil, fmt.Errorf("playlist item %d: %w", i, err)
		}
		items = append(items, item)
	}

	if err := Validate(items); err != nil {
		return nil, err
	}

	return items, nil
}

// LoadFile opens path and decodes it via Load.
func LoadFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist %q: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (ji jsonItem) toItem() (Item, error) {
	src, err := ji.Source.toSource()
	if err != nil {
		return Item{}, err
	}
	return Item{Begin: ji.BeginMs, Duration: ji.DurationMs, Source: src}, nil
}

func (js jsonSource) toSource() (Source, error) {
	switch js.Type {
	case "localTsFile":
		if js.FileName == "" {
			return Source{}, fmt.Errorf("localTsFile requires fileName")
		}
		return NewLocalTSFile(js.FileName), nil
	case "localMp4File":
		if js.FileName == "" {
			return Source{}, fmt.Errorf("localMp4File requires fileName")
		}
		return NewLocalMP4File(js.FileName), nil
	case "srt":
		if js.Port == 0 {
			return Source{}, fmt.Errorf("srt requires port")
		}
		switch js.Mode {
		case "caller":
			if js.IP == "" {
				return Source{}, fmt.Errorf("srt caller requires ip")
			}
			return NewSRTCaller(js.IP, js.Port), nil
		case "listener":
			return NewSRTListener(js.Port), nil
		default:
			return Source{}, fmt.Errorf("srt mode must be %q or %q, got %q", "caller", "listener", js.Mode)
		}
	case "rtmp":
		if js.Port == 0 {
			return Source{}, fmt.Errorf("rtmp requires port")
		}
		return NewRTMP(js.Port, js.App, js.Stream), nil
	case "image":
		if js.FileName == "" || js.ImageFormat == "" {
			return Source{}, fmt.Errorf("image requires fileName and imageFormat")
		}
		return NewImage(js.FileName, js.ImageFormat), nil
	case "rtp":
		if len(js.Streams) == 0 {
			return Source{}, fmt.Errorf("rtp requires at least one stream")
		}
		streams := make([]RTPStream, len(js.Streams))
		for i, s := range js.Streams {
			streams[i] = RTPStream{Program: s.Program, Rendition: s.Rendition, StreamID: s.StreamID, SourceName: s.SourceName}
		}
		return NewRTP(streams), nil
	case "whip":
		return NewWHIP(), nil
	default:
		return Source{}, fmt.Errorf("unknown source type %q", js.Type)
	}
}

// Validate rejects structurally invalid playlists: negative durations, and
// RTMP/SRT-listener items sharing a port with mismatched protocols (a single
// port cannot serve two different listener protocols at once, since the
// ListenerRegistry keys entries by (protocol, port)).
func Validate(items []Item) error {
	type portProto struct {
		proto string
		port  int
	}
	seen := make(map[int]string)

	for i, it := range items {
		if it.Duration != nil && *it.Duration < 0 {
			return fmt.Errorf("playlist item %d: negative duration", i)
		}
		if !it.Source.IsListener() {
			continue
		}
		proto := "srt"
		if it.Source.Type == SourceRTMP {
			proto = "rtmp"
		}
		if existing, ok := seen[it.Source.Port]; ok && existing != proto {
			return fmt.Errorf("playlist item %d: port %d already used by a %s listener, cannot also serve %s",
				i, it.Source.Port, existing, proto)
		}
		seen[it.Source.Port] = proto
	}
	return nil
}
