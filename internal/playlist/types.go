// Package playlist defines the playlist data model: the ordered list of
// sources the controller plays through, and the derived classification
// (kind, liveness) that drives prewarming and readiness gating.
package playlist

import "fmt"

// Kind classifies whether a source needs an audio stream before it can be
// considered ready.
type Kind int

const (
	// KindAV requires both audio and video before a slot is ready.
	KindAV Kind = iota
	// KindVideo is video-only; a silence subscription supplies the audio leg.
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "av"
}

// Liveness classifies whether a source is prewarmed ahead of time.
type Liveness int

const (
	LivenessFile Liveness = iota
	LivenessLive
)

func (l Liveness) String() string {
	if l == LivenessLive {
		return "live"
	}
	return "file"
}

// SourceType discriminates the PlaylistSource tagged union.
type SourceType int

const (
	SourceLocalTSFile SourceType = iota
	SourceLocalMP4File
	SourceSRT
	SourceRTMP
	SourceImage
	SourceRTP
	SourceWHIP
)

func (t SourceType) String() string {
	switch t {
	case SourceLocalTSFile:
		return "localTsFile"
	case SourceLocalMP4File:
		return "localMp4File"
	case SourceSRT:
		return "srt"
	case SourceRTMP:
		return "rtmp"
	case SourceImage:
		return "image"
	case SourceRTP:
		return "rtp"
	case SourceWHIP:
		return "whip"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// SRTMode is the SRT connection mode: this system dials out (caller) or
// accepts inbound connections on a shared listener.
type SRTMode int

const (
	SRTModeCaller SRTMode = iota
	SRTModeListener
)

// RTPStream describes one RTP stream key the source exposes.
type RTPStream struct {
	Program    int
	Rendition  string
	StreamID   int
	SourceName string
}

// Source is a closed, tagged union over the supported playlist source
// kinds, stored as one flat struct: only the fields that belong to the Type
// discriminant's case are set (some, such as FileName and Port, are shared
// by several cases). Use NewXxx constructors rather than populating this
// struct by hand.
type Source struct {
	Type SourceType

	// localTsFile / localMp4File / image
	FileName string

	// srt
	SRTMode SRTMode
	IP      string
	Port    int

	// rtmp (also shares Port above)
	App    string
	Stream string

	// image
	ImageFormat string

	// rtp
	RTPStreams []RTPStream
}

// NewLocalTSFile builds a localTsFile source.
func NewLocalTSFile(fileName string) Source {
	return Source{Type: SourceLocalTSFile, FileName: fileName}
}

// NewLocalMP4File builds a localMp4File source.
func NewLocalMP4File(fileName string) Source {
	return Source{Type: SourceLocalMP4File, FileName: fileName}
}

// NewSRTCaller builds an outbound SRT source.
func NewSRTCaller(ip string, port int) Source {
	return Source{Type: SourceSRT, SRTMode: SRTModeCaller, IP: ip, Port: port}
}

// NewSRTListener builds a shared-listener SRT source.
func NewSRTListener(port int) Source {
	return Source{Type: SourceSRT, SRTMode: SRTModeListener, Port: port}
}

// NewRTMP builds an RTMP source. app and stream may be empty, in which case
// the listener accepts any publish on the port without filtering.
func NewRTMP(port int, app, stream string) Source {
	return Source{Type: SourceRTMP, Port: port, App: app, Stream: stream}
}

// NewImage builds a video-only still-image source.
func NewImage(fileName, format string) Source {
	return Source{Type: SourceImage, FileName: fileName, ImageFormat: format}
}

// NewRTP builds a raw RTP source.
func NewRTP(streams []RTPStream) Source {
	return Source{Type: SourceRTP, RTPStreams: streams}
}

// NewWHIP builds a WHIP source.
func NewWHIP() Source {
	return Source{Type: SourceWHIP}
}

// Kind classifies the source per §3: video-only for images, av otherwise.
func (s Source) Kind() Kind {
	if s.Type == SourceImage {
		return KindVideo
	}
	return KindAV
}

// Liveness classifies the source per §3: srt/rtmp/rtp/whip are live, the
// rest are file sources.
func (s Source) Liveness() Liveness {
	switch s.Type {
	case SourceSRT, SourceRTMP, SourceRTP, SourceWHIP:
		return LivenessLive
	default:
		return LivenessFile
	}
}

// IsListener reports whether this source is a listener-mode SRT or RTMP
// source — the two source types the ListenerRegistry pre-creates shared
// nodes for.
func (s Source) IsListener() bool {
	switch s.Type {
	case SourceRTMP:
		return true
	case SourceSRT:
		return s.SRTMode == SRTModeListener
	default:
		return false
	}
}

// Item is one entry in a playlist: a source plus optional scheduling
// overrides.
type Item struct {
	// Begin is an advisory in-file start offset passed through to the
	// engine; it is never interpreted by the controller itself.
	Begin *int64
	// Duration bounds the playing time; absent means "play to natural end".
	Duration *int64
	Source   Source
}

// DurationOrZero returns the item's explicit duration, or 0 if unset.
func (it Item) DurationOrZero() int64 {
	if it.Duration == nil {
		return 0
	}
	return *it.Duration
}
