package domain

import "time"

type MediaKind uint8

const (
	MediaAudio MediaKind = iota + 1
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Frame is one captured unit of audio or video. Offset is measured from
// the first frame of the session.
type Frame struct {
	Kind       MediaKind
	Seq        uint64
	CapturedAt time.Time
	Offset     time.Duration
	Payload    []byte
}
