package ports

import (
	"context"
	"net/netip"

	"lanlink/internal/core/domain"
)

// CaptureDevice is a hardware-facing source of raw media buffers.
type CaptureDevice interface {
	Kind() domain.MediaKind
	Open() error
	// Read blocks until one buffer is captured. It returns io.EOF once
	// the device is closed.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// FrameSender is a best-effort media channel to one peer.
type FrameSender interface {
	SendPacket(frame domain.Frame) error
	IsOkay() bool
	Close() error
}

// StreamDialer opens a FrameSender toward a peer's stream listener.
type StreamDialer interface {
	Dial(ctx context.Context, target netip.AddrPort) (FrameSender, error)
}

// MediaCapturer drives capture devices into a stream.
type MediaCapturer interface {
	StartCapture(ctx context.Context, target netip.AddrPort) error
	StopCapture() error
	Active() bool
	Stats() []domain.StreamStats
}
