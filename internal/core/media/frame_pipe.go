// Package media holds the frame queue shared by capture producers and
// network senders.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lanlink/internal/core/domain"
)

// FramePipe is a bounded FIFO of frames for one media kind. Push never
// blocks: when the pipe is full the oldest queued frame is discarded.
// Pop blocks until a frame arrives, the context ends or the pipe is
// closed.
type FramePipe struct {
	kind   domain.MediaKind
	frames chan domain.Frame

	// mu serializes producers and session bookkeeping; consumers only
	// touch the channel.
	mu      sync.Mutex
	start   time.Time
	started bool
	seq     uint64

	dropped atomic.Uint64
	pushed  atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFramePipe(kind domain.MediaKind, capacity int) *FramePipe {
	if capacity <= 0 {
		capacity = 1
	}
	return &FramePipe{
		kind:   kind,
		frames: make(chan domain.Frame, capacity),
		closed: make(chan struct{}),
	}
}

func (p *FramePipe) Kind() domain.MediaKind { return p.kind }
func (p *FramePipe) Cap() int               { return cap(p.frames) }
func (p *FramePipe) Len() int               { return len(p.frames) }
func (p *FramePipe) Dropped() uint64        { return p.dropped.Load() }
func (p *FramePipe) Pushed() uint64         { return p.pushed.Load() }

// Start returns the session start time and whether a session began.
func (p *FramePipe) Start() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start, p.started
}

// Push appends frame, stamping its sequence number and its offset from
// the first frame of the session.
func (p *FramePipe) Push(frame domain.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
		return domain.ErrPipeClosed
	default:
	}

	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	if !p.started {
		p.start = frame.CapturedAt
		p.started = true
	}
	frame.Kind = p.kind
	frame.Seq = p.seq
	frame.Offset = frame.CapturedAt.Sub(p.start)
	p.seq++
	p.pushed.Add(1)

	for {
		select {
		case p.frames <- frame:
			return nil
		default:
		}
		select {
		case <-p.frames:
			p.dropped.Add(1)
		default:
		}
	}
}

// Pop removes the oldest frame. Frames queued before Close are still
// returned; after that Pop fails with domain.ErrPipeClosed.
func (p *FramePipe) Pop(ctx context.Context) (domain.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	default:
	}

	select {
	case f := <-p.frames:
		return f, nil
	case <-ctx.Done():
		return domain.Frame{}, ctx.Err()
	case <-p.closed:
		select {
		case f := <-p.frames:
			return f, nil
		default:
			return domain.Frame{}, domain.ErrPipeClosed
		}
	}
}

// TryPop removes the oldest frame without blocking.
func (p *FramePipe) TryPop() (domain.Frame, bool) {
	select {
	case f := <-p.frames:
		return f, true
	default:
		return domain.Frame{}, false
	}
}

// Reset discards queued frames and begins a new session. A closed pipe
// stays closed.
func (p *FramePipe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		select {
		case <-p.frames:
			continue
		default:
		}
		break
	}
	p.start = time.Time{}
	p.started = false
	p.seq = 0
}

// Close wakes blocked consumers. It is safe to call more than once.
func (p *FramePipe) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Done is closed once the pipe is closed.
func (p *FramePipe) Done() <-chan struct{} {
	return p.closed
}
