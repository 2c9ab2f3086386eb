package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/media"
	"lanlink/internal/core/ports"
)

type CaptureConfig struct {
	VideoBuffer int
	AudioBuffer int
}

// CaptureMetrics receives per-frame observations from the capture side.
type CaptureMetrics interface {
	FrameCaptured(kind string)
	FrameDropped(kind string, reason string)
}

type nopCaptureMetrics struct{}

func (nopCaptureMetrics) FrameCaptured(string)        {}
func (nopCaptureMetrics) FrameDropped(string, string) {}

type CapturerOption func(*MediaCapturer)

func WithCaptureMetrics(m CaptureMetrics) CapturerOption {
	return func(c *MediaCapturer) { c.metrics = m }
}

func WithCaptureClock(clk clock.Clock) CapturerOption {
	return func(c *MediaCapturer) { c.clock = clk }
}

// MediaCapturer moves buffers from capture devices to a peer. Each
// device feeds its own pipe from a producer goroutine and a dedicated
// sender goroutine drains the pipe into the stream connection, so a
// slow network drops stale frames instead of stalling capture.
type MediaCapturer struct {
	devices []ports.CaptureDevice
	dialer  ports.StreamDialer
	cfg     CaptureConfig
	metrics CaptureMetrics
	clock   clock.Clock
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	opened  []ports.CaptureDevice
	session *captureSession
	onEnded func(target netip.AddrPort)
}

type captureSession struct {
	id      string
	target  netip.AddrPort
	sender  ports.FrameSender
	cancel  context.CancelFunc
	streams []*mediaStream
	wg      sync.WaitGroup
	done    chan struct{}
}

type mediaStream struct {
	kind   domain.MediaKind
	device ports.CaptureDevice
	pipe   *media.FramePipe

	captured atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
}

func NewMediaCapturer(devices []ports.CaptureDevice, dialer ports.StreamDialer, cfg CaptureConfig, logger *zap.SugaredLogger, opts ...CapturerOption) *MediaCapturer {
	if cfg.VideoBuffer <= 0 {
		cfg.VideoBuffer = 60
	}
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = 120
	}
	c := &MediaCapturer{
		devices: devices,
		dialer:  dialer,
		cfg:     cfg,
		metrics: nopCaptureMetrics{},
		clock:   clock.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEnded registers fn to run when a session ends on its own because
// every device stopped or the connection failed. It is not called for
// StopCapture.
func (c *MediaCapturer) OnEnded(fn func(target netip.AddrPort)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = fn
}

// Initialize opens the capture devices. A device that fails to open is
// skipped; the error lists every failure and wraps
// domain.ErrDeviceUnavailable only when no device could be opened.
func (c *MediaCapturer) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked()
}

func (c *MediaCapturer) initializeLocked() error {
	if len(c.opened) > 0 {
		return nil
	}
	for _, dev := range c.devices {
		if err := dev.Open(); err != nil {
			c.logger.Warnw("capture device unavailable", "kind", dev.Kind().String(), "error", err)
			continue
		}
		c.opened = append(c.opened, dev)
	}
	if len(c.opened) == 0 && len(c.devices) > 0 {
		return fmt.Errorf("%w: none of %d devices opened", domain.ErrDeviceUnavailable, len(c.devices))
	}
	return nil
}

// StartCapture opens a stream to target and starts moving frames. With
// no usable device the session still exists so the peer can keep
// sending to us.
func (c *MediaCapturer) StartCapture(ctx context.Context, target netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return domain.ErrCallInProgress
	}
	if err := c.initializeLocked(); err != nil {
		c.logger.Warnw("capturing without devices", "target", target.String(), "error", err)
	}

	sender, err := c.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", target, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &captureSession{
		id:     uuid.NewString(),
		target: target,
		sender: sender,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, dev := range c.opened {
		capacity := c.cfg.VideoBuffer
		if dev.Kind() == domain.MediaAudio {
			capacity = c.cfg.AudioBuffer
		}
		st := &mediaStream{
			kind:   dev.Kind(),
			device: dev,
			pipe:   media.NewFramePipe(dev.Kind(), capacity),
		}
		sess.streams = append(sess.streams, st)
		sess.wg.Add(2)
		go c.produce(sctx, sess, st)
		go c.send(sctx, sess, st)
	}
	c.session = sess

	if len(sess.streams) > 0 {
		go c.watch(sess)
	} else {
		close(sess.done)
	}

	c.logger.Infow("capture started",
		"session_id", sess.id,
		"target", target.String(),
		"streams", len(sess.streams),
	)
	return nil
}

func (c *MediaCapturer) produce(ctx context.Context, sess *captureSession, st *mediaStream) {
	defer sess.wg.Done()
	defer st.pipe.Close()

	kind := st.kind.String()
	for {
		if !sess.sender.IsOkay() {
			c.logger.Infow("stream connection lost, stopping capture", "session_id", sess.id, "kind", kind)
			return
		}
		buf, err := st.device.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Warnw("capture device failed", "session_id", sess.id, "kind", kind, "error", err)
			}
			return
		}
		st.captured.Add(1)
		c.metrics.FrameCaptured(kind)

		dropped := st.pipe.Dropped()
		if err := st.pipe.Push(domain.Frame{CapturedAt: c.clock.Now(), Payload: buf}); err != nil {
			return
		}
		if st.pipe.Dropped() != dropped {
			c.metrics.FrameDropped(kind, "backpressure")
		}
	}
}

func (c *MediaCapturer) send(ctx context.Context, sess *captureSession, st *mediaStream) {
	defer sess.wg.Done()

	kind := st.kind.String()
	for {
		frame, err := st.pipe.Pop(ctx)
		if err != nil {
			return
		}
		if err := sess.sender.SendPacket(frame); err != nil {
			st.failed.Add(1)
			c.metrics.FrameDropped(kind, "send")
			if !sess.sender.IsOkay() {
				return
			}
			continue
		}
		st.sent.Add(1)
		st.bytes.Add(uint64(len(frame.Payload)))
	}
}

// watch finishes a session whose goroutines all returned.
func (c *MediaCapturer) watch(sess *captureSession) {
	sess.wg.Wait()

	c.mu.Lock()
	natural := c.session == sess
	var devices []ports.CaptureDevice
	if natural {
		c.session = nil
		devices = c.opened
		c.opened = nil
	}
	onEnded := c.onEnded
	c.mu.Unlock()

	sess.cancel()
	closeDevices(devices, c.logger)
	if err := sess.sender.Close(); err != nil {
		c.logger.Debugw("closing stream connection", "session_id", sess.id, "error", err)
	}
	close(sess.done)

	if natural {
		c.logger.Infow("capture ended", "session_id", sess.id, "target", sess.target.String())
		if onEnded != nil {
			onEnded(sess.target)
		}
	}
}

// StopCapture closes the devices, stops every goroutine of the current
// session and waits for them. It is safe to call at any time.
func (c *MediaCapturer) StopCapture() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	devices := c.opened
	c.opened = nil
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
	// closing devices unblocks producers stuck in Read
	closeDevices(devices, c.logger)
	if sess == nil {
		return nil
	}

	<-sess.done
	if len(sess.streams) == 0 {
		if err := sess.sender.Close(); err != nil {
			c.logger.Debugw("closing stream connection", "session_id", sess.id, "error", err)
		}
	}
	c.logger.Infow("capture stopped", "session_id", sess.id)
	return nil
}

func closeDevices(devices []ports.CaptureDevice, logger *zap.SugaredLogger) {
	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			logger.Debugw("closing capture device", "kind", dev.Kind().String(), "error", err)
		}
	}
}

func (c *MediaCapturer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// SessionID identifies the running session, empty when idle.
func (c *MediaCapturer) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}

func (c *MediaCapturer) Stats() []domain.StreamStats {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	out := make([]domain.StreamStats, 0, len(sess.streams))
	for _, st := range sess.streams {
		out = append(out, domain.StreamStats{
			Kind:           st.kind,
			FramesCaptured: st.captured.Load(),
			FramesSent:     st.sent.Load(),
			FramesDropped:  st.pipe.Dropped() + st.failed.Load(),
			BytesSent:      st.bytes.Load(),
		})
	}
	return out
}

var _ ports.MediaCapturer = (*MediaCapturer)(nil)
