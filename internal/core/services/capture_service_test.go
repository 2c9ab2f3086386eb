package services

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
)

type fakeDevice struct {
	kind    domain.MediaKind
	openErr error
	buffers chan []byte

	mu     sync.Mutex
	closed chan struct{}
	opens  int
	closes int
}

func newFakeDevice(kind domain.MediaKind) *fakeDevice {
	return &fakeDevice{kind: kind, buffers: make(chan []byte, 64)}
}

func (d *fakeDevice) Kind() domain.MediaKind { return d.kind }

func (d *fakeDevice) Open() error {
	if d.openErr != nil {
		return d.openErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.closed = make(chan struct{})
	return nil
}

func (d *fakeDevice) Read(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	select {
	case b, ok := <-d.buffers:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

type fakeSender struct {
	mu     sync.Mutex
	frames []domain.Frame
	broken atomic.Bool
	closed atomic.Bool
}

func (s *fakeSender) SendPacket(f domain.Frame) error {
	if s.broken.Load() {
		return domain.ErrSendFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) IsOkay() bool { return !s.broken.Load() && !s.closed.Load() }

func (s *fakeSender) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSender) payloads(kind domain.MediaKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Kind == kind {
			out = append(out, string(f.Payload))
		}
	}
	return out
}

type fakeStreamDialer struct {
	sender *fakeSender
	err    error
	target netip.AddrPort
}

func (d *fakeStreamDialer) Dial(_ context.Context, target netip.AddrPort) (ports.FrameSender, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.target = target
	return d.sender, nil
}

var streamTarget = netip.MustParseAddrPort("192.168.7.2:24920")

func newTestCapturer(t *testing.T, dialer ports.StreamDialer, devices ...ports.CaptureDevice) *MediaCapturer {
	t.Helper()
	c := NewMediaCapturer(devices, dialer, CaptureConfig{}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { c.StopCapture() })
	return c
}

func TestMediaCapturer_StreamsEachDeviceInOrder(t *testing.T) {
	audio := newFakeDevice(domain.MediaAudio)
	video := newFakeDevice(domain.MediaVideo)
	sender := &fakeSender{}
	dialer := &fakeStreamDialer{sender: sender}
	c := newTestCapturer(t, dialer, audio, video)

	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	assert.True(t, c.Active())
	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, streamTarget, dialer.target)

	for _, s := range []string{"a1", "a2", "a3"} {
		audio.buffers <- []byte(s)
	}
	for _, s := range []string{"v1", "v2"} {
		video.buffers <- []byte(s)
	}

	require.Eventually(t, func() bool {
		return len(sender.payloads(domain.MediaAudio)) == 3 && len(sender.payloads(domain.MediaVideo)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2", "a3"}, sender.payloads(domain.MediaAudio))
	assert.Equal(t, []string{"v1", "v2"}, sender.payloads(domain.MediaVideo))

	stats := c.Stats()
	require.Len(t, stats, 2)
	for _, st := range stats {
		assert.Equal(t, st.FramesCaptured, st.FramesSent)
		assert.Zero(t, st.FramesDropped)
	}

	require.NoError(t, c.StopCapture())
	require.NoError(t, c.StopCapture())
	assert.False(t, c.Active())
	assert.Nil(t, c.Stats())
	assert.True(t, sender.closed.Load())
	assert.Equal(t, 1, audio.closeCount())
	assert.Equal(t, 1, video.closeCount())
}

func TestMediaCapturer_StampsFramesWithClock(t *testing.T) {
	clk := clock.NewMock()
	audio := newFakeDevice(domain.MediaAudio)
	sender := &fakeSender{}
	c := NewMediaCapturer([]ports.CaptureDevice{audio}, &fakeStreamDialer{sender: sender}, CaptureConfig{},
		zaptest.NewLogger(t).Sugar(), WithCaptureClock(clk))
	t.Cleanup(func() { c.StopCapture() })

	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	first := clk.Now()
	audio.buffers <- []byte("a1")
	require.Eventually(t, func() bool { return len(sender.payloads(domain.MediaAudio)) == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Add(40 * time.Millisecond)
	audio.buffers <- []byte("a2")
	require.Eventually(t, func() bool { return len(sender.payloads(domain.MediaAudio)) == 2 }, 2*time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, first, sender.frames[0].CapturedAt)
	assert.Zero(t, sender.frames[0].Offset)
	assert.Equal(t, 40*time.Millisecond, sender.frames[1].Offset)
}

func TestMediaCapturer_StopWithoutStart(t *testing.T) {
	c := newTestCapturer(t, &fakeStreamDialer{sender: &fakeSender{}})
	assert.NoError(t, c.StopCapture())
	assert.False(t, c.Active())
}

func TestMediaCapturer_MissingDeviceIsNotFatal(t *testing.T) {
	audio := newFakeDevice(domain.MediaAudio)
	video := newFakeDevice(domain.MediaVideo)
	video.openErr = errors.New("no camera")
	sender := &fakeSender{}
	c := newTestCapturer(t, &fakeStreamDialer{sender: sender}, audio, video)

	require.NoError(t, c.Initialize())
	require.NoError(t, c.StartCapture(context.Background(), streamTarget))

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, domain.MediaAudio, stats[0].Kind)

	audio.buffers <- []byte("a1")
	require.Eventually(t, func() bool {
		return len(sender.payloads(domain.MediaAudio)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMediaCapturer_NoDevicesStillHoldsSession(t *testing.T) {
	video := newFakeDevice(domain.MediaVideo)
	video.openErr = errors.New("no camera")
	sender := &fakeSender{}
	c := newTestCapturer(t, &fakeStreamDialer{sender: sender}, video)

	assert.ErrorIs(t, c.Initialize(), domain.ErrDeviceUnavailable)
	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	assert.True(t, c.Active())
	assert.Empty(t, c.Stats())

	require.NoError(t, c.StopCapture())
	assert.False(t, c.Active())
	assert.True(t, sender.closed.Load())
}

func TestMediaCapturer_SecondStartIsRejected(t *testing.T) {
	c := newTestCapturer(t, &fakeStreamDialer{sender: &fakeSender{}}, newFakeDevice(domain.MediaAudio))

	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	assert.ErrorIs(t, c.StartCapture(context.Background(), streamTarget), domain.ErrCallInProgress)
}

func TestMediaCapturer_DialFailureLeavesIdle(t *testing.T) {
	dialErr := errors.New("no route")
	c := newTestCapturer(t, &fakeStreamDialer{err: dialErr}, newFakeDevice(domain.MediaAudio))

	err := c.StartCapture(context.Background(), streamTarget)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, c.Active())
}

func TestMediaCapturer_BrokenConnectionEndsSession(t *testing.T) {
	audio := newFakeDevice(domain.MediaAudio)
	sender := &fakeSender{}
	c := newTestCapturer(t, &fakeStreamDialer{sender: sender}, audio)

	ended := make(chan netip.AddrPort, 1)
	c.OnEnded(func(target netip.AddrPort) { ended <- target })

	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	audio.buffers <- []byte("a1")
	require.Eventually(t, func() bool {
		return len(sender.payloads(domain.MediaAudio)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sender.broken.Store(true)
	audio.buffers <- []byte("a2")

	select {
	case target := <-ended:
		assert.Equal(t, streamTarget, target)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.False(t, c.Active())
	assert.Equal(t, 1, audio.closeCount())
}

func TestMediaCapturer_DeviceEOFEndsSessionAndReopens(t *testing.T) {
	audio := newFakeDevice(domain.MediaAudio)
	sender := &fakeSender{}
	c := newTestCapturer(t, &fakeStreamDialer{sender: sender}, audio)

	ended := make(chan struct{}, 1)
	c.OnEnded(func(netip.AddrPort) { ended <- struct{}{} })

	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	require.NoError(t, audio.Close())

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	fresh := &fakeSender{}
	c.dialer = &fakeStreamDialer{sender: fresh}
	require.NoError(t, c.StartCapture(context.Background(), streamTarget))
	audio.buffers <- []byte("again")
	require.Eventually(t, func() bool {
		return len(fresh.payloads(domain.MediaAudio)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, audio.opens)
}
