package streaming

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
	"lanlink/pkg/circuitbreaker"
	"lanlink/pkg/optimize"
)

// SenderConfig tunes outgoing stream connections.
type SenderConfig struct {
	MaxPayload  int
	SendTimeout time.Duration
	// FailureThreshold consecutive failed frames trip the connection for
	// good; the capturer then ends the stream.
	FailureThreshold int
}

// SendMetrics receives per-frame observations from stream connections.
type SendMetrics interface {
	FrameSent(kind string, bytes int)
	FrameFailed(kind string)
}

type nopSendMetrics struct{}

func (nopSendMetrics) FrameSent(string, int) {}
func (nopSendMetrics) FrameFailed(string)    {}

// StreamConnection sends frames to one peer as RTP over UDP. Delivery
// is best effort; a run of failed writes trips a breaker and the
// connection reports itself as not okay.
type StreamConnection struct {
	conn        *net.UDPConn
	remote      netip.AddrPort
	sendTimeout time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	metrics     SendMetrics
	logger      *zap.SugaredLogger
	bufs        *optimize.BytePool

	// one lock per kind so audio and video senders do not serialize
	audioMu sync.Mutex
	audio   *packetizer
	videoMu sync.Mutex
	video   *packetizer

	closeOnce sync.Once
	closed    atomic.Bool
}

// DialStream connects a UDP socket toward target. No packets are
// exchanged until the first SendPacket.
func DialStream(ctx context.Context, target netip.AddrPort, cfg SenderConfig, logger *zap.SugaredLogger, metrics SendMetrics) (*StreamConnection, error) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1200
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 50 * time.Millisecond
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 25
	}
	if metrics == nil {
		metrics = nopSendMetrics{}
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "udp4", target.String())
	if err != nil {
		return nil, fmt.Errorf("%w: stream %s: %v", domain.ErrConnectFailure, target, err)
	}

	sc := &StreamConnection{
		conn:        c.(*net.UDPConn),
		remote:      target,
		sendTimeout: cfg.SendTimeout,
		// zero timeout: the breaker stays open once tripped
		breaker: circuitbreaker.New(circuitbreaker.Config{FailureThreshold: cfg.FailureThreshold}),
		metrics: metrics,
		logger:  logger,
		bufs:    optimize.NewBytePool(rtpHeaderSize + cfg.MaxPayload),
		audio:   newPacketizer(domain.MediaAudio, cfg.MaxPayload),
		video:   newPacketizer(domain.MediaVideo, cfg.MaxPayload),
	}
	sc.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("stream connection state changed",
			"remote", target.String(),
			"from", from.String(),
			"to", to.String(),
		)
	})
	return sc, nil
}

func (c *StreamConnection) Remote() netip.AddrPort { return c.remote }

// LocalPort is the UDP source port of the connection.
func (c *StreamConnection) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendPacket packetizes frame and writes every fragment. A frame is
// either written completely or counted as one failure.
func (c *StreamConnection) SendPacket(frame domain.Frame) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", domain.ErrSendFailure)
	}
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %v", domain.ErrSendFailure, circuitbreaker.ErrOpen)
	}

	err := c.write(frame)
	c.breaker.Record(err)
	if err != nil {
		c.metrics.FrameFailed(frame.Kind.String())
		return fmt.Errorf("%w: %v", domain.ErrSendFailure, err)
	}
	c.metrics.FrameSent(frame.Kind.String(), len(frame.Payload))
	return nil
}

func (c *StreamConnection) write(frame domain.Frame) error {
	mu, p := &c.videoMu, c.video
	if frame.Kind == domain.MediaAudio {
		mu, p = &c.audioMu, c.audio
	}
	mu.Lock()
	defer mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
		return err
	}
	buf := c.bufs.Get()
	defer c.bufs.Put(buf)

	for _, pkt := range p.packetize(frame) {
		n, err := pkt.MarshalTo(buf)
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// IsOkay is false once the connection is closed or the breaker has
// tripped.
func (c *StreamConnection) IsOkay() bool {
	return !c.closed.Load() && c.breaker.GetState() != circuitbreaker.StateOpen
}

// Close sends an RTCP goodbye for both media SSRCs and releases the
// socket. Further calls are no-ops.
func (c *StreamConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		bye := &rtcp.Goodbye{
			Sources: []uint32{c.audio.ssrc, c.video.ssrc},
			Reason:  "hangup",
		}
		if raw, mErr := bye.Marshal(); mErr == nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if _, wErr := c.conn.Write(raw); wErr != nil && !errors.Is(wErr, net.ErrClosed) {
				c.logger.Debugw("stream goodbye not delivered", "remote", c.remote.String(), "error", wErr)
			}
		}
		err = c.conn.Close()

		stats := c.breaker.GetStats()
		c.logger.Debugw("stream connection closed",
			"remote", c.remote.String(),
			"breaker", stats.State.String(),
			"consecutive_failures", stats.FailureCount,
		)
	})
	return err
}

// Dialer opens StreamConnections with a fixed configuration.
type Dialer struct {
	cfg     SenderConfig
	logger  *zap.SugaredLogger
	metrics SendMetrics
}

func NewDialer(cfg SenderConfig, logger *zap.SugaredLogger, metrics SendMetrics) *Dialer {
	return &Dialer{cfg: cfg, logger: logger, metrics: metrics}
}

func (d *Dialer) Dial(ctx context.Context, target netip.AddrPort) (ports.FrameSender, error) {
	conn, err := DialStream(ctx, target, d.cfg, d.logger, d.metrics)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ ports.StreamDialer = (*Dialer)(nil)
