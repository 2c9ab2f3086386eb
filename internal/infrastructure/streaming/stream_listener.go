package streaming

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/media"
	"lanlink/pkg/optimize"
)

type ListenerConfig struct {
	Host        string
	Ports       []int
	VideoBuffer int
	AudioBuffer int
	// MaxPacket bounds the datagram size; longer datagrams are truncated
	// and fail to parse.
	MaxPacket int
}

// StreamListener is the receiving end of a StreamConnection. It
// reassembles RTP fragments into frames and queues them per media kind
// for a renderer.
type StreamListener struct {
	cfg    ListenerConfig
	logger *zap.SugaredLogger
	bufs   *optimize.BytePool
	video  *media.FramePipe
	audio  *media.FramePipe

	mu    sync.Mutex
	conn  *net.UDPConn
	onEnd func(from netip.AddrPort)
	wg    sync.WaitGroup

	// owned by the read loop
	assemblers   map[uint32]*assembler
	sessionStart time.Time

	packets atomic.Uint64
	frames  atomic.Uint64
	lost    atomic.Uint64
}

func NewStreamListener(cfg ListenerConfig, logger *zap.SugaredLogger) *StreamListener {
	if cfg.VideoBuffer <= 0 {
		cfg.VideoBuffer = 60
	}
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = 120
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = 2048
	}
	return &StreamListener{
		cfg:        cfg,
		logger:     logger,
		bufs:       optimize.NewBytePool(cfg.MaxPacket),
		video:      media.NewFramePipe(domain.MediaVideo, cfg.VideoBuffer),
		audio:      media.NewFramePipe(domain.MediaAudio, cfg.AudioBuffer),
		assemblers: make(map[uint32]*assembler),
	}
}

// OnSessionEnd registers fn to run on the read loop when the sender
// says goodbye.
func (l *StreamListener) OnSessionEnd(fn func(from netip.AddrPort)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEnd = fn
}

// Pipe returns the queue of received frames of kind.
func (l *StreamListener) Pipe(kind domain.MediaKind) *media.FramePipe {
	if kind == domain.MediaAudio {
		return l.audio
	}
	return l.video
}

// Listen binds the first free candidate port and starts reading. It is
// a no-op when already listening.
func (l *StreamListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	for _, port := range l.cfg.Ports {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(l.cfg.Host, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("resolve stream address: %w", err)
		}
		conn, err := net.ListenUDP("udp4", addr)
		if err != nil {
			l.logger.Warnw("stream port unavailable", "port", port, "error", err)
			continue
		}
		l.conn = conn
		l.logger.Infow("stream listener bound", "address", conn.LocalAddr().String())

		l.wg.Add(1)
		go l.readLoop(conn)
		return nil
	}
	return fmt.Errorf("%w: tried %v", domain.ErrBindFailure, l.cfg.Ports)
}

// Port returns the bound port or -1.
func (l *StreamListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return -1
	}
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close stops reading and closes both pipes.
func (l *StreamListener) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	l.wg.Wait()
	l.video.Close()
	l.audio.Close()
	return err
}

func (l *StreamListener) Stats() (packets, frames, lost uint64) {
	return l.packets.Load(), l.frames.Load(), l.lost.Load()
}

func (l *StreamListener) readLoop(conn *net.UDPConn) {
	defer l.wg.Done()
	for {
		buf := l.bufs.Get()
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			l.bufs.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnw("stream read failed", "error", err)
			continue
		}
		l.packets.Add(1)
		if isRTCP(buf[:n]) {
			l.handleControl(buf[:n], from)
		} else {
			l.handleMedia(buf[:n], from)
		}
		l.bufs.Put(buf)
	}
}

// isRTCP tells RTCP from RTP on a shared port by the packet type range
// 192..223 in the second byte.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

func (l *StreamListener) handleControl(b []byte, from netip.AddrPort) {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		l.logger.Debugw("invalid rtcp packet", "remote", from.String(), "error", err)
		return
	}

	ended := false
	for _, p := range packets {
		bye, ok := p.(*rtcp.Goodbye)
		if !ok {
			continue
		}
		for _, ssrc := range bye.Sources {
			delete(l.assemblers, ssrc)
		}
		ended = true
	}
	if !ended {
		return
	}

	l.logger.Infow("stream session ended", "remote", from.String())
	l.sessionStart = time.Time{}
	l.video.Reset()
	l.audio.Reset()

	l.mu.Lock()
	fn := l.onEnd
	l.mu.Unlock()
	if fn != nil {
		fn(from)
	}
}

func (l *StreamListener) handleMedia(b []byte, from netip.AddrPort) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		l.logger.Debugw("invalid rtp packet", "remote", from.String(), "error", err)
		return
	}
	kind, ok := kindForPayloadType(pkt.PayloadType)
	if !ok {
		return
	}

	a, ok := l.assemblers[pkt.SSRC]
	if !ok || a.kind != kind {
		a = newAssembler(kind)
		l.assemblers[pkt.SSRC] = a
	}

	lostBefore := a.lost
	payload, complete := a.push(&pkt)
	if a.lost != lostBefore {
		l.lost.Add(a.lost - lostBefore)
	}
	if !complete {
		return
	}

	if l.sessionStart.IsZero() {
		l.sessionStart = time.Now()
	}
	frame := domain.Frame{
		CapturedAt: l.sessionStart.Add(a.offset(pkt.Timestamp)),
		Payload:    payload,
	}
	if err := l.Pipe(kind).Push(frame); err != nil {
		return
	}
	l.frames.Add(1)
}
