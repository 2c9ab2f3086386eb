package streaming

import (
	"math/rand"
	"time"

	"github.com/pion/rtp"

	"lanlink/internal/core/domain"
)

const (
	rtpVersion = 2

	videoPayloadType uint8 = 96
	audioPayloadType uint8 = 97

	videoClockRate = 90000
	audioClockRate = 48000

	// rtpHeaderSize is the fixed header without CSRCs or extensions.
	rtpHeaderSize = 12
)

func payloadTypeFor(kind domain.MediaKind) uint8 {
	if kind == domain.MediaAudio {
		return audioPayloadType
	}
	return videoPayloadType
}

func kindForPayloadType(pt uint8) (domain.MediaKind, bool) {
	switch pt {
	case videoPayloadType:
		return domain.MediaVideo, true
	case audioPayloadType:
		return domain.MediaAudio, true
	default:
		return 0, false
	}
}

func clockRateFor(kind domain.MediaKind) uint32 {
	if kind == domain.MediaAudio {
		return audioClockRate
	}
	return videoClockRate
}

// packetizer splits frames of one media kind into RTP packets. Every
// fragment of a frame carries the same timestamp and the last one has
// the marker bit set.
type packetizer struct {
	kind        domain.MediaKind
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	maxPayload  int
	seq         uint16
}

func newPacketizer(kind domain.MediaKind, maxPayload int) *packetizer {
	return &packetizer{
		kind:        kind,
		ssrc:        rand.Uint32(),
		payloadType: payloadTypeFor(kind),
		clockRate:   clockRateFor(kind),
		maxPayload:  maxPayload,
		seq:         uint16(rand.Intn(1 << 16)),
	}
}

func (p *packetizer) timestamp(offset time.Duration) uint32 {
	if offset < 0 {
		offset = 0
	}
	// split so long sessions do not overflow; the uint32 wraps as RTP expects
	secs := uint64(offset / time.Second)
	frac := uint64(offset % time.Second)
	rate := uint64(p.clockRate)
	return uint32(secs*rate + frac*rate/uint64(time.Second))
}

// packetize does not copy: fragments share the frame's payload.
func (p *packetizer) packetize(frame domain.Frame) []*rtp.Packet {
	ts := p.timestamp(frame.Offset)
	payload := frame.Payload

	count := (len(payload) + p.maxPayload - 1) / p.maxPayload
	if count == 0 {
		count = 1
	}
	packets := make([]*rtp.Packet, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * p.maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        rtpVersion,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
				Marker:         i == count-1,
			},
			Payload: payload[i*p.maxPayload : end],
		})
		p.seq++
	}
	return packets
}

// assembler rebuilds frames from the packets of one SSRC. A gap in
// sequence numbers discards the frame being assembled.
type assembler struct {
	kind      domain.MediaKind
	clockRate uint32

	active  bool
	ts      uint32
	haveSeq bool
	nextSeq uint16
	broken  bool
	buf     []byte

	haveBase bool
	baseTS   uint32

	frames uint64
	lost   uint64
}

func newAssembler(kind domain.MediaKind) *assembler {
	return &assembler{kind: kind, clockRate: clockRateFor(kind)}
}

// push consumes one packet and returns the frame payload when pkt
// completes it. The returned slice is owned by the caller.
func (a *assembler) push(pkt *rtp.Packet) ([]byte, bool) {
	if !a.active || pkt.Timestamp != a.ts {
		if a.active && len(a.buf) > 0 {
			a.lost++
		}
		a.active = true
		a.ts = pkt.Timestamp
		// a missing leading fragment shows up as a gap from the
		// previous frame's last packet
		a.broken = a.haveSeq && pkt.SequenceNumber != a.nextSeq
		a.buf = a.buf[:0]
	} else if pkt.SequenceNumber != a.nextSeq {
		a.broken = true
	}
	a.haveSeq = true
	a.nextSeq = pkt.SequenceNumber + 1
	a.buf = append(a.buf, pkt.Payload...)

	if !pkt.Marker {
		return nil, false
	}
	a.active = false
	if a.broken {
		a.lost++
		a.buf = a.buf[:0]
		return nil, false
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.buf = a.buf[:0]
	a.frames++
	return out, true
}

// offset returns the media time of ts relative to the first completed
// frame seen by this assembler.
func (a *assembler) offset(ts uint32) time.Duration {
	if !a.haveBase {
		a.haveBase = true
		a.baseTS = ts
	}
	return time.Duration(int64(ts-a.baseTS) * int64(time.Second) / int64(a.clockRate))
}
