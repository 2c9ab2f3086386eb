// Package devices provides software capture sources. They produce paced
// test signals where no hardware is available and stand in for real
// devices in tests.
package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
)

var errAlreadyOpen = errors.New("device already open")

// paced is the open/close lifecycle shared by the generators: Read waits
// for the next tick and fails with io.EOF after Close.
type paced struct {
	clock  clock.Clock
	period time.Duration

	mu     sync.Mutex
	ticker *clock.Ticker
	closed chan struct{}
}

func (p *paced) open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return errAlreadyOpen
	}
	p.ticker = p.clock.Ticker(p.period)
	p.closed = make(chan struct{})
	return nil
}

func (p *paced) wait(ctx context.Context) error {
	p.mu.Lock()
	ticker, closed := p.ticker, p.closed
	p.mu.Unlock()
	if ticker == nil {
		return io.EOF
	}

	select {
	case <-closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
		return nil
	}
}

func (p *paced) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker == nil {
		return nil
	}
	p.ticker.Stop()
	p.ticker = nil
	close(p.closed)
	return nil
}

type ToneConfig struct {
	SampleRate int
	// BufferSize is the capture buffer in bytes; each read returns a
	// tenth of it.
	BufferSize int
	Frequency  float64
	Clock      clock.Clock
}

// Tone generates a 16-bit little-endian mono sine wave.
type Tone struct {
	paced
	cfg   ToneConfig
	chunk int

	phase float64
}

func NewTone(cfg ToneConfig) *Tone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 9600
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	chunk := cfg.BufferSize / 10
	chunk -= chunk % 2
	if chunk < 2 {
		chunk = 2
	}
	samples := chunk / 2
	return &Tone{
		paced: paced{
			clock:  cfg.Clock,
			period: time.Duration(samples) * time.Second / time.Duration(cfg.SampleRate),
		},
		cfg:   cfg,
		chunk: chunk,
	}
}

func (t *Tone) Kind() domain.MediaKind { return domain.MediaAudio }
func (t *Tone) Open() error            { return t.open() }
func (t *Tone) Close() error           { return t.close() }

// ChunkSize is the length of every buffer returned by Read.
func (t *Tone) ChunkSize() int { return t.chunk }

func (t *Tone) Read(ctx context.Context) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	buf := make([]byte, t.chunk)
	step := 2 * math.Pi * t.cfg.Frequency / float64(t.cfg.SampleRate)
	for i := 0; i < len(buf); i += 2 {
		v := int16(math.Sin(t.phase) * math.MaxInt16 / 4)
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return buf, nil
}

type PatternConfig struct {
	Width     int
	Height    int
	FrameRate int
	Clock     clock.Clock
}

// Pattern generates planar YUV 4:2:0 frames with a moving luma gradient.
type Pattern struct {
	paced
	cfg   PatternConfig
	frame uint64
}

func NewPattern(cfg PatternConfig) *Pattern {
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Pattern{
		paced: paced{clock: cfg.Clock, period: time.Second / time.Duration(cfg.FrameRate)},
		cfg:   cfg,
	}
}

func (p *Pattern) Kind() domain.MediaKind { return domain.MediaVideo }
func (p *Pattern) Open() error            { return p.open() }
func (p *Pattern) Close() error           { return p.close() }

// FrameSize is the length of every buffer returned by Read.
func (p *Pattern) FrameSize() int {
	luma := p.cfg.Width * p.cfg.Height
	return luma + luma/2
}

func (p *Pattern) Read(ctx context.Context) ([]byte, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	w, h := p.cfg.Width, p.cfg.Height
	buf := make([]byte, p.FrameSize())
	shift := int(p.frame)
	for y := 0; y < h; y++ {
		row := buf[y*w : (y+1)*w]
		for x := range row {
			row[x] = byte(x + y + shift)
		}
	}
	// neutral chroma
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
	p.frame++
	return buf, nil
}

var (
	_ ports.CaptureDevice = (*Tone)(nil)
	_ ports.CaptureDevice = (*Pattern)(nil)
)
