package devices

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reading struct {
	buf []byte
	err error
}

func readAsync(read func(context.Context) ([]byte, error)) <-chan reading {
	out := make(chan reading, 1)
	go func() {
		b, err := read(context.Background())
		out <- reading{b, err}
	}()
	return out
}

func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, ch <-chan reading) reading {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-ch:
			return r
		case <-deadline:
			t.Fatal("read did not complete")
		default:
			mock.Add(step)
		}
	}
}

func TestTone_PacesChunks(t *testing.T) {
	mock := clock.NewMock()
	tone := NewTone(ToneConfig{SampleRate: 48000, BufferSize: 9600, Clock: mock})
	assert.Equal(t, 960, tone.ChunkSize())
	require.NoError(t, tone.Open())
	defer tone.Close()

	r := advanceUntil(t, mock, 10*time.Millisecond, readAsync(tone.Read))
	require.NoError(t, r.err)
	require.Len(t, r.buf, 960)

	// a sine starting at phase zero rises from silence
	assert.Zero(t, int16(binary.LittleEndian.Uint16(r.buf[0:])))
	assert.Greater(t, int16(binary.LittleEndian.Uint16(r.buf[2:])), int16(0))
}

func TestTone_ReadAfterCloseIsEOF(t *testing.T) {
	tone := NewTone(ToneConfig{Clock: clock.NewMock()})
	require.NoError(t, tone.Open())
	assert.Error(t, tone.Open())

	pending := readAsync(tone.Read)
	require.NoError(t, tone.Close())
	require.NoError(t, tone.Close())

	select {
	case r := <-pending:
		assert.ErrorIs(t, r.err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("blocked read not released by Close")
	}

	_, err := tone.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	// devices can be reopened for the next session
	require.NoError(t, tone.Open())
	require.NoError(t, tone.Close())
}

func TestPattern_FramesMove(t *testing.T) {
	mock := clock.NewMock()
	p := NewPattern(PatternConfig{Width: 8, Height: 4, FrameRate: 10, Clock: mock})
	require.NoError(t, p.Open())
	defer p.Close()

	first := advanceUntil(t, mock, 100*time.Millisecond, readAsync(p.Read))
	second := advanceUntil(t, mock, 100*time.Millisecond, readAsync(p.Read))
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	assert.Len(t, first.buf, 8*4*3/2)
	assert.Equal(t, first.buf[0]+1, second.buf[0])
	assert.Equal(t, byte(128), first.buf[len(first.buf)-1])
}

func TestPattern_ReadHonoursContext(t *testing.T) {
	p := NewPattern(PatternConfig{Clock: clock.NewMock()})
	require.NoError(t, p.Open())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
