package optimize

import (
	"bytes"
	"sync"
)

// BytePool is a pool of fixed-size byte slices for packet buffers.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size is the length of every slice handed out by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get gets a byte slice of length Size from the pool.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a byte slice to the pool. Slices smaller than Size are
// dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// BufferPool pools bytes.Buffers used to assemble outgoing frames.
type BufferPool struct {
	pool    sync.Pool
	maxKeep int
}

// NewBufferPool creates a buffer pool; buffers that grew beyond maxKeep
// bytes are not retained.
func NewBufferPool(maxKeep int) *BufferPool {
	return &BufferPool{
		maxKeep: maxKeep,
		pool: sync.Pool{
			New: func() interface{} { return new(bytes.Buffer) },
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (p.maxKeep > 0 && buf.Cap() > p.maxKeep) {
		return
	}
	p.pool.Put(buf)
}
