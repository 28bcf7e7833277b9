package conduit

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out byte slices in a small set of size classes so
// reader input buffers and one-shot frame buffers can be recycled
// instead of churning the allocator. Buffers larger than the biggest
// class are allocated directly and dropped on release.
type BufferPool struct {
	classes []int
	pools   []sync.Pool
}

// NewBufferPool builds a pool with classes sized for the configured
// socket buffers: the small ack-only size, the full TCP buffer size,
// and a 4x class for oversized frames.
func NewBufferPool(cfg *Config) *BufferPool {
	classes := []int{cfg.SmallBufferSize, cfg.TCPBufferSize, 4 * cfg.TCPBufferSize}
	p := &BufferPool{
		classes: classes,
		pools:   make([]sync.Pool, len(classes)),
	}
	for i := range p.pools {
		size := classes[i]
		p.pools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return p
}

// Acquire returns a slice of exactly size bytes, backed by the smallest
// class that fits.
func (p *BufferPool) Acquire(size int) []byte {
	for i, class := range p.classes {
		if size <= class {
			return p.pools[i].Get().([]byte)[:size]
		}
	}
	return make([]byte, size)
}

// Release returns a buffer to its class. Slices that were resliced keep
// their original capacity, which is what the class lookup uses.
func (p *BufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	for i, class := range p.classes {
		if c == class {
			p.pools[i].Put(buf[:class])
			return
		}
	}
	// Off-class buffer, let the GC have it.
}

// accumulators for chunked-message assembly are variable-size and
// short-lived, which is bytebufferpool's sweet spot.
var chunkBuffers bytebufferpool.Pool
