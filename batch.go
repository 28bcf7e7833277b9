package conduit

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// batchFlusher aggregates small ordered frames and writes them out in
// one socket call per flush interval. The path ships disabled
// (Config.BatchSends false): the async queue is the supported
// aggregation mechanism, and this one has a known tendency to add
// latency without helping throughput. It is kept behind the flag for
// targeted experiments.
type batchFlusher struct {
	c *Connection

	mu  sync.Mutex
	buf *bytebufferpool.ByteBuffer

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newBatchFlusher(c *Connection) *batchFlusher {
	b := &batchFlusher{
		c:    c,
		buf:  chunkBuffers.Get(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// send appends one frame; it is flushed by the background task or when
// the buffer outgrows the configured batch size.
func (b *batchFlusher) send(frame []byte) error {
	b.mu.Lock()
	b.buf.Write(frame)
	full := b.buf.Len() >= b.c.cfg.BatchBufferSize
	b.mu.Unlock()
	if full {
		return b.flush()
	}
	return nil
}

// flush writes the accumulated frames through the sync path.
func (b *batchFlusher) flush() error {
	b.mu.Lock()
	if b.buf.Len() == 0 {
		b.mu.Unlock()
		return nil
	}
	out := append([]byte(nil), b.buf.B...)
	b.buf.Reset()
	b.mu.Unlock()
	return b.c.writeSync(out)
}

func (b *batchFlusher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.c.cfg.BatchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			_ = b.flush()
		}
	}
}

// close flushes what it can and stops the background task.
func (b *batchFlusher) close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	_ = b.flush()
	b.mu.Lock()
	if b.buf != nil {
		chunkBuffers.Put(b.buf)
		b.buf = nil
	}
	b.mu.Unlock()
}
