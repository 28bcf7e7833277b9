package conduit

import (
	"errors"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// SenderContext is the task-local state a calling goroutine threads
// through the write path. It replaces implicit thread identity: reader
// goroutines mark themselves so acks bypass the sender semaphore, and
// the domino count rides along into handshakes.
type SenderContext struct {
	// IsReaderThread marks a conduit reader goroutine. Readers skip the
	// sender semaphore entirely so ack traffic can always progress.
	IsReaderThread bool

	// DominoCount is the hop counter propagated through handshakes; it
	// decides whether a receiver creates more thread-owned sockets.
	DominoCount int32

	// permitDepth tracks reentrant acquisition of the sender semaphore
	// by this task, so chained sends don't deadlock on themselves.
	permitDepth int
}

// FrameMessage produces a complete wire frame: the 7-byte header
// followed by payload. This is what callers hand to Send.
func FrameMessage(msgType byte, msgID uint16, directAck bool, payload []byte) ([]byte, error) {
	t := msgType
	if directAck {
		t |= directAckBit
	}
	frame := make([]byte, msgHeaderBytes+len(payload))
	if err := encodeMsgHeader(frame, t, msgID, len(payload)); err != nil {
		return nil, err
	}
	copy(frame[msgHeaderBytes:], payload)
	return frame, nil
}

// Send transmits one prepared frame (header + payload). The write mode
// is chosen here: synchronous blocking when the connection is a
// receiver, unordered, or async queueing is disabled; otherwise the
// async path with its distribution timeout and queue takeover. When a
// pusher already owns the socket the frame is appended to its queue.
//
// key, when non-nil, carries the conflation identity used if the frame
// ends up queued. sctx may be nil for plain application senders.
func (c *Connection) Send(frame []byte, sctx *SenderContext, key *ConflationKey) error {
	if c.closing.Load() || c.stopped.Load() {
		return ErrClosed
	}
	if err := c.acquireSendPermission(sctx); err != nil {
		return err
	}
	defer c.releaseSendPermission(sctx)
	c.accessed.Store(true)

	if c.batcher != nil {
		return c.batcher.send(frame)
	}
	if c.asyncMode() {
		return c.writeAsync(frame, key)
	}
	return c.writeSync(frame)
}

// asyncMode reports whether this connection uses the queued write
// path. Receivers and unordered connections always write
// synchronously, as does everyone when the distribution timeout is
// zero.
func (c *Connection) asyncMode() bool {
	return !c.isReceiver && c.preserveOrder && c.asyncDistTimeout > 0
}

// writeSync serializes the frame under outMu with a plain blocking
// write loop. Partial writes continue until the frame is gone.
func (c *Connection) writeSync(frame []byte) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closing.Load() {
		return ErrClosed
	}
	return c.writeFully(frame)
}

// writeFully loops the wire filter until every byte of buf is written.
// Requires outMu.
func (c *Connection) writeFully(buf []byte) error {
	total := len(buf)
	for len(buf) > 0 {
		n, err := c.wf.Wrap(buf)
		buf = buf[n:]
		if err != nil {
			return &ConnectionError{Op: "write", Reason: "socket write failed", Err: err}
		}
	}
	c.stats.IncSentMessages(total)
	c.messagesSent.Add(1)
	return nil
}

// writeAsync attempts the frame with short write deadlines and
// exponentially backed-off retries. If the socket stops draining for
// longer than the distribution timeout, the remainder is handed to the
// outgoing queue and a pusher takes over the socket. A partially
// written frame is always queued non-conflatable: its head bytes are
// already on the wire.
func (c *Connection) writeAsync(frame []byte, key *ConflationKey) error {
	// With a pusher draining, senders must not touch the socket: they
	// line up behind its queue. Checked before outMu because the
	// pusher holds outMu for the length of each blocked write.
	if c.pusherActive() {
		return c.enqueueMessage(frame, key)
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closing.Load() {
		return ErrClosed
	}

	// A pusher may have taken over while we waited for outMu.
	if c.pusherActive() {
		return c.enqueueMessage(frame, key)
	}
	if c.cfg.forceAsyncQueue(c.hooks) {
		return c.queueTakeover(frame, key, false)
	}

	start := time.Now()
	bo := newWriteBackoff()
	remaining := frame
	for len(remaining) > 0 {
		if c.closing.Load() {
			return ErrClosed
		}
		_ = c.wf.SetWriteDeadline(time.Now().Add(bo.Duration()))
		n, err := c.wf.Wrap(remaining)
		remaining = remaining[n:]
		if n > 0 {
			bo.Reset()
		}
		if err != nil {
			if !isDeadlineError(err) {
				return &ConnectionError{Op: "write", Reason: "socket write failed", Err: err}
			}
			if time.Since(start) >= c.asyncDistTimeout {
				c.stats.IncAsyncDistributionTimeoutExceeded()
				log.Debug().
					Str("conn", c.name()).
					Dur("timeout", c.asyncDistTimeout).
					Int("remaining", len(remaining)).
					Msg("distribution timeout exceeded, switching to queued mode")
				return c.queueTakeover(remaining, key, len(remaining) < len(frame))
			}
		}
	}
	_ = c.wf.SetWriteDeadline(time.Time{})
	c.stats.IncSentMessages(len(frame))
	c.messagesSent.Add(1)
	return nil
}

// queueTakeover enqueues the (possibly partial) remainder and spawns
// the pusher. Partial remainders lose their conflation key: replacing
// bytes whose head is already on the wire would corrupt the stream.
// Requires outMu.
func (c *Connection) queueTakeover(remaining []byte, key *ConflationKey, partial bool) error {
	if partial {
		key = nil
	}
	if err := c.enqueueMessage(remaining, key); err != nil {
		return err
	}
	c.startPusher()
	return nil
}

// pusherActive reports whether a pusher currently owns the queue.
func (c *Connection) pusherActive() bool {
	c.pusherMu.Lock()
	defer c.pusherMu.Unlock()
	return c.asyncQueuing
}

// acquireSendPermission admits the caller to the write path. Admission
// is capped by the sender semaphore (MaxConnectionSenders permits) so
// fan-in onto one socket stays bounded. Reader goroutines bypass the
// semaphore, and a task already holding a permit re-enters freely.
func (c *Connection) acquireSendPermission(sctx *SenderContext) error {
	if sctx != nil {
		if sctx.IsReaderThread {
			return nil
		}
		if sctx.permitDepth > 0 {
			sctx.permitDepth++
			return nil
		}
	}
	select {
	case c.senderSem <- struct{}{}:
		if sctx != nil {
			sctx.permitDepth = 1
		}
		return nil
	case <-c.closedCh:
		return ErrClosed
	}
}

// releaseSendPermission undoes acquireSendPermission, honoring
// reentrancy depth.
func (c *Connection) releaseSendPermission(sctx *SenderContext) {
	if sctx != nil {
		if sctx.IsReaderThread {
			return
		}
		sctx.permitDepth--
		if sctx.permitDepth > 0 {
			return
		}
	}
	select {
	case <-c.senderSem:
	default:
		// Close drained the semaphore already.
	}
}

// newWriteBackoff yields the 1,2,4,...,32 ms deadline ladder used by
// the async write paths.
func newWriteBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    32 * time.Millisecond,
		Factor: 2,
	}
}

// isDeadlineError reports whether err is a write-deadline expiry (the
// retryable case) rather than a real socket failure.
func isDeadlineError(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
