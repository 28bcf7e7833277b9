package conduit

import (
	"time"

	"github.com/rs/zerolog/log"
)

// ConflationKey names the domain equivalence class of an outbound
// message. While a message for the same key is still queued, a newer
// one replaces its buffer in place instead of growing the queue; the
// key keeps the FIFO position of its first insertion.
type ConflationKey struct {
	// ID is the equivalence identity. Messages with equal IDs describe
	// the same logical datum, of which only the latest matters.
	ID string

	// AllowConflation gates replacement. A key with this false is
	// queued as an ordinary entry.
	AllowConflation bool
}

// queueEntry is one slot in the outgoing FIFO. Conflation replaces the
// buffer of a queued entry in place, so the entry keeps its slot; a
// popped entry leaves the FIFO and has its buffer set to nil.
type queueEntry struct {
	keyID string
	buf   []byte
}

// enqueueMessage places a serialized frame on the outgoing queue,
// conflating against an existing entry for the same key when allowed.
// Callers must have established that the pusher owns the socket.
//
// Returns ErrClosed once disconnectRequested is set; a queue that has
// outgrown AsyncMaxQueueSize triggers slow-receiver handling after the
// entry is accounted.
func (c *Connection) enqueueMessage(buf []byte, key *ConflationKey) error {
	c.queueMu.Lock()
	if c.disconnectRequested || c.closing.Load() {
		c.queueMu.Unlock()
		return ErrClosed
	}

	if key != nil && key.AllowConflation {
		if prev, ok := c.conflated[key.ID]; ok && prev.buf != nil {
			delta := int64(len(buf)) - int64(len(prev.buf))
			if cap(prev.buf) >= len(buf) {
				prev.buf = prev.buf[:len(buf)]
				copy(prev.buf, buf)
			} else {
				prev.buf = append([]byte(nil), buf...)
			}
			c.queuedBytes += delta
			c.stats.AddAsyncQueueSize(delta)
			c.stats.IncAsyncConflatedMsgs()
			overflow := c.asyncMaxQueueSize > 0 && c.queuedBytes > c.asyncMaxQueueSize
			c.queueCond.Signal()
			c.queueMu.Unlock()
			if overflow {
				c.disconnectSlowReceiver("async queue size exceeded", false)
			}
			return nil
		}
	}

	e := &queueEntry{buf: append([]byte(nil), buf...)}
	if key != nil && key.AllowConflation {
		e.keyID = key.ID
		c.conflated[key.ID] = e
	}
	c.outQueue = append(c.outQueue, e)
	c.queuedBytes += int64(len(e.buf))
	c.stats.AddAsyncQueueSize(int64(len(e.buf)))
	c.stats.IncAsyncQueuedMsgs()
	overflow := c.asyncMaxQueueSize > 0 && c.queuedBytes > c.asyncMaxQueueSize
	c.queueCond.Signal()
	c.queueMu.Unlock()

	if overflow {
		c.disconnectSlowReceiver("async queue size exceeded", false)
	}
	return nil
}

// popQueuedLocked removes and returns the next live entry's buffer.
// Slots whose buffer is nil are skipped.
// Requires queueMu.
func (c *Connection) popQueuedLocked() []byte {
	for len(c.outQueue) > 0 {
		e := c.outQueue[0]
		c.outQueue[0] = nil
		c.outQueue = c.outQueue[1:]
		if e.buf == nil {
			continue
		}
		buf := e.buf
		e.buf = nil
		if e.keyID != "" {
			if cur, ok := c.conflated[e.keyID]; ok && cur == e {
				delete(c.conflated, e.keyID)
			}
		}
		c.queuedBytes -= int64(len(buf))
		c.stats.AddAsyncQueueSize(-int64(len(buf)))
		c.stats.IncAsyncDequeuedMsgs()
		return buf
	}
	return nil
}

// startPusher hands queue ownership to a background pusher goroutine.
// At most one pusher exists per connection; creation and termination
// are serialized through pusherMu / pusherCond.
func (c *Connection) startPusher() {
	c.pusherMu.Lock()
	defer c.pusherMu.Unlock()
	if c.asyncQueuing {
		return
	}
	c.asyncQueuing = true
	go c.runPusher()
}

// runPusher drains the outgoing queue in FIFO order, one synchronous
// write at a time. An empty queue terminates the pusher: subsequent
// sends go back to direct writes until another distribution timeout
// spawns a new one.
func (c *Connection) runPusher() {
	log.Debug().Str("conn", c.name()).Msg("pusher started")
	for {
		buf := c.takeForPusher()
		if buf == nil {
			log.Debug().Str("conn", c.name()).Msg("pusher drained queue, exiting")
			return
		}
		if err := c.pusherWrite(buf); err != nil {
			log.Debug().Err(err).Str("conn", c.name()).Msg("pusher write failed")
			c.endPusher()
			if !c.closing.Load() {
				c.requestClose("pusher io failure", err, true)
			}
			return
		}
	}
}

// takeForPusher pops the next buffer under the pusher/queue monitors.
// A nil return means the queue was empty and pusher ownership has been
// released; waiters on pusherCond have been woken.
//
// Lock order here is the one the engine relies on everywhere:
// pusherMu before queueMu.
func (c *Connection) takeForPusher() []byte {
	c.pusherMu.Lock()
	c.queueMu.Lock()
	buf := c.popQueuedLocked()
	if buf == nil || c.disconnectRequested {
		c.asyncQueuing = false
		c.queueMu.Unlock()
		c.pusherCond.Broadcast()
		c.pusherMu.Unlock()
		return nil
	}
	c.queueMu.Unlock()
	c.pusherMu.Unlock()
	return buf
}

// endPusher releases pusher ownership after a write failure.
func (c *Connection) endPusher() {
	c.pusherMu.Lock()
	c.asyncQueuing = false
	c.pusherCond.Broadcast()
	c.pusherMu.Unlock()
}

// pusherWrite pushes one buffer to the socket. Progress is attempted
// with short write deadlines and backed-off retries; a stretch of
// AsyncQueueTimeout with no forward progress declares the receiver
// slow.
func (c *Connection) pusherWrite(buf []byte) error {
	total := len(buf)
	deadlineBase := time.Now()
	bo := newWriteBackoff()

	c.outMu.Lock()
	defer c.outMu.Unlock()
	for len(buf) > 0 {
		if c.closing.Load() {
			return ErrClosed
		}
		_ = c.wf.SetWriteDeadline(time.Now().Add(bo.Duration()))
		n, err := c.wf.Wrap(buf)
		if n > 0 {
			buf = buf[n:]
			deadlineBase = time.Now()
			bo.Reset()
		}
		if err != nil {
			if !isDeadlineError(err) {
				return &ConnectionError{Op: "pusher write", Reason: "socket write failed", Err: err}
			}
			if c.asyncQueueTimeout > 0 && time.Since(deadlineBase) >= c.asyncQueueTimeout {
				c.stats.IncAsyncQueueTimeouts()
				c.disconnectSlowReceiver("async queue timeout exceeded", true)
				return ErrClosed
			}
		}
	}
	_ = c.wf.SetWriteDeadline(time.Time{})
	c.stats.IncSentMessages(total)
	return nil
}

// waitForPusherDrain blocks until no pusher owns the queue, bounded by
// timeout. The close cascade calls this so in-flight queued messages
// get their chance before the socket goes away; the pusher itself must
// never call it.
func (c *Connection) waitForPusherDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	c.pusherMu.Lock()
	for c.asyncQueuing {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		t := time.AfterFunc(remaining, func() {
			c.pusherMu.Lock()
			c.pusherCond.Broadcast()
			c.pusherMu.Unlock()
		})
		c.pusherCond.Wait()
		t.Stop()
	}
	c.pusherMu.Unlock()
}

// drainQueueOnClose empties the queue by accounting and drops the
// buffers. Further enqueues fail once disconnectRequested is set.
func (c *Connection) drainQueueOnClose() {
	c.queueMu.Lock()
	c.disconnectRequested = true
	for len(c.outQueue) > 0 {
		e := c.outQueue[0]
		c.outQueue[0] = nil
		c.outQueue = c.outQueue[1:]
		if e.buf != nil {
			c.queuedBytes -= int64(len(e.buf))
			c.stats.AddAsyncQueueSize(-int64(len(e.buf)))
			e.buf = nil
		}
	}
	c.conflated = map[string]*queueEntry{}
	c.queueCond.Broadcast()
	c.queueMu.Unlock()
}

// disconnectSlowReceiver ejects a receiver that cannot keep up: the
// membership layer is asked to remove it, we poll a few seconds for
// the removal to take, and finally force the endpoint out of the
// connection table ourselves.
func (c *Connection) disconnectSlowReceiver(reason string, fromPusher bool) {
	if !c.slowReceiverHandled.CompareAndSwap(false, true) {
		return
	}
	remote := c.RemoteID()
	log.Warn().
		Str("conn", c.name()).
		Str("member", remote.String()).
		Str("reason", reason).
		Msg("disconnecting slow receiver")

	removalReason := "Disconnected as a slow-receiver: " + reason
	c.membership.RequestMemberRemoval(remote, removalReason)

	const pollInterval = 100 * time.Millisecond
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if !c.membership.MemberExists(remote) {
			break
		}
		time.Sleep(pollInterval)
	}

	c.requestClose(removalReason, nil, fromPusher)
	if c.table != nil {
		c.table.removeEndpoint(remote, removalReason)
	}
}
