package conduit

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// connState tracks where a connection is in the send/ack cycle. The
// reader flips between stateReading and stateIdle around each blocking
// read so the close cascade can tell a parked reader from a busy one;
// the direct-ack path walks sending -> postSending -> readingAck ->
// receivedAck.
type connState int

const (
	stateIdle connState = iota
	stateSending
	statePostSending
	stateReadingAck
	stateReceivedAck
	stateReading
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateSending:
		return "SENDING"
	case statePostSending:
		return "POST_SENDING"
	case stateReadingAck:
		return "READING_ACK"
	case stateReceivedAck:
		return "RECEIVED_ACK"
	case stateReading:
		return "READING"
	default:
		return "UNKNOWN"
	}
}

// Connection is one direction (or one shared duplex link) of a
// peer-to-peer TCP socket between cluster members.
//
// Ownership: the connection table owns connections; a connection holds
// a handle back to its table only to remove itself during the close
// cascade. The input buffer belongs to the reader goroutine, or to the
// direct-ack reader once a sender's handshake reader has exited.
type Connection struct {
	cfg        *Config
	hooks      *TestHooks
	membership Membership
	dispatcher Dispatcher
	stats      Stats
	table      *ConnectionTable
	pool       *BufferPool

	conn net.Conn
	wf   wireFilter

	// Role and discipline, fixed at construction.
	isReceiver     bool
	sharedResource bool
	preserveOrder  bool

	localID  MemberID
	uniqueID uint64

	// remoteID is known up front on the initiator; an acceptor learns
	// it from the handshake. Guarded by handshakeMu until handshakeRead.
	remoteID      MemberID
	remoteVersion uint16

	// readerDomino is the domino count read from the peer's handshake.
	// A count >= 1 on a thread-owned connection makes this reader's
	// sends prefer thread-owned outbound sockets.
	readerDomino atomic.Int32

	// Async-queue parameters. Senders overwrite these from the
	// acceptor's handshake reply.
	asyncDistTimeout  time.Duration
	asyncQueueTimeout time.Duration
	asyncMaxQueueSize int64

	// Handshake completion. handshakeRead and handshakeCancelled are
	// mutually exclusive; waiters observe exactly one.
	handshakeMu        sync.Mutex
	handshakeCond      *sync.Cond
	handshakeRead      bool
	handshakeCancelled bool

	// Send/ack state machine.
	stateMu           sync.Mutex
	state             connState
	transmissionStart time.Time
	ackWait           time.Duration
	ackSevere         time.Duration
	ackGroup          []*Connection
	ackTimedOut       atomic.Bool
	ackTaskStop       chan struct{}

	// closing transitions false -> true exactly once; forceRemoval is
	// the only way to re-enter the cascade.
	closing   atomic.Bool
	stopped   atomic.Bool
	connected atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once

	readerStarted atomic.Bool
	readerDone    chan struct{}

	inBufMu sync.Mutex
	inBuf   []byte
	inLen   int

	outMu     sync.Mutex
	senderSem chan struct{}

	// Outgoing queue. Lock order: pusherMu before queueMu; outMu is
	// taken with neither held.
	queueMu             sync.Mutex
	queueCond           *sync.Cond
	pusherMu            sync.Mutex
	pusherCond          *sync.Cond
	asyncQueuing        bool
	disconnectRequested bool
	outQueue            []*queueEntry
	conflated           map[string]*queueEntry
	queuedBytes         int64
	slowReceiverHandled atomic.Bool

	accessed    atomic.Bool
	socketInUse atomic.Bool
	idleTimer   *time.Timer

	destreamMu  sync.Mutex
	destreamers map[uint16]*msgDestreamer

	batcher *batchFlusher

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
}

// closeOptions parameterizes the close cascade.
type closeOptions struct {
	// cleanupEndpoint removes this connection from its table slot.
	cleanupEndpoint bool
	// removeEndpoint removes every connection to the same endpoint.
	removeEndpoint bool
	// beingSick closes the socket inline instead of via the background
	// closer. Test use only.
	beingSick bool
	// forceRemoval re-runs table removal even if the cascade already ran.
	forceRemoval bool
	// callerIsReader / callerIsPusher suppress the self-join and
	// self-drain-wait that would otherwise deadlock.
	callerIsReader bool
	callerIsPusher bool
}

// newConnection builds the shared parts of a connection around an
// established socket.
func newConnection(t *ConnectionTable, sock net.Conn, isReceiver, shared, preserveOrder bool) *Connection {
	c := &Connection{
		cfg:            t.cfg,
		hooks:          t.hooks,
		membership:     t.membership,
		dispatcher:     t.dispatcher,
		stats:          t.stats,
		table:          t,
		pool:           t.pool,
		conn:           sock,
		isReceiver:     isReceiver,
		sharedResource: shared,
		preserveOrder:  preserveOrder,
		localID:        t.localID,
		closedCh:       make(chan struct{}),
		readerDone:     make(chan struct{}),
		senderSem:      make(chan struct{}, t.cfg.MaxConnectionSenders),
		conflated:      map[string]*queueEntry{},
		destreamers:    map[uint16]*msgDestreamer{},

		asyncDistTimeout:  t.cfg.AsyncDistributionTimeout,
		asyncQueueTimeout: t.cfg.AsyncQueueTimeout,
		asyncMaxQueueSize: t.cfg.AsyncMaxQueueSize,
	}
	c.handshakeCond = sync.NewCond(&c.handshakeMu)
	c.queueCond = sync.NewCond(&c.queueMu)
	c.pusherCond = sync.NewCond(&c.pusherMu)

	configureSocket(sock, t.cfg, isReceiver)
	c.wf = newWireFilter(sock, t.cfg, isReceiver)
	c.connected.Store(true)

	if t.cfg.BatchSends && preserveOrder && !isReceiver {
		c.batcher = newBatchFlusher(c)
	}

	t.stats.IncConnectionsOpened()
	return c
}

// newSenderConnection dials the remote member, sends the handshake and
// waits for the reply. The reader it starts exists only to read that
// reply (and later acks are read by the direct-ack path); it exits as
// soon as the handshake completes.
func newSenderConnection(t *ConnectionTable, remote MemberID, shared, preserveOrder bool, sctx *SenderContext) (*Connection, error) {
	if t.membership.ShutdownInProgress() {
		return nil, ErrShuttingDown
	}

	d := net.Dialer{Timeout: t.cfg.connectTimeout()}
	sock, err := d.Dial("tcp", remote.String())
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Reason: "dial " + remote.String(), Err: err}
	}

	c := newConnection(t, sock, false, shared, preserveOrder)
	c.remoteID = remote
	c.uniqueID = t.nextUniqueID()

	var domino int32 = 1
	if sctx != nil {
		domino = sctx.DominoCount + 1
	}
	frame, err := encodeHandshake(handshakeInfo{
		member:         c.localID,
		sharedResource: shared,
		preserveOrder:  preserveOrder,
		uniqueID:       c.uniqueID,
		productVersion: t.cfg.ProductVersion,
		dominoCount:    domino,
	})
	if err != nil {
		c.closeConn("handshake encode failed", closeOptions{cleanupEndpoint: true})
		return nil, err
	}

	c.readerStarted.Store(true)
	go c.runReader(true)

	if err := c.writeSync(frame); err != nil {
		c.closeConn("handshake write failed", closeOptions{cleanupEndpoint: true})
		return nil, err
	}

	if err := c.waitForHandshake(); err != nil {
		c.closeConn("handshake failed", closeOptions{cleanupEndpoint: true})
		return nil, err
	}

	c.startIdleTask()
	log.Info().
		Str("conn", c.name()).
		Uint16("remoteVersion", c.remoteVersion).
		Dur("asyncDistTimeout", c.asyncDistTimeout).
		Msg("sender connection established")
	return c, nil
}

// newReceiverConnection wraps an accepted socket. The caller registers
// it as a receiver before starting the reader, so no message is ever
// dispatched from an unregistered connection.
func newReceiverConnection(t *ConnectionTable, sock net.Conn) *Connection {
	// Sharing discipline is unknown until the handshake is read; the
	// flags are corrected there.
	return newConnection(t, sock, true, true, true)
}

// waitForHandshake blocks under the handshake condition variable until
// the handshake completes, is cancelled, or HandshakeTimeout expires.
// Timeout suspects the peer and reports failure; the caller closes.
func (c *Connection) waitForHandshake() error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	c.handshakeMu.Lock()
	for !c.handshakeRead && !c.handshakeCancelled {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		t := time.AfterFunc(remaining, func() {
			c.handshakeMu.Lock()
			c.handshakeCond.Broadcast()
			c.handshakeMu.Unlock()
		})
		c.handshakeCond.Wait()
		t.Stop()
	}
	read, cancelled := c.handshakeRead, c.handshakeCancelled
	c.handshakeMu.Unlock()

	switch {
	case read:
		return nil
	case cancelled:
		return &ConnectionError{Op: "handshake", Reason: "connection closed during handshake"}
	default:
		c.stats.IncHandshakeTimeouts()
		c.membership.SuspectMember(c.RemoteID(), "handshake timed out")
		return &ConnectionError{Op: "handshake", Reason: fmt.Sprintf("no handshake reply within %s", c.cfg.HandshakeTimeout), Err: &timeoutError{}}
	}
}

// setHandshakeRead marks handshake completion and wakes waiters.
func (c *Connection) setHandshakeRead() {
	c.handshakeMu.Lock()
	if !c.handshakeCancelled {
		c.handshakeRead = true
	}
	c.handshakeCond.Broadcast()
	c.handshakeMu.Unlock()
}

// cancelHandshake wakes handshake waiters with failure. Only effective
// before handshakeRead; the two outcomes are mutually exclusive.
func (c *Connection) cancelHandshake() {
	c.handshakeMu.Lock()
	if !c.handshakeRead {
		c.handshakeCancelled = true
	}
	c.handshakeCond.Broadcast()
	c.handshakeMu.Unlock()
}

// HandshakeComplete reports whether the handshake finished successfully.
func (c *Connection) HandshakeComplete() bool {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.handshakeRead
}

// RemoteID returns the peer's identity. Zero on an acceptor whose
// handshake has not been read yet.
func (c *Connection) RemoteID() MemberID {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.remoteID
}

// RemoteVersion returns the peer's product-version ordinal negotiated
// during handshake.
func (c *Connection) RemoteVersion() uint16 {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.remoteVersion
}

// UniqueID returns the per-process monotonic connection id. Meaningful
// on the initiator; acceptors carry the initiator's value.
func (c *Connection) UniqueID() uint64 { return c.uniqueID }

// Shared reports the sharing discipline.
func (c *Connection) Shared() bool { return c.sharedResource }

// PreserveOrder reports the ordering discipline.
func (c *Connection) PreserveOrder() bool { return c.preserveOrder }

// IsReceiver reports whether this is the acceptor side.
func (c *Connection) IsReceiver() bool { return c.isReceiver }

// ReaderDominoCount returns the domino count the peer's handshake
// carried, for reply sends made on behalf of this reader.
func (c *Connection) ReaderDominoCount() int32 { return c.readerDomino.Load() }

func (c *Connection) setState(s connState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Connection) getState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// name renders the connection for logs.
func (c *Connection) name() string {
	role := "sender"
	if c.isReceiver {
		role = "receiver"
	}
	return fmt.Sprintf("%s<%s->%s shared=%v ordered=%v uid=%d>",
		role, c.localID, c.RemoteID(), c.sharedResource, c.preserveOrder, c.uniqueID)
}

// Close runs the close cascade for reconnect: this connection goes
// away, siblings to the same endpoint stay.
func (c *Connection) Close() error {
	c.closeConn("locally closed", closeOptions{cleanupEndpoint: true})
	return nil
}

// requestClose is the internal entry to the cascade used by the reader,
// the pusher and the timer tasks.
func (c *Connection) requestClose(reason string, err error, callerIsPusher bool) {
	if err != nil && !isIgnorableIOError(err) {
		log.Error().Err(err).Str("conn", c.name()).Str("reason", reason).Msg("closing connection")
	} else if err != nil {
		log.Debug().Err(err).Str("conn", c.name()).Str("reason", reason).Msg("closing connection")
	}
	c.closeConn(reason, closeOptions{cleanupEndpoint: true, callerIsPusher: callerIsPusher})
}

// requestCloseFromReader is requestClose for the reader goroutine; the
// cascade must not join the reader from the reader.
func (c *Connection) requestCloseFromReader(reason string, err error) {
	if err != nil && !isIgnorableIOError(err) {
		log.Error().Err(err).Str("conn", c.name()).Str("reason", reason).Msg("reader closing connection")
	} else {
		log.Debug().Str("conn", c.name()).Str("reason", reason).Msg("reader closing connection")
	}
	c.closeConn(reason, closeOptions{cleanupEndpoint: true, callerIsReader: true})
}

// closeConn is the close cascade. Safe to call from any goroutine,
// including the reader and the pusher; it never blocks forever.
//
// Order:
//  1. CAS closing; repeat entry only under forceRemoval.
//  2. Stop accepting work, drain the pusher (bounded), release senders.
//  3. Asynchronously close the socket, kicking a parked reader first.
//  4. Cancel the handshake for anyone still waiting.
//  5. Best-effort join the reader (bounded, never from the reader).
//  6. Flush and close the batcher, release destreamers and the input
//     buffer.
//  7. Remove from the table per flags; cancel idle and ack tasks.
func (c *Connection) closeConn(reason string, opts closeOptions) {
	first := c.closing.CompareAndSwap(false, true)
	if !first && !opts.forceRemoval {
		return
	}

	if first {
		c.stopped.Store(true)
		c.closeOnce.Do(func() { close(c.closedCh) })

		if c.connected.Load() {
			if !opts.callerIsPusher {
				c.waitForPusherDrain(2 * time.Second)
			}
			c.connected.Store(false)
		}
		c.drainQueueOnClose()
		c.drainSenderSem()

		c.asyncClose(opts.beingSick || (c.hooks != nil && c.hooks.SickMode))

		c.cancelHandshake()

		if !opts.callerIsReader && c.readerStarted.Load() {
			select {
			case <-c.readerDone:
			case <-time.After(2 * time.Second):
				log.Debug().Str("conn", c.name()).Msg("reader did not exit within join window")
			}
		}

		if c.batcher != nil {
			c.batcher.close()
		}
		c.releaseDestreamers()
		c.releaseInputBuffer()
		c.stopAckTask()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}

		c.stats.IncConnectionsClosed()
		log.Info().Str("conn", c.name()).Str("reason", reason).Msg("connection closed")
	}

	if c.table != nil {
		switch {
		case opts.removeEndpoint:
			c.table.removeEndpoint(c.RemoteID(), reason)
		case opts.cleanupEndpoint:
			c.table.removeConnection(c)
		}
	}
}

// asyncClose closes the socket off the caller's goroutine so the
// cascade never blocks on a wedged TLS shutdown. A reader parked in a
// blocking read is kicked by expiring its read deadline first.
func (c *Connection) asyncClose(inline bool) {
	doClose := func() {
		switch c.getState() {
		case stateReading, stateReadingAck:
			_ = c.wf.SetReadDeadline(time.Now())
		}
		if err := c.wf.Close(); err != nil && !isIgnorableIOError(err) {
			log.Debug().Err(err).Str("conn", c.name()).Msg("socket close")
		}
	}
	if inline {
		doClose()
		return
	}
	go doClose()
}

// drainSenderSem releases every permit so senders blocked in
// acquireSendPermission fail fast through closedCh and nobody is left
// holding a stale permit.
func (c *Connection) drainSenderSem() {
	for {
		select {
		case <-c.senderSem:
		default:
			return
		}
	}
}

// releaseInputBuffer returns the pooled input buffer. Idempotent; the
// reader and the cascade may race here.
func (c *Connection) releaseInputBuffer() {
	c.inBufMu.Lock()
	buf := c.inBuf
	c.inBuf = nil
	c.inLen = 0
	c.inBufMu.Unlock()
	if buf != nil {
		c.pool.Release(buf)
	}
}

// releaseDestreamers drops all partially accumulated chunked messages.
func (c *Connection) releaseDestreamers() {
	c.destreamMu.Lock()
	for id, d := range c.destreamers {
		d.release()
		delete(c.destreamers, id)
	}
	c.destreamMu.Unlock()
}

// startIdleTask arms the idle reaper for this connection. Shared
// unordered connections are exempt: they are the failure-detection
// channel and are expected to sit quiet.
func (c *Connection) startIdleTask() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	if c.sharedResource && !c.preserveOrder {
		return
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.checkIdle)
}

// checkIdle probes the accessed flag: recently used connections get the
// flag cleared and the timer rescheduled, idle ones are closed for
// reconnect. Siblings to the same endpoint are untouched.
func (c *Connection) checkIdle() {
	if c.closing.Load() {
		return
	}
	if c.socketInUse.Load() || c.accessed.Swap(false) {
		c.idleTimer.Reset(c.cfg.IdleTimeout)
		return
	}
	log.Debug().
		Str("conn", c.name()).
		Bool("shared", c.sharedResource).
		Bool("ordered", c.preserveOrder).
		Msg("closing idle connection")
	c.closeConn("idle timeout", closeOptions{cleanupEndpoint: true})
}
