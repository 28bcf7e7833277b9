package conduit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ConnectionTable owns every connection of a conduit: the shared
// ordered and unordered maps (at most one live shared connection per
// (member, ordering) pair), the registry of thread-owned senders, the
// receivers created by the accept loop, and the shared buffer pool.
type ConnectionTable struct {
	cfg        *Config
	hooks      *TestHooks
	membership Membership
	dispatcher Dispatcher
	stats      Stats
	pool       *BufferPool
	localID    MemberID

	idSource atomic.Uint64

	mu          sync.Mutex
	cond        *sync.Cond
	ordered     map[string]*Connection
	unordered   map[string]*Connection
	pending     map[string]struct{}
	receivers   map[*Connection]struct{}
	threadOwned map[*Connection]struct{}
	closed      bool
}

func newConnectionTable(cfg *Config, localID MemberID, membership Membership, dispatcher Dispatcher, stats Stats, hooks *TestHooks) *ConnectionTable {
	t := &ConnectionTable{
		cfg:         cfg,
		hooks:       hooks,
		membership:  membership,
		dispatcher:  dispatcher,
		stats:       stats,
		pool:        NewBufferPool(cfg),
		localID:     localID,
		ordered:     map[string]*Connection{},
		unordered:   map[string]*Connection{},
		pending:     map[string]struct{}{},
		receivers:   map[*Connection]struct{}{},
		threadOwned: map[*Connection]struct{}{},
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// nextUniqueID hands out the per-process monotonic connection id.
func (t *ConnectionTable) nextUniqueID() uint64 {
	return t.idSource.Add(1)
}

func sharedKey(m MemberID, preserveOrder bool) string {
	if preserveOrder {
		return m.String() + "/ordered"
	}
	return m.String() + "/unordered"
}

// GetConnection returns a connection to remote with the requested
// disciplines, creating one when needed. Shared connections are held
// in the table; thread-owned connections are leased to the caller's
// SenderContext and only registered here for shutdown.
func (t *ConnectionTable) GetConnection(remote MemberID, preserveOrder, shared bool, sctx *SenderContext) (*Connection, error) {
	if shared {
		return t.getSharedConnection(remote, preserveOrder, sctx)
	}
	return t.getThreadOwnedConnection(remote, preserveOrder, sctx)
}

// getSharedConnection serializes creation per (member, ordering) key:
// the first caller marks the slot pending and dials; everyone else
// waits on the table monitor until the slot resolves.
func (t *ConnectionTable) getSharedConnection(remote MemberID, preserveOrder bool, sctx *SenderContext) (*Connection, error) {
	key := sharedKey(remote, preserveOrder)
	m := t.sharedMap(preserveOrder)

	t.mu.Lock()
	for {
		if t.closed {
			t.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if c, ok := m[key]; ok && !c.closing.Load() {
			t.mu.Unlock()
			c.accessed.Store(true)
			return c, nil
		}
		if _, creating := t.pending[key]; !creating {
			t.pending[key] = struct{}{}
			break
		}
		t.cond.Wait()
	}
	t.mu.Unlock()

	c, err := t.dialWithRetry(remote, true, preserveOrder, sctx)

	t.mu.Lock()
	delete(t.pending, key)
	if err == nil {
		m[key] = c
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	return c, err
}

func (t *ConnectionTable) getThreadOwnedConnection(remote MemberID, preserveOrder bool, sctx *SenderContext) (*Connection, error) {
	c, err := t.dialWithRetry(remote, false, preserveOrder, sctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.threadOwned[c] = struct{}{}
	t.mu.Unlock()
	return c, nil
}

// dialWithRetry keeps trying to establish a sender connection until
// the connect-timeout budget runs out, backing off between attempts.
// A remote that membership no longer knows stops the retries cold.
func (t *ConnectionTable) dialWithRetry(remote MemberID, shared, preserveOrder bool, sctx *SenderContext) (*Connection, error) {
	bo := &backoff.Backoff{
		Min:    t.cfg.ReconnectWaitTime,
		Max:    4 * t.cfg.ReconnectWaitTime,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(t.cfg.connectTimeout())

	var lastErr error
	for attempt := 0; ; attempt++ {
		if t.membership.ShutdownInProgress() {
			return nil, ErrShuttingDown
		}
		if attempt > 0 && !t.membership.MemberExists(remote) {
			return nil, &ConnectionError{Op: "connect", Reason: "member " + remote.String() + " has left the view", Err: lastErr}
		}

		c, err := newSenderConnection(t, remote, shared, preserveOrder, sctx)
		if err == nil {
			return c, nil
		}
		lastErr = err

		wait := bo.Duration()
		if time.Now().Add(wait).After(deadline) {
			return nil, &ConnectionError{Op: "connect", Reason: "could not connect to " + remote.String(), Err: lastErr}
		}
		log.Debug().
			Err(err).
			Str("member", remote.String()).
			Dur("retryIn", wait).
			Msg("connect attempt failed, retrying")
		time.Sleep(wait)
	}
}

func (t *ConnectionTable) sharedMap(preserveOrder bool) map[string]*Connection {
	if preserveOrder {
		return t.ordered
	}
	return t.unordered
}

// acceptConnection wraps an accepted socket, registers it as a
// receiver, then starts its reader. Registration strictly precedes the
// reader so no message is dispatched from an unregistered connection.
func (t *ConnectionTable) acceptConnection(sock net.Conn) {
	c := newReceiverConnection(t, sock)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.closeConn("table closed", closeOptions{})
		return
	}
	t.receivers[c] = struct{}{}
	t.mu.Unlock()
	c.readerStarted.Store(true)
	go c.runReader(false)
}

// removeConnection unhooks one connection from whatever slot holds it.
// Called from the close cascade; takes only the table lock.
func (t *ConnectionTable) removeConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.isReceiver {
		delete(t.receivers, c)
		return
	}
	if c.sharedResource {
		key := sharedKey(c.remoteID, c.preserveOrder)
		m := t.sharedMap(c.preserveOrder)
		if cur, ok := m[key]; ok && cur == c {
			delete(m, key)
		}
		t.cond.Broadcast()
		return
	}
	delete(t.threadOwned, c)
}

// removeEndpoint closes every connection to the member. Used by
// slow-receiver ejection and membership departures.
func (t *ConnectionTable) removeEndpoint(remote MemberID, reason string) {
	var victims []*Connection
	t.mu.Lock()
	for _, m := range []map[string]*Connection{t.ordered, t.unordered} {
		for key, c := range m {
			if c.remoteID == remote {
				delete(m, key)
				victims = append(victims, c)
			}
		}
	}
	for c := range t.threadOwned {
		if c.remoteID == remote {
			delete(t.threadOwned, c)
			victims = append(victims, c)
		}
	}
	for c := range t.receivers {
		if c.RemoteID() == remote {
			delete(t.receivers, c)
			victims = append(victims, c)
		}
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	for _, c := range victims {
		c.closeConn(reason, closeOptions{})
	}
	if len(victims) > 0 {
		log.Info().
			Str("member", remote.String()).
			Int("connections", len(victims)).
			Str("reason", reason).
			Msg("removed endpoint")
	}
}

// closeAll runs the close cascade over every connection and marks the
// table dead to creators.
func (t *ConnectionTable) closeAll(reason string) {
	var victims []*Connection
	t.mu.Lock()
	t.closed = true
	for _, m := range []map[string]*Connection{t.ordered, t.unordered} {
		for key, c := range m {
			delete(m, key)
			victims = append(victims, c)
		}
	}
	for c := range t.threadOwned {
		delete(t.threadOwned, c)
		victims = append(victims, c)
	}
	for c := range t.receivers {
		delete(t.receivers, c)
		victims = append(victims, c)
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	for _, c := range victims {
		c.closeConn(reason, closeOptions{})
	}
}

// connectionCount reports live connections, for tests and shutdown
// logging.
func (t *ConnectionTable) connectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ordered) + len(t.unordered) + len(t.threadOwned) + len(t.receivers)
}
