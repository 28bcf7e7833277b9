// Package conduit implements the peer-to-peer TCP connection engine of
// a distributed in-memory data grid: long-lived, reusable sockets
// between cluster members carrying framed, versioned messages.
//
// The engine multiplexes serialized messages over shared or
// thread-owned connections, runs a custom handshake, writes either
// synchronously or through a conflating background queue, reads with a
// per-connection reader that assembles chunked messages, and detects
// slow or dead peers with ack-wait and queue timers that feed the
// membership layer.
//
// Collaborators stay outside: membership (Membership), message
// interpretation (Dispatcher), and statistics (Stats) are interfaces
// the embedder provides. The engine only moves bytes with a small
// header and decides when a peer is not keeping up.
package conduit

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TCPConduit is the engine's front door: it binds the listening
// socket, feeds accepted connections to the table, and hands out
// outbound connections.
type TCPConduit struct {
	cfg        *Config
	hooks      *TestHooks
	membership Membership
	dispatcher Dispatcher
	stats      Stats

	localID MemberID
	table   *ConnectionTable

	listener   net.Listener
	stopped    atomic.Bool
	acceptDone chan struct{}
}

// NewTCPConduit wires the engine together. localHost/localPort name the
// listening endpoint; a zero port picks an ephemeral one at Start.
// stats may be nil for NopStats, hooks is test-only and normally nil.
func NewTCPConduit(cfg *Config, localHost string, localPort uint16, membership Membership, dispatcher Dispatcher, stats Stats, hooks *TestHooks) *TCPConduit {
	if stats == nil {
		stats = NopStats{}
	}
	c := &TCPConduit{
		cfg:        cfg,
		hooks:      hooks,
		membership: membership,
		dispatcher: dispatcher,
		stats:      stats,
		localID:    MemberID{Host: localHost, Port: localPort},
		acceptDone: make(chan struct{}),
	}
	return c
}

// Start binds the listener and begins accepting peer connections.
func (t *TCPConduit) Start() error {
	ln, err := net.Listen("tcp", t.localID.String())
	if err != nil {
		return &ConnectionError{Op: "listen", Reason: "bind " + t.localID.String(), Err: err}
	}
	t.listener = ln
	if t.localID.Port == 0 {
		t.localID.Port = uint16(ln.Addr().(*net.TCPAddr).Port)
	}
	t.table = newConnectionTable(t.cfg, t.localID, t.membership, t.dispatcher, t.stats, t.hooks)

	go t.acceptLoop()
	log.Info().Str("member", t.localID.String()).Msg("conduit listening")
	return nil
}

// acceptLoop routes each new socket into the table. Accept errors that
// are not shutdown get a short pause so a resource-exhaustion storm
// does not spin the loop.
func (t *TCPConduit) acceptLoop() {
	defer close(t.acceptDone)
	for {
		sock, err := t.listener.Accept()
		if err != nil {
			if t.stopped.Load() {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if t.membership.ShutdownInProgress() {
			_ = sock.Close()
			continue
		}
		t.table.acceptConnection(sock)
	}
}

// LocalID returns the listening identity, with the bound port filled
// in after Start.
func (t *TCPConduit) LocalID() MemberID { return t.localID }

// GetConnection returns a connection to remote with the requested
// disciplines, dialing if necessary. sctx carries the caller's
// task-local state (reader flag, domino count, held permits).
func (t *TCPConduit) GetConnection(remote MemberID, preserveOrder, shared bool, sctx *SenderContext) (*Connection, error) {
	if t.stopped.Load() {
		return nil, ErrShuttingDown
	}
	return t.table.GetConnection(remote, preserveOrder, shared, sctx)
}

// Stop closes the listener and cascades every connection.
func (t *TCPConduit) Stop(reason string) {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	if t.listener != nil {
		_ = t.listener.Close()
		<-t.acceptDone
	}
	if t.table != nil {
		n := t.table.connectionCount()
		t.table.closeAll(reason)
		log.Info().
			Str("member", t.localID.String()).
			Int("connections", n).
			Str("reason", reason).
			Msg("conduit stopped")
	}
}
