package conduit

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// wireFilter is the uniform I/O layer between the engine and the
// socket: identity for plain TCP, TLS when the conduit is secured.
// Wrap sends application bytes, Unwrap receives them; both run the
// record layer when TLS is active.
type wireFilter interface {
	// Unwrap reads application bytes into dst, blocking per the
	// socket's read deadline.
	Unwrap(dst []byte) (int, error)

	// Wrap writes application bytes from src, returning how many of
	// src were consumed.
	Wrap(src []byte) (int, error)

	// SetReadDeadline and SetWriteDeadline arm the underlying socket
	// deadlines; zero clears them.
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// Close tears down the filter and the socket underneath it.
	Close() error
}

// plainFilter is the identity filter over a raw TCP socket.
type plainFilter struct {
	conn net.Conn
}

func (f *plainFilter) Unwrap(dst []byte) (int, error)      { return f.conn.Read(dst) }
func (f *plainFilter) Wrap(src []byte) (int, error)        { return f.conn.Write(src) }
func (f *plainFilter) SetReadDeadline(t time.Time) error   { return f.conn.SetReadDeadline(t) }
func (f *plainFilter) SetWriteDeadline(t time.Time) error  { return f.conn.SetWriteDeadline(t) }
func (f *plainFilter) Close() error                        { return f.conn.Close() }

// tlsFilter runs the TLS record layer over the socket. The tls.Conn
// owns all reads and writes once created.
type tlsFilter struct {
	conn *tls.Conn
}

func (f *tlsFilter) Unwrap(dst []byte) (int, error)      { return f.conn.Read(dst) }
func (f *tlsFilter) Wrap(src []byte) (int, error)        { return f.conn.Write(src) }
func (f *tlsFilter) SetReadDeadline(t time.Time) error   { return f.conn.SetReadDeadline(t) }
func (f *tlsFilter) SetWriteDeadline(t time.Time) error  { return f.conn.SetWriteDeadline(t) }
func (f *tlsFilter) Close() error                        { return f.conn.Close() }

// newWireFilter builds the filter for a socket. isAcceptor selects the
// TLS server role. The TLS handshake itself runs lazily on first I/O.
func newWireFilter(conn net.Conn, cfg *Config, isAcceptor bool) wireFilter {
	if !cfg.UseSSL {
		return &plainFilter{conn: conn}
	}
	var tc *tls.Conn
	if isAcceptor {
		tc = tls.Server(conn, cfg.TLSConfig)
	} else {
		tc = tls.Client(conn, cfg.TLSConfig)
	}
	log.Debug().
		Str("remote", conn.RemoteAddr().String()).
		Bool("acceptor", isAcceptor).
		Msg("TLS filter created")
	return &tlsFilter{conn: tc}
}

// configureSocket applies the keep-alive, no-delay and buffer-size
// settings every conduit socket gets. The small size goes on the
// direction that only carries acks.
func configureSocket(conn net.Conn, cfg *Config, isReceiver bool) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetNoDelay(true)
	if isReceiver {
		_ = tcp.SetReadBuffer(cfg.TCPBufferSize)
		_ = tcp.SetWriteBuffer(cfg.SmallBufferSize)
	} else {
		_ = tcp.SetReadBuffer(cfg.SmallBufferSize)
		_ = tcp.SetWriteBuffer(cfg.TCPBufferSize)
	}
}
