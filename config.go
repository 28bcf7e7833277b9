package conduit

import (
	"crypto/tls"
	"time"
)

// Defaults for Config fields. Values mirror the knobs the engine has
// always shipped with; see each Config field for meaning.
const (
	// DefaultTCPBufferSize sizes socket send/receive buffers and the
	// pooled input buffer of each reader.
	DefaultTCPBufferSize = 32768

	// DefaultSmallBufferSize is used for the uninteresting direction of
	// a socket: the send buffer of a receiver and the receive buffer of
	// a sender, which only ever carry acks.
	DefaultSmallBufferSize = 4096

	// DefaultMemberTimeout is the baseline failure-detection period.
	// The connect timeout defaults to six times this value.
	DefaultMemberTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the wait for handshake completion
	// on both sides.
	DefaultHandshakeTimeout = 59 * time.Second

	// DefaultMaxConnectionSenders is the number of application senders
	// admitted to one connection's write path at a time. Reader
	// goroutines bypass the limit so acks can always progress.
	DefaultMaxConnectionSenders = 8

	// DefaultReconnectWaitTime is the pause between sender-side connect
	// retries.
	DefaultReconnectWaitTime = 2 * time.Second

	// DefaultIdleTimeout is how long a connection may go unused before
	// the idle reaper closes it for reconnect.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultBatchBufferSize and DefaultBatchFlushInterval configure the
	// batch flusher. Batching ships disabled; the async queue is the
	// supported aggregation path.
	DefaultBatchBufferSize    = 8192
	DefaultBatchFlushInterval = 50 * time.Millisecond
)

// Config is the immutable engine-wide configuration, fixed at
// construction. There are no process-wide mutable settings; test-only
// behavior lives in TestHooks.
type Config struct {
	// TCPBufferSize sets SO_SNDBUF / SO_RCVBUF on the interesting
	// direction of each socket and sizes pooled input buffers.
	TCPBufferSize int

	// SmallBufferSize sets the socket buffer for the direction that
	// only carries acks.
	SmallBufferSize int

	// MemberTimeout is the failure-detection baseline.
	MemberTimeout time.Duration

	// ConnectTimeout bounds a single connect attempt. Zero means
	// 6 * MemberTimeout.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the wait for handshake completion. On
	// expiry the waiter asks membership to suspect the peer and closes
	// the socket.
	HandshakeTimeout time.Duration

	// MaxConnectionSenders is the sender-semaphore permit count.
	MaxConnectionSenders int

	// AsyncDistributionTimeout is the longest a writer may spin on a
	// non-draining socket before handing the remainder to the queue.
	// Zero disables async-queued mode entirely: all writes block.
	AsyncDistributionTimeout time.Duration

	// AsyncQueueTimeout is the longest the pusher may sit on a
	// non-draining queue before the receiver is declared slow.
	AsyncQueueTimeout time.Duration

	// AsyncMaxQueueSize is the backpressure ceiling in bytes; exceeding
	// it declares the receiver slow.
	AsyncMaxQueueSize int64

	// AckWaitThreshold is how long an in-flight direct-ack send may go
	// unanswered before the peer is suspected. The engine does not read
	// this field: the ack-timeout monitor uses the wait threshold passed
	// to Connection.SetInUse, and a zero value there leaves it unarmed.
	AckWaitThreshold time.Duration

	// AckSevereAlertThreshold is the additional time after the wait
	// threshold before a fatal alert is logged and sibling connection
	// timers are reset. The engine does not read this field either; the
	// monitor uses the severe threshold passed to Connection.SetInUse.
	AckSevereAlertThreshold time.Duration

	// IdleTimeout is the unused-connection window checked by the idle
	// reaper. Shared unordered connections are exempt.
	IdleTimeout time.Duration

	// ReconnectWaitTime is the base pause between connect retries; the
	// sender backs off from it with jitter.
	ReconnectWaitTime time.Duration

	// UseSSL selects the TLS wire filter. TLSConfig must then be set;
	// key management is entirely the caller's concern.
	UseSSL    bool
	TLSConfig *tls.Config

	// SecureHandshake makes the acceptor block its handshake reply
	// until membership confirms the remote has cleared its check.
	// Enabled when an authenticator is configured.
	SecureHandshake bool

	// BatchSends enables the batch flusher. Known-deficient path; off
	// by default, superseded by the async queue.
	BatchSends         bool
	BatchBufferSize    int
	BatchFlushInterval time.Duration

	// ProductVersion is the ordinal exchanged during handshake so each
	// side knows what the peer is running.
	ProductVersion uint16
}

// TestHooks carries behavior only tests reach for. A nil *TestHooks is
// always valid.
type TestHooks struct {
	// ForceAsyncQueue makes every async-mode write take the queued path
	// immediately, without spinning on the socket first.
	ForceAsyncQueue bool

	// SickMode makes the close cascade close the socket inline instead
	// of through the background closer, so tests can observe the close
	// synchronously.
	SickMode bool
}

// DefaultConfig returns the configuration the engine ships with.
// Async-queued mode is off (AsyncDistributionTimeout zero) until the
// caller opts in.
func DefaultConfig() *Config {
	return &Config{
		TCPBufferSize:        DefaultTCPBufferSize,
		SmallBufferSize:      DefaultSmallBufferSize,
		MemberTimeout:        DefaultMemberTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		MaxConnectionSenders: DefaultMaxConnectionSenders,
		IdleTimeout:          DefaultIdleTimeout,
		ReconnectWaitTime:    DefaultReconnectWaitTime,
		BatchBufferSize:      DefaultBatchBufferSize,
		BatchFlushInterval:   DefaultBatchFlushInterval,
		ProductVersion:       1,
	}
}

// connectTimeout resolves the effective connect timeout.
func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 6 * c.MemberTimeout
}

func (c *Config) forceAsyncQueue(h *TestHooks) bool {
	return h != nil && h.ForceAsyncQueue
}
