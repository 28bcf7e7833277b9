package conduit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIdleReaperClosesUnusedConnection: a connection that sits unused
// through a full idle window closes for reconnect.
func TestIdleReaperClosesUnusedConnection(t *testing.T) {
	e := newTestEnv()
	e.cfg.IdleTimeout = 50 * time.Millisecond
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, true)
	defer c.closeConn("test done", closeOptions{})

	c.accessed.Store(false)
	c.startIdleTask()

	require.Eventually(t, func() bool { return c.closing.Load() },
		time.Second, 10*time.Millisecond)
}

// TestIdleReaperSparesActiveConnection: the accessed flag buys another
// window each time the probe finds it set.
func TestIdleReaperSparesActiveConnection(t *testing.T) {
	e := newTestEnv()
	e.cfg.IdleTimeout = 60 * time.Millisecond
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, true)
	defer c.closeConn("test done", closeOptions{})

	c.startIdleTask()
	for i := 0; i < 5; i++ {
		c.accessed.Store(true)
		time.Sleep(40 * time.Millisecond)
		if c.closing.Load() {
			t.Fatal("active connection was reaped")
		}
	}

	// Stop touching it; now it may go.
	require.Eventually(t, func() bool { return c.closing.Load() },
		time.Second, 10*time.Millisecond)
}

// TestIdleReaperExemptsFailureDetectionChannel: shared unordered
// connections are the membership failure-detection channel and must
// survive quiet periods.
func TestIdleReaperExemptsFailureDetectionChannel(t *testing.T) {
	e := newTestEnv()
	e.cfg.IdleTimeout = 30 * time.Millisecond
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, false) // shared, unordered
	defer c.closeConn("test done", closeOptions{})

	c.startIdleTask()
	assert.Nil(t, c.idleTimer, "no idle task for shared unordered connections")

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.closing.Load())
}

// TestIdleReaperSparesSocketInUse: a connection mid direct-ack read is
// never reaped even with the accessed flag clear.
func TestIdleReaperSparesSocketInUse(t *testing.T) {
	e := newTestEnv()
	e.cfg.IdleTimeout = 30 * time.Millisecond
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, true)
	defer c.closeConn("test done", closeOptions{})

	c.socketInUse.Store(true)
	c.accessed.Store(false)
	c.startIdleTask()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.closing.Load())
}
