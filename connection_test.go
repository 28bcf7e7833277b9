package conduit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestCloseRejectsFurtherSends: after close returns, sends fail with
// ErrClosed from any caller.
func TestCloseRejectsFurtherSends(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEnv()
	near, far := net.Pipe()
	stop := drainPipe(far)
	defer stop()
	c := newPipeConnection(e, near, false, true, true)

	frame, err := FrameMessage(NormalMsgType, noMsgID, false, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, c.Send(frame, nil, nil))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(frame, nil, nil), ErrClosed)
	assert.ErrorIs(t, c.Send(frame, &SenderContext{IsReaderThread: true}, nil), ErrClosed)
}

// TestCloseTerminatesReader: the reader goroutine exits after a close
// requested by another goroutine.
func TestCloseTerminatesReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	startTestReader(c)

	// Let the reader park in its blocking read.
	time.Sleep(20 * time.Millisecond)
	c.closeConn("test close", closeOptions{beingSick: true})

	select {
	case <-c.readerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not terminate after close")
	}
}

// TestCloseIsIdempotent: the cascade runs once; repeats are no-ops.
func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, true)

	c.closeConn("first", closeOptions{})
	c.closeConn("second", closeOptions{})
	c.closeConn("third", closeOptions{beingSick: true})

	assert.True(t, c.closing.Load())
}

// TestCloseWakesHandshakeWaiter: a goroutine parked in
// waitForHandshake observes cancellation, not timeout, when the
// connection closes underneath it.
func TestCloseWakesHandshakeWaiter(t *testing.T) {
	e := newTestEnv()
	e.cfg.HandshakeTimeout = 10 * time.Second
	near, far := net.Pipe()
	defer far.Close()
	tbl := e.table(MemberID{Host: "127.0.0.1", Port: 1000})
	c := newConnection(tbl, near, false, true, true)

	errCh := make(chan error, 1)
	go func() { errCh <- c.waitForHandshake() }()

	time.Sleep(20 * time.Millisecond)
	c.closeConn("abandon handshake", closeOptions{})

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed during handshake")
	case <-time.After(2 * time.Second):
		t.Fatal("handshake waiter never woke")
	}
	// Cancellation, not completion: the two outcomes are exclusive.
	assert.False(t, c.HandshakeComplete())
	assert.Zero(t, e.mem.suspectCount())
}

// TestHandshakeTimeoutSuspectsPeer: the bounded wait expiring suspects
// the remote member.
func TestHandshakeTimeoutSuspectsPeer(t *testing.T) {
	e := newTestEnv()
	e.cfg.HandshakeTimeout = 50 * time.Millisecond
	near, far := net.Pipe()
	defer far.Close()
	tbl := e.table(MemberID{Host: "127.0.0.1", Port: 1000})
	c := newConnection(tbl, near, false, true, true)
	c.remoteID = MemberID{Host: "127.0.0.1", Port: 2000}
	defer c.closeConn("test done", closeOptions{})

	err := c.waitForHandshake()
	require.Error(t, err)
	assert.Equal(t, 1, e.mem.suspectCount())

	var te *timeoutError
	assert.ErrorAs(t, err, &te)
}

// TestSenderSemaphoreReentrancy: a context already holding a permit
// re-enters without consuming another.
func TestSenderSemaphoreReentrancy(t *testing.T) {
	e := newTestEnv()
	e.cfg.MaxConnectionSenders = 1
	near, far := net.Pipe()
	stop := drainPipe(far)
	defer stop()
	c := newPipeConnection(e, near, false, true, true)
	defer c.closeConn("test done", closeOptions{})

	sctx := &SenderContext{}
	require.NoError(t, c.acquireSendPermission(sctx))
	require.NoError(t, c.acquireSendPermission(sctx), "reentrant acquire must not block")
	c.releaseSendPermission(sctx)
	assert.Equal(t, 1, sctx.permitDepth, "outer hold still in place")
	c.releaseSendPermission(sctx)
	assert.Equal(t, 0, sctx.permitDepth)

	// Permit actually freed: a fresh context can take it.
	other := &SenderContext{}
	require.NoError(t, c.acquireSendPermission(other))
	c.releaseSendPermission(other)
}

// TestReaderContextBypassesSemaphore: with all permits taken, a reader
// context still gets through so acks can progress.
func TestReaderContextBypassesSemaphore(t *testing.T) {
	e := newTestEnv()
	e.cfg.MaxConnectionSenders = 1
	near, far := net.Pipe()
	stop := drainPipe(far)
	defer stop()
	c := newPipeConnection(e, near, false, true, true)
	defer c.closeConn("test done", closeOptions{})

	hog := &SenderContext{}
	require.NoError(t, c.acquireSendPermission(hog))
	defer c.releaseSendPermission(hog)

	frame, err := FrameMessage(NormalMsgType, noMsgID, false, []byte("ack"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Send(frame, &SenderContext{IsReaderThread: true}, nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader-context send blocked behind the semaphore")
	}
}

// TestAcquireSendPermissionFailsOnClose: blocked acquirers unblock
// with ErrClosed when the cascade runs.
func TestAcquireSendPermissionFailsOnClose(t *testing.T) {
	e := newTestEnv()
	e.cfg.MaxConnectionSenders = 1
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, true, true)

	hog := &SenderContext{}
	require.NoError(t, c.acquireSendPermission(hog))

	done := make(chan error, 1)
	go func() { done <- c.acquireSendPermission(&SenderContext{}) }()

	time.Sleep(20 * time.Millisecond)
	c.closeConn("test close", closeOptions{})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquirer never unblocked")
	}
}

func TestConnStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", stateIdle.String())
	assert.Equal(t, "SENDING", stateSending.String())
	assert.Equal(t, "POST_SENDING", statePostSending.String())
	assert.Equal(t, "READING_ACK", stateReadingAck.String())
	assert.Equal(t, "RECEIVED_ACK", stateReceivedAck.String())
	assert.Equal(t, "READING", stateReading.String())
}
