package conduit

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestReader runs the reader loop for a pipe-backed connection.
func startTestReader(c *Connection) {
	c.readerStarted.Store(true)
	go c.runReader(false)
}

func writeFrame(t *testing.T, sock net.Conn, msgType byte, msgID uint16, directAck bool, payload []byte) {
	t.Helper()
	frame, err := FrameMessage(msgType, msgID, directAck, payload)
	require.NoError(t, err)
	_, err = sock.Write(frame)
	require.NoError(t, err)
}

func TestReaderDispatchesNormalMessage(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	writeFrame(t, far, NormalMsgType, noMsgID, false, []byte("hello grid"))

	r := e.disp.next(t, time.Second)
	assert.Equal(t, []byte("hello grid"), r.msg.Payload)
	assert.Equal(t, 10, r.bytesRead)
	assert.False(t, r.msg.DirectAck)
	assert.Same(t, c, r.conn)
}

// TestReaderAssemblesChunks: three frames (chunk, chunk, final) with
// the same id dispatch exactly one assembled message, in order.
func TestReaderAssemblesChunks(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	part1 := make([]byte, 1000)
	part2 := make([]byte, 1000)
	part3 := make([]byte, 500)
	for i := range part1 {
		part1[i] = 1
	}
	for i := range part2 {
		part2[i] = 2
	}
	for i := range part3 {
		part3[i] = 3
	}

	writeFrame(t, far, ChunkedMsgType, 42, false, part1)
	writeFrame(t, far, ChunkedMsgType, 42, false, part2)
	writeFrame(t, far, EndChunkedMsgType, 42, false, part3)

	r := e.disp.next(t, time.Second)
	require.Len(t, r.msg.Payload, 2500)
	assert.Equal(t, 2500, r.bytesRead)
	assert.Equal(t, uint16(42), r.msg.MsgID)
	assert.Equal(t, byte(1), r.msg.Payload[0])
	assert.Equal(t, byte(2), r.msg.Payload[1500])
	assert.Equal(t, byte(3), r.msg.Payload[2400])

	select {
	case extra := <-e.disp.ch:
		t.Fatalf("unexpected second dispatch: %v", extra.msg.MsgID)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestReaderInterleavedChunks: chunks for two ids interleave on the
// wire and still assemble separately.
func TestReaderInterleavedChunks(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	writeFrame(t, far, ChunkedMsgType, 1, false, []byte("aa"))
	writeFrame(t, far, ChunkedMsgType, 2, false, []byte("bb"))
	writeFrame(t, far, EndChunkedMsgType, 1, false, []byte("AA"))
	writeFrame(t, far, EndChunkedMsgType, 2, false, []byte("BB"))

	first := e.disp.next(t, time.Second)
	second := e.disp.next(t, time.Second)
	assert.Equal(t, []byte("aaAA"), first.msg.Payload)
	assert.Equal(t, []byte("bbBB"), second.msg.Payload)
}

// TestReaderClearsRefusedDirectAck: when the dispatcher declines ack
// responsibility the flag is cleared before delivery.
func TestReaderClearsRefusedDirectAck(t *testing.T) {
	e := newTestEnv()
	e.disp.refuseAck.Store(true)
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	writeFrame(t, far, NormalMsgType, noMsgID, true, []byte("needs ack"))

	r := e.disp.next(t, time.Second)
	assert.False(t, r.msg.DirectAck)
}

// TestReaderVersionMismatchCloses: a frame with the wrong version in
// the length word is fatal.
func TestReaderVersionMismatchCloses(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	bad := make([]byte, msgHeaderBytes)
	binary.BigEndian.PutUint32(bad, uint32(6)<<24|10)
	bad[4] = NormalMsgType
	_, err := far.Write(bad)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.closing.Load() },
		time.Second, 10*time.Millisecond, "connection should close on version mismatch")
}

// TestReaderEOFCloses: remote hangup triggers close-for-reconnect.
func TestReaderEOFCloses(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	_ = far.Close()

	require.Eventually(t, func() bool { return c.closing.Load() },
		time.Second, 10*time.Millisecond)
	select {
	case <-c.readerDone:
	case <-time.After(time.Second):
		t.Fatal("reader did not exit after EOF")
	}
}

// TestReaderLargeFrameGrowsBuffer: a payload bigger than the pooled
// input buffer still arrives whole.
func TestReaderLargeFrameGrowsBuffer(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, true, true, true)
	defer c.closeConn("test done", closeOptions{})
	startTestReader(c)

	big := make([]byte, e.cfg.TCPBufferSize*2+13)
	for i := range big {
		big[i] = byte(i % 251)
	}
	go writeFrame(t, far, NormalMsgType, noMsgID, false, big)

	r := e.disp.next(t, 2*time.Second)
	assert.Equal(t, big, r.msg.Payload)
}

func TestReadAckNormalReply(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, false, true)
	defer c.closeConn("test done", closeOptions{})

	go writeFrame(t, far, NormalMsgType, noMsgID, false, []byte("ack!"))

	msg, err := c.ReadAck(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack!"), msg.Payload)
	assert.Equal(t, stateReceivedAck, c.getState())
}

// TestReadAckChunkedReply: a chunked reply accumulates through the
// per-id destreamer until the final chunk.
func TestReadAckChunkedReply(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, false, true)
	defer c.closeConn("test done", closeOptions{})

	go func() {
		writeFrame(t, far, ChunkedMsgType, 9, false, []byte("part-"))
		writeFrame(t, far, EndChunkedMsgType, 9, false, []byte("done"))
	}()

	msg, err := c.ReadAck(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("part-done"), msg.Payload)
}

// TestReadAckTimeout: no reply surfaces as a timeout the caller can
// classify.
func TestReadAckTimeout(t *testing.T) {
	e := newTestEnv()
	near, far := net.Pipe()
	defer far.Close()
	c := newPipeConnection(e, near, false, false, true)
	defer c.closeConn("test done", closeOptions{})

	_, err := c.ReadAck(50 * time.Millisecond)
	require.Error(t, err)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	var te *timeoutError
	assert.ErrorAs(t, err, &te)
}
