package conduit

import (
	"github.com/valyala/bytebufferpool"
)

// msgDestreamer accumulates the chunks of one logical message, keyed by
// the 16-bit message id from the frame header. Chunks arrive strictly
// in wire order on a single connection, so accumulation is plain
// append; the final chunk triggers assembly.
type msgDestreamer struct {
	msgID     uint16
	buf       *bytebufferpool.ByteBuffer
	chunks    int
	wireBytes int
	directAck bool
}

func newMsgDestreamer(msgID uint16) *msgDestreamer {
	return &msgDestreamer{
		msgID: msgID,
		buf:   chunkBuffers.Get(),
	}
}

// addChunk appends one chunk's payload. The direct-ack flag of the
// final chunk governs the assembled message.
func (d *msgDestreamer) addChunk(payload []byte, directAck bool) {
	d.buf.Write(payload)
	d.chunks++
	d.wireBytes += len(payload)
	d.directAck = directAck
}

// size returns the accumulated payload length so far.
func (d *msgDestreamer) size() int { return d.buf.Len() }

// assemble produces the logical message and releases the accumulator.
// The destreamer must not be used afterwards.
func (d *msgDestreamer) assemble() *Message {
	payload := make([]byte, d.buf.Len())
	copy(payload, d.buf.B)
	msg := &Message{
		Payload:   payload,
		MsgID:     d.msgID,
		DirectAck: d.directAck,
	}
	d.release()
	return msg
}

// release drops the accumulator without assembling. Used by the close
// cascade for in-flight chunked messages.
func (d *msgDestreamer) release() {
	if d.buf != nil {
		chunkBuffers.Put(d.buf)
		d.buf = nil
	}
}
