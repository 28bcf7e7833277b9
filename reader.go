package conduit

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// runReader is the dedicated reader for one connection. It drives the
// blocking read loop, frames messages out of the input buffer, and
// either dispatches them or feeds the chunk accumulators.
//
// A sender's reader runs in handshake-only mode: it exits as soon as
// the handshake reply is processed, leaving the socket's read side to
// the direct-ack path.
func (c *Connection) runReader(handshakeOnly bool) {
	defer close(c.readerDone)

	c.inBufMu.Lock()
	if c.inBuf == nil {
		c.inBuf = c.pool.Acquire(c.cfg.TCPBufferSize)
	}
	c.inBufMu.Unlock()

	_ = c.wf.SetReadDeadline(time.Time{})

	var hdr msgHeader
	lengthSet := false

	for {
		if c.stopped.Load() {
			return
		}

		c.setState(stateReading)
		n, err := c.wf.Unwrap(c.inBuf[c.inLen:])
		c.setState(stateIdle)
		if n > 0 {
			c.inLen += n
		}
		if err != nil {
			if c.stopped.Load() || c.closing.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				c.requestCloseFromReader("EOF on socket", err)
				return
			}
			c.requestCloseFromReader("read failure", err)
			return
		}

		done, perr := c.processInputBuffer(&hdr, &lengthSet, handshakeOnly)
		if perr != nil {
			c.requestCloseFromReader("protocol error", perr)
			return
		}
		if done {
			// Handshake reply processed; the sender's reader has no
			// further business on this socket.
			return
		}
	}
}

// processInputBuffer frames complete messages out of the input buffer.
// It decodes a header once seven bytes are available, waits for the
// full payload, handles the frame, then compacts the buffer and goes
// again. Incomplete frames leave state in hdr/lengthSet for the next
// read to continue.
func (c *Connection) processInputBuffer(hdr *msgHeader, lengthSet *bool, handshakeOnly bool) (bool, error) {
	for {
		if !*lengthSet {
			if c.inLen < msgHeaderBytes {
				return false, nil
			}
			h, err := decodeMsgHeader(c.inBuf)
			if err != nil {
				return false, err
			}
			*hdr = h
			*lengthSet = true
			if need := msgHeaderBytes + h.payloadLen; need > len(c.inBuf) {
				c.growInputBuffer(need)
			}
		}

		total := msgHeaderBytes + hdr.payloadLen
		if c.inLen < total {
			return false, nil
		}

		payload := c.inBuf[msgHeaderBytes:total]
		done, err := c.handleFrame(*hdr, payload, handshakeOnly)

		copy(c.inBuf, c.inBuf[total:c.inLen])
		c.inLen -= total
		*lengthSet = false

		if err != nil || done {
			return done, err
		}
	}
}

// growInputBuffer swaps the pooled input buffer for one large enough to
// hold an entire frame, preserving buffered bytes.
func (c *Connection) growInputBuffer(need int) {
	bigger := c.pool.Acquire(need)
	bigger = bigger[:cap(bigger)]
	copy(bigger, c.inBuf[:c.inLen])
	c.inBufMu.Lock()
	old := c.inBuf
	c.inBuf = bigger
	c.inBufMu.Unlock()
	c.pool.Release(old)
}

// handleFrame routes one complete frame. The first frame on an
// unhandshaken connection is the handshake itself (acceptor) or the
// handshake reply (initiator); everything after that is message
// traffic.
func (c *Connection) handleFrame(hdr msgHeader, payload []byte, handshakeOnly bool) (bool, error) {
	if !c.HandshakeComplete() {
		if handshakeOnly {
			if err := c.processHandshakeReply(payload); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, c.processAcceptorHandshake(payload)
	}

	switch hdr.msgType {
	case NormalMsgType:
		c.dispatchMessage(&Message{
			Payload:   append([]byte(nil), payload...),
			MsgID:     hdr.msgID,
			DirectAck: hdr.directAck,
		}, len(payload))
		return false, nil

	case ChunkedMsgType:
		c.destreamerFor(hdr.msgID).addChunk(payload, hdr.directAck)
		return false, nil

	case EndChunkedMsgType:
		d := c.destreamerFor(hdr.msgID)
		d.addChunk(payload, hdr.directAck)
		wire := d.wireBytes
		msg := d.assemble()
		c.dropDestreamer(hdr.msgID)
		c.dispatchMessage(msg, wire)
		return false, nil

	default:
		// decodeMsgHeader validated the type already.
		return false, &ProtocolError{Reason: "unreachable message type"}
	}
}

// dispatchMessage hands an assembled message to the upstream
// dispatcher together with this connection, so direct-ack replies can
// be routed back over the same socket. If the dispatcher refuses ack
// responsibility (e.g. a shunned sender) the flag is cleared so no
// reply is ever attempted.
func (c *Connection) dispatchMessage(msg *Message, bytesRead int) {
	if msg.DirectAck && !c.dispatcher.AckResponsibility(c.RemoteID()) {
		log.Debug().
			Str("conn", c.name()).
			Msg("dispatcher refused ack responsibility, clearing direct-ack flag")
		msg.DirectAck = false
	}
	c.accessed.Store(true)
	c.messagesReceived.Add(1)
	c.stats.IncReceivedMessages(bytesRead)
	c.dispatcher.MessageReceived(c, msg, bytesRead)
}

func (c *Connection) destreamerFor(msgID uint16) *msgDestreamer {
	c.destreamMu.Lock()
	defer c.destreamMu.Unlock()
	d, ok := c.destreamers[msgID]
	if !ok {
		d = newMsgDestreamer(msgID)
		c.destreamers[msgID] = d
	}
	return d
}

func (c *Connection) dropDestreamer(msgID uint16) {
	c.destreamMu.Lock()
	delete(c.destreamers, msgID)
	c.destreamMu.Unlock()
}

// processAcceptorHandshake runs the acceptor side of the handshake:
// validate, learn the peer's identity and disciplines, apply the
// domino rule, gate on the secure membership check when configured,
// and send the reply.
func (c *Connection) processAcceptorHandshake(payload []byte) error {
	hi, err := decodeHandshake(payload)
	if err != nil {
		return err
	}

	if c.membership.IsShunned(hi.member) {
		log.Warn().
			Str("member", hi.member.String()).
			Msg("refusing connection from shunned member")
		return &ConnectionError{Op: "handshake", Reason: "member " + hi.member.String() + " is shunned"}
	}

	c.handshakeMu.Lock()
	c.remoteID = hi.member
	c.remoteVersion = hi.productVersion
	c.sharedResource = hi.sharedResource
	c.preserveOrder = hi.preserveOrder
	c.uniqueID = hi.uniqueID
	c.handshakeMu.Unlock()

	// Domino rule: a thread-owned connection whose initiator already
	// sits on a domino chain makes this reader's outbound sends prefer
	// thread-owned sockets too.
	if hi.dominoCount >= 1 && !hi.sharedResource {
		c.readerDomino.Store(hi.dominoCount)
	}

	if !c.membership.MemberExists(hi.member) {
		c.membership.AddSurpriseMember(hi.member)
	}

	if c.cfg.SecureHandshake {
		if !c.membership.WaitForMembershipCheck(hi.member, c.cfg.HandshakeTimeout) {
			c.stats.IncHandshakeTimeouts()
			return &ConnectionError{Op: "handshake", Reason: "membership check did not clear for " + hi.member.String(), Err: &timeoutError{}}
		}
	}

	var ai *asyncInfo
	if c.cfg.AsyncDistributionTimeout > 0 {
		ai = &asyncInfo{
			distributionTimeout: c.cfg.AsyncDistributionTimeout,
			queueTimeout:        c.cfg.AsyncQueueTimeout,
			maxQueueSize:        c.cfg.AsyncMaxQueueSize,
		}
	}
	reply, err := encodeHandshakeReply(ai, c.cfg.ProductVersion)
	if err != nil {
		return err
	}
	if err := c.writeSync(reply); err != nil {
		return err
	}

	c.setHandshakeRead()
	c.startIdleTask()

	log.Info().
		Str("conn", c.name()).
		Int32("dominoCount", hi.dominoCount).
		Uint16("remoteVersion", hi.productVersion).
		Msg("accepted handshake")
	return nil
}

// processHandshakeReply runs the initiator side: absorb the acceptor's
// async parameters (a plain OK means the acceptor queues nothing and
// this sender must not either) and wake the handshake waiter.
func (c *Connection) processHandshakeReply(payload []byte) error {
	ai, ver, err := decodeHandshakeReply(payload)
	if err != nil {
		return err
	}
	if ai != nil {
		c.asyncDistTimeout = ai.distributionTimeout
		c.asyncQueueTimeout = ai.queueTimeout
		c.asyncMaxQueueSize = ai.maxQueueSize
	} else {
		c.asyncDistTimeout = 0
	}
	c.handshakeMu.Lock()
	c.remoteVersion = ver
	c.handshakeMu.Unlock()

	c.setHandshakeRead()
	log.Debug().
		Str("conn", c.name()).
		Uint16("remoteVersion", ver).
		Bool("asyncInfo", ai != nil).
		Msg("handshake reply processed")
	return nil
}

// ReadAck reads one inline reply off the socket after a direct-ack
// send. The reply is returned to the caller directly instead of going
// through the dispatch pipeline: the peer already proved itself part
// of the view when the send went out, so the membership and
// serialization checks of general dispatch are deliberately skipped.
//
// Only valid on the initiator after its handshake reader has exited;
// the input buffer is borrowed under socketInUse for the duration.
func (c *Connection) ReadAck(timeout time.Duration) (*Message, error) {
	if c.isReceiver {
		return nil, &ConnectionError{Op: "read ack", Reason: "acks are read on sender connections only"}
	}
	if c.closing.Load() {
		return nil, ErrClosed
	}

	c.socketInUse.Store(true)
	defer c.socketInUse.Store(false)

	c.setState(statePostSending)
	c.setState(stateReadingAck)
	defer c.setState(stateReceivedAck)

	if timeout > 0 {
		_ = c.wf.SetReadDeadline(time.Now().Add(timeout))
		defer c.wf.SetReadDeadline(time.Time{})
	}

	c.inBufMu.Lock()
	if c.inBuf == nil {
		c.inBuf = c.pool.Acquire(c.cfg.TCPBufferSize)
	}
	c.inBufMu.Unlock()

	var hdr msgHeader
	lengthSet := false
	for {
		msg, progress, err := c.stepAckFrame(&hdr, &lengthSet)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			c.accessed.Store(true)
			return msg, nil
		}
		if progress {
			continue
		}

		n, err := c.wf.Unwrap(c.inBuf[c.inLen:])
		if n > 0 {
			c.inLen += n
		}
		if err != nil {
			if c.closing.Load() {
				return nil, ErrClosed
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, &ConnectionError{Op: "read ack", Reason: "ack not received in time", Err: &timeoutError{}}
			}
			if errors.Is(err, io.EOF) {
				c.requestClose("EOF while reading ack", err, false)
				return nil, &ConnectionError{Op: "read ack", Reason: "socket closed while awaiting ack", Err: err}
			}
			return nil, &ConnectionError{Op: "read ack", Reason: "socket failure while awaiting ack", Err: err}
		}
	}
}

// stepAckFrame consumes at most one complete frame from the input
// buffer for the direct-ack reader. It returns the assembled reply
// when a normal frame or a final chunk completes one, or
// progress=false when more bytes are needed.
func (c *Connection) stepAckFrame(hdr *msgHeader, lengthSet *bool) (*Message, bool, error) {
	if !*lengthSet {
		if c.inLen < msgHeaderBytes {
			return nil, false, nil
		}
		h, err := decodeMsgHeader(c.inBuf)
		if err != nil {
			return nil, false, err
		}
		*hdr = h
		*lengthSet = true
		if need := msgHeaderBytes + h.payloadLen; need > len(c.inBuf) {
			c.growInputBuffer(need)
		}
	}

	total := msgHeaderBytes + hdr.payloadLen
	if c.inLen < total {
		return nil, false, nil
	}
	payload := c.inBuf[msgHeaderBytes:total]

	var msg *Message
	switch hdr.msgType {
	case NormalMsgType:
		msg = &Message{
			Payload:   append([]byte(nil), payload...),
			MsgID:     hdr.msgID,
			DirectAck: hdr.directAck,
		}
	case ChunkedMsgType:
		c.destreamerFor(hdr.msgID).addChunk(payload, hdr.directAck)
	case EndChunkedMsgType:
		d := c.destreamerFor(hdr.msgID)
		d.addChunk(payload, hdr.directAck)
		msg = d.assemble()
		c.dropDestreamer(hdr.msgID)
	}

	copy(c.inBuf, c.inBuf[total:c.inLen])
	c.inLen -= total
	*lengthSet = false
	return msg, true, nil
}
