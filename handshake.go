package conduit

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Handshake reply codes sent by the acceptor.
const (
	// replyCodeOK acknowledges the handshake with no extra payload.
	replyCodeOK byte = 69
	// replyCodeOKWithAsyncInfo acknowledges and carries the acceptor's
	// async-queue parameters plus its product version.
	replyCodeOKWithAsyncInfo byte = 70
)

// handshakeInfo is everything an initiator tells an acceptor about the
// connection it is opening.
type handshakeInfo struct {
	member         MemberID
	sharedResource bool
	preserveOrder  bool
	uniqueID       uint64
	productVersion uint16
	// dominoCount is the hop counter: an acceptor seeing a count >= 1
	// on a thread-owned connection marks its own reader to prefer
	// thread-owned outbound sockets.
	dominoCount int32
}

// encodeHandshake builds the complete handshake frame: the 7-byte
// header (normal type, reserved message id) followed by the payload.
//
// Payload layout, all multi-byte fields big-endian:
//   - reserved byte, must be zero (rejects pre-versioning peers)
//   - handshake version byte
//   - serialized member identity
//   - sharedResource flag byte
//   - preserveOrder flag byte
//   - 64-bit unique connection id
//   - 16-bit product-version ordinal
//   - 32-bit domino count (sender's count + 1)
func encodeHandshake(hi handshakeInfo) ([]byte, error) {
	member := marshalMember(hi.member)

	payload := make([]byte, 0, 2+len(member)+2+8+2+4)
	payload = append(payload, 0x00, handshakeVersion)
	payload = append(payload, member...)
	payload = append(payload, boolByte(hi.sharedResource), boolByte(hi.preserveOrder))

	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], hi.uniqueID)
	payload = append(payload, tmp8[:]...)

	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], hi.productVersion)
	payload = append(payload, tmp2[:]...)

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(hi.dominoCount))
	payload = append(payload, tmp4[:]...)

	frame := make([]byte, msgHeaderBytes+len(payload))
	if err := encodeMsgHeader(frame, NormalMsgType, noMsgID, len(payload)); err != nil {
		return nil, err
	}
	copy(frame[msgHeaderBytes:], payload)
	return frame, nil
}

// decodeHandshake parses an initiator's handshake payload.
func decodeHandshake(payload []byte) (handshakeInfo, error) {
	var hi handshakeInfo
	if len(payload) < 2 {
		return hi, &ProtocolError{Reason: "handshake frame truncated"}
	}
	if payload[0] != 0x00 {
		return hi, &ProtocolError{Reason: fmt.Sprintf(
			"handshake reserved byte is 0x%02x; peer is running incompatible pre-versioning software", payload[0])}
	}
	if payload[1] != handshakeVersion {
		return hi, &ProtocolError{Reason: fmt.Sprintf(
			"handshake version mismatch: expected %d, got %d", handshakeVersion, payload[1])}
	}

	member, n, err := unmarshalMember(payload[2:])
	if err != nil {
		return hi, &ProtocolError{Reason: err.Error()}
	}
	rest := payload[2+n:]
	if len(rest) < 2+8+2+4 {
		return hi, &ProtocolError{Reason: "handshake frame truncated after member identity"}
	}

	hi.member = member
	hi.sharedResource = rest[0] != 0
	hi.preserveOrder = rest[1] != 0
	hi.uniqueID = binary.BigEndian.Uint64(rest[2:])
	hi.productVersion = binary.BigEndian.Uint16(rest[10:])
	hi.dominoCount = int32(binary.BigEndian.Uint32(rest[12:]))
	return hi, nil
}

// asyncInfo is the acceptor's queueing configuration, scaled to engine
// units by the initiator on receipt.
type asyncInfo struct {
	distributionTimeout time.Duration
	queueTimeout        time.Duration
	maxQueueSize        int64 // bytes
}

// encodeHandshakeReply builds the acceptor's reply frame. When ai is
// nil the reply is the single OK code; otherwise it carries the three
// async parameters (timeouts in milliseconds, queue ceiling in
// megabytes) followed by the acceptor's product version.
func encodeHandshakeReply(ai *asyncInfo, productVersion uint16) ([]byte, error) {
	var payload []byte
	if ai == nil {
		payload = []byte{replyCodeOK}
	} else {
		payload = make([]byte, 1+4+4+4+2)
		payload[0] = replyCodeOKWithAsyncInfo
		binary.BigEndian.PutUint32(payload[1:], uint32(ai.distributionTimeout/time.Millisecond))
		binary.BigEndian.PutUint32(payload[5:], uint32(ai.queueTimeout/time.Millisecond))
		binary.BigEndian.PutUint32(payload[9:], uint32(ai.maxQueueSize>>20))
		binary.BigEndian.PutUint16(payload[13:], productVersion)
	}

	frame := make([]byte, msgHeaderBytes+len(payload))
	if err := encodeMsgHeader(frame, NormalMsgType, noMsgID, len(payload)); err != nil {
		return nil, err
	}
	copy(frame[msgHeaderBytes:], payload)
	return frame, nil
}

// decodeHandshakeReply parses the acceptor's reply payload. The async
// parameters come back nil for a plain OK. Megabytes scale to bytes
// here, on the initiator.
func decodeHandshakeReply(payload []byte) (*asyncInfo, uint16, error) {
	if len(payload) < 1 {
		return nil, 0, &ProtocolError{Reason: "empty handshake reply"}
	}
	switch payload[0] {
	case replyCodeOK:
		return nil, 0, nil
	case replyCodeOKWithAsyncInfo:
		if len(payload) < 1+4+4+4+2 {
			return nil, 0, &ProtocolError{Reason: "handshake reply truncated"}
		}
		ai := &asyncInfo{
			distributionTimeout: time.Duration(binary.BigEndian.Uint32(payload[1:])) * time.Millisecond,
			queueTimeout:        time.Duration(binary.BigEndian.Uint32(payload[5:])) * time.Millisecond,
			maxQueueSize:        int64(binary.BigEndian.Uint32(payload[9:])) << 20,
		}
		ver := binary.BigEndian.Uint16(payload[13:])
		return ai, ver, nil
	default:
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("unknown handshake reply code %d", payload[0])}
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
