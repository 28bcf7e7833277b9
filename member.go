package conduit

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"
)

// MemberID identifies a cluster member by its conduit listening endpoint.
// The engine treats it as an opaque identity; equality is what matters
// for connection-table keys and membership queries.
type MemberID struct {
	Host string
	Port uint16
}

// String returns the member in host:port form.
func (m MemberID) String() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
}

// IsZero reports whether the identity has not been filled in yet.
// Acceptor connections carry a zero identity until the handshake is read.
func (m MemberID) IsZero() bool { return m.Host == "" && m.Port == 0 }

// marshalMember serializes the identity for the handshake frame:
// 2-byte host length, host bytes, 2-byte port.
func marshalMember(m MemberID) []byte {
	buf := make([]byte, 0, 4+len(m.Host))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(m.Host)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, m.Host...)
	binary.BigEndian.PutUint16(tmp[:], m.Port)
	buf = append(buf, tmp[:]...)
	return buf
}

// unmarshalMember parses an identity and returns the bytes consumed.
func unmarshalMember(buf []byte) (MemberID, int, error) {
	var m MemberID
	if len(buf) < 2 {
		return m, 0, fmt.Errorf("member identity truncated: %d bytes", len(buf))
	}
	hostLen := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+hostLen+2 {
		return m, 0, fmt.Errorf("member identity truncated: need %d bytes, have %d", 2+hostLen+2, len(buf))
	}
	m.Host = string(buf[2 : 2+hostLen])
	m.Port = binary.BigEndian.Uint16(buf[2+hostLen:])
	return m, 2 + hostLen + 2, nil
}

// Membership is the view this engine has of the membership service.
// The engine never maintains views itself; it only asks questions and
// reports suspicions.
type Membership interface {
	// MemberExists reports whether the member is in the current view.
	MemberExists(m MemberID) bool

	// IsShunned reports whether the member has been forcibly excluded.
	// Connections from shunned members are refused.
	IsShunned(m MemberID) bool

	// ShutdownInProgress reports whether the local member is going down.
	ShutdownInProgress() bool

	// AddSurpriseMember admits a member that connected before the view
	// caught up with it.
	AddSurpriseMember(m MemberID)

	// SuspectMember flags a member as possibly dead. Called on
	// handshake timeout and ack-wait expiry.
	SuspectMember(m MemberID, reason string)

	// RequestMemberRemoval asks for the member to be ejected from the
	// view. Returns false if the member was already gone.
	RequestMemberRemoval(m MemberID, reason string) bool

	// WaitForMembershipCheck blocks until the member has cleared the
	// secure-handshake membership check, or the timeout expires.
	// Only consulted when Config.SecureHandshake is set.
	WaitForMembershipCheck(m MemberID, timeout time.Duration) bool
}

// Message is an assembled inbound message handed to the dispatcher.
// The engine does not interpret the payload; serialization belongs to
// the message codec above this layer.
type Message struct {
	Payload []byte
	MsgID   uint16
	// DirectAck is set when the sender expects an inline reply on the
	// same socket. The dispatcher may clear responsibility for the ack
	// by returning false from AckResponsibility.
	DirectAck bool
}

// Dispatcher receives fully assembled inbound messages together with the
// connection they arrived on, which is needed to route direct-ack
// replies back over the same socket.
type Dispatcher interface {
	// MessageReceived delivers one assembled message. bytesRead is the
	// payload size of the message (summed over all chunks for a chunked
	// message), without frame headers, for accounting.
	MessageReceived(c *Connection, msg *Message, bytesRead int)

	// AckResponsibility reports whether a direct-ack reply should be
	// attempted for the sending member. Returning false (e.g. for a
	// shunned sender) makes the engine clear the direct-ack flag so no
	// reply is ever tried.
	AckResponsibility(sender MemberID) bool
}
