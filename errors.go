package conduit

import (
	"errors"
	"io"
	"strings"
)

// ErrClosed is returned by send operations once the connection's close
// cascade has started. The remote side may re-dial.
var ErrClosed = errors.New("connection closed")

// ErrShuttingDown is returned when the membership layer reports that a
// local shutdown is in progress and no new connections may be formed.
var ErrShuttingDown = errors.New("shutdown in progress")

// ConnectionError wraps a failure on an established connection with the
// operation that hit it. Callers use errors.Is / errors.As through it.
type ConnectionError struct {
	Op     string // "write", "read ack", "handshake", ...
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	s := "conduit " + e.Op + ": " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError indicates a framing or handshake violation: bad version,
// illegal message type, oversize frame, or a malformed handshake. A
// protocol error always results in a fatal close of the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// timeoutError satisfies net.Error for deadline expiry surfaced by
// ReadAck and handshake waits.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// ignorable OS-level signatures of a peer that went away. Failures that
// match are logged at debug level only; everything is handled by the
// close-for-reconnect path either way.
var ignorableSignatures = []string{
	"forcibly closed",
	"reset by peer",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
}

// isIgnorableIOError reports whether err is an expected symptom of the
// remote endpoint closing or resetting the socket.
func isIgnorableIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, sig := range ignorableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
