package conduit

import (
	"time"

	"github.com/rs/zerolog/log"
)

// SetInUse marks a direct-ack transmission in flight (or finished).
// With inUse true and ackWait > 0, the ack-timeout monitor is armed:
// it fires every ackWait while the connection sits in SENDING or
// READING_ACK, suspecting the peer at the wait threshold and raising a
// fatal alert at wait+severe. group holds the sibling connections
// participating in the same logical send, whose timers are pushed back
// when one peer alerts severely so they don't all pile onto the same
// slow member.
func (c *Connection) SetInUse(inUse bool, startTime time.Time, ackWait, ackSevere time.Duration, group []*Connection) {
	if inUse {
		c.stateMu.Lock()
		c.transmissionStart = startTime
		c.ackWait = ackWait
		c.ackSevere = ackSevere
		c.ackGroup = group
		c.state = stateSending
		c.stateMu.Unlock()
		c.ackTimedOut.Store(false)
		c.socketInUse.Store(true)
		if ackWait > 0 {
			c.startAckTask(ackWait)
		}
		return
	}

	c.stopAckTask()
	c.stateMu.Lock()
	c.ackGroup = nil
	c.state = stateIdle
	c.stateMu.Unlock()
	c.socketInUse.Store(false)
}

// startAckTask arms the periodic monitor. A previous task is stopped
// first so each transmission gets a fresh cadence.
func (c *Connection) startAckTask(interval time.Duration) {
	c.stopAckTask()
	stop := make(chan struct{})
	c.stateMu.Lock()
	c.ackTaskStop = stop
	c.stateMu.Unlock()
	go c.runAckMonitor(interval, stop)
}

// stopAckTask cancels the monitor if armed.
func (c *Connection) stopAckTask() {
	c.stateMu.Lock()
	stop := c.ackTaskStop
	c.ackTaskStop = nil
	c.stateMu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Connection) runAckMonitor(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closedCh:
			return
		case <-ticker.C:
			c.checkAckTimeout()
		}
	}
}

// checkAckTimeout enforces the two thresholds. Severe alerts advance
// the sibling timers by the severe threshold; the wait threshold
// suspects the peer once, and only when a severe threshold is
// configured (without one, the wait alone is informational).
func (c *Connection) checkAckTimeout() {
	st := c.getState()
	if st != stateSending && st != stateReadingAck {
		return
	}

	c.stateMu.Lock()
	start := c.transmissionStart
	wait := c.ackWait
	severe := c.ackSevere
	group := append([]*Connection(nil), c.ackGroup...)
	c.stateMu.Unlock()

	if start.IsZero() || wait <= 0 {
		return
	}
	elapsed := time.Since(start)

	if severe > 0 && elapsed >= wait+severe {
		c.stats.IncAckSevereAlertThresholdExceeded()
		log.Error().
			Str("conn", c.name()).
			Str("member", c.RemoteID().String()).
			Dur("elapsed", elapsed).
			Dur("threshold", wait+severe).
			Msg("severe alert: no ack received; member may be hung")
		for _, peer := range group {
			if peer != c {
				peer.advanceTransmissionStart(severe)
			}
		}
		return
	}

	if elapsed >= wait && c.ackTimedOut.CompareAndSwap(false, true) {
		c.stats.IncAckWaitThresholdExceeded()
		log.Warn().
			Str("conn", c.name()).
			Str("member", c.RemoteID().String()).
			Dur("elapsed", elapsed).
			Dur("threshold", wait).
			Msg("ack wait threshold exceeded")
		if severe > 0 {
			c.membership.SuspectMember(c.RemoteID(), "no ack within ack-wait threshold")
		}
	}
}

// advanceTransmissionStart pushes this connection's ack clock forward,
// giving the member that just alerted severely time to be dealt with
// before siblings alert on it too.
func (c *Connection) advanceTransmissionStart(d time.Duration) {
	c.stateMu.Lock()
	if !c.transmissionStart.IsZero() {
		c.transmissionStart = c.transmissionStart.Add(d)
	}
	c.stateMu.Unlock()
}

// TransmissionStart exposes the ack clock for siblings and tests.
func (c *Connection) TransmissionStart() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transmissionStart
}

// AckTimedOut reports whether the wait threshold fired for the current
// transmission.
func (c *Connection) AckTimedOut() bool { return c.ackTimedOut.Load() }
