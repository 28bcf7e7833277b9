package conduit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the sink for engine counters. Implementations must be safe
// for concurrent use from readers, writers, pushers and timer tasks.
type Stats interface {
	IncSentMessages(bytes int)
	IncReceivedMessages(bytes int)

	IncAsyncQueuedMsgs()
	IncAsyncDequeuedMsgs()
	IncAsyncConflatedMsgs()
	AddAsyncQueueSize(deltaBytes int64)
	IncAsyncDistributionTimeoutExceeded()
	IncAsyncQueueTimeouts()

	IncAckWaitThresholdExceeded()
	IncAckSevereAlertThresholdExceeded()

	IncConnectionsOpened()
	IncConnectionsClosed()
	IncHandshakeTimeouts()
}

// NopStats discards everything. Useful for tests and embedders that
// bring their own accounting.
type NopStats struct{}

func (NopStats) IncSentMessages(int)                     {}
func (NopStats) IncReceivedMessages(int)                 {}
func (NopStats) IncAsyncQueuedMsgs()                     {}
func (NopStats) IncAsyncDequeuedMsgs()                   {}
func (NopStats) IncAsyncConflatedMsgs()                  {}
func (NopStats) AddAsyncQueueSize(int64)                 {}
func (NopStats) IncAsyncDistributionTimeoutExceeded()    {}
func (NopStats) IncAsyncQueueTimeouts()                  {}
func (NopStats) IncAckWaitThresholdExceeded()            {}
func (NopStats) IncAckSevereAlertThresholdExceeded()     {}
func (NopStats) IncConnectionsOpened()                   {}
func (NopStats) IncConnectionsClosed()                   {}
func (NopStats) IncHandshakeTimeouts()                   {}

// PromStats exports the engine counters through Prometheus.
type PromStats struct {
	sentMessages     prometheus.Counter
	sentBytes        prometheus.Counter
	receivedMessages prometheus.Counter
	receivedBytes    prometheus.Counter

	asyncQueuedMsgs    prometheus.Counter
	asyncDequeuedMsgs  prometheus.Counter
	asyncConflatedMsgs prometheus.Counter
	asyncQueueSize     prometheus.Gauge
	asyncDistTimeouts  prometheus.Counter
	asyncQueueTimeouts prometheus.Counter

	ackWaitExceeded   prometheus.Counter
	ackSevereExceeded prometheus.Counter

	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	handshakeTimeouts prometheus.Counter
}

// NewPromStats builds and registers the engine metrics on reg.
func NewPromStats(reg prometheus.Registerer) (*PromStats, error) {
	s := &PromStats{
		sentMessages:       counter("conduit_sent_messages_total", "Messages written to peer sockets."),
		sentBytes:          counter("conduit_sent_bytes_total", "Frame bytes, header included, written to peer sockets."),
		receivedMessages:   counter("conduit_received_messages_total", "Messages assembled and dispatched."),
		receivedBytes:      counter("conduit_received_bytes_total", "Payload bytes of dispatched messages."),
		asyncQueuedMsgs:    counter("conduit_async_queued_messages_total", "Messages placed on outgoing queues."),
		asyncDequeuedMsgs:  counter("conduit_async_dequeued_messages_total", "Messages drained from outgoing queues."),
		asyncConflatedMsgs: counter("conduit_async_conflated_messages_total", "Queued messages replaced in place by a newer value for the same key."),
		asyncQueueSize:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "conduit_async_queue_bytes", Help: "Bytes currently held in outgoing queues."}),
		asyncDistTimeouts:  counter("conduit_async_distribution_timeouts_total", "Writers that gave up spinning and switched to queued mode."),
		asyncQueueTimeouts: counter("conduit_async_queue_timeouts_total", "Pushers that declared the receiver slow."),
		ackWaitExceeded:    counter("conduit_ack_wait_exceeded_total", "Sends whose ack outlived the wait threshold."),
		ackSevereExceeded:  counter("conduit_ack_severe_alert_exceeded_total", "Sends whose ack outlived the severe-alert threshold."),
		connectionsOpened:  counter("conduit_connections_opened_total", "Connections that completed construction."),
		connectionsClosed:  counter("conduit_connections_closed_total", "Connections whose close cascade ran."),
		handshakeTimeouts:  counter("conduit_handshake_timeouts_total", "Handshakes abandoned after the bounded wait."),
	}
	for _, c := range []prometheus.Collector{
		s.sentMessages, s.sentBytes, s.receivedMessages, s.receivedBytes,
		s.asyncQueuedMsgs, s.asyncDequeuedMsgs, s.asyncConflatedMsgs, s.asyncQueueSize,
		s.asyncDistTimeouts, s.asyncQueueTimeouts,
		s.ackWaitExceeded, s.ackSevereExceeded,
		s.connectionsOpened, s.connectionsClosed, s.handshakeTimeouts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func (s *PromStats) IncSentMessages(bytes int) {
	s.sentMessages.Inc()
	s.sentBytes.Add(float64(bytes))
}

func (s *PromStats) IncReceivedMessages(bytes int) {
	s.receivedMessages.Inc()
	s.receivedBytes.Add(float64(bytes))
}

func (s *PromStats) IncAsyncQueuedMsgs()    { s.asyncQueuedMsgs.Inc() }
func (s *PromStats) IncAsyncDequeuedMsgs()  { s.asyncDequeuedMsgs.Inc() }
func (s *PromStats) IncAsyncConflatedMsgs() { s.asyncConflatedMsgs.Inc() }

func (s *PromStats) AddAsyncQueueSize(delta int64) { s.asyncQueueSize.Add(float64(delta)) }

func (s *PromStats) IncAsyncDistributionTimeoutExceeded() { s.asyncDistTimeouts.Inc() }
func (s *PromStats) IncAsyncQueueTimeouts()               { s.asyncQueueTimeouts.Inc() }

func (s *PromStats) IncAckWaitThresholdExceeded()        { s.ackWaitExceeded.Inc() }
func (s *PromStats) IncAckSevereAlertThresholdExceeded() { s.ackSevereExceeded.Inc() }

func (s *PromStats) IncConnectionsOpened() { s.connectionsOpened.Inc() }
func (s *PromStats) IncConnectionsClosed() { s.connectionsClosed.Inc() }
func (s *PromStats) IncHandshakeTimeouts() { s.handshakeTimeouts.Inc() }
