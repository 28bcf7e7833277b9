package conduit

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMembership is a scriptable membership service. Zero value: every
// member exists, nobody is shunned, no shutdown.
type fakeMembership struct {
	mu       sync.Mutex
	shunned  map[string]bool
	missing  map[string]bool
	suspects []string
	removals []string

	shutdown      atomic.Bool
	surpriseAdds  atomic.Int32
	checkPasses   atomic.Bool
	removalEjects bool // removal makes MemberExists report false
}

func newFakeMembership() *fakeMembership {
	fm := &fakeMembership{
		shunned:       map[string]bool{},
		missing:       map[string]bool{},
		removalEjects: true,
	}
	fm.checkPasses.Store(true)
	return fm
}

func (f *fakeMembership) MemberExists(m MemberID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[m.String()]
}

func (f *fakeMembership) IsShunned(m MemberID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shunned[m.String()]
}

func (f *fakeMembership) ShutdownInProgress() bool { return f.shutdown.Load() }

func (f *fakeMembership) AddSurpriseMember(m MemberID) { f.surpriseAdds.Add(1) }

func (f *fakeMembership) SuspectMember(m MemberID, reason string) {
	f.mu.Lock()
	f.suspects = append(f.suspects, m.String()+": "+reason)
	f.mu.Unlock()
}

func (f *fakeMembership) RequestMemberRemoval(m MemberID, reason string) bool {
	f.mu.Lock()
	f.removals = append(f.removals, reason)
	if f.removalEjects {
		f.missing[m.String()] = true
	}
	f.mu.Unlock()
	return true
}

func (f *fakeMembership) WaitForMembershipCheck(m MemberID, timeout time.Duration) bool {
	return f.checkPasses.Load()
}

func (f *fakeMembership) shun(m MemberID) {
	f.mu.Lock()
	f.shunned[m.String()] = true
	f.mu.Unlock()
}

func (f *fakeMembership) suspectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.suspects)
}

func (f *fakeMembership) removalReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removals...)
}

// received is one dispatched message with its accounting.
type received struct {
	conn      *Connection
	msg       *Message
	bytesRead int
}

// recordingDispatcher buffers everything the engine dispatches.
type recordingDispatcher struct {
	ch        chan received
	refuseAck atomic.Bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{ch: make(chan received, 64)}
}

func (d *recordingDispatcher) MessageReceived(c *Connection, msg *Message, bytesRead int) {
	d.ch <- received{conn: c, msg: msg, bytesRead: bytesRead}
}

func (d *recordingDispatcher) AckResponsibility(sender MemberID) bool {
	return !d.refuseAck.Load()
}

func (d *recordingDispatcher) next(t *testing.T, timeout time.Duration) received {
	t.Helper()
	select {
	case r := <-d.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("no message dispatched within deadline")
		return received{}
	}
}

// countingStats counts the interesting events with atomics.
type countingStats struct {
	NopStats
	queued       atomic.Int64
	dequeued     atomic.Int64
	conflated    atomic.Int64
	queueBytes   atomic.Int64
	distTimeouts atomic.Int64
	queueTOs     atomic.Int64
	ackWait      atomic.Int64
	ackSevere    atomic.Int64
	sent         atomic.Int64
}

func (s *countingStats) IncSentMessages(bytes int)                 { s.sent.Add(1) }
func (s *countingStats) IncAsyncQueuedMsgs()                       { s.queued.Add(1) }
func (s *countingStats) IncAsyncDequeuedMsgs()                     { s.dequeued.Add(1) }
func (s *countingStats) IncAsyncConflatedMsgs()                    { s.conflated.Add(1) }
func (s *countingStats) AddAsyncQueueSize(delta int64)             { s.queueBytes.Add(delta) }
func (s *countingStats) IncAsyncDistributionTimeoutExceeded()      { s.distTimeouts.Add(1) }
func (s *countingStats) IncAsyncQueueTimeouts()                    { s.queueTOs.Add(1) }
func (s *countingStats) IncAckWaitThresholdExceeded()              { s.ackWait.Add(1) }
func (s *countingStats) IncAckSevereAlertThresholdExceeded()       { s.ackSevere.Add(1) }

// testEnv bundles the collaborators most tests need.
type testEnv struct {
	cfg   *Config
	mem   *fakeMembership
	disp  *recordingDispatcher
	stats *countingStats
	hooks *TestHooks
}

func newTestEnv() *testEnv {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReconnectWaitTime = 50 * time.Millisecond
	cfg.IdleTimeout = 0 // off unless a test arms it
	return &testEnv{
		cfg:   cfg,
		mem:   newFakeMembership(),
		disp:  newRecordingDispatcher(),
		stats: &countingStats{},
		hooks: &TestHooks{},
	}
}

func (e *testEnv) table(local MemberID) *ConnectionTable {
	return newConnectionTable(e.cfg, local, e.mem, e.disp, e.stats, e.hooks)
}

// newPipeConnection builds a connection over one end of a net.Pipe,
// bypassing dial and handshake. The returned connection believes its
// handshake completed.
func newPipeConnection(e *testEnv, sock net.Conn, isReceiver, shared, preserveOrder bool) *Connection {
	tbl := e.table(MemberID{Host: "127.0.0.1", Port: 1000})
	c := newConnection(tbl, sock, isReceiver, shared, preserveOrder)
	c.remoteID = MemberID{Host: "127.0.0.1", Port: 2000}
	c.handshakeRead = true
	return c
}

// startConduit spins up a conduit on an ephemeral loopback port.
func startConduit(t *testing.T, e *testEnv) *TCPConduit {
	t.Helper()
	cd := NewTCPConduit(e.cfg, "127.0.0.1", 0, e.mem, e.disp, e.stats, e.hooks)
	if err := cd.Start(); err != nil {
		t.Fatalf("start conduit: %v", err)
	}
	t.Cleanup(func() { cd.Stop("test done") })
	return cd
}

// drainPipe reads and discards bytes from the far end of a pipe so
// writes on the near end never block.
func drainPipe(sock net.Conn) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := sock.Read(buf); err != nil {
				return
			}
		}
	}()
	return func() {
		_ = sock.Close()
		<-done
	}
}
