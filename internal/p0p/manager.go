package p0p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Sender is the narrow interface the Manager needs to transmit a reply.
// internal/p0pnetio's ServerDriver implements this over its bound UDP
// socket.
type Sender interface {
	SendTo(buf []byte, addr net.Addr) error
}

// ServerMetrics is the narrow interface the Manager needs from
// internal/metrics.Collector, kept local so this package doesn't import
// metrics directly.
type ServerMetrics interface {
	RegisterSession()
	UnregisterSession()
	IncPacketsSent(cmd string)
	IncPacketsReceived(cmd string)
	RecordStateTransition(from, to string)
	RecordSequenceOutcome(outcome string)
}

// noopServerMetrics discards every call; used when a Manager has not been
// given a Collector via SetMetrics.
type noopServerMetrics struct{}

func (noopServerMetrics) RegisterSession()                     {}
func (noopServerMetrics) UnregisterSession()                   {}
func (noopServerMetrics) IncPacketsSent(string)                 {}
func (noopServerMetrics) IncPacketsReceived(string)             {}
func (noopServerMetrics) RecordStateTransition(string, string)  {}
func (noopServerMetrics) RecordSequenceOutcome(string)          {}

// Sentinel errors for Manager operations.
var (
	// ErrSessionGone indicates TerminateSession was called (directly, or
	// via a stale timer fire) for a session_id that is no longer present.
	// TerminateSession returns it without sending anything, so a repeated
	// call is harmless; TerminateAll and the timer path ignore it.
	ErrSessionGone = errors.New("p0p: session already terminated")
)

// session is the server-side record for one P0P session (spec.md section
// 3, "P0P Session (server view)").
type session struct {
	peerAddr net.Addr
	state    ServerState
	next     uint32 // next_expected_sequence_number
	seq      uint32 // this server's own send sequence number for this peer

	timer      *time.Timer
	timerEpoch uint64 // bumped on every (re)arm; stale fires are discarded
}

// Manager owns the server-side sessions map and drives the per-session FSM
// (spec.md section 4.4). All reads and writes to the map, and to any
// session's timer, happen under mu -- the single-mutex shape spec.md
// permits for the server driver.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint32]*session
	sender   Sender
	logger   *slog.Logger
	metrics  ServerMetrics

	// timeout is the TIMEOUT_INTERVAL used for both the HELLO wait and
	// inter-DATA liveness timers.
	timeout time.Duration

	// goodbyesSent counts, for testing the "exactly one GOODBYE per
	// session" invariant, how many GOODBYE datagrams this manager has
	// transmitted in total.
	goodbyesSent uint64
}

// NewManager creates a Manager that sends replies through sender and logs
// via logger, using timeout as TIMEOUT_INTERVAL.
func NewManager(sender Sender, logger *slog.Logger, timeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[uint32]*session),
		sender:   sender,
		logger:   logger.With(slog.String("component", "p0p.manager")),
		timeout:  timeout,
		metrics:  noopServerMetrics{},
	}
}

// SetMetrics attaches a Collector for this Manager to report session,
// packet, transition, and sequence-outcome counts to. Not safe to call
// concurrently with Demux; call it once, before serving traffic.
func (m *Manager) SetMetrics(metrics ServerMetrics) {
	if metrics == nil {
		metrics = noopServerMetrics{}
	}
	m.metrics = metrics
}

// Demux decodes raw and routes it to the session for its session_id,
// creating the session first if this is the first datagram seen for that
// session_id (spec.md section 4.4, step 3). Malformed datagrams are dropped
// silently per spec.md section 4.1's decode invariant.
//
// Per spec.md section 9 ("Open questions"), session creation happens before
// the first datagram is validated against the HELLO_AWAIT transition table:
// a malformed first message for a brand-new session_id still creates a
// session record and then immediately terminates it, emitting one GOODBYE.
// This preserves the original implementation's observable behavior.
func (m *Manager) Demux(raw []byte, peerAddr net.Addr) {
	msg, err := Decode(raw)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[msg.SessionID]
	if !ok {
		sess = &session{
			peerAddr: peerAddr,
			state:    ServerStateHelloAwait,
			next:     0,
		}
		m.sessions[msg.SessionID] = sess
		m.metrics.RegisterSession()
	}

	m.metrics.IncPacketsReceived(msg.Command.String())
	m.dispatch(msg.SessionID, sess, msg)
}

// dispatch classifies msg into a ServerEvent for sess's current state,
// applies the per-session FSM, and executes the resulting actions. Caller
// must hold m.mu.
func (m *Manager) dispatch(sessionID uint32, sess *session, msg Message) {
	event := ClassifyServerEvent(sess.state, msg.Command, msg.SequenceNumber)

	result := ApplyServerEvent(sess.state, event)
	fromState := sess.state
	sess.state = result.NewState
	if fromState != sess.state {
		m.metrics.RecordStateTransition(fromState.String(), sess.state.String())
	}
	if fromState == ServerStateHelloAwait && sess.state == ServerStateEstablished {
		sess.next = msg.SequenceNumber + 1
	}

	for _, action := range result.Actions {
		switch action.Kind {
		case ServerActionSend:
			m.send(sessionID, sess, action.Cmd, nil)
			if action.Cmd == CmdAlive {
				m.applySequenceAndLog(sessionID, sess, msg)
			}
		case ServerActionSetTimer:
			m.armTimer(sessionID, sess)
		case ServerActionTerminate:
			m.terminateLocked(sessionID)
		}
	}
}

// applySequenceAndLog implements spec.md's "Sequence policy (server)" for a
// DATA message already known to be valid for the ESTABLISHED state, logging
// in the exact three formats spec.md section 6 requires.
func (m *Manager) applySequenceAndLog(sessionID uint32, sess *session, msg Message) {
	outcome, newNext := ApplySequencePolicy(sess.next, msg.SequenceNumber)
	m.metrics.RecordSequenceOutcome(outcome.String())

	switch outcome {
	case SeqDuplicate:
		fmt.Printf("0x%08x [%d] Duplicate packet!\n", sessionID, msg.SequenceNumber)
	case SeqViolation:
		m.terminateLocked(sessionID)
	case SeqGap:
		first, limit := MissingSequence(sess.next, msg.SequenceNumber)
		for i := first; i < limit; i++ {
			fmt.Printf("0x%08x [%d] Lost packet!\n", sessionID, i)
		}
		fmt.Printf("0x%08x [%d] %s\n", sessionID, msg.SequenceNumber, msg.Payload)
		sess.next = newNext
	case SeqInOrder:
		fmt.Printf("0x%08x [%d] %s\n", sessionID, msg.SequenceNumber, msg.Payload)
		sess.next = newNext
	}
}

// send encodes and transmits cmd to sess's peer using the manager's own
// monotonically increasing send sequence number.
func (m *Manager) send(sessionID uint32, sess *session, cmd Command, payload []byte) {
	buf := Encode(cmd, sess.seq, sessionID, payload)
	sess.seq++
	if err := m.sender.SendTo(buf, sess.peerAddr); err != nil {
		m.logger.Warn("send failed",
			slog.Uint64("session_id", uint64(sessionID)),
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.metrics.IncPacketsSent(cmd.String())
	if cmd == CmdGoodbye {
		m.goodbyesSent++
	}
}

// armTimer cancels any existing timer for sess and arms a new one-shot
// timer of m.timeout, tagged with a fresh epoch so a fire racing with a
// subsequent cancel/rearm is discarded rather than misapplied (spec.md
// section 9, "Timer races").
func (m *Manager) armTimer(sessionID uint32, sess *session) {
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.timerEpoch++
	epoch := sess.timerEpoch

	sess.timer = time.AfterFunc(m.timeout, func() {
		m.onTimeout(sessionID, epoch)
	})
}

// onTimeout is the timer callback. It re-acquires the lock and verifies the
// epoch still matches before terminating -- a timer that fired just as it
// was being cancelled and replaced must not act on stale state.
func (m *Manager) onTimeout(sessionID uint32, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.timerEpoch != epoch {
		return
	}

	result := ApplyServerEvent(sess.state, ServerEventTimeout)
	for _, action := range result.Actions {
		if action.Kind == ServerActionTerminate {
			m.terminateLocked(sessionID)
		}
	}
}

// TerminateSession removes sessionID from the sessions map and sends it a
// single GOODBYE, if the session still exists. Idempotent and race-free:
// calling it twice (or once directly and once via a racing timer fire) only
// ever emits one GOODBYE, because the second call finds the map entry
// already gone. Safe to call with the manager's lock not held.
func (m *Manager) TerminateSession(sessionID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(sessionID)
}

// terminateLocked is TerminateSession's body; caller must hold m.mu.
func (m *Manager) terminateLocked(sessionID uint32) error {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionGone
	}
	delete(m.sessions, sessionID)
	m.metrics.UnregisterSession()

	if sess.timer != nil {
		sess.timer.Stop()
	}

	m.send(sessionID, sess, CmdGoodbye, nil)
	return nil
}

// TerminateAll terminates every live session, used on stdin EOF/"q" and on
// SIGINT (spec.md section 4.4, "Stdin path").
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.TerminateSession(id)
	}
}

// SessionCount returns the number of currently live sessions, for metrics
// and tests.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// GoodbyesSent returns the total number of GOODBYE datagrams this manager
// has transmitted, for the "exactly one GOODBYE per session" property test.
func (m *Manager) GoodbyesSent() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goodbyesSent
}
