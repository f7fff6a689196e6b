// Package p0pnetio owns the sockets, stdin readers, and timers for both the
// P0P client and server drivers (spec.md sections 4.3 and 4.4). It executes
// the action descriptors returned by the pure FSMs in internal/p0p; the FSMs
// never see a socket or a timer directly.
package p0pnetio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/arodax/p0pnet/internal/p0p"
)

// clientEvent bundles a p0p.ClientEvent with the payload it carries (only
// meaningful for EventStdin).
type clientEvent struct {
	kind    p0p.ClientEvent
	payload []byte
}

// ClientMetrics is the narrow interface the ClientDriver needs from
// internal/metrics.Collector, kept local so this package doesn't import
// metrics directly.
type ClientMetrics interface {
	RegisterSession()
	UnregisterSession()
	IncPacketsSent(cmd string)
	IncPacketsReceived(cmd string)
	RecordStateTransition(from, to string)
}

// noopClientMetrics discards every call; used when a ClientDriver has not
// been given a Collector via SetMetrics.
type noopClientMetrics struct{}

func (noopClientMetrics) RegisterSession()                   {}
func (noopClientMetrics) UnregisterSession()                 {}
func (noopClientMetrics) IncPacketsSent(string)               {}
func (noopClientMetrics) IncPacketsReceived(string)           {}
func (noopClientMetrics) RecordStateTransition(string, string) {}

// ClientDriver is the parallel driver described in spec.md section 4.3: one
// goroutine reads datagrams, one reads stdin, and a single-shot timer feeds
// TIMEOUT events -- all three funnel into one event channel that the run
// loop consumes one at a time, which is what serializes FSM steps without
// requiring an explicit mutex.
type ClientDriver struct {
	conn      net.Conn
	logger    *slog.Logger
	timeout   time.Duration
	sessionID uint32
	seq       uint32
	metrics   ClientMetrics

	state ClientState
}

// ClientState is an alias kept local to this package so callers of
// NewClientDriver don't need to import internal/p0p just to read it back
// (e.g. for logging or tests).
type ClientState = p0p.ClientState

// NewClientDriver dials serverAddr over UDP and returns a driver ready to
// Run. The session_id is a random 32-bit value chosen once, per spec.md
// section 3.
func NewClientDriver(serverAddr string, timeout time.Duration, logger *slog.Logger) (*ClientDriver, error) {
	conn, err := net.Dial("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("p0p client: dial %s: %w", serverAddr, err)
	}

	return &ClientDriver{
		conn:      conn,
		logger:    logger.With(slog.String("component", "p0pnetio.client")),
		timeout:   timeout,
		sessionID: rand.Uint32(),
		metrics:   noopClientMetrics{},
		state:     p0p.StateHelloWait,
	}, nil
}

// SetMetrics attaches a Collector for this driver to report session,
// packet, and state-transition counts to. Not safe to call concurrently
// with Run; call it once, before Run.
func (d *ClientDriver) SetMetrics(metrics ClientMetrics) {
	if metrics == nil {
		metrics = noopClientMetrics{}
	}
	d.metrics = metrics
}

// Run drives the client FSM to completion: it sends the initial HELLO, then
// serves network/stdin/timer events until the FSM reaches CLOSED (spec.md
// section 4.2's terminal state) or ctx is cancelled. stdin is read as
// newline-delimited text (spec.md section 4.3, "EOF inference on stdin").
func (d *ClientDriver) Run(ctx context.Context, stdin io.Reader) error {
	defer d.conn.Close()

	events := make(chan clientEvent, 8)
	timeoutCh := make(chan uint64, 4)
	var timerEpoch uint64
	var timer *time.Timer

	netDone := make(chan struct{})
	go func() {
		defer close(netDone)
		d.networkLoop(ctx, events)
	}()

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		stdinLoop(ctx, stdin, events)
	}()

	d.logger.Info("session starting",
		slog.Uint64("session_id", uint64(d.sessionID)),
	)
	d.metrics.RegisterSession()
	d.sendRaw(p0p.CmdHello, nil)
	timer = d.armTimer(timerEpoch, timeoutCh)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-events:
			result := p0p.ApplyClientEvent(d.state, ev.kind)
			if !result.Handled {
				d.logger.Error("unexpected event for state",
					slog.String("state", d.state.String()),
					slog.String("event", ev.kind.String()),
				)
				return fmt.Errorf("p0p client: unexpected event %s in state %s",
					ev.kind, d.state)
			}
			fromState := d.state
			d.state = result.NewState
			if fromState != d.state {
				d.metrics.RecordStateTransition(fromState.String(), d.state.String())
			}
			closed, newTimer := d.execActions(result.Actions, ev.payload, &timerEpoch, timeoutCh, timer)
			timer = newTimer
			if closed {
				<-netDone
				return nil
			}

		case epoch := <-timeoutCh:
			if epoch != timerEpoch {
				continue // stale fire from a cancelled/replaced timer
			}
			result := p0p.ApplyClientEvent(d.state, p0p.EventTimeout)
			if !result.Handled {
				return fmt.Errorf("p0p client: unexpected TIMEOUT in state %s", d.state)
			}
			fromState := d.state
			d.state = result.NewState
			if fromState != d.state {
				d.metrics.RecordStateTransition(fromState.String(), d.state.String())
			}
			closed, newTimer := d.execActions(result.Actions, nil, &timerEpoch, timeoutCh, timer)
			timer = newTimer
			if closed {
				<-netDone
				return nil
			}
		}
	}
}

// execActions executes the side effects of one FSM transition in order,
// returning whether the driver should now exit.
func (d *ClientDriver) execActions(
	actions []p0p.ClientAction,
	payload []byte,
	timerEpoch *uint64,
	timeoutCh chan uint64,
	timer *time.Timer,
) (closed bool, newTimer *time.Timer) {
	newTimer = timer
	for _, action := range actions {
		switch action.Kind {
		case p0p.ActionSend:
			if action.Cmd == p0p.CmdData {
				d.sendRaw(action.Cmd, payload)
			} else {
				d.sendRaw(action.Cmd, nil)
			}
		case p0p.ActionSetTimer:
			*timerEpoch++
			newTimer = d.armTimer(*timerEpoch, timeoutCh)
		case p0p.ActionCancelTimer:
			*timerEpoch++ // any in-flight fire for the old epoch is now stale
			if newTimer != nil {
				newTimer.Stop()
			}
		case p0p.ActionClose:
			if newTimer != nil {
				newTimer.Stop()
			}
			d.conn.Close()
			d.metrics.UnregisterSession()
			closed = true
		}
	}
	return closed, newTimer
}

// armTimer starts a one-shot timer of d.timeout that posts epoch to
// timeoutCh when it fires. The send is non-blocking: if nothing is
// listening (driver already exited) the fire is simply dropped.
func (d *ClientDriver) armTimer(epoch uint64, timeoutCh chan uint64) *time.Timer {
	return time.AfterFunc(d.timeout, func() {
		select {
		case timeoutCh <- epoch:
		default:
		}
	})
}

// sendRaw encodes cmd with the driver's current sequence number and
// transmits it, then increments the sequence number (spec.md section 4.3,
// "Action execution").
func (d *ClientDriver) sendRaw(cmd p0p.Command, payload []byte) {
	buf := p0p.Encode(cmd, d.seq, d.sessionID, payload)
	d.seq++
	if _, err := d.conn.Write(buf); err != nil {
		d.logger.Warn("send failed",
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.IncPacketsSent(cmd.String())
}

// networkLoop reads datagrams from the server and translates them into
// ClientEvents. It exits when ctx is cancelled or the socket is closed.
func (d *ClientDriver) networkLoop(ctx context.Context, events chan<- clientEvent) {
	buf := make([]byte, p0p.MaxMessageLength)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.conn.Read(buf)
		if err != nil {
			return // socket closed (normal at shutdown) or network error
		}

		msg, err := p0p.Decode(buf[:n])
		if err != nil {
			continue // malformed datagram: silently dropped per spec.md 4.1
		}
		d.metrics.IncPacketsReceived(msg.Command.String())

		var kind p0p.ClientEvent
		switch msg.Command {
		case p0p.CmdHello:
			kind = p0p.EventHelloRX
		case p0p.CmdAlive:
			kind = p0p.EventAliveRX
		case p0p.CmdGoodbye:
			kind = p0p.EventGoodbyeRX
		default:
			continue // DATA from the server has no defined client event
		}

		select {
		case events <- clientEvent{kind: kind}:
		case <-ctx.Done():
			return
		}
	}
}

// stdinLoop reads newline-delimited lines from r, emitting EventStdin for
// each non-"q" line and EventEOF on end-of-stream or a trimmed "q" line
// (spec.md section 4.3).
func stdinLoop(ctx context.Context, r io.Reader, events chan<- clientEvent) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRightFunc(scanner.Text(), unicode.IsSpace)
		var ev clientEvent
		if line == "q" {
			ev = clientEvent{kind: p0p.EventEOF}
		} else {
			ev = clientEvent{kind: p0p.EventStdin, payload: []byte(line)}
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if line == "q" {
			return
		}
	}
	select {
	case events <- clientEvent{kind: p0p.EventEOF}:
	case <-ctx.Done():
	}
}
