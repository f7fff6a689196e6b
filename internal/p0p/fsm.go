package p0p

// This file implements the P0P client finite state machine as a pure
// function over a transition table, following the same shape as a BFD-style
// FSM: state + event -> (new state, actions), with no I/O and no knowledge
// of sockets or timers. The driver (internal/p0pnetio) executes the returned
// actions.
//
// State diagram (see spec.md section 4.2):
//
//	HELLO_WAIT --HELLO_RX--> READY
//	HELLO_WAIT --TIMEOUT/EOF--> CLOSING
//	READY --STDIN--> READY_TIMER
//	READY --EOF--> CLOSING
//	READY_TIMER --ALIVE_RX--> READY
//	READY_TIMER --TIMEOUT/EOF--> CLOSING
//	CLOSING --TIMEOUT--> CLOSED
//	any --GOODBYE_RX--> CLOSED

// ClientState is a client-side P0P session state.
type ClientState uint8

const (
	// StateHelloWait is the state after sending HELLO, before the server's
	// HELLO reply arrives.
	StateHelloWait ClientState = iota
	// StateReady is the steady state: no DATA outstanding.
	StateReady
	// StateReadyTimer is StateReady with a liveness timer armed after
	// sending DATA.
	StateReadyTimer
	// StateClosing is entered after sending GOODBYE; waits for the final
	// TIMEOUT to actually close.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// String returns the human-readable state name.
func (s ClientState) String() string {
	switch s {
	case StateHelloWait:
		return "HELLO_WAIT"
	case StateReady:
		return "READY"
	case StateReadyTimer:
		return "READY_TIMER"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientEvent is an event delivered to the client FSM.
type ClientEvent uint8

const (
	// EventHelloRX is delivered on receipt of a HELLO datagram.
	EventHelloRX ClientEvent = iota
	// EventAliveRX is delivered on receipt of an ALIVE datagram.
	EventAliveRX
	// EventGoodbyeRX is delivered on receipt of a GOODBYE datagram.
	EventGoodbyeRX
	// EventStdin is delivered with a trimmed line of stdin input.
	EventStdin
	// EventEOF is delivered on end-of-stdin or the "q" sentinel line.
	EventEOF
	// EventTimeout is delivered when the armed timer fires.
	EventTimeout
)

// String returns the human-readable event name.
func (e ClientEvent) String() string {
	switch e {
	case EventHelloRX:
		return "HELLO_RX"
	case EventAliveRX:
		return "ALIVE_RX"
	case EventGoodbyeRX:
		return "GOODBYE_RX"
	case EventStdin:
		return "STDIN"
	case EventEOF:
		return "EOF"
	case EventTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// ActionKind identifies the side effect a ClientAction asks the driver to
// perform.
type ActionKind uint8

const (
	// ActionSend asks the driver to encode and transmit a P0P message
	// using the command in ClientAction.Cmd and, for DATA, the payload
	// carried on the triggering event.
	ActionSend ActionKind = iota
	// ActionSetTimer asks the driver to arm a one-shot TIMEOUT_INTERVAL
	// timer.
	ActionSetTimer
	// ActionCancelTimer asks the driver to cancel any armed timer
	// (a no-op if none is armed).
	ActionCancelTimer
	// ActionClose asks the driver to release all resources and exit.
	ActionClose
)

// ClientAction is one side effect the driver must execute after a
// transition. Cmd is only meaningful when Kind == ActionSend.
type ClientAction struct {
	Kind ActionKind
	Cmd  Command
}

// clientStateEvent is the transition-table key.
type clientStateEvent struct {
	state ClientState
	event ClientEvent
}

// clientTransition is the transition-table value.
type clientTransition struct {
	next    ClientState
	actions []ClientAction
}

// ClientResult holds the outcome of applying an event to the client FSM.
type ClientResult struct {
	OldState ClientState
	NewState ClientState
	Actions  []ClientAction
	// Changed is true when NewState != OldState.
	Changed bool
	// Handled is false when (state, event) has no table entry and no
	// GOODBYE_RX short-circuit applied; the driver should treat this as a
	// programmer error per spec.md section 4.2's "fail loudly" rule.
	Handled bool
}

// clientFSMTable is the client transition table (spec.md section 4.2). The
// GOODBYE_RX -> CLOSED transition applies in every state and is handled as
// a short-circuit in ApplyClientEvent rather than duplicated per state here.
var clientFSMTable = map[clientStateEvent]clientTransition{
	{StateHelloWait, EventHelloRX}: {
		next:    StateReady,
		actions: []ClientAction{{Kind: ActionCancelTimer}},
	},
	{StateHelloWait, EventTimeout}: {
		next: StateClosing,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdGoodbye},
			{Kind: ActionSetTimer},
		},
	},
	{StateHelloWait, EventEOF}: {
		next: StateClosing,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdGoodbye},
			{Kind: ActionSetTimer},
		},
	},

	{StateReady, EventAliveRX}: {
		next:    StateReady,
		actions: nil,
	},
	{StateReady, EventStdin}: {
		next: StateReadyTimer,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdData},
			{Kind: ActionSetTimer},
		},
	},
	{StateReady, EventEOF}: {
		next: StateClosing,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdGoodbye},
			{Kind: ActionSetTimer},
		},
	},

	{StateReadyTimer, EventStdin}: {
		next:    StateReadyTimer,
		actions: []ClientAction{{Kind: ActionSend, Cmd: CmdData}},
	},
	{StateReadyTimer, EventAliveRX}: {
		next:    StateReady,
		actions: []ClientAction{{Kind: ActionCancelTimer}},
	},
	{StateReadyTimer, EventTimeout}: {
		next: StateClosing,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdGoodbye},
			{Kind: ActionSetTimer},
		},
	},
	{StateReadyTimer, EventEOF}: {
		next: StateClosing,
		actions: []ClientAction{
			{Kind: ActionSend, Cmd: CmdGoodbye},
			{Kind: ActionSetTimer},
		},
	},

	{StateClosing, EventAliveRX}: {
		next:    StateClosing,
		actions: nil,
	},
	{StateClosing, EventTimeout}: {
		next:    StateClosed,
		actions: []ClientAction{{Kind: ActionClose}},
	},
}

// ApplyClientEvent is the pure client FSM transition function. GOODBYE_RX is
// handled uniformly for every state (spec.md: "any state, GOODBYE_RX ->
// CLOSE -> CLOSED") before consulting the table. Any other (state, event)
// combination absent from clientFSMTable comes back with Handled=false; the
// driver logs it as a programmer error and terminates rather than
// panicking, per spec.md section 7.
func ApplyClientEvent(state ClientState, event ClientEvent) ClientResult {
	if event == EventGoodbyeRX {
		return ClientResult{
			OldState: state,
			NewState: StateClosed,
			Actions:  []ClientAction{{Kind: ActionClose}},
			Changed:  state != StateClosed,
			Handled:  true,
		}
	}

	key := clientStateEvent{state: state, event: event}
	tr, ok := clientFSMTable[key]
	if !ok {
		return ClientResult{
			OldState: state,
			NewState: state,
			Handled:  false,
		}
	}

	return ClientResult{
		OldState: state,
		NewState: tr.next,
		Actions:  tr.actions,
		Changed:  state != tr.next,
		Handled:  true,
	}
}
