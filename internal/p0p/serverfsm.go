package p0p

// This file implements the server-side per-session FSM (spec.md section
// 4.2, "Server per-session FSM") as the same kind of pure transition
// function as fsm.go, plus the sequence policy that decides
// duplicate/lost/in-order handling for DATA messages.

// ServerState is a server-side per-session P0P state.
type ServerState uint8

const (
	// ServerStateHelloAwait is the state from session creation (first
	// datagram for an unseen session_id) until the HELLO handshake
	// completes.
	ServerStateHelloAwait ServerState = iota
	// ServerStateEstablished is the steady state after the HELLO handshake.
	ServerStateEstablished
)

// String returns the human-readable state name.
func (s ServerState) String() string {
	switch s {
	case ServerStateHelloAwait:
		return "HELLO_AWAIT"
	case ServerStateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ServerEvent is an event delivered to a server-side session FSM.
type ServerEvent uint8

const (
	// ServerEventHello is a well-formed HELLO(seq=0) received in
	// HELLO_AWAIT.
	ServerEventHello ServerEvent = iota
	// ServerEventData is a DATA datagram received in ESTABLISHED.
	ServerEventData
	// ServerEventGoodbye is a GOODBYE datagram.
	ServerEventGoodbye
	// ServerEventOther is any datagram that does not match one of the
	// above for the current state (e.g. HELLO while ESTABLISHED, or
	// anything but HELLO(seq=0) or GOODBYE while HELLO_AWAIT).
	ServerEventOther
	// ServerEventTimeout is delivered when the per-session timer fires.
	ServerEventTimeout
)

// ServerActionKind identifies the side effect a ServerAction asks the
// driver/manager to perform.
type ServerActionKind uint8

const (
	// ServerActionSend asks for an immediate reply of the given command.
	ServerActionSend ServerActionKind = iota
	// ServerActionSetTimer (re)arms the per-session liveness timer.
	ServerActionSetTimer
	// ServerActionTerminate asks the caller to run terminate_session,
	// which itself emits a GOODBYE and removes the session (spec.md
	// section 4.2).
	ServerActionTerminate
)

// ServerAction is one side effect to execute after a server FSM transition.
type ServerAction struct {
	Kind ServerActionKind
	Cmd  Command
}

// ServerResult holds the outcome of applying an event to a server session
// FSM.
type ServerResult struct {
	OldState ServerState
	NewState ServerState
	Actions  []ServerAction
	Changed  bool
}

// ApplyServerEvent is the pure per-session server FSM transition function
// (spec.md section 4.2):
//
//	HELLO_AWAIT + (HELLO, seq=0)  -> send HELLO, SET_TIMER, ESTABLISHED
//	HELLO_AWAIT + anything else   -> terminate_session
//	ESTABLISHED + GOODBYE         -> terminate_session
//	ESTABLISHED + DATA            -> reset timer, send ALIVE (sequence
//	                                  policy applied separately by the caller)
//	ESTABLISHED + HELLO           -> terminate_session
//	TIMEOUT (any state)           -> terminate_session
func ApplyServerEvent(state ServerState, event ServerEvent) ServerResult {
	if event == ServerEventTimeout {
		return ServerResult{
			OldState: state,
			NewState: state,
			Actions:  []ServerAction{{Kind: ServerActionTerminate}},
			Changed:  false,
		}
	}

	switch state {
	case ServerStateHelloAwait:
		if event == ServerEventHello {
			return ServerResult{
				OldState: state,
				NewState: ServerStateEstablished,
				Actions: []ServerAction{
					{Kind: ServerActionSend, Cmd: CmdHello},
					{Kind: ServerActionSetTimer},
				},
				Changed: true,
			}
		}
		return ServerResult{
			OldState: state,
			NewState: state,
			Actions:  []ServerAction{{Kind: ServerActionTerminate}},
			Changed:  false,
		}

	case ServerStateEstablished:
		switch event {
		case ServerEventData:
			return ServerResult{
				OldState: state,
				NewState: state,
				Actions: []ServerAction{
					{Kind: ServerActionSetTimer},
					{Kind: ServerActionSend, Cmd: CmdAlive},
				},
				Changed: false,
			}
		case ServerEventGoodbye, ServerEventHello, ServerEventOther:
			return ServerResult{
				OldState: state,
				NewState: state,
				Actions:  []ServerAction{{Kind: ServerActionTerminate}},
				Changed:  false,
			}
		}
	}

	// Unreachable for the finite (state, event) domain above, but keep the
	// FSM total rather than letting a future event value fall through
	// silently.
	return ServerResult{
		OldState: state,
		NewState: state,
		Actions:  []ServerAction{{Kind: ServerActionTerminate}},
		Changed:  false,
	}
}

// ClassifyServerEvent maps a decoded datagram's command to the ServerEvent
// appropriate for the session's current state. HELLO is only
// ServerEventHello when seq == 0 and the session is in HELLO_AWAIT;
// otherwise it is ServerEventOther (which always terminates), matching
// spec.md's "HELLO_AWAIT + anything else" and "ESTABLISHED + HELLO" rules.
func ClassifyServerEvent(state ServerState, cmd Command, seq uint32) ServerEvent {
	switch cmd {
	case CmdGoodbye:
		return ServerEventGoodbye
	case CmdData:
		if state == ServerStateEstablished {
			return ServerEventData
		}
		return ServerEventOther
	case CmdHello:
		if state == ServerStateHelloAwait && seq == 0 {
			return ServerEventHello
		}
		return ServerEventOther
	default:
		return ServerEventOther
	}
}

// SeqOutcome classifies a DATA sequence number against the next expected
// sequence number (spec.md section 4.2, "Sequence policy (server)").
type SeqOutcome uint8

const (
	// SeqInOrder means seq == next; the payload is new and next advances
	// to seq+1.
	SeqInOrder SeqOutcome = iota
	// SeqDuplicate means seq == next-1: a retransmit of the immediately
	// preceding packet.
	SeqDuplicate
	// SeqViolation means seq < next-1: a protocol violation that
	// terminates the session.
	SeqViolation
	// SeqGap means seq > next: one or more packets were lost; next
	// advances to seq+1 after logging the gap.
	SeqGap
)

// String implements fmt.Stringer for SeqOutcome.
func (o SeqOutcome) String() string {
	switch o {
	case SeqInOrder:
		return "in_order"
	case SeqDuplicate:
		return "duplicate"
	case SeqViolation:
		return "violation"
	case SeqGap:
		return "gap"
	default:
		return "unknown"
	}
}

// ApplySequencePolicy classifies seq against next (the current
// next-expected-sequence-number) and returns the outcome plus the new
// next-expected value. The caller is responsible for logging ("Duplicate
// packet!", "Lost packet!" for each missing sequence number in [next, seq),
// and the accepted payload) and for calling terminate_session on
// SeqViolation.
func ApplySequencePolicy(next, seq uint32) (outcome SeqOutcome, newNext uint32) {
	switch {
	case next > 0 && seq == next-1:
		return SeqDuplicate, next
	case seq < next:
		// Covers both "seq < next-1" and the next==0 edge (no prior
		// packet accepted yet, so any seq < next is already a violation
		// once next > 0 handled the duplicate case above).
		return SeqViolation, next
	case seq == next:
		return SeqInOrder, seq + 1
	default: // seq > next
		return SeqGap, seq + 1
	}
}

// MissingSequence reports the half-open range [next, seq) of sequence
// numbers that ApplySequencePolicy's SeqGap outcome considers lost.
func MissingSequence(next, seq uint32) (first, limit uint32) {
	return next, seq
}
