package p0p_test

import (
	"testing"

	"github.com/arodax/p0pnet/internal/p0p"
)

func TestClassifyServerEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state p0p.ServerState
		cmd   p0p.Command
		seq   uint32
		want  p0p.ServerEvent
	}{
		{"HELLO_AWAIT+HELLO(seq=0)->Hello", p0p.ServerStateHelloAwait, p0p.CmdHello, 0, p0p.ServerEventHello},
		{"HELLO_AWAIT+HELLO(seq=1)->Other", p0p.ServerStateHelloAwait, p0p.CmdHello, 1, p0p.ServerEventOther},
		{"HELLO_AWAIT+DATA->Other", p0p.ServerStateHelloAwait, p0p.CmdData, 0, p0p.ServerEventOther},
		{"ESTABLISHED+DATA->Data", p0p.ServerStateEstablished, p0p.CmdData, 5, p0p.ServerEventData},
		{"ESTABLISHED+GOODBYE->Goodbye", p0p.ServerStateEstablished, p0p.CmdGoodbye, 0, p0p.ServerEventGoodbye},
		{"ESTABLISHED+HELLO->Other", p0p.ServerStateEstablished, p0p.CmdHello, 0, p0p.ServerEventOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := p0p.ClassifyServerEvent(tt.state, tt.cmd, tt.seq)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyServerEvent(t *testing.T) {
	t.Parallel()

	t.Run("HelloAwait+Hello establishes", func(t *testing.T) {
		t.Parallel()
		r := p0p.ApplyServerEvent(p0p.ServerStateHelloAwait, p0p.ServerEventHello)
		if r.NewState != p0p.ServerStateEstablished {
			t.Fatalf("NewState = %v, want ESTABLISHED", r.NewState)
		}
		if len(r.Actions) != 2 || r.Actions[0].Kind != p0p.ServerActionSend ||
			r.Actions[0].Cmd != p0p.CmdHello || r.Actions[1].Kind != p0p.ServerActionSetTimer {
			t.Errorf("Actions = %v, want [Send(HELLO), SetTimer]", r.Actions)
		}
	})

	t.Run("HelloAwait+Other terminates", func(t *testing.T) {
		t.Parallel()
		r := p0p.ApplyServerEvent(p0p.ServerStateHelloAwait, p0p.ServerEventOther)
		if len(r.Actions) != 1 || r.Actions[0].Kind != p0p.ServerActionTerminate {
			t.Errorf("Actions = %v, want [Terminate]", r.Actions)
		}
	})

	t.Run("Established+Data resets timer and sends Alive", func(t *testing.T) {
		t.Parallel()
		r := p0p.ApplyServerEvent(p0p.ServerStateEstablished, p0p.ServerEventData)
		if len(r.Actions) != 2 || r.Actions[0].Kind != p0p.ServerActionSetTimer ||
			r.Actions[1].Kind != p0p.ServerActionSend || r.Actions[1].Cmd != p0p.CmdAlive {
			t.Errorf("Actions = %v, want [SetTimer, Send(ALIVE)]", r.Actions)
		}
	})

	for _, event := range []p0p.ServerEvent{p0p.ServerEventGoodbye, p0p.ServerEventHello, p0p.ServerEventOther} {
		event := event
		t.Run("Established+"+eventName(event)+" terminates", func(t *testing.T) {
			t.Parallel()
			r := p0p.ApplyServerEvent(p0p.ServerStateEstablished, event)
			if len(r.Actions) != 1 || r.Actions[0].Kind != p0p.ServerActionTerminate {
				t.Errorf("Actions = %v, want [Terminate]", r.Actions)
			}
		})
	}

	t.Run("Timeout always terminates", func(t *testing.T) {
		t.Parallel()
		for _, s := range []p0p.ServerState{p0p.ServerStateHelloAwait, p0p.ServerStateEstablished} {
			r := p0p.ApplyServerEvent(s, p0p.ServerEventTimeout)
			if len(r.Actions) != 1 || r.Actions[0].Kind != p0p.ServerActionTerminate {
				t.Errorf("state %v: Actions = %v, want [Terminate]", s, r.Actions)
			}
		}
	})
}

func eventName(e p0p.ServerEvent) string {
	switch e {
	case p0p.ServerEventHello:
		return "Hello"
	case p0p.ServerEventData:
		return "Data"
	case p0p.ServerEventGoodbye:
		return "Goodbye"
	case p0p.ServerEventOther:
		return "Other"
	case p0p.ServerEventTimeout:
		return "Timeout"
	default:
		return "?"
	}
}

// TestApplySequencePolicy exercises spec.md section 4.2's "Sequence policy
// (server)" table, including scenarios 2 and 3 from spec.md section 8.
func TestApplySequencePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		next     uint32
		seq      uint32
		wantOut  p0p.SeqOutcome
		wantNext uint32
	}{
		{"in order", 1, 1, p0p.SeqInOrder, 2},
		{"duplicate of previous (scenario 2)", 2, 1, p0p.SeqDuplicate, 2},
		{"gap of two (scenario 3)", 1, 3, p0p.SeqGap, 4},
		{"violation: far behind", 5, 1, p0p.SeqViolation, 5},
		{"violation: one behind the duplicate window", 5, 3, p0p.SeqViolation, 5},
		{"first packet ever", 0, 0, p0p.SeqInOrder, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotOut, gotNext := p0p.ApplySequencePolicy(tt.next, tt.seq)
			if gotOut != tt.wantOut {
				t.Errorf("outcome = %v, want %v", gotOut, tt.wantOut)
			}
			if gotOut != p0p.SeqViolation && gotNext != tt.wantNext {
				t.Errorf("newNext = %d, want %d", gotNext, tt.wantNext)
			}
		})
	}
}

func TestMissingSequenceRange(t *testing.T) {
	t.Parallel()

	first, limit := p0p.MissingSequence(1, 3)
	if first != 1 || limit != 3 {
		t.Fatalf("got [%d, %d), want [1, 3)", first, limit)
	}

	var missed []uint32
	for i := first; i < limit; i++ {
		missed = append(missed, i)
	}
	if len(missed) != 2 || missed[0] != 1 || missed[1] != 2 {
		t.Errorf("missed = %v, want [1 2]", missed)
	}
}
