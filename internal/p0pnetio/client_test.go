package p0pnetio_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/arodax/p0pnet/internal/p0p"
	"github.com/arodax/p0pnet/internal/p0pnetio"
)

// TestClientDriverHappyPath drives a real ClientDriver against a minimal
// hand-rolled UDP peer that plays the server's part of spec.md section 8
// scenario 1: reply HELLO to HELLO, ALIVE to DATA, and GOODBYE to GOODBYE.
func TestClientDriverHappyPath(t *testing.T) {
	t.Parallel()

	fake, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer fake.Close()

	serverDone := make(chan struct{})
	go runFakeServer(t, fake, serverDone)

	client, err := p0pnetio.NewClientDriver(fake.LocalAddr().String(), time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewClientDriver: %v", err)
	}

	// Only "q" is sent: EOF is a defined transition from HELLO_WAIT, READY
	// and READY_TIMER, so the test's outcome doesn't depend on whether it races
	// ahead of the HELLO reply. A stdin data line is exercised instead by
	// the pure-FSM table tests in internal/p0p, which don't have to
	// account for that ordering race.
	stdin := strings.NewReader("q\n")

	runDone := make(chan error, 1)
	go func() {
		runDone <- client.Run(context.Background(), stdin)
	}()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("client Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reach CLOSED in time")
	}

	fake.Close()
	<-serverDone
}

// runFakeServer replies to every datagram it receives the way the real
// server would for a single well-behaved session, then exits once it has
// echoed a GOODBYE or the socket is closed.
func runFakeServer(t *testing.T, pc net.PacketConn, done chan<- struct{}) {
	t.Helper()
	defer close(done)

	buf := make([]byte, p0p.MaxMessageLength)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := p0p.Decode(buf[:n])
		if err != nil {
			continue
		}

		switch msg.Command {
		case p0p.CmdHello:
			_, _ = pc.WriteTo(p0p.Encode(p0p.CmdHello, 0, msg.SessionID, nil), addr)
		case p0p.CmdData:
			_, _ = pc.WriteTo(p0p.Encode(p0p.CmdAlive, 0, msg.SessionID, nil), addr)
		case p0p.CmdGoodbye:
			_, _ = pc.WriteTo(p0p.Encode(p0p.CmdGoodbye, 0, msg.SessionID, nil), addr)
			return
		}
	}
}
