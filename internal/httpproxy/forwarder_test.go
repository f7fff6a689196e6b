package httpproxy_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/arodax/p0pnet/internal/httpproxy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestForwarderNonTunnelRewritesAndForwards reproduces spec.md section 8
// scenario 5: a plain (non-CONNECT) request is forwarded to the origin and
// its response is relayed back with headers rewritten.
func TestForwarderNonTunnelRewritesAndForwards(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Connection"); got != "close" {
			t.Errorf("origin saw Connection = %q, want %q", got, "close")
		}
		w.Header().Set("Connection", "keep-alive")
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	originAddr := strings.TrimPrefix(origin.URL, "http://")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	fwd := httpproxy.NewForwarder(1024, 5*time.Second, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- fwd.Serve(ctx, ln) }()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer clientConn.Close()

	req := "GET / HTTP/1.1\r\nHost: " + originAddr + "\r\nConnection: keep-alive\r\n\r\n"
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if err := clientConn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.ProtoMajor != 1 || resp.ProtoMinor != 0 {
		t.Errorf("response protocol = %d.%d, want 1.0", resp.ProtoMajor, resp.ProtoMinor)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello from origin" {
		t.Errorf("body = %q, want %q", body, "hello from origin")
	}

	cancel()
	<-serveDone
}

// TestForwarderConnectTunnelSplicesBothDirections reproduces spec.md
// section 8 scenario 6: a CONNECT request gets a 200 response and then an
// opaque byte tunnel in both directions.
func TestForwarderConnectTunnelSplicesBothDirections(t *testing.T) {
	t.Parallel()

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	originDone := make(chan struct{})
	go func() {
		defer close(originDone)
		conn, err := originLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if got := string(buf[:n]); got != "ping" {
			t.Errorf("origin received %q, want %q", got, "ping")
		}
		_, _ = conn.Write([]byte("pong"))
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}

	fwd := httpproxy.NewForwarder(1024, 5*time.Second, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- fwd.Serve(ctx, ln) }()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer clientConn.Close()

	connectReq := "CONNECT " + originLn.Addr().String() + " HTTP/1.1\r\nHost: " + originLn.Addr().String() + "\r\n\r\n"
	if _, err := clientConn.Write([]byte(connectReq)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	if err := clientConn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	status := make([]byte, len("HTTP/1.1 200 OK\r\n\r\n"))
	if _, err := io.ReadFull(clientConn, status); err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if !strings.Contains(string(status), "200") {
		t.Fatalf("CONNECT response = %q, want 200", status)
	}

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatalf("write tunnel payload: %v", err)
	}
	reply := make([]byte, len("pong"))
	if _, err := io.ReadFull(clientConn, reply); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("tunnel reply = %q, want %q", reply, "pong")
	}

	clientConn.Close()
	<-originDone

	cancel()
	<-serveDone
	originLn.Close()
}

// TestForwarderConnectBadGateway verifies a 502 is returned when the
// CONNECT target cannot be dialed.
func TestForwarderConnectBadGateway(t *testing.T) {
	t.Parallel()

	// Listen then immediately close to get an address nothing is bound to.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}

	fwd := httpproxy.NewForwarder(1024, 2*time.Second, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- fwd.Serve(ctx, ln) }()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer clientConn.Close()

	connectReq := "CONNECT " + deadAddr + " HTTP/1.1\r\nHost: " + deadAddr + "\r\n\r\n"
	if _, err := clientConn.Write([]byte(connectReq)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	if err := clientConn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 64)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "502") {
		t.Errorf("response = %q, want to contain 502", buf[:n])
	}

	cancel()
	<-serveDone
}
