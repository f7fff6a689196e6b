package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Metrics is the narrow interface the Forwarder needs from
// internal/metrics.Collector, kept local so this package doesn't import
// metrics directly.
type Metrics interface {
	ConnectionOpened(mode string)
	ConnectionClosed()
	AddBytesSpliced(direction string, n float64)
}

// noopMetrics discards every call; used when a Forwarder is built without a
// Collector.
type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(string)       {}
func (noopMetrics) ConnectionClosed()             {}
func (noopMetrics) AddBytesSpliced(string, float64) {}

// connectOKResponse is sent to the client once a CONNECT tunnel's origin
// connection succeeds (spec.md section 4.5, "CONNECT handling").
var connectOKResponse = []byte("HTTP/1.1 200 OK\r\n\r\n")

// connectBadGatewayResponse is sent when dialing a CONNECT target fails.
var connectBadGatewayResponse = []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")

// Forwarder accepts client TCP connections and forwards each one either as
// a rewritten single-shot HTTP/1.0 request or, for CONNECT, as an opaque
// byte tunnel (spec.md section 4.5).
type Forwarder struct {
	logger      *slog.Logger
	metrics     Metrics
	bufSize     int
	idleTimeout time.Duration
	dialer      net.Dialer
}

// NewForwarder returns a Forwarder. metrics may be nil, in which case
// instrumentation calls are no-ops.
func NewForwarder(bufSize int, idleTimeout time.Duration, logger *slog.Logger, metrics Metrics) *Forwarder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Forwarder{
		logger:      logger.With(slog.String("component", "httpproxy")),
		metrics:     metrics,
		bufSize:     bufSize,
		idleTimeout: idleTimeout,
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept returns a
// permanent error (spec.md section 4.5, "Accept loop"). Each accepted
// connection is handled in its own goroutine, mirroring the original
// implementation's one-thread-per-connection model.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("httpproxy: accept: %w", err)
		}

		go f.handleClient(ctx, conn)
	}
}

// handleClient reads the client's request head, resolves its target, and
// forwards it either as a rewritten single request or a CONNECT tunnel
// (spec.md section 4.5, "Request handling").
func (f *Forwarder) handleClient(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	remote := clientConn.RemoteAddr().String()

	raw, err := ReadFullHead(clientConn, f.bufSize)
	if err != nil {
		f.logger.Debug("failed to read client header", slog.String("remote", remote), slog.String("error", err.Error()))
		return
	}
	head, body := SplitHeadAndBody(raw)

	f.logger.Info("request", slog.String("remote", remote), slog.String("line", FirstLine(head)))

	host, port, err := ParseTarget(head)
	if err != nil {
		f.logger.Debug("failed to resolve target", slog.String("remote", remote), slog.String("error", err.Error()))
		return
	}
	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	if IsConnect(head) {
		f.handleConnect(ctx, clientConn, target)
		return
	}
	f.handleForward(ctx, clientConn, target, head, body)
}

// handleForward dials the origin, rewrites and forwards the request head,
// then splices the two connections so the origin's rewritten response
// reaches the client (spec.md section 4.5, "Non-tunnel forwarding").
func (f *Forwarder) handleForward(ctx context.Context, clientConn net.Conn, target string, head, body []byte) {
	originConn, err := f.dial(ctx, target)
	if err != nil {
		f.logger.Debug("dial origin failed", slog.String("target", target), slog.String("error", err.Error()))
		return
	}
	defer originConn.Close()

	f.setDeadlines(clientConn, originConn)

	if _, err := originConn.Write(RewriteHead(head, body)); err != nil {
		f.logger.Debug("write to origin failed", slog.String("target", target), slog.String("error", err.Error()))
		return
	}

	f.metrics.ConnectionOpened("forward")
	defer f.metrics.ConnectionClosed()

	f.spliceForward(clientConn, originConn)
}

// handleConnect dials the CONNECT target, replies 200 or 502, and then
// splices both connections verbatim (spec.md section 4.5, "CONNECT
// handling").
func (f *Forwarder) handleConnect(ctx context.Context, clientConn net.Conn, target string) {
	originConn, err := f.dial(ctx, target)
	if err != nil {
		f.logger.Debug("dial CONNECT target failed", slog.String("target", target), slog.String("error", err.Error()))
		_, _ = clientConn.Write(connectBadGatewayResponse)
		return
	}
	defer originConn.Close()

	if _, err := clientConn.Write(connectOKResponse); err != nil {
		return
	}

	f.setDeadlines(clientConn, originConn)

	f.metrics.ConnectionOpened("tunnel")
	defer f.metrics.ConnectionClosed()

	f.spliceTunnel(clientConn, originConn)
}

func (f *Forwarder) dial(ctx context.Context, target string) (net.Conn, error) {
	dialCtx := ctx
	if f.idleTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.idleTimeout)
		defer cancel()
	}
	return f.dialer.DialContext(dialCtx, "tcp", target)
}

func (f *Forwarder) setDeadlines(conns ...net.Conn) {
	if f.idleTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(f.idleTimeout)
	for _, c := range conns {
		_ = c.SetDeadline(deadline)
	}
}

// spliceForward copies everything the client sends after the request head
// to the origin (body bytes buffered with the head were already sent by
// handleForward), reads a
// single rewritten response head from the origin, forwards it, then copies
// the rest of the origin's response body to the client -- the
// non-tunneling half of spec.md section 4.5's "Splice" behavior. Each
// side's EOF triggers a half-close on the other direction so neither a slow
// client nor a slow origin blocks the other's teardown.
func (f *Forwarder) spliceForward(clientConn, originConn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		n, _ := io.Copy(originConn, clientConn)
		f.metrics.AddBytesSpliced("up", float64(n))
		closeWrite(originConn)
	}()

	go func() {
		defer func() { done <- struct{}{} }()

		raw, err := ReadFullHead(originConn, f.bufSize)
		if err != nil {
			closeWrite(clientConn)
			return
		}
		respHead, respBody := SplitHeadAndBody(raw)

		if _, err := clientConn.Write(RewriteHead(respHead, respBody)); err != nil {
			closeWrite(clientConn)
			return
		}
		f.metrics.AddBytesSpliced("down", float64(len(respHead)+len(respBody)))

		n, _ := io.Copy(clientConn, originConn)
		f.metrics.AddBytesSpliced("down", float64(n))
		closeWrite(clientConn)
	}()

	<-done
	<-done
}

// spliceTunnel copies bytes verbatim in both directions until each side's
// EOF, half-closing the other direction after -- the CONNECT-tunnel half of
// spec.md section 4.5's "Splice" behavior.
func (f *Forwarder) spliceTunnel(clientConn, originConn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		n, _ := io.Copy(originConn, clientConn)
		f.metrics.AddBytesSpliced("up", float64(n))
		closeWrite(originConn)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n, _ := io.Copy(clientConn, originConn)
		f.metrics.AddBytesSpliced("down", float64(n))
		closeWrite(clientConn)
	}()

	<-done
	<-done
}

// halfCloser is implemented by *net.TCPConn; it lets spliceForward and
// spliceTunnel signal "no more data this direction" without tearing down
// the whole connection, exactly like the original implementation's
// shutdown(socket.SHUT_WR) calls.
type halfCloser interface {
	CloseWrite() error
}

// closeWrite half-closes conn's write side if it supports CloseWrite,
// otherwise falls back to a full close.
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err == nil || errors.Is(err, net.ErrClosed) {
			return
		}
	}
	_ = conn.Close()
}
