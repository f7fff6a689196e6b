package p0pnetio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/arodax/p0pnet/internal/p0p"
)

// ServerDriver owns the server's single bound UDP socket (spec.md section
// 4.4). It implements p0p.Sender so a *p0p.Manager can reply through it
// directly, and it funnels incoming datagrams into the manager's Demux.
type ServerDriver struct {
	conn    net.PacketConn
	logger  *slog.Logger
	manager *p0p.Manager
}

// NewServerDriver binds a UDP socket on addr (e.g. ":9001") with
// SO_REUSEPORT set (see reuseport_linux.go / reuseport_other.go), and
// returns a driver whose Manager is ready to use as that socket's Sender.
func NewServerDriver(addr string, timeout time.Duration, logger *slog.Logger) (*ServerDriver, error) {
	logger = logger.With(slog.String("component", "p0pnetio.server"))

	lc := net.ListenConfig{Control: controlSetReusePort}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("p0p server: listen %s: %w", addr, err)
	}

	d := &ServerDriver{
		conn:   conn,
		logger: logger,
	}
	d.manager = p0p.NewManager(d, logger, timeout)
	return d, nil
}

// Manager returns the driver's session manager, for metrics and tests.
func (d *ServerDriver) Manager() *p0p.Manager { return d.manager }

// Addr returns the socket's bound local address, useful when addr was
// given with an ephemeral port (":0") such as in tests.
func (d *ServerDriver) Addr() net.Addr { return d.conn.LocalAddr() }

// SendTo implements p0p.Sender over the bound socket.
func (d *ServerDriver) SendTo(buf []byte, addr net.Addr) error {
	_, err := d.conn.WriteTo(buf, addr)
	return err
}

// Run serves the UDP receive loop and the stdin shutdown trigger
// concurrently until ctx is cancelled, a fatal socket error occurs, or
// stdin signals EOF/"q" (spec.md section 4.4, "Stdin path").
func (d *ServerDriver) Run(ctx context.Context, stdin io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	netErrCh := make(chan error, 1)
	go func() {
		netErrCh <- d.networkLoop(ctx)
	}()

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		d.stdinLoop(ctx, stdin)
		cancel()
	}()

	select {
	case <-ctx.Done():
	case err := <-netErrCh:
		if err != nil {
			d.logger.Error("network loop stopped", slog.String("error", err.Error()))
		}
		cancel()
	}

	// Send every live session its GOODBYE while the socket is still open.
	d.manager.TerminateAll()

	// Unblock the network loop's pending ReadFrom so it observes ctx's
	// cancellation instead of waiting forever for another datagram.
	d.conn.Close()

	<-stdinDone
	<-netErrCh
	return nil
}

// networkLoop reads datagrams until ctx is cancelled or the socket errors.
// Malformed datagrams and per-peer protocol errors never stop the loop
// (spec.md section 7, "the server's network loop MUST NOT terminate
// because a single peer misbehaved").
func (d *ServerDriver) networkLoop(ctx context.Context) error {
	buf := make([]byte, p0p.MaxMessageLength)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, peerAddr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("p0p server: recv: %w", err)
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		d.manager.Demux(msg, peerAddr)
	}
}

// stdinLoop reads lines until EOF or a trimmed "q" line, matching the
// client driver's EOF inference (spec.md section 4.4: "on EOF or 'q',
// terminate all sessions").
func (d *ServerDriver) stdinLoop(ctx context.Context, stdin io.Reader) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimRightFunc(scanner.Text(), unicode.IsSpace)
		if line == "q" {
			return
		}
	}
}
