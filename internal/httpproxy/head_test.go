package httpproxy_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/arodax/p0pnet/internal/httpproxy"
)

func TestReadFullHeadStopsAtTerminator(t *testing.T) {
	t.Parallel()

	const want = "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	r := strings.NewReader(want + "leftover-body")

	raw, err := httpproxy.ReadFullHead(r, 8)
	if err != nil {
		t.Fatalf("ReadFullHead: %v", err)
	}
	if !bytes.Contains(raw, []byte(want)) {
		t.Fatalf("raw = %q, want to contain %q", raw, want)
	}
}

// TestReadFullHeadAcceptsBareLFTerminator verifies the bare "\n\n" header
// terminator spec.md section 4.5 requires alongside "\r\n\r\n".
func TestReadFullHeadAcceptsBareLFTerminator(t *testing.T) {
	t.Parallel()

	const want = "GET / HTTP/1.1\nHost: example.com\n\n"
	r := strings.NewReader(want + "leftover-body")

	raw, err := httpproxy.ReadFullHead(r, 8)
	if err != nil {
		t.Fatalf("ReadFullHead: %v", err)
	}
	if !bytes.Contains(raw, []byte(want)) {
		t.Fatalf("raw = %q, want to contain %q", raw, want)
	}

	// The 34-byte head ends inside the fifth 8-byte read, so only the first
	// six body bytes have been read when ReadFullHead returns.
	head, body := httpproxy.SplitHeadAndBody(raw)
	if string(head) != want {
		t.Errorf("head = %q, want %q", head, want)
	}
	if string(body) != "leftov" {
		t.Errorf("body = %q, want %q", body, "leftov")
	}
}

func TestReadFullHeadCapturesOverreadBody(t *testing.T) {
	t.Parallel()

	// A single large Read can deliver the header terminator and the
	// start of the body in one call; ReadFullHead must preserve both so
	// SplitHeadAndBody can recover the body bytes.
	const msg = "POST /x HTTP/1.1\r\nHost: example.com\r\n\r\nbody-bytes"
	r := strings.NewReader(msg)

	raw, err := httpproxy.ReadFullHead(r, 4096)
	if err != nil {
		t.Fatalf("ReadFullHead: %v", err)
	}

	head, body := httpproxy.SplitHeadAndBody(raw)
	if !strings.HasSuffix(string(head), "\r\n\r\n") {
		t.Errorf("head = %q, want to end with blank line", head)
	}
	if string(body) != "body-bytes" {
		t.Errorf("body = %q, want %q", body, "body-bytes")
	}
}

func TestReadFullHeadErrorsOnTruncatedConnection(t *testing.T) {
	t.Parallel()

	r := strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n")
	_, err := httpproxy.ReadFullHead(r, 1024)
	if err == nil {
		t.Fatal("want error for header without terminator, got nil")
	}
}

func TestParseTargetExplicitPort(t *testing.T) {
	t.Parallel()

	head := []byte("GET http://example.com:8080/path HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	host, port, err := httpproxy.ParseTarget(head)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if host != "example.com" || port != 8080 {
		t.Errorf("got (%q, %d), want (%q, %d)", host, port, "example.com", 8080)
	}
}

func TestParseTargetBareHostDefaultsTo80(t *testing.T) {
	t.Parallel()

	head := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	host, port, err := httpproxy.ParseTarget(head)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if host != "example.com" || port != 80 {
		t.Errorf("got (%q, %d), want (%q, %d)", host, port, "example.com", 80)
	}
}

func TestParseTargetBareHostHTTPSSchemeDefaultsTo443(t *testing.T) {
	t.Parallel()

	head := []byte("GET https://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	host, port, err := httpproxy.ParseTarget(head)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if host != "example.com" || port != 443 {
		t.Errorf("got (%q, %d), want (%q, %d)", host, port, "example.com", 443)
	}
}

func TestParseTargetConnectRequest(t *testing.T) {
	t.Parallel()

	head := []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	if !httpproxy.IsConnect(head) {
		t.Fatal("IsConnect = false, want true")
	}
	host, port, err := httpproxy.ParseTarget(head)
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if host != "example.com" || port != 443 {
		t.Errorf("got (%q, %d), want (%q, %d)", host, port, "example.com", 443)
	}
}

func TestParseTargetMissingHostHeader(t *testing.T) {
	t.Parallel()

	head := []byte("GET / HTTP/1.1\r\n\r\n")
	_, _, err := httpproxy.ParseTarget(head)
	if !errors.Is(err, httpproxy.ErrNoHostHeader) {
		t.Errorf("err = %v, want ErrNoHostHeader", err)
	}
}

// TestRewriteHeadIsIdempotent verifies the property spec.md section 8
// requires: rewriting an already-rewritten head produces the same result
// (Connection and Proxy-connection headers collapse to a single "close"
// each time, HTTP/1.1 never reappears).
func TestRewriteHeadIsIdempotent(t *testing.T) {
	t.Parallel()

	original := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\nProxy-connection: keep-alive\r\n\r\n")

	once := httpproxy.RewriteHead(original, nil)
	twice := httpproxy.RewriteHead(once, nil)

	if !bytes.Equal(once, twice) {
		t.Errorf("RewriteHead is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
	if !bytes.Contains(once, []byte("Connection: close")) {
		t.Errorf("rewritten head missing Connection: close: %q", once)
	}
	if bytes.Contains(once, []byte("HTTP/1.1")) {
		t.Errorf("rewritten head still contains HTTP/1.1: %q", once)
	}
}

func TestRewriteHeadPreservesPayload(t *testing.T) {
	t.Parallel()

	head := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	out := httpproxy.RewriteHead(head, []byte("payload-bytes"))

	if !bytes.HasSuffix(out, []byte("payload-bytes")) {
		t.Errorf("rewritten output = %q, want suffix %q", out, "payload-bytes")
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	got := httpproxy.FirstLine([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	if got != "GET / HTTP/1.1" {
		t.Errorf("FirstLine = %q, want %q", got, "GET / HTTP/1.1")
	}
}
