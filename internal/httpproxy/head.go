// Package httpproxy implements an HTTP/1.x forwarding proxy with CONNECT
// tunneling (spec.md section 4.5), grounded on the original implementation's
// regex-based header handling.
package httpproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoHostHeader indicates the client's request is missing a Host header,
// matching the original implementation's WrongHTTPFormatException.
var ErrNoHostHeader = errors.New("httpproxy: no Host header found")

// ErrMalformedHost indicates a Host header value could not be split into a
// host/port pair.
var ErrMalformedHost = errors.New("httpproxy: malformed Host header")

var (
	hostPattern       = regexp.MustCompile(`(?i)\r?\n[ ]*Host[ ]*:[ ]*([^ \r\n]+)`)
	portPattern       = regexp.MustCompile(`:(\d+)`)
	httpsPattern      = regexp.MustCompile(`(?i)https://`)
	headerEndPattern  = regexp.MustCompile(`(\r\n\r\n)|(\n\n)`)
	connectionPattern = regexp.MustCompile(`(?im)^[ ]*Connection[ ]*:[^\r\n]*\r?\n`)
	proxyConnPattern  = regexp.MustCompile(`(?i)[ ]*Proxy-connection[ ]*:[ ]*keep-alive[ ]*\r?\n`)
	httpVersionToken  = []byte("HTTP/1.1")
)

const defaultHTTPPort = 80
const defaultHTTPSPort = 443

// ReadFullHead reads from r in bufSize chunks until the blank line
// terminating an HTTP header -- either "\r\n\r\n" or a bare "\n\n" -- has
// been seen, then returns every byte read so far: the header itself plus
// whatever body or pipelined-request bytes happened to arrive in the same
// underlying reads (spec.md section 4.5, "Header read"). Callers split the
// two with SplitHeadAndBody. It mirrors the original's
// read_full_http_header, which grows a buffer with successive recv() calls
// rather than using a bufio.Reader, so a client that never sends the
// terminator blocks forever just as the original does.
func ReadFullHead(r io.Reader, bufSize int) ([]byte, error) {
	if bufSize <= 0 {
		bufSize = 1024
	}

	var raw bytes.Buffer
	chunk := make([]byte, bufSize)

	for {
		if headerEndPattern.Match(raw.Bytes()) {
			return raw.Bytes(), nil
		}

		n, err := r.Read(chunk)
		if n > 0 {
			raw.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF && raw.Len() > 0 {
				return nil, fmt.Errorf("httpproxy: connection closed before header terminator: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}

// FirstLine returns the request or status line of an HTTP head (the text
// before its first line break).
func FirstLine(head []byte) string {
	s := string(head)
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// ParseTarget extracts the (host, port) pair a CONNECT or forwarded request
// is addressed to, following the Host header's value and, for a bare
// hostname, the request line's scheme (spec.md section 4.5, "Target
// resolution").
func ParseTarget(head []byte) (host string, port int, err error) {
	match := hostPattern.FindSubmatch(head)
	if match == nil {
		return "", 0, ErrNoHostHeader
	}

	hostHeader := string(match[1])
	parts := strings.Split(hostHeader, ":")

	switch len(parts) {
	case 1:
		host = parts[0]
		port = portFromFirstLine(FirstLine(head))
	case 2:
		host = parts[0]
		p, perr := strconv.Atoi(parts[1])
		if perr != nil {
			return "", 0, fmt.Errorf("%w: %q", ErrMalformedHost, hostHeader)
		}
		port = p
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedHost, hostHeader)
	}

	return host, port, nil
}

// portFromFirstLine infers the target port from the request line when the
// Host header carries no explicit port: an explicit ":NNN" in the request
// line wins, then "https://" anywhere in it (case-insensitive) implies 443,
// else 80.
func portFromFirstLine(firstLine string) int {
	if m := portPattern.FindStringSubmatch(firstLine); m != nil {
		if p, err := strconv.Atoi(m[1]); err == nil {
			return p
		}
	}
	if httpsPattern.MatchString(firstLine) {
		return defaultHTTPSPort
	}
	return defaultHTTPPort
}

// IsConnect reports whether head is a CONNECT request.
func IsConnect(head []byte) bool {
	return bytes.HasPrefix(head, []byte("CONNECT"))
}

// RewriteHead rewrites a non-tunneled request or response header for
// single-shot forwarding (spec.md section 4.5, "Header rewrite"): strips
// any existing Connection header, appends "Connection: close", rewrites a
// keep-alive Proxy-connection header to "close", and downgrades the
// protocol version token to HTTP/1.0 so neither side attempts to reuse the
// connection. head must include the trailing CRLFCRLF terminator; anything
// already read past it (request/response body bytes already buffered by
// the caller) is passed through unchanged via payload.
func RewriteHead(head []byte, payload []byte) []byte {
	loc := headerEndPattern.FindIndex(head)
	var header string
	if loc != nil {
		header = string(head[:loc[0]]) + "\r\n"
	} else {
		header = string(head) + "\r\n"
	}

	header = connectionPattern.ReplaceAllString(header, "")
	header += "Connection: close\r\n"
	header = proxyConnPattern.ReplaceAllString(header, "Proxy-connection: close\r\n")
	header = strings.ReplaceAll(header, string(httpVersionToken), "HTTP/1.0")

	out := make([]byte, 0, len(header)+2+len(payload))
	out = append(out, header...)
	out = append(out, '\r', '\n')
	out = append(out, payload...)
	return out
}

// SplitHeadAndBody separates the header bytes (including the terminator)
// already read from the in-flight body bytes that followed it in the same
// read, given the full buffer returned by ReadFullHead. A buffer with no
// terminator is returned whole as head, with a nil body.
func SplitHeadAndBody(raw []byte) (head, body []byte) {
	loc := headerEndPattern.FindIndex(raw)
	if loc == nil {
		return raw, nil
	}
	return raw[:loc[1]], raw[loc[1]:]
}
