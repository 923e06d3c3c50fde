package httpx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrHeaderTooLarge is returned when no header terminator shows up within the size limit.
var ErrHeaderTooLarge = errors.New("httpx: header too large")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// RequestHead is a parsed HTTP/1.x request line plus header block.
type RequestHead struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *RequestHead) Get(name string) string {
	return get(p.Headers, name)
}

// StatusHead is a parsed HTTP/1.x status line plus header block.
type StatusHead struct {
	Proto   string
	Code    int
	Reason  string
	Headers []Header
}

func (s *StatusHead) Get(name string) string {
	return get(s.Headers, name)
}

func get(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderEnd locates the blank line ending a header block. It accepts both the strict CRLF form and the
// lenient bare LF form, whichever comes first, and returns the offset just past the terminator or -1.
func HeaderEnd(b []byte) int {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf == -1 && lf == -1:
		return -1
	case lf == -1 || (crlf != -1 && crlf < lf):
		return crlf + 4
	default:
		return lf + 2
	}
}

// ReadHead reads from r until a complete header block is buffered or max bytes were consumed.
// It returns the header bytes (terminator included) and whatever was read past them.
func ReadHead(r io.Reader, max int) (head, rest []byte, err error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		if end := HeaderEnd(buf); end != -1 {
			return buf[:end], buf[end:], nil
		}
		if len(buf) > max {
			return nil, nil, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, len(buf), max)
		}
		n, rerr := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr != nil {
			if end := HeaderEnd(buf); end != -1 {
				return buf[:end], buf[end:], nil
			}
			if errors.Is(rerr, io.EOF) {
				return nil, nil, io.ErrUnexpectedEOF
			}
			return nil, nil, rerr
		}
	}
}

// ParseRequestHead parses a request line and headers from a complete header block.
func ParseRequestHead(head []byte) (*RequestHead, error) {
	first, headers, err := splitHead(head)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(first)
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad request line: %q", first)
	}
	return &RequestHead{Method: parts[0], URI: parts[1], Proto: parts[2], Headers: headers}, nil
}

// ParseStatusHead parses a status line ("HTTP/1.1 200 Connection established") and headers.
func ParseStatusHead(head []byte) (*StatusHead, error) {
	first, headers, err := splitHead(head)
	if err != nil {
		return nil, err
	}
	proto, rest, _ := strings.Cut(first, " ")
	codeStr, reason, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("bad status line: %q", first)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("bad status code in %q", first)
	}
	return &StatusHead{Proto: proto, Code: code, Reason: reason, Headers: headers}, nil
}

func splitHead(head []byte) (string, []Header, error) {
	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 {
		return "", nil, errors.New("empty header")
	}
	first := strings.TrimRight(lines[0], "\r")
	if first == "" {
		return "", nil, errors.New("empty start line")
	}
	var headers []Header
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue // skip malformed
		}
		headers = append(headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}
	return first, headers, nil
}
