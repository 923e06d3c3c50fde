package httpx

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestHeaderEnd(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"CONNECT a:1 HTTP/1.1\r\n\r\n", 24},
		{"CONNECT a:1 HTTP/1.1\n\n", 22},
		{"CONNECT a:1 HTTP/1.1\r\nHost: a\r\n", -1},
		{"GET / HTTP/1.0\n\nbody\r\n\r\n", 16},
		{"", -1},
	}
	for _, c := range cases {
		if got := HeaderEnd([]byte(c.in)); got != c.want {
			t.Errorf("HeaderEnd(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRequestHead(t *testing.T) {
	head := []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nX-Broken\r\nUser-Agent: ssh\r\n\r\n")
	p, err := ParseRequestHead(head)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Method != "CONNECT" || p.URI != "example.com:443" || p.Proto != "HTTP/1.1" {
		t.Fatalf("unexpected request line: %+v", p)
	}
	if got := p.Get("host"); got != "example.com:443" {
		t.Errorf("Host = %q", got)
	}
	if got := p.Get("USER-AGENT"); got != "ssh" {
		t.Errorf("User-Agent = %q", got)
	}
	if len(p.Headers) != 2 {
		t.Errorf("expected malformed header to be skipped, got %d headers", len(p.Headers))
	}

	if _, err := ParseRequestHead([]byte("CONNECT\r\n\r\n")); err == nil {
		t.Error("expected error for short request line")
	}
}

func TestParseStatusHead(t *testing.T) {
	s, err := ParseStatusHead([]byte("HTTP/1.1 200 Connection established\r\nProxy-Agent: test\r\n\r\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Code != 200 || s.Reason != "Connection established" || s.Get("proxy-agent") != "test" {
		t.Fatalf("unexpected status head: %+v", s)
	}
	for _, bad := range []string{"SSH-2.0-OpenSSH\r\n\r\n", "HTTP/1.1 abc\r\n\r\n", "\r\n\r\n"} {
		if _, err := ParseStatusHead([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestReadHeadKeepsRemainder(t *testing.T) {
	r := io.MultiReader(strings.NewReader("HTTP/1.1 200 OK\r\n"), strings.NewReader("\r\nSSH-2.0-test\r\n"))
	head, rest, err := ReadHead(r, 1024)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if string(head) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Errorf("head = %q", head)
	}
	if string(rest) != "SSH-2.0-test\r\n" {
		t.Errorf("rest = %q", rest)
	}
}

func TestReadHeadLimits(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 10000)
	if _, _, err := ReadHead(bytes.NewReader(big), 4096); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("expected ErrHeaderTooLarge, got %v", err)
	}
	if _, _, err := ReadHead(strings.NewReader("HTTP/1.1 200 OK\r\n"), 4096); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}
