package bridge

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/matst80/httpssh/internal/httpx"
)

const (
	DefaultSniffTimeout = time.Second
	DefaultMaxPreamble  = 64 * 1024
	sniffReadSize       = 4096
)

// ErrOversizedPreamble aborts a connection whose CONNECT head does not terminate within the cap.
var ErrOversizedPreamble = errors.New("bridge: oversized CONNECT preamble")

type Mode int

const (
	// ModeNone means the peer closed without sending anything.
	ModeNone Mode = iota
	ModeConnect
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeConnect:
		return "connect"
	case ModeDirect:
		return "direct"
	}
	return "none"
}

// Preamble is what the sniffer read before deciding. For ModeConnect, Head is the request head
// including its terminator and Rest is whatever followed it. For ModeDirect, Rest holds every byte read.
type Preamble struct {
	Mode Mode
	Head []byte
	Rest []byte
}

var connectPrefix = []byte("CONNECT ")

// classify inspects buffered bytes. decided is false while more input could change the outcome.
func classify(buf []byte) (mode Mode, headEnd int, decided bool) {
	if len(buf) == 0 {
		return ModeNone, -1, false
	}
	n := min(len(buf), len(connectPrefix))
	if !bytes.EqualFold(buf[:n], connectPrefix[:n]) {
		return ModeDirect, -1, true
	}
	if n < len(connectPrefix) {
		return ModeNone, -1, false
	}
	if end := httpx.HeaderEnd(buf); end >= 0 {
		return ModeConnect, end, true
	}
	return ModeNone, -1, false
}

// Sniff reads from conn until the first bytes are classified, timeout passes, or max bytes were read.
// A timeout or EOF with bytes in hand classifies as direct. A timeout with nothing read is also direct
// so protocols where the server speaks first still pass; EOF with nothing read yields ModeNone.
func Sniff(conn net.Conn, timeout time.Duration, max int) (*Preamble, error) {
	if timeout <= 0 {
		timeout = DefaultSniffTimeout
	}
	if max <= 0 {
		max = DefaultMaxPreamble
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, sniffReadSize)
	chunk := make([]byte, sniffReadSize)
	for {
		if mode, end, ok := classify(buf); ok {
			return split(mode, buf, end), nil
		}
		if len(buf) >= max {
			return nil, ErrOversizedPreamble
		}
		n, err := conn.Read(chunk[:min(sniffReadSize, max-len(buf))])
		buf = append(buf, chunk[:n]...)
		if err == nil {
			continue
		}
		if mode, end, ok := classify(buf); ok {
			return split(mode, buf, end), nil
		}
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return &Preamble{Mode: ModeDirect, Rest: buf}, nil
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return &Preamble{Mode: ModeNone}, nil
			}
			return &Preamble{Mode: ModeDirect, Rest: buf}, nil
		default:
			return nil, err
		}
	}
}

func split(mode Mode, buf []byte, end int) *Preamble {
	if mode == ModeConnect {
		return &Preamble{Mode: ModeConnect, Head: buf[:end], Rest: buf[end:]}
	}
	return &Preamble{Mode: mode, Rest: buf}
}
