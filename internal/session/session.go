// Package session turns one backend TCP connection into a pollable byte stream.
//
// A Session owns its socket and a single reader goroutine. The reader pushes each chunk it reads onto a
// bounded queue and closes the queue when the backend goes away; closing the queue is the terminal
// marker that Recv turns into a Closed result. Requests never touch the socket for reading, so a
// long-poll that gives up simply leaves the data queued for the next one.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/httpssh/internal/obs"
)

// DefaultMaxChunk bounds a single backend read and a single Data result.
const DefaultMaxChunk = 64 * 1024

const queueDepth = 64

// Kind tags the outcome of Recv.
type Kind int

const (
	Pending Kind = iota
	Data
	Closed
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Data:
		return "data"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RecvResult is the tri-state answer to a poll. Data is only set for Kind == Data.
type RecvResult struct {
	Kind Kind
	Data []byte
}

type Session struct {
	id        string
	target    string
	conn      net.Conn
	maxChunk  int
	createdAt time.Time
	// nanoseconds since createdAt, monotonic
	lastActivity atomic.Int64

	queue      chan []byte
	done       chan struct{}
	readerDone chan struct{}

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// recvSem serializes pollers; carry and drained are only touched while holding it.
	recvSem chan struct{}
	carry   []byte
	drained bool
}

// Dial connects to target and wraps the connection. Dial failures never produce a session.
func Dial(ctx context.Context, id, target string, timeout time.Duration, maxChunk int) (*Session, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return New(id, target, conn, maxChunk), nil
}

// New wraps an established connection and starts its reader.
func New(id, target string, conn net.Conn, maxChunk int) *Session {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	s := &Session{
		id:         id,
		target:     target,
		conn:       conn,
		maxChunk:   maxChunk,
		createdAt:  time.Now(),
		queue:      make(chan []byte, queueDepth),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		recvSem:    make(chan struct{}, 1),
	}
	go s.readLoop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Target() string       { return s.target }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) IsClosed() bool       { return s.closed.Load() }

// IdleFor reports how long ago the last successful send or Data recv happened.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.createdAt) - time.Duration(s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(int64(time.Since(s.createdAt)))
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.queue)
	for {
		buf := make([]byte, s.maxChunk)
		n, err := s.conn.Read(buf)
		if n > 0 {
			select {
			case s.queue <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				obs.Debug("session.read.error", obs.Fields{"id": s.id, "err": err})
			}
			return
		}
	}
}

// Send writes all of p to the backend. Concurrent senders are serialized so writes never interleave.
func (s *Session) Send(p []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	total := len(p)
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			if s.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("session %s: write: %w", s.id, err)
		}
		p = p[n:]
	}
	s.touch()
	obs.SessionBytesTotal.WithLabelValues("upstream").Add(float64(total))
	return nil
}

var expiredNow = func() <-chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// Recv waits up to timeout for backend bytes. A timeout of zero polls without waiting.
// Cancelling ctx yields Pending, the same as a timeout.
func (s *Session) Recv(ctx context.Context, timeout time.Duration) RecvResult {
	expired := expiredNow
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case s.recvSem <- struct{}{}:
	default:
		select {
		case s.recvSem <- struct{}{}:
		case <-expired:
			return RecvResult{Kind: Pending}
		case <-ctx.Done():
			return RecvResult{Kind: Pending}
		}
	}
	defer func() { <-s.recvSem }()

	if s.drained {
		return RecvResult{Kind: Closed}
	}
	first, ok, got := s.takeReady()
	if !got {
		select {
		case first, ok = <-s.queue:
		case <-expired:
			return RecvResult{Kind: Pending}
		case <-ctx.Done():
			return RecvResult{Kind: Pending}
		}
	}
	if !ok {
		s.drained = true
		return RecvResult{Kind: Closed}
	}

	out := make([]byte, 0, s.maxChunk)
	out = append(out, first...)
coalesce:
	for len(out) < s.maxChunk {
		select {
		case chunk, ok := <-s.queue:
			if !ok {
				// the next call reports Closed
				s.drained = true
				break coalesce
			}
			room := s.maxChunk - len(out)
			if len(chunk) > room {
				out = append(out, chunk[:room]...)
				s.carry = chunk[room:]
				break coalesce
			}
			out = append(out, chunk...)
		default:
			break coalesce
		}
	}
	s.touch()
	obs.SessionBytesTotal.WithLabelValues("downstream").Add(float64(len(out)))
	return RecvResult{Kind: Data, Data: out}
}

// takeReady returns leftover or already queued bytes without blocking.
func (s *Session) takeReady() (b []byte, ok, got bool) {
	if len(s.carry) > 0 {
		b, s.carry = s.carry, nil
		return b, true, true
	}
	select {
	case b, ok = <-s.queue:
		return b, ok, true
	default:
		return nil, false, false
	}
}

// Close is idempotent. It returns once the reader has exited, so the terminal marker is queued by then.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.closeErr = s.conn.Close()
		<-s.readerDone
		obs.SessionDurationSeconds.Observe(time.Since(s.createdAt).Seconds())
	})
	return s.closeErr
}
