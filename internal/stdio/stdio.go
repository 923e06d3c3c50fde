// Package stdio presents a process's standard streams as one io.ReadWriteCloser.
//
// A blocked read on os.Stdin cannot be interrupted, so reads go through a goroutine and a channel;
// Close makes any pending or future Read return io.EOF right away. The underlying streams are never closed.
package stdio

import (
	"io"
	"os"
	"sync"
)

const DefaultBufSize = 32 * 1024

type result struct {
	b   []byte
	err error
}

type Conn struct {
	in      io.Reader
	out     io.Writer
	bufSize int

	start   sync.Once
	results chan result
	closed  chan struct{}
	once    sync.Once

	// only touched by Read
	leftover []byte
	err      error

	wmu sync.Mutex
}

func New(in io.Reader, out io.Writer, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &Conn{in: in, out: out, bufSize: bufSize, results: make(chan result), closed: make(chan struct{})}
}

// Std wraps os.Stdin and os.Stdout.
func Std(bufSize int) *Conn { return New(os.Stdin, os.Stdout, bufSize) }

func (c *Conn) readLoop() {
	for {
		buf := make([]byte, c.bufSize)
		n, err := c.in.Read(buf)
		select {
		case c.results <- result{b: buf[:n], err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.start.Do(func() { go c.readLoop() })
	for {
		if len(c.leftover) > 0 {
			n := copy(p, c.leftover)
			c.leftover = c.leftover[n:]
			return n, nil
		}
		if c.err != nil {
			return 0, c.err
		}
		select {
		case <-c.closed:
			return 0, io.EOF
		default:
		}
		select {
		case r := <-c.results:
			c.leftover = r.b
			c.err = r.err
		case <-c.closed:
			return 0, io.EOF
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.out.Write(p)
}

// Close unblocks Read. It is safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
