package upstream

import (
	"errors"
	"net"
)

// preBufferedConn replays bytes that were read past a handshake before reading from the socket again.
type preBufferedConn struct {
	net.Conn
	buf []byte
}

// NewPreBufferedConn returns conn unchanged when pre is empty.
func NewPreBufferedConn(conn net.Conn, pre []byte) net.Conn {
	if conn == nil || len(pre) == 0 {
		return conn
	}
	cpy := make([]byte, len(pre))
	copy(cpy, pre)
	return &preBufferedConn{Conn: conn, buf: cpy}
}

func (p *preBufferedConn) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (p *preBufferedConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
