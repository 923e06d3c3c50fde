package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/matst80/httpssh/internal/httpx"
)

// MaxProxyResponse caps the CONNECT reply head read from a forward proxy.
const MaxProxyResponse = 64 * 1024

var (
	// ErrProxyRejected wraps any non-200 answer to CONNECT.
	ErrProxyRejected = errors.New("upstream: proxy rejected CONNECT")
	// ErrUnsupportedProxy is returned for proxy URLs that are neither http(s) nor socks5.
	ErrUnsupportedProxy = errors.New("upstream: unsupported proxy scheme")
)

// ProxyAddr returns host:port of a proxy URL, filling in the scheme default port.
func ProxyAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// ProxyAuthorization builds the Basic credential from URL userinfo, or "" when there is none.
func ProxyAuthorization(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	if u.User.Username() == "" && pass == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
}

// Handshake sends CONNECT target over conn and consumes the reply. Bytes the proxy sent past the
// reply head are preserved in the returned conn. The handshake is bounded by ctx's deadline.
func Handshake(ctx context.Context, conn net.Conn, target, proxyAuth string) (net.Conn, error) {
	defer conn.SetDeadline(time.Time{})
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxyAuth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", proxyAuth)
	}
	req.WriteString("\r\n")
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	head, rest, err := httpx.ReadHead(conn, MaxProxyResponse)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read CONNECT reply: %w", ctx.Err())
		}
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	status, err := httpx.ParseStatusHead(head)
	if err != nil {
		return nil, fmt.Errorf("parse CONNECT reply: %w", err)
	}
	if status.Code != 200 {
		return nil, fmt.Errorf("%w: %d %s", ErrProxyRejected, status.Code, status.Reason)
	}
	return NewPreBufferedConn(conn, rest), nil
}

// clientTLS performs a TLS client handshake bounded by ctx.
func clientTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", cfg.ServerName, err)
	}
	return tc, nil
}
