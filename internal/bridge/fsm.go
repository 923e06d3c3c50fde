package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/httpssh/internal/httpx"
	"github.com/matst80/httpssh/internal/obs"
)

var (
	replyEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	replyBadRequest  = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
	replyForbidden   = []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	replyBadGateway  = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
)

const replyTimeout = 5 * time.Second

// stateFn is one step of the per-connection state machine; nil ends it.
type stateFn func(*conn) stateFn

// conn carries the state-scoped data of one accepted connection.
type conn struct {
	ctx      context.Context
	srv      *Server
	client   net.Conn
	upstream net.Conn
	preamble *Preamble
	// pending is forwarded upstream before relaying starts
	pending []byte
	fields  obs.Fields
}

func (c *conn) run() {
	defer c.cleanup()
	for state := sniffState; state != nil; {
		state = state(c)
	}
}

func (c *conn) cleanup() {
	if c.upstream != nil {
		_ = c.upstream.Close()
	}
	_ = c.client.Close()
}

func sniffState(c *conn) stateFn {
	p, err := Sniff(c.client, c.srv.cfg.SniffTimeout, c.srv.cfg.MaxPreamble)
	if err != nil {
		if errors.Is(err, ErrOversizedPreamble) {
			obs.Warn("bridge.sniff.oversized", c.fields)
			obs.ErrorsTotal.WithLabelValues("oversized_preamble").Inc()
		} else {
			obs.Debug("bridge.sniff.error", c.with("err", err))
		}
		return nil
	}
	c.preamble = p
	c.fields["mode"] = p.Mode.String()
	obs.BridgeConnsTotal.WithLabelValues(p.Mode.String()).Inc()
	switch p.Mode {
	case ModeConnect:
		return connectState
	case ModeDirect:
		return directState
	}
	obs.Debug("bridge.sniff.empty", c.fields)
	return nil
}

func connectState(c *conn) stateFn {
	host, port, err := connectTarget(c.preamble.Head)
	if err != nil {
		obs.Warn("bridge.connect.malformed", c.with("err", err))
		obs.ErrorsTotal.WithLabelValues("connect_malformed").Inc()
		c.reply(replyBadRequest)
		return nil
	}
	requested := net.JoinHostPort(host, strconv.Itoa(port))
	if !strings.EqualFold(host, c.srv.host) || port != c.srv.port {
		obs.Warn("bridge.connect.rejected", c.with("requested", requested))
		obs.ErrorsTotal.WithLabelValues("connect_forbidden").Inc()
		c.reply(replyForbidden)
		return nil
	}
	if !c.dialUpstream() {
		c.reply(replyBadGateway)
		return nil
	}
	if !c.reply(replyEstablished) {
		return nil
	}
	c.pending = c.preamble.Rest
	obs.Debug("bridge.connect.established", c.with("requested", requested))
	return relayState
}

func directState(c *conn) stateFn {
	if !c.dialUpstream() {
		return nil
	}
	c.pending = c.preamble.Rest
	return relayState
}

func relayState(c *conn) stateFn {
	stats := Relay(c.ctx, c.client, c.upstream, c.pending, c.srv.cfg.IdleTimeout)
	f := c.with("up_bytes", stats.Up)
	f["down_bytes"] = stats.Down
	f["duration_ms"] = stats.Duration.Milliseconds()
	if stats.IdleTimeout {
		obs.Warn("bridge.relay.idle_timeout", f)
	} else {
		obs.Info("bridge.relay.closed", f)
	}
	return nil
}

func (c *conn) dialUpstream() bool {
	up, err := c.srv.dialer.Dial(c.ctx)
	if err != nil {
		obs.Error("bridge.upstream.dial", c.with("err", err))
		return false
	}
	c.upstream = up
	return true
}

// reply writes a canned response and reports whether it went out.
func (c *conn) reply(b []byte) bool {
	_ = c.client.SetWriteDeadline(time.Now().Add(replyTimeout))
	defer c.client.SetWriteDeadline(time.Time{})
	if _, err := c.client.Write(b); err != nil {
		obs.Debug("bridge.reply.write", c.with("err", err))
		return false
	}
	return true
}

func (c *conn) with(k string, v any) obs.Fields {
	f := make(obs.Fields, len(c.fields)+1)
	for fk, fv := range c.fields {
		f[fk] = fv
	}
	f[k] = v
	return f
}

// connectTarget extracts host and port from a CONNECT head. A missing port means 443.
func connectTarget(head []byte) (string, int, error) {
	req, err := httpx.ParseRequestHead(head)
	if err != nil {
		return "", 0, err
	}
	if !strings.EqualFold(req.Method, "CONNECT") {
		return "", 0, fmt.Errorf("method %q is not CONNECT", req.Method)
	}
	if !strings.HasPrefix(strings.ToUpper(req.Proto), "HTTP/") {
		return "", 0, fmt.Errorf("bad protocol %q", req.Proto)
	}
	host, portStr, err := net.SplitHostPort(req.URI)
	if err != nil {
		var ae *net.AddrError
		if !errors.As(err, &ae) || !strings.Contains(ae.Err, "missing port") {
			return "", 0, fmt.Errorf("bad authority %q: %w", req.URI, err)
		}
		host, portStr = strings.TrimSuffix(strings.TrimPrefix(req.URI, "["), "]"), "443"
	}
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", req.URI)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad port in %q", req.URI)
	}
	return host, port, nil
}
