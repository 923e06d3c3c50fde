// Package bridge accepts local connections and relays them to one configured upstream target.
//
// Each accepted connection is sniffed: an HTTP CONNECT naming the configured target is answered with
// "200 Connection Established" and tunnelled, anything else is forwarded as-is. CONNECT requests for
// any other host or port are refused so the bridge never acts as an open proxy.
package bridge

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/httpssh/internal/obs"
)

// Dialer opens the upstream side of a relay. upstream.Connector satisfies it.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

type Config struct {
	// Host and Port are the only CONNECT target the bridge accepts.
	Host         string
	Port         int
	SniffTimeout time.Duration
	MaxPreamble  int
	// IdleTimeout closes relays with no traffic in either direction; zero disables it.
	IdleTimeout time.Duration
}

type Server struct {
	cfg    Config
	host   string
	port   int
	dialer Dialer
	// connCtx outlives Serve's ctx so Shutdown can grant a grace period
	connCtx    context.Context
	cancelConn context.CancelFunc

	mu      sync.Mutex
	active  map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
	seq     atomic.Uint64
}

func NewServer(cfg Config, dialer Dialer) *Server {
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = DefaultSniffTimeout
	}
	if cfg.MaxPreamble <= 0 {
		cfg.MaxPreamble = DefaultMaxPreamble
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		host:       cfg.Host,
		port:       cfg.Port,
		dialer:     dialer,
		connCtx:    ctx,
		cancelConn: cancel,
		active:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts until ln is closed or ctx ends. It returns nil on orderly shutdown. Connections already
// accepted keep running until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	obs.Info("bridge.listen", obs.Fields{"addr": ln.Addr().String(), "target": net.JoinHostPort(s.host, strconv.Itoa(s.port))})

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			obs.Error("bridge.accept", obs.Fields{"err": err, "retry_in_ms": backoff.Milliseconds()})
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		if !s.track(c) {
			_ = c.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			cn := &conn{
				ctx:    s.connCtx,
				srv:    s,
				client: c,
				fields: obs.Fields{"conn": s.seq.Add(1), "remote": c.RemoteAddr().String()},
			}
			obs.Debug("bridge.accepted", cn.fields)
			cn.run()
		}()
	}
}

// track registers c and adds it to the wait group under the same lock Shutdown uses.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active[c] = struct{}{}
	s.wg.Add(1)
	obs.BridgeActiveConns.Set(float64(len(s.active)))
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.active, c)
	obs.BridgeActiveConns.Set(float64(len(s.active)))
	s.mu.Unlock()
}

// Active returns the number of connections currently being handled.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown waits up to grace for connections to finish on their own, then closes the rest.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	if grace > 0 {
		select {
		case <-finished:
			s.cancelConn()
			return
		case <-time.After(grace):
		}
	}
	s.cancelConn()
	s.mu.Lock()
	for c := range s.active {
		_ = c.Close()
	}
	n := len(s.active)
	s.mu.Unlock()
	if n > 0 {
		obs.Info("bridge.shutdown.forced", obs.Fields{"closed": n})
	}
	<-finished
}
