package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/state"
)

// Options configures a Registry. Zero durations fall back to the defaults below.
type Options struct {
	Target        string
	TTL           time.Duration
	SweepInterval time.Duration
	DialTimeout   time.Duration
	MaxChunk      int
	// Store records session ownership for multi-instance deployments; nil disables it.
	Store      state.Store
	InstanceID string
}

const (
	DefaultTTL           = 300 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	storeOpTimeout       = 2 * time.Second
)

// Registry maps session ids to live sessions and expires idle ones.
// Its mutex guards the map only; session I/O and teardown always happen outside it.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	created atomic.Int64
	expired atomic.Int64
}

// Stats is a point-in-time view of the registry for status endpoints.
type Stats struct {
	Active  int   `json:"active"`
	Created int64 `json:"created_total"`
	Expired int64 `json:"expired_total"`
	Closing bool  `json:"closing"`
}

func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = DefaultMaxChunk
	}
	return &Registry{opts: opts, sessions: make(map[string]*Session)}
}

func (r *Registry) TTL() time.Duration { return r.opts.TTL }
func (r *Registry) Target() string     { return r.opts.Target }
func (r *Registry) InstanceID() string { return r.opts.InstanceID }

// ownershipTTL outlives one missed heartbeat.
func (r *Registry) ownershipTTL() time.Duration { return r.opts.TTL + 2*r.opts.SweepInterval }

// Start launches the sweep goroutine. Calling it more than once has no effect.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.closing {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runSweepLoop(ctx)
}

func (r *Registry) runSweepLoop(ctx context.Context) {
	defer r.wg.Done()
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create dials the configured target and registers the resulting session.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	id := newID()
	sess, err := Dial(ctx, id, r.opts.Target, r.opts.DialTimeout, r.opts.MaxChunk)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("session_dial").Inc()
		return nil, fmt.Errorf("dial %s: %w", r.opts.Target, err)
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = sess.Close()
		return nil, ErrShuttingDown
	}
	r.sessions[id] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	obs.ActiveSessions.Set(float64(n))
	obs.SessionsCreatedTotal.Inc()
	if r.opts.Store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := r.opts.Store.Register(sctx, id, r.opts.InstanceID, r.ownershipTTL()); err != nil {
			obs.Warn("session.store.register", obs.Fields{"id": id, "err": err})
			obs.ErrorsTotal.WithLabelValues("store").Inc()
		}
		cancel()
	}
	r.created.Add(1)
	obs.Info("session.created", obs.Fields{"id": id, "target": r.opts.Target})
	return sess, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Owner asks the ownership store which instance holds id. It returns "" when unknown or when no store is set.
func (r *Registry) Owner(ctx context.Context, id string) string {
	if r.opts.Store == nil {
		return ""
	}
	owner, err := r.opts.Store.Owner(ctx, id)
	if err != nil {
		return ""
	}
	return owner
}

// Close removes and closes the session. It reports whether the id was registered.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(sess)
	obs.ActiveSessions.Set(float64(n))
	obs.Info("session.closed", obs.Fields{"id": id})
	return true
}

func (r *Registry) teardown(sess *Session) {
	_ = sess.Close()
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.opts.Store.Remove(ctx, sess.ID()); err != nil {
		obs.Warn("session.store.remove", obs.Fields{"id": sess.ID(), "err": err})
	}
}

// Sweep closes sessions idle for longer than the TTL and refreshes ownership of the rest.
// It returns the number of sessions expired.
func (r *Registry) Sweep(ctx context.Context) int {
	var expired []*Session
	var live []string
	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.IdleFor() > r.opts.TTL {
			expired = append(expired, sess)
			delete(r.sessions, id)
			continue
		}
		live = append(live, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	r.expired.Add(int64(len(expired)))
	for _, sess := range expired {
		r.teardown(sess)
		obs.SessionsExpiredTotal.Inc()
		obs.Info("session.expired", obs.Fields{"id": sess.ID(), "idle_s": sess.IdleFor().Seconds()})
	}
	obs.ActiveSessions.Set(float64(n))

	if r.opts.Store != nil && len(live) > 0 {
		sctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
		if err := r.opts.Store.Refresh(sctx, live, r.ownershipTTL()); err != nil {
			obs.Warn("session.store.refresh", obs.Fields{"err": err, "sessions": len(live)})
			obs.ErrorsTotal.WithLabelValues("store").Inc()
		}
		cancel()
	}
	return len(expired)
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Active: len(r.sessions), Created: r.created.Load(), Expired: r.expired.Load(), Closing: r.closing}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops the sweep loop and closes every session. Later Create calls fail with ErrShuttingDown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closing = true
	cancel := r.cancel
	all := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		all = append(all, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	for _, sess := range all {
		r.teardown(sess)
	}
	obs.ActiveSessions.Set(0)
	obs.Info("session.registry.shutdown", obs.Fields{"closed": len(all)})
}
