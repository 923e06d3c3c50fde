// Package gateway exposes tunnel sessions over a small long-poll HTTP API.
//
//	POST   /v1/ssh/session             create a session, 201 {id, ttl}
//	POST   /v1/ssh/session/{id}/write  body {data: base64}, 204
//	GET    /v1/ssh/session/{id}/read   ?timeout=seconds, 200 {data, closed}
//	DELETE /v1/ssh/session/{id}        204, idempotent
//	GET    /healthz                    unauthenticated liveness
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/proto"
	"github.com/matst80/httpssh/internal/ratelimit"
	"github.com/matst80/httpssh/internal/session"
)

const (
	DefaultReadTimeout = 25 * time.Second
	DefaultMaxBody     = 4 << 20
)

type Config struct {
	// Auth is the expected "user:token" pair. Empty disables authentication.
	Auth               string
	DefaultReadTimeout time.Duration
	MaxReadTimeout     time.Duration
	MaxBodyBytes       int64
	// CreateRate is session creations per second per client IP; zero disables limiting.
	CreateRate  float64
	CreateBurst int
	// TrustForwardedFor keys the limiter on the first X-Forwarded-For hop.
	TrustForwardedFor bool
}

type Server struct {
	cfg     Config
	reg     *session.Registry
	limiter *ratelimit.Limiter
	mux     *http.ServeMux
}

func New(reg *session.Registry, cfg Config) *Server {
	if cfg.DefaultReadTimeout <= 0 {
		cfg.DefaultReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxReadTimeout < cfg.DefaultReadTimeout {
		cfg.MaxReadTimeout = cfg.DefaultReadTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBody
	}
	s := &Server{cfg: cfg, reg: reg, mux: http.NewServeMux()}
	if cfg.CreateRate > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.CreateRate, cfg.CreateBurst)
	}
	s.mux.HandleFunc("POST /v1/ssh/session", s.handleCreate)
	s.mux.HandleFunc("POST /v1/ssh/session/{id}/write", s.handleWrite)
	s.mux.HandleFunc("GET /v1/ssh/session/{id}/read", s.handleRead)
	s.mux.HandleFunc("DELETE /v1/ssh/session/{id}", s.handleDelete)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, "unknown", http.StatusNotFound, proto.ErrUnknownEndpoint)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/healthz" {
		s.reply(w, "health", http.StatusOK, proto.HealthResponse{Status: "ok"})
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		r2 := new(http.Request)
		*r2 = *r
		u := *r.URL
		u.Path = strings.TrimRight(p, "/")
		u.RawPath = ""
		r2.URL = &u
		r = r2
	}
	s.mux.ServeHTTP(w, r)
}

// RunMaintenance prunes idle rate-limit buckets until ctx ends.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) {
	if s.limiter == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(); n > 0 {
				obs.Debug("gateway.ratelimit.prune", obs.Fields{"removed": n})
			}
		}
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Auth == "" {
		return true
	}
	user, token, ok := r.BasicAuth()
	if !ok {
		obs.ErrorsTotal.WithLabelValues("auth_missing").Inc()
		w.Header().Set("WWW-Authenticate", `Basic realm="httpssh"`)
		s.fail(w, "auth", http.StatusUnauthorized, proto.ErrInvalidCredentials)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user+":"+token), []byte(s.cfg.Auth)) != 1 {
		obs.Warn("gateway.auth.forbidden", obs.Fields{"remote": r.RemoteAddr, "user": user})
		obs.ErrorsTotal.WithLabelValues("auth_forbidden").Inc()
		s.fail(w, "auth", http.StatusForbidden, proto.ErrForbidden)
		return false
	}
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "create"
	if s.limiter != nil && !s.limiter.Allow(s.clientIP(r)) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		s.fail(w, op, http.StatusTooManyRequests, proto.ErrRateLimited)
		return
	}
	var req proto.CreateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, op, http.StatusBadRequest, proto.ErrInvalidJSON)
		return
	}
	if req.Target != "" && req.Target != s.reg.Target() {
		obs.Warn("gateway.create.target_rejected", obs.Fields{"requested": req.Target, "remote": r.RemoteAddr})
		s.fail(w, op, http.StatusBadRequest, proto.ErrTargetNotAllowed)
		return
	}
	sess, err := s.reg.Create(r.Context())
	if err != nil {
		obs.Error("gateway.create.failed", obs.Fields{"err": err, "target": s.reg.Target()})
		s.fail(w, op, http.StatusInternalServerError, proto.ErrCreateFailed)
		return
	}
	s.reply(w, op, http.StatusCreated, proto.CreateResponse{ID: sess.ID(), TTL: s.reg.TTL().Seconds()})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	const op = "write"
	id := r.PathValue("id")
	sess, err := s.reg.Get(id)
	if err != nil {
		s.unknownSession(w, r, op, id)
		return
	}
	var req proto.WriteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, op, http.StatusBadRequest, proto.ErrInvalidJSON)
		return
	}
	if req.Data == "" {
		s.fail(w, op, http.StatusBadRequest, proto.ErrMissingData)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		obs.Warn("gateway.write.invalid_data", obs.Fields{"id": id, "err": err})
		obs.ErrorsTotal.WithLabelValues("invalid_data").Inc()
		s.reg.Close(id)
		s.fail(w, op, http.StatusBadRequest, proto.ErrInvalidData)
		return
	}
	if err := sess.Send(data); err != nil {
		obs.Error("gateway.write.failed", obs.Fields{"id": id, "err": err})
		obs.ErrorsTotal.WithLabelValues("write").Inc()
		s.reg.Close(id)
		s.fail(w, op, http.StatusInternalServerError, proto.ErrWriteFailed)
		return
	}
	s.reply(w, op, http.StatusNoContent, nil)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	const op = "read"
	id := r.PathValue("id")
	sess, err := s.reg.Get(id)
	if err != nil {
		s.unknownSession(w, r, op, id)
		return
	}
	timeout := s.readTimeout(r.URL.Query().Get("timeout"))
	res := sess.Recv(r.Context(), timeout)
	switch res.Kind {
	case session.Closed:
		s.reg.Close(id)
		s.reply(w, op, http.StatusOK, proto.ReadResponse{Closed: true})
	case session.Data:
		s.reply(w, op, http.StatusOK, proto.ReadResponse{Data: base64.StdEncoding.EncodeToString(res.Data)})
	default:
		s.reply(w, op, http.StatusOK, proto.ReadResponse{})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.reg.Close(r.PathValue("id"))
	s.reply(w, "delete", http.StatusNoContent, nil)
}

// unknownSession answers 404 and names the owning instance when another replica holds the id.
func (s *Server) unknownSession(w http.ResponseWriter, r *http.Request, op, id string) {
	body := proto.ErrorResponse{Error: proto.ErrUnknownSession}
	if owner := s.reg.Owner(r.Context(), id); owner != "" && owner != s.reg.InstanceID() {
		body.Owner = owner
		obs.Warn("gateway.session.foreign", obs.Fields{"id": id, "owner": owner, "op": op})
	}
	s.reply(w, op, http.StatusNotFound, body)
}

// readTimeout parses the timeout query value in seconds. Missing or invalid values use the default;
// the result is clamped to [0, MaxReadTimeout].
func (s *Server) readTimeout(raw string) time.Duration {
	if raw == "" {
		return s.cfg.DefaultReadTimeout
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return s.cfg.DefaultReadTimeout
	}
	d := time.Duration(secs * float64(time.Second))
	if d < 0 {
		return 0
	}
	if d > s.cfg.MaxReadTimeout {
		return s.cfg.MaxReadTimeout
	}
	return d
}

// decode reads an optional JSON object. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		obs.ErrorsTotal.WithLabelValues("invalid_json").Inc()
		return err
	}
	return nil
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) reply(w http.ResponseWriter, op string, status int, body any) {
	obs.RequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	w.Header().Set("Cache-Control", "no-store")
	if body == nil || status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	b, err := json.Marshal(body)
	if err != nil {
		obs.Error("gateway.reply.marshal", obs.Fields{"err": err})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		obs.Debug("gateway.reply.write", obs.Fields{"err": err, "op": op})
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, status int, code string) {
	s.reply(w, op, status, proto.ErrorResponse{Error: code})
}
