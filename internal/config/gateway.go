package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Gateway configures cmd/gateway.
type Gateway struct {
	ListenHost string
	ListenPort int
	TargetHost string
	TargetPort int
	// Auth is "user:token"; empty disables authentication.
	Auth              string
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	ReadTimeout       time.Duration
	MaxReadTimeout    time.Duration
	MaxChunk          int
	DialTimeout       time.Duration
	ShutdownGrace     time.Duration
	LogLevel          string
	MetricsAddr       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	InstanceID        string
	CreateRate        float64
	CreateBurst       int
	TrustForwardedFor bool
}

func (g *Gateway) ListenAddr() string { return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort)) }
func (g *Gateway) Target() string     { return net.JoinHostPort(g.TargetHost, strconv.Itoa(g.TargetPort)) }

var gatewayEnv = []binding{
	{"HTTP_TUNNEL_LISTEN_HOST", "listen-host"},
	{"HTTP_TUNNEL_LISTEN_PORT", "listen-port"},
	{"HTTP_TUNNEL_HOST", "target-host"},
	{"HTTP_TUNNEL_PORT", "target-port"},
	{"HTTP_TUNNEL_AUTH", "auth"},
	{"HTTP_TUNNEL_SESSION_TTL", "session-ttl"},
	{"HTTP_TUNNEL_SWEEP_INTERVAL", "sweep-interval"},
	{"HTTP_TUNNEL_READ_TIMEOUT", "read-timeout"},
	{"HTTP_TUNNEL_MAX_READ_TIMEOUT", "max-read-timeout"},
	{"HTTP_TUNNEL_MAX_CHUNK", "max-chunk"},
	{"HTTP_TUNNEL_DIAL_TIMEOUT", "dial-timeout"},
	{"HTTP_TUNNEL_SHUTDOWN_GRACE", "shutdown-grace"},
	{"HTTP_TUNNEL_LOG_LEVEL", "log-level"},
	{"HTTP_TUNNEL_METRICS_ADDR", "metrics"},
	{"HTTP_TUNNEL_REDIS_ADDR", "redis-addr"},
	{"HTTP_TUNNEL_REDIS_PASSWORD", "redis-password"},
	{"HTTP_TUNNEL_REDIS_DB", "redis-db"},
	{"HTTP_TUNNEL_INSTANCE_ID", "instance-id"},
	{"HTTP_TUNNEL_CREATE_RATE", "create-rate"},
	{"HTTP_TUNNEL_CREATE_BURST", "create-burst"},
	{"HTTP_TUNNEL_TRUST_FORWARDED_FOR", "trust-forwarded-for"},
}

// LoadGateway registers the gateway flags on fs and resolves all layers.
func LoadGateway(fs *flag.FlagSet, args []string) (*Gateway, error) {
	g := &Gateway{}
	fs.StringVar(&g.ListenHost, "listen-host", "0.0.0.0", "HTTP listen host")
	fs.IntVar(&g.ListenPort, "listen-port", 8080, "HTTP listen port")
	fs.StringVar(&g.TargetHost, "target-host", "127.0.0.1", "backend host every session dials")
	fs.IntVar(&g.TargetPort, "target-port", 22, "backend port every session dials")
	fs.StringVar(&g.Auth, "auth", "", "required Basic credentials as user:token (empty disables auth)")
	durationVar(fs, &g.SessionTTL, "session-ttl", 300*time.Second, "idle time after which a session is reaped")
	durationVar(fs, &g.SweepInterval, "sweep-interval", 30*time.Second, "how often idle sessions are swept")
	durationVar(fs, &g.ReadTimeout, "read-timeout", 25*time.Second, "default long-poll timeout")
	durationVar(fs, &g.MaxReadTimeout, "max-read-timeout", 60*time.Second, "upper bound for a client supplied long-poll timeout")
	fs.IntVar(&g.MaxChunk, "max-chunk", 64*1024, "max bytes returned by one read")
	durationVar(fs, &g.DialTimeout, "dial-timeout", 10*time.Second, "backend connect timeout")
	durationVar(fs, &g.ShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for in-flight requests on shutdown")
	fs.StringVar(&g.LogLevel, "log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
	fs.StringVar(&g.MetricsAddr, "metrics", "", "metrics and health listen address (empty disables)")
	fs.StringVar(&g.RedisAddr, "redis-addr", "", "redis address for the shared session directory (empty keeps it in memory)")
	fs.StringVar(&g.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&g.RedisDB, "redis-db", 0, "redis database index")
	fs.StringVar(&g.InstanceID, "instance-id", "", "name recorded as session owner (defaults to the hostname)")
	fs.Float64Var(&g.CreateRate, "create-rate", 0, "session creations per second per client IP (0 disables)")
	fs.IntVar(&g.CreateBurst, "create-burst", 10, "burst allowance for session creation")
	fs.BoolVar(&g.TrustForwardedFor, "trust-forwarded-for", false, "rate limit on the first X-Forwarded-For hop")

	if err := load(fs, args, gatewayEnv); err != nil {
		return nil, err
	}
	if g.MaxReadTimeout < g.ReadTimeout {
		g.MaxReadTimeout = g.ReadTimeout
	}
	if g.InstanceID == "" {
		if h, err := os.Hostname(); err == nil {
			g.InstanceID = h
		}
	}
	return g, g.Validate()
}

func (g *Gateway) Validate() error {
	if err := validPort("listen-port", g.ListenPort); err != nil {
		return err
	}
	if err := validPort("target-port", g.TargetPort); err != nil {
		return err
	}
	if g.Auth != "" && !strings.Contains(g.Auth, ":") {
		return fmt.Errorf("%w: auth must be user:token", ErrUsage)
	}
	if g.SessionTTL <= 0 || g.SweepInterval <= 0 {
		return fmt.Errorf("%w: session-ttl and sweep-interval must be positive", ErrUsage)
	}
	if g.MaxChunk <= 0 {
		return fmt.Errorf("%w: max-chunk must be positive", ErrUsage)
	}
	if g.CreateRate < 0 || g.CreateBurst < 0 {
		return fmt.Errorf("%w: create-rate and create-burst cannot be negative", ErrUsage)
	}
	return nil
}
