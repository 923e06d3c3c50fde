package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Bridge configures cmd/https-bridge.
type Bridge struct {
	Listen         string
	ListenPort     int
	Target         string
	SNI            string
	CAFile         string
	Insecure       bool
	Proxy          string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	SniffTimeout   time.Duration
	ShutdownGrace  time.Duration
	PIDFile        string
	LogFile        string
	LogLevel       string
	MetricsAddr    string

	// resolved from Target
	TargetHost string
	TargetPort int
	TargetTLS  bool
}

func (b *Bridge) ListenAddr() string { return net.JoinHostPort(b.Listen, strconv.Itoa(b.ListenPort)) }

var bridgeEnv = []binding{
	{"HTTPS_BRIDGE_LISTEN", "listen"},
	{"HTTPS_BRIDGE_LISTEN_PORT", "listen-port"},
	{"HTTPS_BRIDGE_TARGET", "target"},
	{"HTTPS_BRIDGE_SNI", "sni"},
	{"HTTPS_BRIDGE_CA_FILE", "ca-file"},
	{"HTTPS_BRIDGE_INSECURE", "insecure"},
	{"HTTPS_BRIDGE_PROXY", "proxy"},
	{"HTTPS_BRIDGE_CONNECT_TIMEOUT", "connect-timeout"},
	{"HTTPS_BRIDGE_IDLE_TIMEOUT", "idle-timeout"},
	{"HTTPS_BRIDGE_LOG_LEVEL", "log-level"},
	{"HTTPS_BRIDGE_METRICS_ADDR", "metrics"},
}

func LoadBridge(fs *flag.FlagSet, args []string) (*Bridge, error) {
	b := &Bridge{}
	fs.StringVar(&b.Listen, "listen", "127.0.0.1", "local listen address")
	fs.IntVar(&b.ListenPort, "listen-port", 18080, "local listen port")
	fs.StringVar(&b.Target, "target", "", "upstream URL, https://host:port wraps the final hop in TLS")
	fs.StringVar(&b.SNI, "sni", "", "override the TLS server name sent upstream")
	fs.StringVar(&b.CAFile, "ca-file", "", "extra CA bundle trusted for the upstream")
	fs.BoolVar(&b.Insecure, "insecure", false, "skip upstream certificate verification")
	fs.StringVar(&b.Proxy, "proxy", "", "forward proxy URL (http, https or socks5); empty uses HTTPS_PROXY/HTTP_PROXY/NO_PROXY")
	durationVar(fs, &b.ConnectTimeout, "connect-timeout", 0, "bound on dial plus proxy and TLS handshakes (0 disables)")
	durationVar(fs, &b.IdleTimeout, "idle-timeout", 0, "close relays idle this long (0 disables)")
	durationVar(fs, &b.SniffTimeout, "sniff-timeout", time.Second, "time to wait for a CONNECT preamble")
	durationVar(fs, &b.ShutdownGrace, "shutdown-grace", 5*time.Second, "time allowed for active relays on shutdown")
	fs.StringVar(&b.PIDFile, "pid-file", "", "write the process id here while running")
	fs.StringVar(&b.LogFile, "log-file", "", "append logs to this file instead of stderr")
	fs.StringVar(&b.LogLevel, "log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
	fs.StringVar(&b.MetricsAddr, "metrics", "", "metrics and health listen address (empty disables)")
	if err := load(fs, args, bridgeEnv); err != nil {
		return nil, err
	}
	return b, b.resolve()
}

func (b *Bridge) resolve() error {
	if err := validPort("listen-port", b.ListenPort); err != nil {
		return err
	}
	if b.Target == "" {
		return fmt.Errorf("%w: -target is required", ErrUsage)
	}
	raw := b.Target
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: target: %v", ErrUsage, err)
	}
	switch u.Scheme {
	case "https":
		b.TargetTLS = true
	case "http", "tcp":
	default:
		return fmt.Errorf("%w: target scheme %q must be https, http or tcp", ErrUsage, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: target %q has no host", ErrUsage, b.Target)
	}
	b.TargetHost = u.Hostname()
	b.TargetPort = 443
	if !b.TargetTLS {
		b.TargetPort = 80
	}
	if p := u.Port(); p != "" {
		b.TargetPort, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("%w: target port %q", ErrUsage, p)
		}
	}
	if b.Proxy != "" {
		if _, err := url.Parse(b.Proxy); err != nil {
			return fmt.Errorf("%w: proxy: %v", ErrUsage, err)
		}
	}
	return validPort("target port", b.TargetPort)
}

// ConnectProxy configures cmd/connect-proxy.
type ConnectProxy struct {
	Proxy           string
	DestinationHost string
	DestinationPort int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	CAFile          string
	Insecure        bool
	LogLevel        string
}

var connectProxyEnv = []binding{
	{"SSH_PROXY_URL", "proxy"},
	{"SSH_PROXY_LOG_LEVEL", "log-level"},
	{"SSH_PROXY_CA_FILE", "ca-file"},
	{"SSH_PROXY_INSECURE", "insecure"},
}

func LoadConnectProxy(fs *flag.FlagSet, args []string) (*ConnectProxy, error) {
	c := &ConnectProxy{}
	fs.StringVar(&c.Proxy, "proxy", "", "proxy URL, http:// or https://, optionally with user:password")
	fs.StringVar(&c.DestinationHost, "destination-host", "", "destination host (ssh %h)")
	fs.IntVar(&c.DestinationPort, "destination-port", 0, "destination port (ssh %p)")
	durationVar(fs, &c.ConnectTimeout, "connect-timeout", 20*time.Second, "bound on dialing the proxy and its TLS handshake")
	durationVar(fs, &c.ReadTimeout, "read-timeout", 0, "extra time allowed for the proxy CONNECT reply (0 adds none)")
	durationVar(fs, &c.IdleTimeout, "idle-timeout", 0, "abort after this long without traffic (0 disables)")
	fs.StringVar(&c.CAFile, "ca-file", "", "CA bundle for https proxies")
	fs.BoolVar(&c.Insecure, "insecure", false, "skip certificate verification for https proxies")
	fs.StringVar(&c.LogLevel, "log-level", "WARNING", "DEBUG, INFO, WARNING or ERROR")
	if err := load(fs, args, connectProxyEnv); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *ConnectProxy) Validate() error {
	if c.Proxy == "" {
		return fmt.Errorf("%w: -proxy is required", ErrUsage)
	}
	if c.DestinationHost == "" {
		return fmt.Errorf("%w: -destination-host is required", ErrUsage)
	}
	if err := validPort("destination-port", c.DestinationPort); err != nil {
		return err
	}
	_, err := c.ProxyURL()
	return err
}

// ProxyURL parses Proxy, assuming http:// when no scheme is given.
func (c *ConnectProxy) ProxyURL() (*url.URL, error) {
	raw := c.Proxy
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy: %v", ErrUsage, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported proxy scheme %q", ErrUsage, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: proxy URL must include a host", ErrUsage)
	}
	return u, nil
}

func (c *ConnectProxy) Destination() string {
	return net.JoinHostPort(c.DestinationHost, strconv.Itoa(c.DestinationPort))
}
