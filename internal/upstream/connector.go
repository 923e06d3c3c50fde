// Package upstream dials the bridge's configured target, directly or through a forward proxy.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"

	"github.com/matst80/httpssh/internal/obs"
)

// ProxyFunc picks the forward proxy for a target URL. A nil URL means dial directly.
type ProxyFunc func(*url.URL) (*url.URL, error)

// ProxyFromEnvironment honours HTTPS_PROXY, HTTP_PROXY and NO_PROXY (and their lower-case forms).
// An https target falls back to HTTP_PROXY when HTTPS_PROXY is unset.
func ProxyFromEnvironment() ProxyFunc {
	fn := httpproxy.FromEnvironment().ProxyFunc()
	return func(u *url.URL) (*url.URL, error) {
		p, err := fn(u)
		if err != nil || p != nil || u.Scheme != "https" {
			return p, err
		}
		alt := *u
		alt.Scheme = "http"
		return fn(&alt)
	}
}

// FixedProxy always routes through u.
func FixedProxy(u *url.URL) ProxyFunc {
	return func(*url.URL) (*url.URL, error) { return u, nil }
}

type Config struct {
	Host string
	Port int
	// TLS wraps the final hop when non-nil. ServerName carries the SNI override.
	TLS            *tls.Config
	ConnectTimeout time.Duration
	Proxy          ProxyFunc
	// ProxyTLS is the template used when the proxy itself speaks https.
	ProxyTLS *tls.Config
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// TLSConfig builds the final-hop TLS policy. An empty serverName uses host.
func TLSConfig(host, serverName, caFile string, insecure bool) (*tls.Config, error) {
	if serverName == "" {
		serverName = host
	}
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

type Connector struct {
	cfg Config
}

func New(cfg Config) *Connector { return &Connector{cfg: cfg} }

func (c *Connector) Config() Config { return c.cfg }

// Dial opens the final-hop connection. ConnectTimeout bounds the dial plus every handshake.
func (c *Connector) Dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	addr := c.cfg.Addr()
	proxyURL, err := c.proxyFor()
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if proxyURL != nil {
		obs.Debug("upstream.dial.proxy", obs.Fields{"target": addr, "proxy": ProxyAddr(proxyURL), "scheme": proxyURL.Scheme})
		conn, err = DialViaProxy(ctx, proxyURL, addr, c.cfg.ProxyTLS)
	} else {
		obs.Debug("upstream.dial.direct", obs.Fields{"target": addr})
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("upstream_dial").Inc()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if c.cfg.TLS == nil {
		return conn, nil
	}
	tc, err := clientTLS(ctx, conn, c.cfg.TLS.Clone())
	if err != nil {
		_ = conn.Close()
		obs.ErrorsTotal.WithLabelValues("upstream_tls").Inc()
		return nil, err
	}
	return tc, nil
}

func (c *Connector) proxyFor() (*url.URL, error) {
	if c.cfg.Proxy == nil {
		return nil, nil
	}
	target := &url.URL{Scheme: "https", Host: c.cfg.Addr()}
	if c.cfg.TLS == nil {
		target.Scheme = "http"
	}
	u, err := c.cfg.Proxy(target)
	if err != nil {
		return nil, fmt.Errorf("proxy selection: %w", err)
	}
	return u, nil
}

// DialViaProxy reaches target through the proxy at u. http and https proxies get a CONNECT
// handshake; socks5 proxies are handled by golang.org/x/net/proxy.
func DialViaProxy(ctx context.Context, u *url.URL, target string, proxyTLS *tls.Config) (net.Conn, error) {
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy url %q has no host", u.Redacted())
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "socks5", "socks5h":
		return dialSOCKS(ctx, u, target)
	case "http", "https", "":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, u.Scheme)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ProxyAddr(u))
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	if scheme == "https" {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if proxyTLS != nil {
			cfg = proxyTLS.Clone()
		}
		cfg.ServerName = u.Hostname()
		tc, err := clientTLS(ctx, conn, cfg)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}
	tunneled, err := Handshake(ctx, conn, target, ProxyAuthorization(u))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunneled, nil
}

func dialSOCKS(ctx context.Context, u *url.URL, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", ProxyAddr(u), auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", target)
	}
	return dialer.Dial("tcp", target)
}
