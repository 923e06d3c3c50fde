// Command https-bridge listens locally and relays every connection to one upstream, answering HTTP
// CONNECT for that upstream and passing anything else through untouched. The final hop can be
// wrapped in TLS and routed through a forward proxy.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matst80/httpssh/internal/bridge"
	"github.com/matst80/httpssh/internal/config"
	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/upstream"
	"github.com/matst80/httpssh/internal/web"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	obs.SetOutput(os.Stderr)
	fs := flag.NewFlagSet("https-bridge", flag.ContinueOnError)
	cfg, err := config.LoadBridge(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "https-bridge:", err)
		return 2
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "https-bridge: log file:", err)
			return 2
		}
		defer f.Close()
		obs.SetOutput(f)
	}
	obs.SetLevel(cfg.LogLevel)

	connector, err := newConnector(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "https-bridge:", err)
		return 2
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		obs.Error("bridge.listen", obs.Fields{"err": err, "addr": cfg.ListenAddr()})
		return 1
	}
	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			obs.Error("bridge.pid_file", obs.Fields{"err": err, "path": cfg.PIDFile})
			_ = ln.Close()
			return 1
		}
		defer os.Remove(cfg.PIDFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(bridge.Config{
		Host:         cfg.TargetHost,
		Port:         cfg.TargetPort,
		SniffTimeout: cfg.SniffTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, connector)

	status := web.NewStatus("https-bridge", cfg.ListenAddr(), func() map[string]any {
		return map[string]any{
			"target":       net.JoinHostPort(cfg.TargetHost, strconv.Itoa(cfg.TargetPort)),
			"target_tls":   cfg.TargetTLS,
			"active_conns": srv.Active(),
		}
	})
	if cfg.MetricsAddr != "" {
		go func() { _ = status.Serve(ctx, cfg.MetricsAddr) }()
	}
	status.SetReady(true)

	obs.Info("bridge.start", obs.Fields{
		"listen": ln.Addr().String(), "target": cfg.Target, "tls": cfg.TargetTLS,
		"sni": cfg.SNI, "insecure": cfg.Insecure, "pid": os.Getpid(),
	})
	err = srv.Serve(ctx, ln)
	status.SetReady(false)
	srv.Shutdown(cfg.ShutdownGrace)
	if err != nil {
		obs.Error("bridge.serve", obs.Fields{"err": err})
		return 1
	}
	obs.Info("bridge.stopped", obs.Fields{})
	return 0
}

func newConnector(cfg *config.Bridge) (*upstream.Connector, error) {
	var tlsCfg *tls.Config
	if cfg.TargetTLS {
		var err error
		tlsCfg, err = upstream.TLSConfig(cfg.TargetHost, cfg.SNI, cfg.CAFile, cfg.Insecure)
		if err != nil {
			return nil, err
		}
	}
	proxy := upstream.ProxyFromEnvironment()
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		proxy = upstream.FixedProxy(u)
	}
	return upstream.New(upstream.Config{
		Host:           cfg.TargetHost,
		Port:           cfg.TargetPort,
		TLS:            tlsCfg,
		ConnectTimeout: cfg.ConnectTimeout,
		Proxy:          proxy,
	}), nil
}
