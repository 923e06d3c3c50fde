// Command connect-proxy is an ssh ProxyCommand that tunnels through an HTTP(S) CONNECT proxy:
//
//	ssh -o ProxyCommand='connect-proxy -proxy https://proxy.corp:3128 -destination-host %h -destination-port %p' host
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/httpssh/internal/bridge"
	"github.com/matst80/httpssh/internal/config"
	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/stdio"
	"github.com/matst80/httpssh/internal/upstream"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	obs.SetOutput(os.Stderr)
	fs := flag.NewFlagSet("connect-proxy", flag.ContinueOnError)
	cfg, err := config.LoadConnectProxy(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "connect-proxy:", err)
		return 2
	}
	obs.SetLevel(cfg.LogLevel)

	proxyURL, _ := cfg.ProxyURL()
	var proxyTLS *tls.Config
	if proxyURL.Scheme == "https" {
		proxyTLS, err = upstream.TLSConfig(proxyURL.Hostname(), "", cfg.CAFile, cfg.Insecure)
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect-proxy:", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := cfg.ConnectTimeout + cfg.ReadTimeout; timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	obs.Info("connect.dial", obs.Fields{"proxy": upstream.ProxyAddr(proxyURL), "destination": cfg.Destination()})
	conn, err := upstream.DialViaProxy(dialCtx, proxyURL, cfg.Destination(), proxyTLS)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 130
		}
		obs.Error("connect.failed", obs.Fields{"err": err, "destination": cfg.Destination()})
		return 1
	}
	obs.Info("connect.established", obs.Fields{"destination": cfg.Destination()})

	// ssh closing its end only half-closes the proxy socket; the helper exits once the proxy side ends
	stats := bridge.RelayHalfClose(ctx, stdio.Std(0), conn, nil, cfg.IdleTimeout)
	obs.Debug("connect.closed", obs.Fields{"up": stats.Up, "down": stats.Down, "duration_ms": stats.Duration.Milliseconds()})
	switch {
	case stats.IdleTimeout:
		obs.Error("connect.idle_timeout", obs.Fields{"idle": cfg.IdleTimeout.String()})
		return 1
	case ctx.Err() != nil:
		return 130
	}
	return 0
}
