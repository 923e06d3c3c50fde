// Command gateway exposes a backend SSH daemon through the long-poll HTTP session API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/httpssh/internal/config"
	"github.com/matst80/httpssh/internal/gateway"
	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/session"
	"github.com/matst80/httpssh/internal/state"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	cfg, err := config.LoadGateway(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "gateway:", err)
		return 2
	}
	obs.SetLevel(cfg.LogLevel)
	if cfg.Auth == "" {
		obs.Warn("gateway.auth.disabled", obs.Fields{"listen": cfg.ListenAddr()})
	}
	obs.Info("gateway.start", obs.Fields{
		"listen": cfg.ListenAddr(), "target": cfg.Target(), "instance": cfg.InstanceID,
		"auth": cfg.Auth != "", "metrics": cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("gateway.state", obs.Fields{"err": err})
		return 1
	}
	defer store.Close()

	reg := session.NewRegistry(session.Options{
		Target:        cfg.Target(),
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SweepInterval,
		DialTimeout:   cfg.DialTimeout,
		MaxChunk:      cfg.MaxChunk,
		Store:         store,
		InstanceID:    cfg.InstanceID,
	})
	reg.Start(ctx)

	gw := gateway.New(reg, gateway.Config{
		Auth:               cfg.Auth,
		DefaultReadTimeout: cfg.ReadTimeout,
		MaxReadTimeout:     cfg.MaxReadTimeout,
		CreateRate:         cfg.CreateRate,
		CreateBurst:        cfg.CreateBurst,
		TrustForwardedFor:  cfg.TrustForwardedFor,
	})
	go gw.RunMaintenance(ctx, time.Minute)

	status := newStatus(cfg, reg)
	if cfg.MetricsAddr != "" {
		go func() { _ = status.Serve(ctx, cfg.MetricsAddr) }()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		obs.Error("gateway.listen", obs.Fields{"err": err, "addr": cfg.ListenAddr()})
		reg.Shutdown()
		return 1
	}
	srv := &http.Server{
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
		// a long poll may legitimately hold the response for MaxReadTimeout
		WriteTimeout: cfg.MaxReadTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	status.SetReady(true)
	obs.Info("gateway.ready", obs.Fields{"addr": ln.Addr().String()})

	code := 0
	select {
	case <-ctx.Done():
		obs.Info("gateway.shutdown.signal", obs.Fields{})
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			obs.Error("gateway.serve", obs.Fields{"err": err})
			code = 1
		}
	}
	status.SetReady(false)

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(shCtx) }()
	// closing sessions releases pending long polls so Shutdown can finish
	reg.Shutdown()
	if err := <-done; err != nil {
		obs.Warn("gateway.shutdown.forced", obs.Fields{"err": err})
		_ = srv.Close()
	}
	obs.Info("gateway.shutdown.complete", obs.Fields{})
	return code
}
