// Command ssh-http-proxy is an ssh ProxyCommand that carries the connection over the gateway's
// long-poll HTTP API:
//
//	ssh -o ProxyCommand='ssh-http-proxy -endpoint https://bastion.example' user@internal
//
// stdout carries the tunnel, so logs go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/httpssh/internal/config"
	"github.com/matst80/httpssh/internal/obs"
	"github.com/matst80/httpssh/internal/stdio"
	"github.com/matst80/httpssh/internal/tunnelclient"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	obs.SetOutput(os.Stderr)
	fs := flag.NewFlagSet("ssh-http-proxy", flag.ContinueOnError)
	cfg, err := config.LoadClient(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, "ssh-http-proxy:", err)
		return exitUsage
	}
	obs.SetLevel(cfg.LogLevel)

	client, err := tunnelclient.New(tunnelclient.Config{
		Endpoint:    cfg.Endpoint,
		User:        cfg.User,
		Token:       cfg.Token,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ssh-http-proxy:", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	id, err := client.CreateSession(ctx, cfg.Target)
	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		obs.Error("tunnel.create", obs.Fields{"err": err, "endpoint": cfg.Endpoint})
		return exitFailure
	}
	obs.Debug("tunnel.open", obs.Fields{"id": id, "endpoint": cfg.Endpoint})

	in := stdio.New(os.Stdin, os.Stdout, cfg.MaxChunk)
	pump := &tunnelclient.Pump{Client: client, In: in, Out: os.Stdout, MaxChunk: cfg.MaxChunk}
	err = pump.Run(ctx, id)
	switch {
	case err == nil:
		obs.Debug("tunnel.done", obs.Fields{"id": id})
		return exitOK
	case errors.Is(err, tunnelclient.ErrInterrupted):
		obs.Warn("tunnel.interrupted", obs.Fields{"id": id})
		return exitInterrupted
	default:
		obs.Error("tunnel.failed", obs.Fields{"id": id, "err": err})
		return exitFailure
	}
}
