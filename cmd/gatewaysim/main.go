// Command gatewaysim runs a local stand-in for the Clawdbot gateway so the
// bridge can be exercised without a real one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"clawbridge/internal/adapter/discovery"
	"clawbridge/internal/adapter/gatewaysim"
	"clawbridge/internal/infra/config"
	"clawbridge/internal/infra/logger"
)

const tickInterval = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("gatewaysim", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path")
	addr := fs.String("addr", "", "listen address (overrides simulator.addr)")
	mdns := fs.String("mdns", "", "advertise the simulator over mDNS under this instance name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.ResolvePath(*cfgPath))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *addr != "" {
		cfg.Simulator.Addr = *addr
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := buildServer(cfg, log)
	if err := srv.Listen(); err != nil {
		return err
	}
	log.Info("gatewaysim listening", "url", srv.URL(), "methods", srv.Methods())

	go tick(ctx, srv, tickInterval)

	if *mdns != "" {
		if err := advertise(ctx, srv, *mdns, cfg.Simulator.ProtocolVersion, log); err != nil {
			return err
		}
	}

	// Serve stops the server itself once ctx is cancelled.
	return srv.Serve(ctx)
}

// authFor picks the simulator's authenticator: the configured token list,
// else the bridge's own gateway token, else anything goes.
func authFor(cfg *config.Config) gatewaysim.Authenticator {
	if len(cfg.Simulator.Tokens) > 0 {
		entries := make([]gatewaysim.TokenEntry, 0, len(cfg.Simulator.Tokens))
		for _, t := range cfg.Simulator.Tokens {
			entries = append(entries, gatewaysim.TokenEntry{Token: t.Token, Name: t.Name, Scopes: t.Scopes})
		}
		return gatewaysim.NewStaticTokenAuth(entries)
	}
	if cfg.Gateway.Token != "" {
		return gatewaysim.NewStaticTokenAuth([]gatewaysim.TokenEntry{{Token: cfg.Gateway.Token, Name: "bridge"}})
	}
	return gatewaysim.OpenAuth{}
}

func buildServer(cfg *config.Config, log *slog.Logger) *gatewaysim.Server {
	return gatewaysim.New(gatewaysim.Options{
		Addr:            cfg.Simulator.Addr,
		Auth:            authFor(cfg),
		ProtocolVersion: cfg.Simulator.ProtocolVersion,
		RateLimitPerMin: cfg.Simulator.RateLimitPerMin,
		RateLimitBurst:  cfg.Simulator.RateLimitBurst,
	}, log)
}

// advertise publishes the bound listener over mDNS in the background.
func advertise(ctx context.Context, srv *gatewaysim.Server, instance string, protocol int, log *slog.Logger) error {
	port, err := discovery.PortOf(srv.BoundAddr())
	if err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	meta := map[string]string{
		"path":    "ws",
		"version": strconv.Itoa(protocol),
	}
	go func() {
		if err := discovery.Advertise(ctx, instance, port, meta, log); err != nil {
			log.Warn("mdns advertise failed", "error", err)
		}
	}()
	return nil
}

// tick broadcasts a tick event to every session until ctx is done.
func tick(ctx context.Context, srv *gatewaysim.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			srv.Broadcast("tick", map[string]int64{"ts": now.UnixMilli()})
		}
	}
}
