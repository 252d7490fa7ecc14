package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/scope/internal/admin"
	"github.com/danmuck/scope/internal/config"
	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/observability"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/services"
	"github.com/danmuck/scope/internal/transport"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

func main() {
	path := flag.String("config", "", "path to scoped.toml (defaults apply when empty)")
	jsonLogs := flag.Bool("json", false, "write raw JSON log events")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("scoped", *jsonLogs)

	cfg := config.DefaultScopedConfig()
	if *path != "" {
		loaded, err := config.LoadScoped(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scoped: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "scoped: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.ScopedConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.RegisterMetrics()
	rt := loop.New()
	engine := scope.NewEngine(rt, cfg.EngineOptions(stop))

	catalog := services.Default()
	if err := catalog.Install(engine, cfg.Services); err != nil {
		return err
	}

	clientTLS, err := cfg.Security.ClientTLS()
	if err != nil {
		return err
	}
	network := &transport.TCPNetwork{Runtime: rt, ClientTLS: clientTLS, DialTimeout: 5 * time.Second}

	var giveUp error
	clientOpts, err := cfg.ClientOptions(cfg.Name)
	if err != nil {
		return err
	}
	clientOpts.OnGiveUp = func(err error) {
		giveUp = err
		stop()
	}
	if _, err := engine.ConnectDebugger(network, clientOpts); err != nil && !cfg.Reconnect {
		return fmt.Errorf("connect debugger %s: %w", cfg.DebuggerAddress, err)
	}
	log.Info().
		Str("name", cfg.Name).
		Str("debugger", cfg.DebuggerAddress).
		Strs("services", cfg.Services).
		Bool("tls", cfg.Security.TLS.Enabled).
		Msg("scoped started")

	if cfg.ProxyListen != "" {
		if err := listenProxy(engine, network, cfg, catalog); err != nil {
			return err
		}
	}

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		srv := admin.New(engine, admin.Options{
			Name:        cfg.Name,
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Token:       cfg.AdminToken,
		})
		go func() { adminErr <- srv.Serve(ctx) }()
	} else {
		adminErr <- nil
	}

	runErr := rt.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Run returned, so the engine can be torn down from this goroutine.
	err = multierr.Append(runErr, engine.Close())
	rt.RunUntilIdle(1000)
	rt.Close()
	err = multierr.Append(err, <-adminErr)
	err = multierr.Append(err, giveUp)
	log.Info().Msg("scoped stopped")
	return err
}

// listenProxy accepts remote applications and relays each one to the
// debugger over its own connection.
func listenProxy(engine *scope.Engine, network *transport.TCPNetwork, cfg config.ScopedConfig, catalog *services.Catalog) error {
	opts, err := cfg.ProxyOptions()
	if err != nil {
		return err
	}
	descs, err := catalog.Descriptors(engine.Runtime(), cfg.Services)
	if err != nil {
		return err
	}
	opts.Host.Descriptors = descs
	clientOpts, err := cfg.ClientOptions(cfg.Name + "-relay")
	if err != nil {
		return err
	}
	clientOpts.Reconnect = false
	l, err := engine.ListenApplications(network, opts, engine.RelayFactory(network, clientOpts))
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", cfg.ProxyListen, err)
	}
	log.Info().Str("addr", l.Addr()).Str("protocol", cfg.Policy.String()).Str("format", cfg.Format.String()).Msg("proxy listening")
	return nil
}
