package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/scope/internal/config"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/services"
	"github.com/danmuck/scope/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type listenFlags struct {
	config   string
	address  string
	protocol string
	format   string
	services []string
	enable   []string
}

func newListenCmd() *cobra.Command {
	var f listenFlags
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept application connections and print their traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			return runListen(cmd.Context(), cmd.OutOrStdout(), cfg, f.enable)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to scopectl.toml")
	cmd.Flags().StringVar(&f.address, "listen", "", "listen address host:port")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "stp0|stp1|best")
	cmd.Flags().StringVar(&f.format, "format", "", "none|binary|json|xml")
	cmd.Flags().StringSliceVar(&f.services, "services", nil, "catalog services to transcode")
	cmd.Flags().StringSliceVar(&f.enable, "enable", nil, "services to enable once an application is ready")
	return cmd
}

// resolve loads the config file, then applies explicitly set flags.
func (f listenFlags) resolve(cmd *cobra.Command) (config.ScopectlConfig, error) {
	cfg := config.DefaultScopectlConfig()
	if f.config != "" {
		loaded, err := config.LoadScopectl(f.config)
		if err != nil {
			return config.ScopectlConfig{}, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddress = f.address
	}
	if flags.Changed("protocol") {
		policy, err := scope.ParsePolicy(f.protocol)
		if err != nil {
			return config.ScopectlConfig{}, err
		}
		cfg.Policy = policy
	}
	if flags.Changed("format") {
		format, err := protocol.ParseFormat(f.format)
		if err != nil {
			return config.ScopectlConfig{}, err
		}
		cfg.Format = format
	}
	if flags.Changed("services") {
		cfg.Services = f.services
	}
	return cfg, cfg.Validate()
}

func runListen(ctx context.Context, out io.Writer, cfg config.ScopectlConfig, enable []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverTLS, err := cfg.Security.ServerTLS()
	if err != nil {
		return err
	}
	rt := loop.New()
	network := &transport.TCPNetwork{Runtime: rt, ServerTLS: serverTLS}
	engine := scope.NewEngine(rt, scope.EngineOptions{Builtin: scope.BuiltinHostOptions{Name: cfg.Name}})

	l, err := startListener(engine, network, cfg, out, enable)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listening on %s (protocol=%s format=%s)\n", l.Addr(), cfg.Policy, cfg.Format)

	err = rt.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	err = multierr.Append(err, engine.Close())
	rt.RunUntilIdle(1000)
	rt.Close()
	return err
}

// startListener accepts applications on the engine, each attached to its
// own printClient.
func startListener(engine *scope.Engine, network transport.Network, cfg config.ScopectlConfig, out io.Writer, enable []string) (*scope.HostListener, error) {
	opts, err := cfg.ListenerOptions()
	if err != nil {
		return nil, err
	}
	descs, err := services.Default().Descriptors(engine.Runtime(), cfg.Services)
	if err != nil {
		return nil, err
	}
	opts.Host.Descriptors = descs
	var n int
	return engine.ListenApplications(network, opts, func(*scope.NetworkHost) (scope.Client, error) {
		n++
		return newPrintClient(fmt.Sprintf("%s-%d", cfg.Name, n), out, cfg.Format, enable), nil
	})
}
