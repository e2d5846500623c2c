// Command lockref-referee runs the lock-referee core as a standalone
// process, the default deployment shape for the process-shared
// synchronization runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmlabs-mindmaze/mmlib-sub001/config"
	"github.com/mmlabs-mindmaze/mmlib-sub001/ipc"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:   "lockref-referee",
		Short: "Mediate process-shared mutexes and condition variables over a local channel",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the referee and block until terminated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}
	if err := config.BindFlags(serveCmd.Flags(), v); err != nil {
		panic(err) // flag registration only fails on a programming error
	}

	root.AddCommand(serveCmd)
	return root
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg := config.Load(v)

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("lockref-referee: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	addr := cfg.SocketPath
	if addr == "" {
		addr = ipc.Address()
	}
	listener, err := ipc.ListenAt(addr)
	if err != nil {
		return fmt.Errorf("lockref-referee: listen: %w", err)
	}

	metrics := referee.NewMetrics()
	core := referee.New(listener,
		referee.WithLogger(sugar),
		referee.WithGCInterval(cfg.GCInterval),
		referee.WithMetrics(metrics),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := core.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		group.Go(func() error {
			sugar.Infow("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	sugar.Infow("referee started", "socket", addr)
	return group.Wait()
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
