package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/logging"
	"github.com/Sternrassler/offline-proxy/pkg/manifest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "offline-proxy",
		Short:         "Offline-capable caching proxy for a single-page application",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newCheckManifestCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "configuration file (YAML)")
	f.String("listen", ":8080", "listen address")
	f.String("upstream", "", "upstream origin, e.g. https://app.example.com")
	f.String("base-path", "/", "application path under the upstream origin")
	f.String("manifest", "manifest.yaml", "manifest file")
	f.Bool("skip-waiting", false, "activate new versions immediately")
	f.Duration("network-timeout", 3*time.Second, "network deadline for generic requests")
	f.Duration("update-interval", time.Hour, "periodic update check interval (0 disables)")
	f.String("open-command", "", "command that opens a window, {url} is replaced")
	f.String("store-backend", config.BackendRedis, "store backend: redis, sqlite or memory")
	f.String("store-redis-addr", "localhost:6379", "redis address")
	f.String("store-sqlite-path", "offline-proxy.db", "sqlite database path")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.Bool("log-pretty", false, "human-readable log output")
	return cmd
}

func newCheckManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-manifest FILE",
		Short: "Validate a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version %s: %d critical, %d best-effort\n",
				mf.Version, len(mf.Critical()), len(mf.BestEffort()))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Str("upstream", cfg.Upstream).Msg("Starting offline proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		active, err := a.engine.Start(gctx).Wait(gctx)
		if err != nil {
			logger.Error().Err(err).Str("version", active).Msg("Install failed")
			return nil
		}
		logger.Info().Str("version", active).Msg("Proxy ready")
		return nil
	})
	if cfg.UpdateInterval > 0 {
		g.Go(func() error {
			a.engine.RunPeriodicSync(gctx, cfg.UpdateInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info().Msg("Shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := a.engine.Drain(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Drain incomplete")
		}
		return nil
	})
	return g.Wait()
}
