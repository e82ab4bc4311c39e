package main

import (
	"context"
	"errors"
	"fmt"
	"net/http/httputil"
	"net/url"
	"os/exec"
	"strings"

	"github.com/Sternrassler/offline-proxy/pkg/cache"
	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/clients"
	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/engine"
	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/Sternrassler/offline-proxy/pkg/lifecycle"
	"github.com/Sternrassler/offline-proxy/pkg/manifest"
	"github.com/Sternrassler/offline-proxy/pkg/notify"
	"github.com/Sternrassler/offline-proxy/pkg/offline"
	"github.com/Sternrassler/offline-proxy/pkg/strategy"
	"github.com/Sternrassler/offline-proxy/pkg/update"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired proxy components.
type app struct {
	engine   *engine.Engine
	hub      *clients.Hub
	relay    *notify.Relay
	upstream *httputil.ReverseProxy
	logger   zerolog.Logger

	// ping checks the store backend for readiness
	ping    func(ctx context.Context) error
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	base, err := cfg.BaseURL()
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	mf, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	resolved, err := mf.Resolve(base)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger.With().Str("component", "server").Logger()}
	registry, err := a.openRegistry(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	fetchCfg := fetch.DefaultConfig(cfg.UserAgent)
	fetchCfg.Logger = logger
	fetcher, err := fetch.New(fetchCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = clients.NewHub(clients.Config{
		Opener:         commandOpener(cfg.OpenCommand),
		AllowedOrigins: []string{base.Scheme + "://" + base.Host},
		Logger:         logger,
	})
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	lc, err := lifecycle.New(lifecycle.Config{
		Registry:              registry,
		Fetcher:               fetcher,
		Claimer:               a.hub,
		Base:                  base,
		SkipWaiting:           cfg.SkipWaiting,
		BestEffortConcurrency: cfg.BestEffortConcurrency,
		Logger:                logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	fallbacks, err := offline.New(cfg.AppName)
	if err != nil {
		a.Close()
		return nil, err
	}
	executor, err := strategy.New(strategy.Config{
		Fetcher:        fetcher,
		Stores:         lc,
		Fallbacks:      fallbacks,
		Scope:          base,
		NetworkTimeout: cfg.NetworkTimeout,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var forwarder *notify.Forwarder
	if len(cfg.Notifications.ForwardURLs) > 0 {
		if forwarder, err = notify.NewForwarder(cfg.Notifications.ForwardURLs...); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.relay = notify.NewRelay(notify.Config{
		Clients:         a.hub,
		Forwarder:       forwarder,
		BaseURL:         base.String(),
		Icon:            resolveRef(base, cfg.Notifications.Icon),
		Badge:           resolveRef(base, cfg.Notifications.Badge),
		PendingFocusTTL: cfg.Notifications.PendingFocusTTL,
		Logger:          logger,
	})

	checker := update.New(update.Config{
		Fetcher: fetcher,
		Stores:  lc,
		URLs:    resolved.URLs(),
		Scope:   base,
		Logger:  logger,
	})

	a.engine, err = engine.New(engine.Config{
		Manifest: mf,
		Origin:   base,
		Classifier: classify.New(classify.Config{
			Scope:            base,
			ExcludedHosts:    cfg.ExcludedHosts,
			CrossOriginAllow: cfg.CrossOriginAllow,
		}),
		Executor:  executor,
		Lifecycle: lc,
		Relay:     a.relay,
		Checker:   checker,
		Clients:   a.hub,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.hub.SetHandler(a.engine.HandleClientMessage)

	upstream, _ := url.Parse(cfg.Upstream)
	a.upstream = newPassthrough(upstream)
	return a, nil
}

// openRegistry connects the configured store backend.
func (a *app) openRegistry(ctx context.Context, cfg config.StoreConfig) (cache.Registry, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		a.ping = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		a.closers = append(a.closers, rc.Close)
		return cache.NewRedisRegistry(rc), nil

	case config.BackendSQLite:
		db, err := cache.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		registry := cache.NewSQLiteRegistry(db)
		a.logger.Info().Str("path", cfg.SQLitePath).Msg("Opened SQLite store")
		a.ping = db.PingContext
		a.closers = append(a.closers, registry.Close)
		return registry, nil

	case config.BackendMemory:
		a.ping = func(context.Context) error { return nil }
		return cache.NewMemoryRegistry(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Close releases every backend connection, most recent first.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Close failed")
	}
}

// newPassthrough forwards requests the proxy does not intercept. Relative
// request URIs go to upstream; absolute ones keep their own host.
func newPassthrough(upstream *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				pr.Out.Host = pr.In.URL.Host
			} else {
				pr.SetURL(upstream)
			}
			pr.SetXForwarded()
		},
	}
}

// commandOpener runs command with "{url}" replaced by the target URL. An
// empty command leaves the hub without an opener.
func commandOpener(command string) clients.Opener {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	return func(_ context.Context, rawURL string) error {
		args := make([]string, len(fields))
		for i, f := range fields {
			args[i] = strings.ReplaceAll(f, "{url}", rawURL)
		}
		cmd := exec.Command(args[0], args[1:]...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("open window: %w", err)
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
}

func resolveRef(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
