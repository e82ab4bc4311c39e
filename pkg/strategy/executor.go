package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/cache"
	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultNetworkTimeout bounds the network branch of the timed race.
const DefaultNetworkTimeout = 3 * time.Second

// Outcomes recorded in sw_fetch_total.
const (
	OutcomeNetwork     = "network"
	OutcomeCache       = "cache"
	OutcomeOffline     = "offline"
	OutcomePlaceholder = "placeholder"
	OutcomeRetry       = "retry"
	OutcomeError       = "error"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_fetch_total",
		Help: "Intercepted requests by class and the source that answered them",
	}, []string{"class", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sw_fetch_duration_seconds",
		Help:    "Time to resolve an intercepted request by class",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10},
	}, []string{"class"})
)

// Fetcher performs live network requests. Any HTTP status is a successful
// fetch; an error means the network could not answer.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// StoreSource yields the store of the active version.
type StoreSource interface {
	CurrentStore(ctx context.Context) (cache.Store, error)
}

// Fallbacks synthesizes degraded responses.
type Fallbacks interface {
	Page(req *http.Request) *http.Response
	Placeholder(req *http.Request) *http.Response
}

// Config configures an Executor.
type Config struct {
	Fetcher   Fetcher
	Stores    StoreSource
	Fallbacks Fallbacks

	// Scope is the application base URL. Its origin decides the response
	// type, its path locates the root document.
	Scope *url.URL

	// NetworkTimeout bounds the timed race (default 3s)
	NetworkTimeout time.Duration

	Logger zerolog.Logger
}

// Executor runs the fetch strategies. It is safe for concurrent use.
type Executor struct {
	fetcher   Fetcher
	stores    StoreSource
	fallbacks Fallbacks
	scope     *url.URL
	timeout   time.Duration
	logger    zerolog.Logger
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Fetcher == nil || cfg.Stores == nil || cfg.Fallbacks == nil {
		return nil, errors.New("strategy: fetcher, stores and fallbacks are required")
	}
	if cfg.Scope == nil {
		return nil, errors.New("strategy: scope is required")
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	return &Executor{
		fetcher:   cfg.Fetcher,
		stores:    cfg.Stores,
		fallbacks: cfg.Fallbacks,
		scope:     cfg.Scope,
		timeout:   cfg.NetworkTimeout,
		logger:    cfg.Logger.With().Str("component", "strategy").Logger(),
	}, nil
}

// Execute resolves req with the strategy of its class. req.URL must be
// absolute. Excluded requests are a programming error.
func (e *Executor) Execute(ctx context.Context, class classify.Class, creq classify.Request, req *http.Request) (*http.Response, error) {
	start := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
	}()

	var (
		resp    *http.Response
		outcome string
		err     error
	)
	switch class {
	case classify.Navigation:
		resp, outcome = e.NetworkFirst(ctx, req)
	case classify.StaticAsset:
		resp, outcome, err = e.CacheFirst(ctx, creq, req)
	case classify.Generic:
		resp, outcome, err = e.TimedRace(ctx, creq, req)
	default:
		return nil, fmt.Errorf("strategy: class %s is not intercepted", class)
	}

	fetchTotal.WithLabelValues(class.String(), outcome).Inc()
	e.logger.Debug().
		Str("url", req.URL.String()).
		Str("class", class.String()).
		Str("strategy", outcome).
		Dur("duration", time.Since(start)).
		Msg("Request resolved")
	return resp, err
}

// NetworkFirst serves a navigation. It never fails: the last resort is the
// offline page.
func (e *Executor) NetworkFirst(ctx context.Context, req *http.Request) (*http.Response, string) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, OutcomeNetwork
	}

	e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Navigation fetch failed, using fallback")

	if entry := e.rootDocument(ctx); entry != nil {
		return entry.Response(req), OutcomeCache
	}
	return e.fallbacks.Page(req), OutcomeOffline
}

// CacheFirst serves a static asset.
func (e *Executor) CacheFirst(ctx context.Context, creq classify.Request, req *http.Request) (*http.Response, string, error) {
	store := e.currentStore(ctx)
	key := cache.KeyFor(req)

	if store != nil {
		entry, err := store.Match(ctx, key, cache.MatchOptions{})
		if err == nil {
			return entry.Response(req), OutcomeCache, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("url", key.URL).Msg("Store lookup failed")
		}
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		if creq.Destination == classify.DestImage {
			return e.fallbacks.Placeholder(req), OutcomePlaceholder, nil
		}
		return nil, OutcomeError, err
	}

	typ := cache.TypeOf(e.scope, resp)
	if store == nil || !cache.Cacheable(resp, typ) {
		return resp, OutcomeNetwork, nil
	}

	// Snapshot duplicates the body: the entry is persisted, resp keeps a
	// fresh reader for the client.
	entry, err := cache.Snapshot(resp, typ)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("read %s: %w", key.URL, err)
	}
	if err := store.Put(ctx, key, entry); err != nil {
		e.logger.Warn().Err(err).Str("url", key.URL).Str("store", store.Name()).Msg("Failed to store response")
	}
	return resp, OutcomeNetwork, nil
}

type fetchResult struct {
	resp *http.Response
	err  error
}

// TimedRace serves a generic request.
func (e *Executor) TimedRace(ctx context.Context, creq classify.Request, req *http.Request) (*http.Response, string, error) {
	key := cache.KeyFor(req)

	netCtx, cancelNet := context.WithCancel(ctx)
	netCh := make(chan fetchResult, 1)
	go func() {
		resp, err := e.fetcher.Fetch(netCtx, req)
		netCh <- fetchResult{resp: resp, err: err}
	}()

	cacheCh := make(chan *cache.Entry, 1)
	go func() {
		cacheCh <- e.lookup(ctx, key)
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	pending := cacheCh
	for {
		select {
		case r := <-netCh:
			if r.err == nil {
				r.resp.Body = &cancelOnClose{ReadCloser: r.resp.Body, cancel: cancelNet}
				return r.resp, OutcomeNetwork, nil
			}
			cancelNet()
			e.logger.Debug().Err(r.err).Str("url", key.URL).Msg("Network failed, falling back")
			return e.fallback(ctx, creq, req, pending)

		case entry := <-pending:
			if entry != nil {
				cancelNet()
				discard(netCh)
				return entry.Response(req), OutcomeCache, nil
			}
			// A miss does not resolve the race.
			pending = nil

		case <-timer.C:
			cancelNet()
			discard(netCh)
			e.logger.Debug().Str("url", key.URL).Dur("timeout", e.timeout).Msg("Network timed out, falling back")
			return e.fallback(ctx, creq, req, pending)

		case <-ctx.Done():
			cancelNet()
			discard(netCh)
			return nil, OutcomeError, ctx.Err()
		}
	}
}

// fallback runs the post-race chain. pending is nil when the cache lookup
// already reported a miss.
func (e *Executor) fallback(ctx context.Context, creq classify.Request, req *http.Request, pending <-chan *cache.Entry) (*http.Response, string, error) {
	if pending != nil {
		select {
		case entry := <-pending:
			if entry != nil {
				return entry.Response(req), OutcomeCache, nil
			}
		case <-ctx.Done():
			return nil, OutcomeError, ctx.Err()
		}
	}

	if creq.AcceptsHTML() {
		return e.fallbacks.Page(req), OutcomeOffline, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("retry %s: %w", req.URL, err)
	}
	return resp, OutcomeRetry, nil
}

// lookup returns the active store's entry for key, or nil.
func (e *Executor) lookup(ctx context.Context, key cache.Key) *cache.Entry {
	store := e.currentStore(ctx)
	if store == nil {
		return nil
	}
	entry, err := store.Match(ctx, key, cache.MatchOptions{})
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("url", key.URL).Msg("Store lookup failed")
		}
		return nil
	}
	return entry
}

// rootDocument returns the cached application root: "<base>/" first,
// then "<base>/index.html", ignoring query strings.
func (e *Executor) rootDocument(ctx context.Context) *cache.Entry {
	store := e.currentStore(ctx)
	if store == nil {
		return nil
	}
	for _, u := range RootCandidates(e.scope) {
		entry, err := store.Match(ctx, cache.NewKey(http.MethodGet, u), cache.MatchOptions{IgnoreSearch: true})
		if err == nil {
			return entry
		}
	}
	return nil
}

func (e *Executor) currentStore(ctx context.Context) cache.Store {
	store, err := e.stores.CurrentStore(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("No store available")
		return nil
	}
	return store
}

// RootCandidates returns the URLs under which the root document may be
// stored for scope.
func RootCandidates(scope *url.URL) []string {
	base := *scope
	base.RawQuery = ""
	base.Fragment = ""
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	root := base.String()
	return []string{root, root + "index.html"}
}

// discard drains the network branch after it lost the race.
func discard(ch <-chan fetchResult) {
	go func() {
		r := <-ch
		if r.resp != nil {
			_, _ = io.Copy(io.Discard, r.resp.Body)
			r.resp.Body.Close()
		}
	}()
}

// cancelOnClose releases the winning network context once the client is
// done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
