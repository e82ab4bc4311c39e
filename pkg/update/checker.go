// Package update refreshes the active store from the network.
//
// A check re-fetches every manifest URL with cache bypass headers through a
// bounded worker pool and overwrites the stored entry on success. Failed
// URLs are logged and counted; they never abort the batch and never touch
// the entry already stored.
package update

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sw_update_refresh_total",
	Help: "Update check refreshes by result",
}, []string{"result"}) // "updated", "failed"

// Fetcher retrieves a URL; non-2xx answers are errors.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, bypassCache bool) (*http.Response, error)
}

// StoreSource yields the store of the active version.
type StoreSource interface {
	CurrentStore(ctx context.Context) (cache.Store, error)
}

// Config holds checker configuration.
type Config struct {
	Fetcher Fetcher
	Stores  StoreSource

	// URLs are the absolute manifest URLs to refresh
	URLs []string

	// Scope decides the response type of refreshed entries
	Scope *url.URL

	// MaxConcurrency is the number of parallel refreshes (default 4)
	MaxConcurrency int

	// Timeout per URL (default 30s)
	Timeout time.Duration

	Logger zerolog.Logger
}

// Result summarizes one check.
type Result struct {
	Version  string        `json:"version"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type refreshResult struct {
	url string
	err error
}

// Checker runs update checks. Overlapping checks are serialized.
type Checker struct {
	config Config
	logger zerolog.Logger
	mu     sync.Mutex
}

// New creates a checker.
func New(cfg Config) *Checker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Checker{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "update").Logger(),
	}
}

// Check refreshes every URL once. It only fails when no store is active.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	store, err := c.config.Stores.CurrentStore(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("update check: %w", err)
	}
	res := Result{Version: store.Name()}

	queue := make(chan string, len(c.config.URLs))
	for _, u := range c.config.URLs {
		queue <- u
	}
	close(queue)

	results := make(chan refreshResult, len(c.config.URLs))
	var wg sync.WaitGroup
	for i := 0; i < c.config.MaxConcurrency; i++ {
		wg.Add(1)
		go c.worker(ctx, store, queue, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			res.Failed++
			refreshTotal.WithLabelValues("failed").Inc()
			c.logger.Warn().Err(r.err).Str("url", r.url).Msg("Refresh failed")
			continue
		}
		res.Updated++
		refreshTotal.WithLabelValues("updated").Inc()
	}

	res.Duration = time.Since(start)
	c.logger.Info().
		Str("version", res.Version).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("Update check complete")
	return res, nil
}

// worker refreshes URLs from the queue until it is drained or ctx ends.
func (c *Checker) worker(ctx context.Context, store cache.Store, queue <-chan string, results chan<- refreshResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for u := range queue {
		if err := ctx.Err(); err != nil {
			results <- refreshResult{url: u, err: err}
			continue
		}
		urlCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		err := c.refresh(urlCtx, store, u)
		cancel()
		results <- refreshResult{url: u, err: err}
	}
}

func (c *Checker) refresh(ctx context.Context, store cache.Store, rawURL string) error {
	resp, err := c.config.Fetcher.Get(ctx, rawURL, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	typ := cache.TypeOf(c.config.Scope, resp)
	if !cache.Cacheable(resp, typ) {
		return fmt.Errorf("response from %s is not cacheable (status %d, type %s)", rawURL, resp.StatusCode, typ)
	}
	entry, err := cache.Snapshot(resp, typ)
	if err != nil {
		return err
	}
	entry.URL = rawURL
	return store.Put(ctx, cache.NewKey(http.MethodGet, rawURL), entry)
}
