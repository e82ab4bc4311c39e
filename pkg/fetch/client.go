// Package fetch performs the live network requests issued by the proxy:
// strategy fetches, manifest installs and update checks.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_upstream_requests_total",
		Help: "Total upstream requests by HTTP status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sw_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 3, 5, 10},
	}, []string{"method"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sw_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Hop-by-hop headers are meaningful for a single connection only and must
// not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client performs upstream requests. Fetch hands redirects back to the
// caller untouched; Get follows them and yields the final response.
type Client struct {
	httpClient   *http.Client
	followClient *http.Client
	config       Config
	logger       zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// UserAgent is sent when the intercepted request carries none
	UserAgent string

	// Timeout caps a single request end to end (0 disables the cap)
	Timeout time.Duration

	// Transport overrides the HTTP transport (tests)
	Transport http.RoundTripper

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   60 * time.Second,
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		followClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		config: cfg,
		logger: cfg.Logger.With().Str("component", "fetch").Logger(),
	}, nil
}

// Fetch sends req upstream. Any HTTP status is a successful fetch, 3xx
// included: redirects reach the caller with their Location header. Only
// transport failures return an error, which is always a *FetchError of
// class network.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.do(ctx, c.httpClient, req)
}

func (c *Client) do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	// Let the transport negotiate compression so bodies arrive decoded.
	out.Header.Del("Accept-Encoding")
	if out.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		out.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(out.Method).Observe(time.Since(startTime).Seconds())
	}()

	target := out.URL.String()
	resp, err := client.Do(out)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Debug().Err(err).Str("url", target).Msg("Upstream request failed")
		return nil, &FetchError{URL: target, ErrorClass: ErrorClassNetwork, Err: err}
	}

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if class := ClassifyStatus(resp.StatusCode); class != "" {
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
	}

	c.logger.Debug().
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("Upstream response")

	return resp, nil
}

// Get fetches rawURL, following redirects, and requires a 2xx answer.
// Non-2xx responses are closed and reported as a *FetchError carrying the
// status class.
// With bypassCache the request asks every intermediary for a fresh copy.
func (c *Client) Get(ctx context.Context, rawURL string, bypassCache bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.do(ctx, c.followClient, req)
	if err != nil {
		return nil, err
	}
	if !statusOK(resp.StatusCode) {
		resp.Body.Close()
		return nil, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			ErrorClass: ClassifyStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return resp, nil
}
