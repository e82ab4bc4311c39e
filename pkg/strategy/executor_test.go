package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/cache"
	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/offline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const scopeURL = "https://app.example.com/"

var errOffline = errors.New("network unreachable")

// fakeFetcher answers every request through handler and counts calls per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(ctx context.Context, req *http.Request, call int) (*http.Response, error)
}

func newFakeFetcher(h func(ctx context.Context, req *http.Request, call int) (*http.Response, error)) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), handler: h}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.String()]++
	call := f.calls[req.URL.String()]
	f.mu.Unlock()
	return f.handler(ctx, req, call)
}

func (f *fakeFetcher) Calls(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func respond(req *http.Request, status int, body string, headers ...string) *http.Response {
	h := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

// after answers with resp after d unless ctx ends first.
func after(ctx context.Context, d time.Duration, resp *http.Response) (*http.Response, error) {
	select {
	case <-time.After(d):
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type staticSource struct {
	store cache.Store
	err   error
}

func (s staticSource) CurrentStore(context.Context) (cache.Store, error) {
	return s.store, s.err
}

// slowStore delays every lookup.
type slowStore struct {
	cache.Store
	delay time.Duration
}

func (s slowStore) Match(ctx context.Context, key cache.Key, opts cache.MatchOptions) (*cache.Entry, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Match(ctx, key, opts)
}

type fixture struct {
	exec    *Executor
	store   cache.Store
	fetcher *fakeFetcher
	page    []byte
}

func newFixture(t *testing.T, f *fakeFetcher, wrap func(cache.Store) cache.Store, timeout time.Duration) *fixture {
	t.Helper()
	store, err := cache.NewMemoryRegistry().Open(context.Background(), "v1")
	require.NoError(t, err)

	fb, err := offline.New("Test App")
	require.NoError(t, err)

	source := cache.Store(store)
	if wrap != nil {
		source = wrap(store)
	}
	scope, _ := url.Parse(scopeURL)
	exec, err := New(Config{
		Fetcher:        f,
		Stores:         staticSource{store: source},
		Fallbacks:      fb,
		Scope:          scope,
		NetworkTimeout: timeout,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{exec: exec, store: store, fetcher: f, page: fb.PageBytes()}
}

func (fx *fixture) seed(t *testing.T, rawURL, body string) {
	t.Helper()
	entry := &cache.Entry{
		URL:        rawURL,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/plain"}},
		Data:       []byte(body),
		Type:       cache.TypeBasic,
	}
	require.NoError(t, fx.store.Put(context.Background(), cache.NewKey("GET", rawURL), entry))
}

func newRequest(target string, headers ...string) (*http.Request, classify.Request) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req, classify.FromHTTP(req)
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func storedKeys(t *testing.T, s cache.Store) []cache.Key {
	t.Helper()
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNetworkFirst_ReturnsLiveResponseWithoutStoring(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		return respond(req, 200, "<html>live</html>", "Content-Type", "text/html"), nil
	})
	fx := newFixture(t, f, nil, 0)

	req, creq := newRequest(scopeURL, "Sec-Fetch-Mode", "navigate")
	resp, err := fx.exec.Execute(context.Background(), classify.Navigation, creq, req)
	require.NoError(t, err)

	assert.Equal(t, "<html>live</html>", body(t, resp))
	assert.Empty(t, storedKeys(t, fx.store))
}

func TestNetworkFirst_FallsBackToCachedRoot(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, nil, 0)
	fx.seed(t, "https://app.example.com/index.html", "<html>cached</html>")

	req, creq := newRequest("https://app.example.com/tasks/7", "Sec-Fetch-Mode", "navigate")
	resp, err := fx.exec.Execute(context.Background(), classify.Navigation, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "<html>cached</html>", body(t, resp))
}

func TestNetworkFirst_PrefersSlashOverIndex(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, nil, 0)
	fx.seed(t, "https://app.example.com/index.html", "index")
	fx.seed(t, "https://app.example.com/?utm=1", "root")

	req, _ := newRequest(scopeURL)
	resp, outcome := fx.exec.NetworkFirst(context.Background(), req)
	assert.Equal(t, OutcomeCache, outcome)
	assert.Equal(t, "root", body(t, resp))
}

func TestNetworkFirst_OfflinePageIsDeterministic(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, nil, 0)

	var bodies []string
	for i := 0; i < 3; i++ {
		req, creq := newRequest(scopeURL, "Sec-Fetch-Mode", "navigate")
		resp, err := fx.exec.Execute(context.Background(), classify.Navigation, creq, req)
		require.NoError(t, err)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
		bodies = append(bodies, body(t, resp))
	}
	assert.Equal(t, string(fx.page), bodies[0])
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])
}

func TestCacheFirst_HitNeverTouchesNetwork(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		return respond(req, 200, "network"), nil
	})
	fx := newFixture(t, f, nil, 0)
	fx.seed(t, "https://app.example.com/app.js", "cached-js")

	for i := 0; i < 3; i++ {
		req, creq := newRequest("https://app.example.com/app.js", "Sec-Fetch-Dest", "script")
		resp, err := fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
		require.NoError(t, err)
		assert.Equal(t, "cached-js", body(t, resp))
	}
	assert.Equal(t, 0, f.Calls("https://app.example.com/app.js"))
}

func TestCacheFirst_MissStoresCopy(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		return respond(req, 200, "body{}", "Content-Type", "text/css"), nil
	})
	fx := newFixture(t, f, nil, 0)

	req, creq := newRequest("https://app.example.com/style.css", "Sec-Fetch-Dest", "style")
	resp, err := fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "body{}", body(t, resp))

	entry, err := fx.store.Match(context.Background(), cache.NewKey("GET", "https://app.example.com/style.css"), cache.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(entry.Data))
	assert.Equal(t, cache.TypeBasic, entry.Type)

	// Second request is served from the store.
	req, creq = newRequest("https://app.example.com/style.css", "Sec-Fetch-Dest", "style")
	resp, err = fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "body{}", body(t, resp))
	assert.Equal(t, 1, f.Calls("https://app.example.com/style.css"))
}

func TestCacheFirst_SkipsUncacheableResponses(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		status  int
		headers []string
		stored  bool
	}{
		{"opaque cross origin", "https://cdn.example.net/lib.js", 200, nil, false},
		{"cors cross origin", "https://cdn.example.net/lib.js", 200, []string{"Access-Control-Allow-Origin", "*"}, true},
		{"not found", "https://app.example.com/missing.js", 404, nil, false},
		{"partial content", "https://app.example.com/video.js", 206, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
				return respond(req, tt.status, "x", tt.headers...), nil
			})
			fx := newFixture(t, f, nil, 0)

			req, creq := newRequest(tt.target, "Sec-Fetch-Dest", "script")
			resp, err := fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "x", body(t, resp))

			if tt.stored {
				assert.Len(t, storedKeys(t, fx.store), 1)
			} else {
				assert.Empty(t, storedKeys(t, fx.store))
			}
		})
	}
}

func TestCacheFirst_FetchFailure(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, nil, 0)

	req, creq := newRequest("https://app.example.com/icon-192.png", "Sec-Fetch-Dest", "image")
	resp, err := fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	req, creq = newRequest("https://app.example.com/app.js", "Sec-Fetch-Dest", "script")
	_, err = fx.exec.Execute(context.Background(), classify.StaticAsset, creq, req)
	assert.ErrorIs(t, err, errOffline)
}

func TestCacheFirst_WithoutActiveStore(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		return respond(req, 200, "js"), nil
	})
	fb, err := offline.New("")
	require.NoError(t, err)
	scope, _ := url.Parse(scopeURL)
	exec, err := New(Config{
		Fetcher:   f,
		Stores:    staticSource{err: errors.New("no active version")},
		Fallbacks: fb,
		Scope:     scope,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	req, creq := newRequest("https://app.example.com/app.js", "Sec-Fetch-Dest", "script")
	resp, err := exec.Execute(context.Background(), classify.StaticAsset, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "js", body(t, resp))
}

func TestTimedRace_NetworkWins(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		return respond(req, 200, `{"fresh":true}`), nil
	})
	fx := newFixture(t, f, nil, time.Second)

	req, creq := newRequest("https://app.example.com/api/tasks", "Accept", "application/json")
	resp, err := fx.exec.Execute(context.Background(), classify.Generic, creq, req)
	require.NoError(t, err)
	assert.Equal(t, `{"fresh":true}`, body(t, resp))
	assert.Empty(t, storedKeys(t, fx.store), "timed race never writes the store")
}

func TestTimedRace_CacheHitBeatsSlowNetwork(t *testing.T) {
	f := newFakeFetcher(func(ctx context.Context, req *http.Request, _ int) (*http.Response, error) {
		return after(ctx, time.Second, respond(req, 200, "late"))
	})
	fx := newFixture(t, f, nil, 2*time.Second)
	fx.seed(t, "https://app.example.com/api/tasks", "cached")

	req, creq := newRequest("https://app.example.com/api/tasks")
	start := time.Now()
	resp, err := fx.exec.Execute(context.Background(), classify.Generic, creq, req)
	require.NoError(t, err)
	assert.Equal(t, "cached", body(t, resp))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTimedRace_TimeoutServesOfflinePageForHTML(t *testing.T) {
	f := newFakeFetcher(func(ctx context.Context, req *http.Request, _ int) (*http.Response, error) {
		return after(ctx, time.Second, respond(req, 200, "late"))
	})
	fx := newFixture(t, f, nil, 20*time.Millisecond)

	req, creq := newRequest("https://app.example.com/partial", "Accept", "text/html", "Sec-Fetch-Mode", "cors")
	resp, err := fx.exec.Execute(context.Background(), classify.Generic, creq, req)
	require.NoError(t, err)
	assert.Equal(t, string(fx.page), body(t, resp))
	assert.Equal(t, 1, f.Calls("https://app.example.com/partial"))
}

func TestTimedRace_RetriesOnceWithoutTimeout(t *testing.T) {
	f := newFakeFetcher(func(ctx context.Context, req *http.Request, call int) (*http.Response, error) {
		if call == 1 {
			return after(ctx, time.Second, respond(req, 200, "first"))
		}
		return after(ctx, 50*time.Millisecond, respond(req, 200, "retry"))
	})
	fx := newFixture(t, f, nil, 20*time.Millisecond)

	req, creq := newRequest("https://app.example.com/api/data", "Accept", "application/json")
	resp, outcome, err := fx.exec.TimedRace(context.Background(), creq, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, "retry", body(t, resp))
	assert.Equal(t, 2, f.Calls("https://app.example.com/api/data"))
}

func TestTimedRace_SurfacesRetryFailure(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, nil, time.Second)

	req, creq := newRequest("https://app.example.com/api/data", "Accept", "application/json")
	_, err := fx.exec.Execute(context.Background(), classify.Generic, creq, req)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, 2, f.Calls("https://app.example.com/api/data"))
}

func TestTimedRace_NetworkFailureUsesCache(t *testing.T) {
	f := newFakeFetcher(func(context.Context, *http.Request, int) (*http.Response, error) {
		return nil, errOffline
	})
	fx := newFixture(t, f, func(s cache.Store) cache.Store {
		return slowStore{Store: s, delay: 50 * time.Millisecond}
	}, time.Second)
	fx.seed(t, "https://app.example.com/api/data", "cached")

	req, creq := newRequest("https://app.example.com/api/data")
	resp, outcome, err := fx.exec.TimedRace(context.Background(), creq, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, outcome)
	assert.Equal(t, "cached", body(t, resp))
	assert.Equal(t, 1, f.Calls("https://app.example.com/api/data"))
}

func TestTimedRace_LateNetworkIsDiscarded(t *testing.T) {
	closed := make(chan struct{})
	f := newFakeFetcher(func(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
		// Ignores cancellation on purpose: it answers after the timeout.
		time.Sleep(60 * time.Millisecond)
		resp := respond(req, 200, "late-network")
		resp.Body = &closeNotifier{ReadCloser: resp.Body, closed: closed}
		return resp, nil
	})
	fx := newFixture(t, f, func(s cache.Store) cache.Store {
		return slowStore{Store: s, delay: 150 * time.Millisecond}
	}, 20*time.Millisecond)
	fx.seed(t, "https://app.example.com/api/data", "cached")

	req, creq := newRequest("https://app.example.com/api/data")
	resp, outcome, err := fx.exec.TimedRace(context.Background(), creq, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, outcome)
	assert.Equal(t, "cached", body(t, resp))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("late network response was not closed")
	}
}

func TestExecute_RejectsExcluded(t *testing.T) {
	fx := newFixture(t, newFakeFetcher(nil), nil, 0)
	req, creq := newRequest("https://app.example.com/")
	_, err := fx.exec.Execute(context.Background(), classify.Excluded, creq, req)
	assert.Error(t, err)
}

func TestRootCandidates(t *testing.T) {
	for _, raw := range []string{"https://app.example.com", "https://app.example.com/"} {
		u, _ := url.Parse(raw)
		assert.Equal(t, []string{"https://app.example.com/", "https://app.example.com/index.html"}, RootCandidates(u))
	}
	u, _ := url.Parse("https://example.com/board?x=1")
	assert.Equal(t, []string{"https://example.com/board/", "https://example.com/board/index.html"}, RootCandidates(u))
}

type closeNotifier struct {
	io.ReadCloser
	once   sync.Once
	closed chan struct{}
}

func (c *closeNotifier) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.ReadCloser.Close()
}
