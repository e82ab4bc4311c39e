// Package lifecycle owns version stores: it installs a manifest into the
// store named by its version, promotes that store to active and deletes
// every other store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/cache"
	"github.com/Sternrassler/offline-proxy/pkg/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoActiveVersion is returned while no version has been activated.
	ErrNoActiveVersion = errors.New("no active version")

	// ErrCriticalEntry aborts an install whose critical entry failed.
	ErrCriticalEntry = errors.New("critical manifest entry failed")

	// ErrNothingToActivate is returned by Activate without an installed version.
	ErrNothingToActivate = errors.New("no installed version to activate")
)

var installTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sw_install_total",
	Help: "Version installs by result",
}, []string{"result"}) // "installed", "failed"

// State is the lifecycle phase of the most recent version.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed" // waiting for activation
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Fetcher retrieves manifest URLs. Non-2xx answers are errors.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, bypassCache bool) (*http.Response, error)
}

// Claimer takes control of every open client once a version activates.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Config configures a Manager.
type Config struct {
	Registry cache.Registry
	Fetcher  Fetcher

	// Claimer is optional
	Claimer Claimer

	// Base resolves relative manifest URLs and decides response types
	Base *url.URL

	// SkipWaiting activates every successful install immediately
	SkipWaiting bool

	// BestEffortConcurrency bounds parallel best-effort adds (default 6)
	BestEffortConcurrency int

	Logger zerolog.Logger
}

// Manager is the only component allowed to create or delete stores.
type Manager struct {
	registry    cache.Registry
	fetcher     Fetcher
	claimer     Claimer
	base        *url.URL
	skipWaiting bool
	concurrency int
	logger      zerolog.Logger

	// opMu serializes install and activate cycles.
	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	active      string
	activeStore cache.Store
	waiting     string
}

// New creates a lifecycle manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Fetcher == nil {
		return nil, errors.New("lifecycle: registry and fetcher are required")
	}
	if cfg.Base == nil {
		return nil, errors.New("lifecycle: base URL is required")
	}
	if cfg.BestEffortConcurrency <= 0 {
		cfg.BestEffortConcurrency = 6
	}
	return &Manager{
		registry:    cfg.Registry,
		fetcher:     cfg.Fetcher,
		claimer:     cfg.Claimer,
		base:        cfg.Base,
		skipWaiting: cfg.SkipWaiting,
		concurrency: cfg.BestEffortConcurrency,
		logger:      cfg.Logger.With().Str("component", "lifecycle").Logger(),
		state:       StateIdle,
	}, nil
}

// Install populates the store named by m.Version. Critical entries are
// added one by one before any best-effort entry starts; the first critical
// failure aborts the install and leaves the active version untouched.
// Best-effort failures are logged and skipped.
func (m *Manager) Install(ctx context.Context, mf *manifest.Manifest) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	resolved, err := mf.Resolve(m.base)
	if err != nil {
		return err
	}
	version := resolved.Version
	start := time.Now()
	prev := m.setState(StateInstalling)

	store, err := m.registry.Open(ctx, version)
	if err != nil {
		m.setState(prev)
		installTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("open store %s: %w", version, err)
	}

	for _, e := range resolved.Critical() {
		if err := m.add(ctx, store, e.URL); err != nil {
			m.abortInstall(ctx, version, prev)
			m.logger.Error().Err(err).Str("version", version).Str("url", e.URL).Msg("Install aborted")
			return fmt.Errorf("%w: %s: %v", ErrCriticalEntry, e.URL, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, e := range resolved.BestEffort() {
		g.Go(func() error {
			if err := m.add(ctx, store, e.URL); err != nil {
				m.logger.Warn().Err(err).Str("version", version).Str("url", e.URL).Msg("Skipping best-effort entry")
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	if version == m.active {
		m.state = StateActivated
	} else {
		m.state = StateInstalled
		m.waiting = version
	}
	m.mu.Unlock()

	installTotal.WithLabelValues("installed").Inc()
	m.logger.Info().
		Str("version", version).
		Int("entries", len(resolved.Entries)).
		Dur("duration", time.Since(start)).
		Msg("Version installed")
	return nil
}

func (m *Manager) abortInstall(ctx context.Context, version string, prev State) {
	installTotal.WithLabelValues("failed").Inc()
	m.mu.Lock()
	active := m.active
	if version != active && m.waiting == version {
		m.waiting = ""
	}
	m.mu.Unlock()

	// A failed reinstall of the active version keeps what it already has.
	if version != active {
		if _, err := m.registry.Delete(ctx, version); err != nil {
			m.logger.Warn().Err(err).Str("store", version).Msg("Failed to drop aborted store")
		}
	}
	m.setState(prev)
}

// add fetches rawURL and stores the response under a GET key.
func (m *Manager) add(ctx context.Context, store cache.Store, rawURL string) error {
	resp, err := m.fetcher.Get(ctx, rawURL, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	typ := cache.TypeOf(m.base, resp)
	if typ == cache.TypeOpaque {
		return fmt.Errorf("opaque response from %s", rawURL)
	}
	entry, err := cache.Snapshot(resp, typ)
	if err != nil {
		return err
	}
	entry.URL = rawURL
	return store.Put(ctx, cache.NewKey(http.MethodGet, rawURL), entry)
}

// ActivateIfReady activates the waiting version when nothing is active yet
// or skip-waiting is configured. It reports whether activation happened.
func (m *Manager) ActivateIfReady(ctx context.Context) (bool, error) {
	m.mu.RLock()
	ready := m.waiting != "" && (m.active == "" || m.skipWaiting)
	m.mu.RUnlock()
	if !ready {
		return false, nil
	}
	return true, m.Activate(ctx)
}

// SkipWaiting activates the waiting version, if any.
func (m *Manager) SkipWaiting(ctx context.Context) (bool, error) {
	m.mu.RLock()
	waiting := m.waiting
	m.mu.RUnlock()
	if waiting == "" {
		return false, nil
	}
	return true, m.Activate(ctx)
}

// Activate makes the waiting version current, then deletes every other
// store and claims the clients concurrently. It returns once both are done.
func (m *Manager) Activate(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	version := m.waiting
	if version == "" {
		version = m.active
	}
	m.mu.RUnlock()
	if version == "" {
		return ErrNothingToActivate
	}

	// Open would create an empty store for a version dropped behind our back.
	ok, err := m.registry.Has(ctx, version)
	if err != nil {
		return fmt.Errorf("check store %s: %w", version, err)
	}
	if !ok {
		m.mu.Lock()
		if m.waiting == version {
			m.waiting = ""
		}
		m.mu.Unlock()
		return fmt.Errorf("activate %s: %w", version, cache.ErrStoreNotFound)
	}
	store, err := m.registry.Open(ctx, version)
	if err != nil {
		return fmt.Errorf("open store %s: %w", version, err)
	}

	m.mu.Lock()
	m.state = StateActivating
	m.active = version
	m.activeStore = store
	m.waiting = ""
	m.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		return m.deleteOthers(ctx, version)
	})
	g.Go(func() error {
		if m.claimer == nil {
			return nil
		}
		if err := m.claimer.Claim(ctx, version); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
		return nil
	})
	err = g.Wait()

	m.setState(StateActivated)
	if err != nil {
		m.logger.Warn().Err(err).Str("version", version).Msg("Activation finished with errors")
		return err
	}
	m.logger.Info().Str("version", version).Msg("Version activated")
	return nil
}

func (m *Manager) deleteOthers(ctx context.Context, keep string) error {
	names, err := m.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == keep {
			continue
		}
		if _, err := m.registry.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
			continue
		}
		m.logger.Info().Str("store", name).Msg("Deleted old store")
	}
	return errors.Join(errs...)
}

// Adopt makes an existing store the active version without installing it.
func (m *Manager) Adopt(ctx context.Context, version string) error {
	ok, err := m.registry.Has(ctx, version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", cache.ErrStoreNotFound, version)
	}
	store, err := m.registry.Open(ctx, version)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.active = version
	m.activeStore = store
	m.state = StateActivated
	m.mu.Unlock()
	return nil
}

// Bootstrap restores the active version after a restart. The store named
// preferred wins; otherwise a single surviving store is adopted. When other
// stores survive next to the adopted one, the full activation runs so they
// are deleted and clients are claimed. It returns the adopted version, or ""
// when there was nothing to adopt.
func (m *Manager) Bootstrap(ctx context.Context, preferred string) (string, error) {
	names, err := m.registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list stores: %w", err)
	}
	version := ""
	for _, name := range names {
		if name == preferred {
			version = name
		}
	}
	if version == "" && len(names) == 1 {
		version = names[0]
	}
	if version == "" {
		return "", nil
	}
	if err := m.Adopt(ctx, version); err != nil {
		return "", err
	}
	m.logger.Info().Str("version", version).Msg("Adopted existing store")
	if len(names) > 1 {
		if err := m.Activate(ctx); err != nil {
			return version, err
		}
	}
	return version, nil
}

// CurrentStore returns the store of the active version.
func (m *Manager) CurrentStore(_ context.Context) (cache.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeStore == nil {
		return nil, ErrNoActiveVersion
	}
	return m.activeStore, nil
}

// Active returns the active version tag, or "".
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Waiting returns the installed version awaiting activation, or "".
func (m *Manager) Waiting() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.waiting
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	return prev
}
