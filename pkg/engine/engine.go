// Package engine dispatches proxy events: install, activate, fetch, push,
// notification click, client message and periodic sync. Every entry point
// returns a Task; Drain waits for all outstanding tasks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/lifecycle"
	"github.com/Sternrassler/offline-proxy/pkg/manifest"
	"github.com/Sternrassler/offline-proxy/pkg/notify"
	"github.com/Sternrassler/offline-proxy/pkg/strategy"
	"github.com/Sternrassler/offline-proxy/pkg/update"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrNotIntercepted marks a request that must pass through untouched.
	ErrNotIntercepted = errors.New("request is not intercepted")

	// ErrDraining is returned for events dispatched after Drain started.
	ErrDraining = errors.New("engine is draining")

	// ErrUnknownMessage is returned for unsupported client messages.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrUnknownSyncTag is returned for unsupported periodic sync tags.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

// Client message types and sync tags.
const (
	MsgSkipWaiting            = "SKIP_WAITING"
	MsgCheckForUpdates        = "CHECK_FOR_UPDATES"
	MsgUpdateTaskNotification = "UPDATE_TASK_NOTIFICATION"
	MsgClientReady            = "CLIENT_READY"

	SyncTagCheckUpdates = "check-updates"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sw_events_total",
	Help: "Dispatched events by kind and result",
}, []string{"kind", "result"}) // result: "ok", "error", "rejected"

// Broadcaster posts a message to every connected client.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg any) int
}

// Message is a control message sent by a client.
type Message struct {
	Type     string          `json:"type"`
	TaskData *notify.TaskData `json:"taskData,omitempty"`
}

// UpdatesChecked is broadcast after every update check.
type UpdatesChecked struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Updated int    `json:"updated"`
	Failed  int    `json:"failed"`
}

// Status describes the engine for health endpoints.
type Status struct {
	Active  string          `json:"active"`
	Waiting string          `json:"waiting,omitempty"`
	State   lifecycle.State `json:"state"`
}

// Config wires the engine components.
type Config struct {
	Manifest   *manifest.Manifest
	Origin     *url.URL
	Classifier *classify.Classifier
	Executor   *strategy.Executor
	Lifecycle  *lifecycle.Manager
	Relay      *notify.Relay
	Checker    *update.Checker
	Clients    Broadcaster
	Logger     zerolog.Logger
}

// Engine is the event dispatcher.
type Engine struct {
	manifest   *manifest.Manifest
	origin     *url.URL
	classifier *classify.Classifier
	executor   *strategy.Executor
	lifecycle  *lifecycle.Manager
	relay      *notify.Relay
	checker    *update.Checker
	clients    Broadcaster
	logger     zerolog.Logger

	// background is the context of events raised by clients themselves.
	background context.Context
	stop       context.CancelFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Manifest == nil:
		return nil, errors.New("engine: manifest is required")
	case cfg.Origin == nil:
		return nil, errors.New("engine: origin is required")
	case cfg.Classifier == nil || cfg.Executor == nil || cfg.Lifecycle == nil:
		return nil, errors.New("engine: classifier, executor and lifecycle are required")
	case cfg.Relay == nil || cfg.Checker == nil || cfg.Clients == nil:
		return nil, errors.New("engine: relay, checker and clients are required")
	}
	background, stop := context.WithCancel(context.Background())
	return &Engine{
		manifest:   cfg.Manifest,
		origin:     cfg.Origin,
		classifier: cfg.Classifier,
		executor:   cfg.Executor,
		lifecycle:  cfg.Lifecycle,
		relay:      cfg.Relay,
		checker:    cfg.Checker,
		clients:    cfg.Clients,
		logger:     cfg.Logger.With().Str("component", "engine").Logger(),
		background: background,
		stop:       stop,
	}, nil
}

// Start restores the active version, installs the manifest and activates
// it when allowed. The task yields the active version afterwards.
func (e *Engine) Start(ctx context.Context) *Task[string] {
	return spawn(e, "start", func() (string, error) {
		if _, err := e.lifecycle.Bootstrap(ctx, e.manifest.Version); err != nil {
			e.logger.Warn().Err(err).Msg("Bootstrap failed")
		}
		if err := e.lifecycle.Install(ctx, e.manifest); err != nil {
			return e.lifecycle.Active(), err
		}
		if _, err := e.lifecycle.ActivateIfReady(ctx); err != nil {
			return e.lifecycle.Active(), err
		}
		return e.lifecycle.Active(), nil
	})
}

// Install populates the store of the manifest version.
func (e *Engine) Install(ctx context.Context) *Task[struct{}] {
	return spawn(e, "install", func() (struct{}, error) {
		return struct{}{}, e.lifecycle.Install(ctx, e.manifest)
	})
}

// Activate promotes the installed version, deletes old stores and claims
// clients.
func (e *Engine) Activate(ctx context.Context) *Task[struct{}] {
	return spawn(e, "activate", func() (struct{}, error) {
		return struct{}{}, e.lifecycle.Activate(ctx)
	})
}

// Intercept reports how r would be handled. The returned request has an
// absolute URL; relative request URIs resolve against the origin.
func (e *Engine) Intercept(r *http.Request) (classify.Class, classify.Request, *http.Request) {
	out := r.Clone(r.Context())
	if !out.URL.IsAbs() {
		out.URL.Scheme = e.origin.Scheme
		out.URL.Host = e.origin.Host
	}
	out.Host = out.URL.Host
	out.RequestURI = ""
	creq := classify.FromHTTP(out)
	return e.classifier.Classify(creq), creq, out
}

// Fetch resolves an intercepted request. Excluded requests fail with
// ErrNotIntercepted and must be forwarded untouched by the caller.
func (e *Engine) Fetch(ctx context.Context, r *http.Request) *Task[*http.Response] {
	class, creq, req := e.Intercept(r)
	if class == classify.Excluded {
		return failedTask[*http.Response](ErrNotIntercepted)
	}
	req = req.WithContext(ctx)
	return spawn(e, "fetch", func() (*http.Response, error) {
		return e.executor.Execute(ctx, class, creq, req)
	})
}

// Push shows the notification carried by a push message body.
func (e *Engine) Push(ctx context.Context, data []byte) *Task[bool] {
	return spawn(e, "push", func() (bool, error) {
		return e.relay.Push(ctx, data)
	})
}

// NotificationClick handles a click on the notification tagged tag.
func (e *Engine) NotificationClick(ctx context.Context, tag, action string) *Task[struct{}] {
	return spawn(e, "notificationclick", func() (struct{}, error) {
		return struct{}{}, e.relay.Click(ctx, tag, action)
	})
}

// Message handles a control message from clientID ("" for messages that
// did not arrive over a client channel).
func (e *Engine) Message(ctx context.Context, clientID string, data []byte) *Task[any] {
	return spawn(e, "message", func() (any, error) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		logger := e.logger.With().Str("client_id", clientID).Str("type", msg.Type).Logger()
		logger.Debug().Msg("Client message")

		switch msg.Type {
		case MsgSkipWaiting:
			return e.lifecycle.SkipWaiting(ctx)
		case MsgCheckForUpdates:
			return e.checkForUpdates(ctx)
		case MsgUpdateTaskNotification:
			if msg.TaskData == nil {
				return nil, fmt.Errorf("%s without taskData", msg.Type)
			}
			return e.relay.Show(ctx, msg.TaskData.Payload()), nil
		case MsgClientReady:
			if clientID == "" {
				return 0, errors.New("CLIENT_READY requires a client channel")
			}
			return e.relay.ClientReady(ctx, clientID), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
		}
	})
}

// HandleClientMessage dispatches a message received over a client channel.
// It does not block; failures are logged.
func (e *Engine) HandleClientMessage(clientID string, data []byte) {
	task := e.Message(e.background, clientID, data)
	go func() {
		if _, err := task.Wait(context.Background()); err != nil && !errors.Is(err, ErrDraining) {
			e.logger.Warn().Err(err).Str("client_id", clientID).Msg("Client message failed")
		}
	}()
}

// PeriodicSync handles a periodic background sync registration.
func (e *Engine) PeriodicSync(ctx context.Context, tag string) *Task[update.Result] {
	return spawn(e, "periodicsync", func() (update.Result, error) {
		if tag != SyncTagCheckUpdates {
			return update.Result{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
		}
		return e.checkForUpdates(ctx)
	})
}

// RunPeriodicSync raises a check-updates sync every interval until ctx ends.
func (e *Engine) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PeriodicSync(ctx, SyncTagCheckUpdates).Wait(ctx); err != nil {
				e.logger.Debug().Err(err).Msg("Periodic sync failed")
			}
		}
	}
}

func (e *Engine) checkForUpdates(ctx context.Context) (update.Result, error) {
	res, err := e.checker.Check(ctx)
	if err != nil {
		return res, err
	}
	e.clients.Broadcast(ctx, UpdatesChecked{
		Type:    "UPDATES_CHECKED",
		Version: res.Version,
		Updated: res.Updated,
		Failed:  res.Failed,
	})
	return res, nil
}

// Status reports the lifecycle state.
func (e *Engine) Status() Status {
	return Status{
		Active:  e.lifecycle.Active(),
		Waiting: e.lifecycle.Waiting(),
		State:   e.lifecycle.State(),
	}
}

// Ready reports whether a version is active.
func (e *Engine) Ready() bool {
	return e.lifecycle.Active() != ""
}

// Drain rejects new events and waits until every outstanding task is done
// or ctx ends. Client-raised events are cancelled when ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}
