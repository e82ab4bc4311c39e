// Package notify renders task notifications and turns clicks on them into
// focus signals for application windows.
//
// A clicked notification focuses the oldest open window and posts
// {"command":"FOCUS_TASK","taskId":...} to it. Without an open window a new
// one is opened at the base path; the focus signal is buffered until that
// window reports CLIENT_READY or the buffer entry expires.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/clients"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrUnknownNotification is returned when clicking a tag that is not shown.
var ErrUnknownNotification = errors.New("unknown notification")

// DefaultPendingFocusTTL bounds how long a focus signal waits for a window.
const DefaultPendingFocusTTL = 30 * time.Second

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sw_notifications_total",
	Help: "Notification events by kind",
}, []string{"kind"}) // "shown", "replaced", "clicked", "dismissed", "forwarded", "ignored"

// FocusTask is the message that asks a window to show a task.
type FocusTask struct {
	Command string `json:"command"`
	TaskID  string `json:"taskId"`
}

func focusTask(taskID string) FocusTask {
	return FocusTask{Command: "FOCUS_TASK", TaskID: taskID}
}

// Clients is the window registry the relay talks to.
type Clients interface {
	MatchAll(ctx context.Context) []clients.Client
	Focus(ctx context.Context, clientID string) error
	Post(ctx context.Context, clientID string, msg any) error
	Broadcast(ctx context.Context, msg any) int
	OpenWindow(ctx context.Context, rawURL string) error
}

// Config configures a Relay.
type Config struct {
	Tray    *Tray
	Clients Clients

	// Forwarder is optional
	Forwarder *Forwarder

	// BaseURL is opened when no window exists
	BaseURL string

	Icon  string
	Badge string

	// PendingFocusTTL caps how long a focus signal is buffered (default 30s)
	PendingFocusTTL time.Duration

	Logger zerolog.Logger
}

// Relay shows notifications and handles clicks.
type Relay struct {
	tray      *Tray
	clients   Clients
	forwarder *Forwarder
	baseURL   string
	icon      string
	badge     string
	logger    zerolog.Logger

	// takeMu makes ClientReady deliver each pending signal once.
	takeMu  sync.Mutex
	pending *gocache.Cache
	now     func() time.Time
}

// NewRelay creates a relay.
func NewRelay(cfg Config) *Relay {
	if cfg.Tray == nil {
		cfg.Tray = NewTray()
	}
	if cfg.PendingFocusTTL <= 0 {
		cfg.PendingFocusTTL = DefaultPendingFocusTTL
	}
	return &Relay{
		tray:      cfg.Tray,
		clients:   cfg.Clients,
		forwarder: cfg.Forwarder,
		baseURL:   cfg.BaseURL,
		icon:      cfg.Icon,
		badge:     cfg.Badge,
		logger:    cfg.Logger.With().Str("component", "notify").Logger(),
		pending:   gocache.New(cfg.PendingFocusTTL, 0),
		now:       time.Now,
	}
}

// Tray returns the tray holding visible notifications.
func (r *Relay) Tray() *Tray {
	return r.tray
}

// Show renders p and displays it. Re-showing a visible tag replaces the
// notification and sets Renotify so the user is alerted again.
func (r *Relay) Show(ctx context.Context, p Payload) Descriptor {
	d := Build(p, r.icon, r.badge, r.now())
	d.Renotify = r.tray.Has(d.Tag)

	if r.tray.Show(d) {
		notificationsTotal.WithLabelValues("replaced").Inc()
	} else {
		notificationsTotal.WithLabelValues("shown").Inc()
	}
	r.logger.Info().Str("tag", d.Tag).Str("task_id", d.Data.TaskID).Bool("renotify", d.Renotify).Msg("Notification shown")

	if r.clients != nil {
		r.clients.Broadcast(ctx, clients.Message{"type": "NOTIFICATION", "notification": d})
	}
	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, d); err != nil {
			r.logger.Warn().Err(err).Str("tag", d.Tag).Msg("Failed to forward notification")
		} else {
			notificationsTotal.WithLabelValues("forwarded").Inc()
		}
	}
	return d
}

// Push handles a push message body. A push without payload is logged and
// ignored; it reports whether a notification was shown.
func (r *Relay) Push(ctx context.Context, data []byte) (bool, error) {
	p, err := ParsePush(data)
	if errors.Is(err, ErrEmptyPayload) {
		notificationsTotal.WithLabelValues("ignored").Inc()
		r.logger.Warn().Msg("Push without payload ignored")
		return false, nil
	}
	if err != nil {
		notificationsTotal.WithLabelValues("ignored").Inc()
		return false, err
	}
	r.Show(ctx, p)
	return true, nil
}

// Click handles a user interaction with the notification tagged tag.
func (r *Relay) Click(ctx context.Context, tag, action string) error {
	d, ok := r.tray.Close(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNotification, tag)
	}
	if action == ActionDismiss {
		notificationsTotal.WithLabelValues("dismissed").Inc()
		return nil
	}
	notificationsTotal.WithLabelValues("clicked").Inc()

	taskID := d.Data.TaskID
	logger := r.logger.With().Str("tag", tag).Str("task_id", taskID).Logger()

	if r.clients == nil {
		return clients.ErrNoOpener
	}
	if open := r.clients.MatchAll(ctx); len(open) > 0 {
		target := open[0]
		if err := r.clients.Focus(ctx, target.ID); err != nil {
			logger.Debug().Err(err).Str("client_id", target.ID).Msg("Focus failed")
		}
		if err := r.clients.Post(ctx, target.ID, focusTask(taskID)); err != nil {
			return fmt.Errorf("post focus signal: %w", err)
		}
		logger.Debug().Str("client_id", target.ID).Msg("Focused existing window")
		return nil
	}

	r.pending.SetDefault(taskID, struct{}{})
	if err := r.clients.OpenWindow(ctx, r.baseURL); err != nil {
		r.pending.Delete(taskID)
		return fmt.Errorf("open window: %w", err)
	}
	logger.Info().Str("url", r.baseURL).Msg("Opened window, focus signal pending")
	return nil
}

// ClientReady delivers every pending focus signal to the window that just
// finished loading. It returns the number of signals delivered.
func (r *Relay) ClientReady(ctx context.Context, clientID string) int {
	r.takeMu.Lock()
	items := r.pending.Items()
	for taskID := range items {
		r.pending.Delete(taskID)
	}
	r.takeMu.Unlock()

	delivered := 0
	for taskID := range items {
		if err := r.clients.Post(ctx, clientID, focusTask(taskID)); err != nil {
			r.logger.Warn().Err(err).Str("client_id", clientID).Str("task_id", taskID).Msg("Failed to deliver focus signal")
			continue
		}
		delivered++
	}
	return delivered
}

// PendingFocus returns the task IDs still waiting for a window.
func (r *Relay) PendingFocus() []string {
	items := r.pending.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	return ids
}
