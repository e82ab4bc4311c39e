// Package clients tracks the application windows connected to the proxy.
//
// Every window holds one WebSocket to /__sw/clients. The hub greets it with
// a HELLO message carrying its client ID, forwards every text message it
// sends to the message handler, and lets the engine post messages back.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrClientGone is returned when posting to a disconnected client.
	ErrClientGone = errors.New("client is gone")

	// ErrNoOpener is returned by OpenWindow when no opener is configured.
	ErrNoOpener = errors.New("no window opener configured")
)

// Message is a JSON object exchanged with a client.
type Message map[string]any

// Client is a snapshot of one connected window.
type Client struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// MessageHandler receives every text message a client sends.
type MessageHandler func(clientID string, data []byte)

// Opener opens a new application window at rawURL.
type Opener func(ctx context.Context, rawURL string) error

// Config configures a Hub.
type Config struct {
	// Handler receives client messages; it must not block for long
	Handler MessageHandler

	// Opener is used by OpenWindow
	Opener Opener

	// AllowedOrigins are accepted in addition to the request host
	AllowedOrigins []string

	Logger zerolog.Logger
}

type conn struct {
	Client
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Hub is the registry of connected clients.
type Hub struct {
	upgrader websocket.Upgrader
	handler  MessageHandler
	opener   Opener
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*conn
	version string
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		handler: cfg.Handler,
		opener:  cfg.Opener,
		logger:  cfg.Logger.With().Str("component", "clients").Logger(),
		clients: make(map[string]*conn),
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
	return h
}

// SetHandler replaces the message handler. It must be called before the
// hub serves connections.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// ServeWS upgrades the request and serves the client until it disconnects.
// The optional "url" query parameter records the window location.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &conn{
		Client: Client{
			ID:          uuid.NewString(),
			URL:         r.URL.Query().Get("url"),
			ConnectedAt: time.Now(),
		},
		ws: ws,
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	version := h.version
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.ID)
		h.mu.Unlock()
		_ = ws.Close()
		h.logger.Debug().Str("client_id", c.ID).Msg("Client disconnected")
	}()

	h.logger.Debug().Str("client_id", c.ID).Str("url", c.URL).Msg("Client connected")
	if err := c.write(Message{"type": "HELLO", "clientId": c.ID, "version": version}); err != nil {
		return
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage || h.handler == nil {
			continue
		}
		h.handler(c.ID, data)
	}
}

// MatchAll returns every connected client, oldest first.
func (h *Hub) MatchAll(_ context.Context) []Client {
	h.mu.RLock()
	out := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.Client)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Post sends msg to one client.
func (h *Hub) Post(_ context.Context, clientID string, msg any) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientGone, clientID)
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("post to %s: %w", clientID, err)
	}
	return nil
}

// Broadcast sends msg to every client. Failures are logged per client.
func (h *Hub) Broadcast(ctx context.Context, msg any) int {
	sent := 0
	for _, c := range h.MatchAll(ctx) {
		if err := h.Post(ctx, c.ID, msg); err != nil {
			h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Broadcast skipped client")
			continue
		}
		sent++
	}
	return sent
}

// Focus asks a client window to bring itself to the front.
func (h *Hub) Focus(ctx context.Context, clientID string) error {
	return h.Post(ctx, clientID, Message{"type": "FOCUS"})
}

// OpenWindow opens a new window at rawURL through the configured opener.
func (h *Hub) OpenWindow(ctx context.Context, rawURL string) error {
	if h.opener == nil {
		return ErrNoOpener
	}
	return h.opener(ctx, rawURL)
}

// Claim records version as the controller of every client and announces it.
func (h *Hub) Claim(ctx context.Context, version string) error {
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()

	n := h.Broadcast(ctx, Message{"type": "CONTROLLER_CHANGE", "version": version})
	h.logger.Info().Str("version", version).Int("clients", n).Msg("Clients claimed")
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
}
