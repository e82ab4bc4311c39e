package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/clients"
	"github.com/Sternrassler/offline-proxy/pkg/engine"
	"github.com/Sternrassler/offline-proxy/pkg/lifecycle"
	"github.com/Sternrassler/offline-proxy/pkg/metrics"
	"github.com/Sternrassler/offline-proxy/pkg/notify"
)

const (
	maxControlBody = 64 << 10
	readyTimeout   = 2 * time.Second
)

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", a.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /__sw/status", a.statusHandler)
	mux.HandleFunc("GET /__sw/clients", a.hub.ServeWS)
	mux.HandleFunc("POST /__sw/push", a.pushHandler)
	mux.HandleFunc("POST /__sw/message", a.messageHandler)
	mux.HandleFunc("POST /__sw/sync", a.syncHandler)
	mux.HandleFunc("GET /__sw/notifications", a.notificationsHandler)
	mux.HandleFunc("POST /__sw/notifications/click", a.clickHandler)

	mux.HandleFunc("/", a.proxyHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := a.ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !a.engine.Ready() {
		http.Error(w, "no active version", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type statusResponse struct {
	engine.Status
	Clients int `json:"clients"`
}

func (a *app) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  a.engine.Status(),
		Clients: len(a.hub.MatchAll(r.Context())),
	})
}

// proxyHandler answers every request that is not a control endpoint.
func (a *app) proxyHandler(w http.ResponseWriter, r *http.Request) {
	// The task observes r.Context() itself; waiting on it directly keeps a
	// late response from leaking its body.
	resp, err := a.engine.Fetch(r.Context(), r).Wait(context.Background())
	switch {
	case errors.Is(err, engine.ErrNotIntercepted):
		a.upstream.ServeHTTP(w, r)
		return
	case errors.Is(err, engine.ErrDraining):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		a.logger.Warn().Err(err).Str("url", r.URL.String()).Msg("Request failed")
		http.Error(w, fmt.Sprintf("request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		a.logger.Debug().Err(err).Str("url", r.URL.String()).Msg("Failed to write response")
	}
}

func (a *app) pushHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	shown, err := a.engine.Push(r.Context(), body).Wait(r.Context())
	switch {
	case errors.Is(err, notify.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]bool{"shown": shown})
	}
}

func (a *app) messageHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		http.Error(w, "message must be JSON", http.StatusBadRequest)
		return
	}
	result, err := a.engine.Message(r.Context(), r.URL.Query().Get("client"), body).Wait(r.Context())
	switch {
	case errors.Is(err, engine.ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func (a *app) syncHandler(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = engine.SyncTagCheckUpdates
	}
	res, err := a.engine.PeriodicSync(r.Context(), tag).Wait(r.Context())
	switch {
	case errors.Is(err, engine.ErrUnknownSyncTag):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *app) notificationsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.relay.Tray().List())
}

type clickRequest struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

func (a *app) clickHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req clickRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Tag == "" {
		http.Error(w, "expected {\"tag\": ..., \"action\": ...}", http.StatusBadRequest)
		return
	}
	_, err := a.engine.NotificationClick(r.Context(), req.Tag, req.Action).Wait(r.Context())
	switch {
	case errors.Is(err, notify.ErrUnknownNotification):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		writeError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

// writeError maps engine failures that are not the caller's fault.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrDraining), errors.Is(err, lifecycle.ErrNoActiveVersion),
		errors.Is(err, clients.ErrNoOpener):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
