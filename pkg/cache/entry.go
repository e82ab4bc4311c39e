package cache

import (
	"net/http"
	"time"
)

// ResponseType mirrors the type a browser assigns to a fetched response.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"

	// TypeCORS is a cross-origin response the origin explicitly shared.
	TypeCORS ResponseType = "cors"

	// TypeOpaque is a cross-origin response whose content cannot be validated.
	TypeOpaque ResponseType = "opaque"
)

// Entry is a response snapshot held by a Store.
type Entry struct {
	// URL is the URL the response was fetched from
	URL string `json:"url"`

	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// Type is the response type at the time it was stored
	Type ResponseType `json:"type"`

	// CachedAt is when the snapshot was taken
	CachedAt time.Time `json:"cached_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = e.Headers.Clone()
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}

// Cacheable reports whether the snapshot may be persisted.
// Only 200 responses that are not opaque qualify.
func (e *Entry) Cacheable() bool {
	return e.StatusCode == http.StatusOK && e.Type != TypeOpaque
}

// Age returns how long ago the snapshot was taken.
func (e *Entry) Age() time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return time.Since(e.CachedAt)
}
