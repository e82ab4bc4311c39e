package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key identifies a stored response: the request method and its URL.
type Key struct {
	// Method is the upper-case request method
	Method string

	// URL is the absolute request URL without fragment
	URL string
}

// MatchOptions tune a Store lookup.
type MatchOptions struct {
	// IgnoreSearch matches entries regardless of their query string
	IgnoreSearch bool
}

// NewKey builds a key from a method and an absolute URL.
// An empty method means GET. The URL fragment never takes part in matching.
func NewKey(method, rawURL string) Key {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return Key{Method: strings.ToUpper(method), URL: rawURL}
}

// KeyFor returns the key of an intercepted request.
func KeyFor(req *http.Request) Key {
	return NewKey(req.Method, req.URL.String())
}

// String generates a deterministic key string.
// Format: METHOD SP URL
//
// Example:
//
//	GET https://app.example.com/style.css?v=2
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// WithoutQuery returns the key with the query string removed.
func (k Key) WithoutQuery() Key {
	u := k.URL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return Key{Method: k.Method, URL: u}
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, s)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return Key{Method: method, URL: rawURL}, nil
}
