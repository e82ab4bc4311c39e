package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Snapshot converts an HTTP response to an Entry.
// The response body is read completely and then restored, so the caller can
// still hand resp to its client after persisting the returned entry.
func Snapshot(resp *http.Response, typ ResponseType) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Data:       body,
		Type:       typ,
		CachedAt:   time.Now(),
	}
	if entry.Headers == nil {
		entry.Headers = http.Header{}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		entry.URL = resp.Request.URL.String()
	}

	// Upstreams occasionally omit Content-Type on static files; sniff it so
	// replays are not served as application/octet-stream.
	if entry.Headers.Get("Content-Type") == "" && len(body) > 0 {
		entry.Headers.Set("Content-Type", mimetype.Detect(body).String())
	}

	return entry, nil
}

// Response builds a new HTTP response from the entry.
// Each call returns an independent body.
func (e *Entry) Response(req *http.Request) *http.Response {
	headers := e.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Length", strconv.Itoa(len(e.Data)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(e.Data)),
		ContentLength: int64(len(e.Data)),
		Request:       req,
	}
}

// TypeOf classifies resp relative to the scope origin.
// Same-origin responses are basic, cross-origin responses carrying an
// Access-Control-Allow-Origin header are cors, everything else is opaque.
func TypeOf(scope *url.URL, resp *http.Response) ResponseType {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil || scope == nil {
		return TypeOpaque
	}
	u := resp.Request.URL
	if sameOrigin(scope, u) {
		return TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// Cacheable reports whether resp of type typ may be persisted.
func Cacheable(resp *http.Response, typ ResponseType) bool {
	return resp != nil && resp.StatusCode == http.StatusOK && typ != TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
