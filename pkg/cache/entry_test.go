package cache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestSnapshot(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://app.example.com/style.css", nil)
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       io.NopCloser(strings.NewReader("body{color:red}")),
		Request:    req,
	}

	entry, err := Snapshot(resp, TypeBasic)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// The caller must still be able to read the original response.
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{color:red}" {
		t.Errorf("Response body was not restored, got %q", body)
	}
	if string(entry.Data) != "body{color:red}" {
		t.Errorf("Data = %q", entry.Data)
	}
	if entry.URL != "https://app.example.com/style.css" {
		t.Errorf("URL = %q", entry.URL)
	}
	if entry.CachedAt.IsZero() {
		t.Error("CachedAt was not set")
	}

	// Mutating the response headers must not leak into the snapshot.
	resp.Header.Set("Content-Type", "text/plain")
	if entry.Headers.Get("Content-Type") != "text/css" {
		t.Error("snapshot headers share storage with the response")
	}
}

func TestSnapshot_NilResponse(t *testing.T) {
	if _, err := Snapshot(nil, TypeBasic); err == nil {
		t.Error("Snapshot(nil) should fail")
	}
}

func TestSnapshot_SniffsContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(png)),
	}
	entry, err := Snapshot(resp, TypeBasic)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got := entry.Headers.Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
}

func TestEntry_Response(t *testing.T) {
	entry := &Entry{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Data:       []byte("<h1>hi</h1>"),
	}

	// Every call must produce an independent, fully readable body.
	for i := 0; i < 3; i++ {
		resp := entry.Response(nil)
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "<h1>hi</h1>" {
			t.Errorf("call %d: body = %q", i, body)
		}
		if resp.ContentLength != int64(len(entry.Data)) {
			t.Errorf("call %d: ContentLength = %d", i, resp.ContentLength)
		}
		if resp.Status != "200 OK" {
			t.Errorf("call %d: Status = %q", i, resp.Status)
		}
	}
}

func TestEntry_Cacheable(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"basic 200", Entry{StatusCode: 200, Type: TypeBasic}, true},
		{"cors 200", Entry{StatusCode: 200, Type: TypeCORS}, true},
		{"opaque 200", Entry{StatusCode: 200, Type: TypeOpaque}, false},
		{"basic 404", Entry{StatusCode: 404, Type: TypeBasic}, false},
		{"basic 206", Entry{StatusCode: 206, Type: TypeBasic}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Cacheable(); got != tt.want {
				t.Errorf("Cacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeOf(t *testing.T) {
	scope, _ := url.Parse("https://app.example.com/")

	tests := []struct {
		name    string
		target  string
		headers http.Header
		want    ResponseType
	}{
		{"same origin", "https://app.example.com/a.js", nil, TypeBasic},
		{"cross origin with cors", "https://cdn.example.net/a.js",
			http.Header{"Access-Control-Allow-Origin": []string{"*"}}, TypeCORS},
		{"cross origin without cors", "https://cdn.example.net/a.js", nil, TypeOpaque},
		{"scheme differs", "http://app.example.com/a.js", nil, TypeOpaque},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.target, nil)
			resp := &http.Response{StatusCode: 200, Header: tt.headers, Request: req}
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			if got := TypeOf(scope, resp); got != tt.want {
				t.Errorf("TypeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeOf_MissingRequest(t *testing.T) {
	scope, _ := url.Parse("https://app.example.com/")
	if got := TypeOf(scope, &http.Response{}); got != TypeOpaque {
		t.Errorf("TypeOf() = %v, want opaque", got)
	}
}
