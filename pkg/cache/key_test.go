package cache

import (
	"errors"
	"net/http"
	"testing"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{"default method", "", "https://app.example.com/", "GET https://app.example.com/"},
		{"method upper-cased", "get", "https://app.example.com/a", "GET https://app.example.com/a"},
		{"fragment dropped", "GET", "https://app.example.com/a#top", "GET https://app.example.com/a"},
		{"query kept", "GET", "https://app.example.com/a?v=2", "GET https://app.example.com/a?v=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewKey(tt.method, tt.url).String(); got != tt.want {
				t.Errorf("NewKey().String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyFor(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://app.example.com/icon.png?size=192", nil)
	got := KeyFor(req)
	if got.String() != "GET https://app.example.com/icon.png?size=192" {
		t.Errorf("KeyFor() = %v", got)
	}
}

func TestKey_WithoutQuery(t *testing.T) {
	k := NewKey("GET", "https://app.example.com/a?x=1&y=2")
	if got := k.WithoutQuery().URL; got != "https://app.example.com/a" {
		t.Errorf("WithoutQuery().URL = %v", got)
	}
}

func TestParseKey(t *testing.T) {
	k := NewKey("GET", "https://app.example.com/a%20b?x=1")
	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if parsed != k {
		t.Errorf("ParseKey() = %v, want %v", parsed, k)
	}

	if _, err := ParseKey("garbage"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("ParseKey(garbage) error = %v, want ErrInvalidEntry", err)
	}
}
