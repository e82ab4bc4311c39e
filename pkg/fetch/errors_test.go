package fetch

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{200, ""},
		{304, ""},
		{404, ErrorClassClient},
		{429, ErrorClassClient},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); got != tt.expected {
				t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &FetchError{
				URL:        "https://app.example.com/a",
				ErrorClass: ErrorClassNetwork,
				Err:        errors.New("connection refused"),
			},
			expected: "fetch https://app.example.com/a: network error (status 0): connection refused",
		},
		{
			name: "error without wrapped error",
			err: &FetchError{
				URL:        "https://app.example.com/a",
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
			},
			expected: "fetch https://app.example.com/a: server error (status 503)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("outer: %w", &FetchError{ErrorClass: ErrorClassNetwork, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatal("errors.As should find the FetchError")
	}
	if fe.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q", fe.ErrorClass)
	}
}

func TestIsNetwork(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network fetch error", &FetchError{ErrorClass: ErrorClassNetwork}, true},
		{"server fetch error", &FetchError{ErrorClass: ErrorClassServer}, false},
		{"plain error", errors.New("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetwork(tt.err); got != tt.want {
				t.Errorf("IsNetwork() = %v, want %v", got, tt.want)
			}
		})
	}
}
