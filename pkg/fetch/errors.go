package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError describes a failed fetch with additional context.
type FetchError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error (status %d): %v", e.URL, e.ErrorClass, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.ErrorClass, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a network-level fetch failure, i.e. the
// kind of failure that makes a strategy fall back to the store.
func IsNetwork(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorClass == ErrorClassNetwork
	}
	return err != nil
}

// ClassifyStatus maps an HTTP status code to an error class.
// It returns "" for non-error statuses.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// statusOK reports whether status is in the 2xx range.
func statusOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
