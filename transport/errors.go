// Package transport carries sealed protocol frames between nodes: an HTTP
// client and chi server for real deployments and an in-memory loopback
// network for tests and single-process setups.
package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a failure with the HTTP status code it maps to.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError wraps err with a status code.
func NewRequestError(code int, err error) *RequestError {
	return &RequestError{StatusCode: code, Err: err}
}

// StatusCodeOf maps err to an HTTP status code.
func StatusCodeOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return http.StatusInternalServerError
}
