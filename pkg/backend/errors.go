package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of backend request errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network errors. Requests that exceed
	// their deadline fall into this class as well.
	ErrorClassNetwork ErrorClass = "network"
)

// Error represents a backend request error with classification context.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Endpoint   string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s error on %s (status %d): %v",
			e.Class, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s error on %s (status %d)",
		e.Class, e.Endpoint, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus categorizes an HTTP status code.
// Statuses below 400 return the empty class.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// IsNetworkError reports whether err represents a network-class
// failure. Serving layers use this to decide between propagating an
// error and switching to an offline fallback.
func IsNetworkError(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Class == ErrorClassNetwork
	}
	return false
}

// RetryableStatus reports whether a drained mutation that got this
// status should be attempted again. Client errors are answered by the
// backend and will not improve on replay; server errors might.
func RetryableStatus(statusCode int) bool {
	return ClassifyStatus(statusCode) == ErrorClassServer
}

// IsSuccess reports whether the backend accepted the request.
func IsSuccess(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
}
