package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNetworkUnavailable means no connectivity at all: queue, do not attempt.
var ErrNetworkUnavailable = errors.New("network unavailable")

// StatusError is a non-2xx response from the ordering API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.Code)
}

// IsTransient reports whether the failure should go through the retry/backoff
// path: timeouts, connectivity loss, 5xx and throttling responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code >= 500:
			return true
		case statusErr.Code == http.StatusRequestTimeout, statusErr.Code == http.StatusTooManyRequests:
			return true
		}
		return false
	}
	return false
}

// IsPermanent reports whether the server rejected the mutation outright
// (validation, conflict). No retry; surface to the user.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 400 && statusErr.Code < 500 &&
			statusErr.Code != http.StatusRequestTimeout &&
			statusErr.Code != http.StatusTooManyRequests
	}
	return false
}

// Message extracts the human-readable server message, if any.
func Message(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
