package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrDisconnected is returned by Send after Disconnect.
	ErrDisconnected = errors.New("live channel disconnected")
	// ErrUnauthorized matches every *AuthError.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// TransportError is a dial, read or write failure of the live channel. It is
// retried internally and only surfaced through state events.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a rejected identity. It is terminal and never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// HistoryFetchError wraps a failed REST history or conversation-list call.
// Local state is left untouched when it is returned.
type HistoryFetchError struct {
	ConversationID string
	Err            error
}

func (e *HistoryFetchError) Error() string {
	if e.ConversationID == "" {
		return "fetch conversations: " + e.Err.Error()
	}
	return fmt.Sprintf("fetch history for %s: %s", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later.
func (e *HistoryFetchError) Retryable() bool {
	var authErr *AuthError
	if errors.As(e.Err, &authErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.Is(e.Err, context.DeadlineExceeded) || errors.As(e.Err, &netErr) || isTransient(e.Err)
}

// isTransient treats request failures that never produced a response as retryable.
func isTransient(err error) bool {
	var reqErr *requestError
	return errors.As(err, &reqErr)
}

// requestError marks a REST request that failed before a response arrived.
type requestError struct{ err error }

func (e *requestError) Error() string { return "request failed: " + e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

// MalformedEventError describes an inbound frame that was dropped.
type MalformedEventError struct {
	Type   string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Type == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed %s event: %s", e.Type, e.Reason)
}
