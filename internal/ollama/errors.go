package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies an inference failure. The set is closed; callers
// switch over it exhaustively.
type Kind int

const (
	// KindGeneric covers failures outside the other classes, such as a
	// request that could not be encoded.
	KindGeneric Kind = iota
	// KindCommunication means the server could not be reached or
	// answered with an unexpected status.
	KindCommunication
	// KindTimeout means the fixed client timeout elapsed.
	KindTimeout
	// KindJSON means the server returned a JSON error body or a body
	// that could not be decoded.
	KindJSON
	// KindAuthentication means the server rejected the request's
	// credentials (401 or 403).
	KindAuthentication
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindTimeout:
		return "timeout"
	case KindJSON:
		return "json"
	case KindAuthentication:
		return "authentication"
	case KindGeneric:
		return "generic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every Client method that fails.
type Error struct {
	Kind   Kind
	Op     string // "heartbeat", "list models", "chat", "generate"
	Status int    // HTTP status, 0 when no response was received
	// Message is the server-provided error text for KindJSON, or a
	// truncated body excerpt for logging otherwise.
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ollama %s: %s error", e.Op, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err if it wraps an *Error, and
// KindGeneric otherwise.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindGeneric
}

// transportError classifies a failure that happened before any
// response was received.
func transportError(op string, err error) *Error {
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindCommunication, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusError classifies a non-2xx response from its status and body.
func statusError(op string, status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthentication, Op: op, Status: status, Message: excerpt(body)}
	case status == http.StatusNotFound:
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Error != "" {
			return &Error{Kind: KindJSON, Op: op, Status: status, Message: payload.Error}
		}
	}
	return &Error{Kind: KindCommunication, Op: op, Status: status, Message: excerpt(body)}
}

// decodeError classifies a 2xx response whose body was not usable.
func decodeError(op string, status int, err error) *Error {
	return &Error{Kind: KindJSON, Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
}

func excerpt(body string) string {
	const limit = 200
	body = strings.TrimSpace(body)
	if len(body) > limit {
		return body[:limit] + "..."
	}
	return body
}
