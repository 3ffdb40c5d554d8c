// Package fault defines the error taxonomy shared by the executor, the task
// store, and the JSON-RPC surface. Every failure that crosses a component
// boundary carries a Kind so callers can persist it, surface it to clients,
// and decide on retries without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure. Kinds are persisted on task and step records
// and surfaced in JSON-RPC error payloads, so values are stable identifiers.
type Kind string

const (
	// KindUnknownTool indicates the tool name is not in the registry.
	KindUnknownTool Kind = "UNKNOWN_TOOL"

	// KindInvalidArguments indicates schema validation failed before any side effect.
	KindInvalidArguments Kind = "INVALID_ARGUMENTS"

	// KindDecompositionFailed indicates no step plan could be produced.
	KindDecompositionFailed Kind = "DECOMPOSITION_FAILED"

	// KindNavigationFailed indicates navigation did not reach a 2xx within the timeout.
	KindNavigationFailed Kind = "NAVIGATION_FAILED"

	// KindElementNotFound indicates a selector did not match within the visibility window.
	KindElementNotFound Kind = "ELEMENT_NOT_FOUND"

	// KindScreenshotFailed indicates all capture fallbacks were exhausted.
	KindScreenshotFailed Kind = "SCREENSHOT_FAILED"

	// KindBrowserCrashed indicates the driver lost its session.
	KindBrowserCrashed Kind = "BROWSER_CRASHED"

	// KindTimeout indicates a task- or step-level deadline was exceeded.
	KindTimeout Kind = "TIMEOUT"

	// KindCancelled indicates the task was explicitly cancelled.
	KindCancelled Kind = "CANCELLED"

	// KindCacheUnavailable indicates the description store is unreachable.
	KindCacheUnavailable Kind = "CACHE_UNAVAILABLE"

	// KindInternal is the catch-all for unexpected faults.
	KindInternal Kind = "INTERNAL"
)

// IsRetryable reports whether a failure of this kind may succeed on a
// same-step retry. Selector visibility and navigation are subject to
// transient page conditions; the rest are not.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindElementNotFound, KindNavigationFailed:
		return true
	default:
		return false
	}
}

// Error is a classified failure. It wraps an underlying cause when one
// exists so errors.Is/As continue to work through it.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause. The cause's text is used as the
// message when none is given.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so errors.Is(err, fault.New(kind, "")) works for
// sentinel-style comparisons.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from an error chain. Context errors map to
// TIMEOUT and CANCELLED; anything unclassified is INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return classify(err)
}

// As extracts a fault.Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsRetryable reports whether the error's kind suggests a same-step retry.
func IsRetryable(err error) bool {
	return KindOf(err).IsRetryable()
}

// ParseKindPrefix splits the canonical "[KIND] message" rendering back into
// its parts. Step records persist failed-step errors in this form, so fetch
// can rehydrate the kind without a dedicated column.
func ParseKindPrefix(s string) (Kind, string, bool) {
	if !strings.HasPrefix(s, "[") {
		return "", s, false
	}
	end := strings.Index(s, "]")
	if end < 2 {
		return "", s, false
	}
	kind := Kind(s[1:end])
	switch kind {
	case KindUnknownTool, KindInvalidArguments, KindDecompositionFailed,
		KindNavigationFailed, KindElementNotFound, KindScreenshotFailed,
		KindBrowserCrashed, KindTimeout, KindCancelled, KindCacheUnavailable,
		KindInternal:
		return kind, strings.TrimPrefix(s[end+1:], " "), true
	default:
		return "", s, false
	}
}

// classify infers a kind from the error text for errors produced outside
// this module (driver libraries, net/http, database drivers).
func classify(err error) Kind {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "waiting for selector"),
		strings.Contains(msg, "no element"),
		strings.Contains(msg, "element not found"):
		return KindElementNotFound
	case strings.Contains(msg, "net::err"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "navigation"):
		return KindNavigationFailed
	case strings.Contains(msg, "target closed"),
		strings.Contains(msg, "browser has been closed"),
		strings.Contains(msg, "session closed"),
		strings.Contains(msg, "websocket: close"):
		return KindBrowserCrashed
	case strings.Contains(msg, "database"),
		strings.Contains(msg, "sql:"):
		return KindCacheUnavailable
	default:
		return KindInternal
	}
}
