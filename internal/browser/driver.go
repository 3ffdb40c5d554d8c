// Package browser abstracts the headless browser behind a Driver interface
// with chromedp and playwright implementations. Sessions are scoped to one
// task and leased through a Pool that caps process-wide concurrency.
package browser

import (
	"context"
	"time"
)

// State is the page snapshot taken after each action.
type State struct {
	URL   string
	Title string
}

// ClickTarget identifies the element to click: a CSS selector, or visible
// text matched case-insensitively on a trimmed substring. When text matches
// more than one element the smallest visible candidate wins.
type ClickTarget struct {
	Selector string
	Text     string
}

// WaitKind selects what a wait step blocks on.
type WaitKind string

const (
	WaitDOMReady        WaitKind = "dom_ready"
	WaitNetworkIdle     WaitKind = "network_idle"
	WaitSelectorVisible WaitKind = "selector_visible"
	WaitDuration        WaitKind = "duration"
)

// WaitCondition is a wait step's parameters.
type WaitCondition struct {
	Kind     WaitKind
	Selector string
	Duration time.Duration
}

// CaptureOptions tune a screenshot capture attempt.
type CaptureOptions struct {
	// FullPage captures beyond the viewport.
	FullPage bool

	// SettleDelay pauses before capture so animations finish.
	SettleDelay time.Duration

	// Minimal skips readiness waits and settle delays entirely.
	Minimal bool
}

// Session is one isolated page context. Sessions are not safe for
// concurrent use; the orchestrator runs a task's steps sequentially against
// a single session.
type Session interface {
	// Navigate loads the URL and waits for the document to be ready. A
	// non-2xx response or a load timeout fails with NAVIGATION_FAILED.
	Navigate(ctx context.Context, url string) error

	// Click resolves the target and clicks the first match, waiting up to
	// visibilityWindow for it to become visible.
	Click(ctx context.Context, target ClickTarget) error

	// Type fills the first input matching selector, verifies the value read
	// back, and presses Enter when submit is set.
	Type(ctx context.Context, selector, text string, submit bool) error

	// Wait blocks until the condition holds or ctx expires.
	Wait(ctx context.Context, cond WaitCondition) error

	// Screenshot captures the current page as PNG bytes.
	Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error)

	// ExtractText returns the visible text of selector, or the whole body
	// when selector is empty.
	ExtractText(ctx context.Context, selector string) (string, error)

	// HTML returns the page's outer HTML for selector-scoped extraction.
	HTML(ctx context.Context) (string, error)

	// Scroll pages down or up via the keyboard.
	Scroll(ctx context.Context, down bool) error

	// State snapshots the current URL and title.
	State(ctx context.Context) (State, error)

	// Close releases the page context. Safe to call more than once.
	Close() error
}

// Driver launches browser sessions.
type Driver interface {
	// NewSession opens an isolated page context.
	NewSession(ctx context.Context) (Session, error)

	// Close shuts the underlying browser down.
	Close() error
}

// visibilityWindow bounds element-visibility waits for click and type.
const visibilityWindow = 5 * time.Second
