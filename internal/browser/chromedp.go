package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/fault"
)

// ChromedpDriver drives Chrome over the DevTools protocol. It either
// launches a local headless instance or attaches to a remote debugging URL.
type ChromedpDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
}

// NewChromedpDriver creates the driver and its allocator. The browser
// process itself starts lazily with the first session.
func NewChromedpDriver(cfg config.BrowserConfig) *ChromedpDriver {
	var allocCtx context.Context
	var allocCancel context.CancelFunc

	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &ChromedpDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		cfg:         cfg,
	}
}

// NewSession opens a fresh tab context.
func (d *ChromedpDriver) NewSession(ctx context.Context) (Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.allocCtx)

	// Materialize the target so session startup failures surface here
	// rather than on the first step.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fault.Wrap(fault.KindBrowserCrashed, "start browser session", err)
	}

	return &chromedpSession{ctx: tabCtx, cancel: tabCancel}, nil
}

// Close tears the allocator down, ending every open session.
func (d *ChromedpDriver) Close() error {
	d.allocCancel()
	return nil
}

type chromedpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fault.Wrap(fault.KindNavigationFailed, fmt.Sprintf("navigate to %s", url), err)
	}
	if resp != nil && (resp.Status < 200 || resp.Status >= 300) {
		return fault.Newf(fault.KindNavigationFailed, "navigate to %s: status %d", url, resp.Status)
	}
	return nil
}

func (s *chromedpSession) Click(ctx context.Context, target ClickTarget) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	if target.Selector != "" {
		visCtx, visCancel := context.WithTimeout(runCtx, visibilityWindow)
		defer visCancel()
		err := chromedp.Run(visCtx,
			chromedp.WaitVisible(target.Selector, chromedp.ByQuery),
			chromedp.Click(target.Selector, chromedp.ByQuery),
		)
		if err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("click %s", target.Selector), err)
		}
		return nil
	}

	return s.clickByText(runCtx, target.Text)
}

// clickByText polls the page for a clickable element whose visible text
// contains the needle, preferring the smallest visible candidate, until the
// visibility window expires.
func (s *chromedpSession) clickByText(ctx context.Context, text string) error {
	deadline := time.Now().Add(visibilityWindow)
	script := fmt.Sprintf(clickByTextScript, strings.ToLower(strings.TrimSpace(text)))

	for {
		var clicked bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("click text %q", text), err)
		}
		if clicked {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Newf(fault.KindElementNotFound, "click text %q: no visible match", text)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *chromedpSession) Type(ctx context.Context, selector, text string, submit bool) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	visCtx, visCancel := context.WithTimeout(runCtx, visibilityWindow)
	defer visCancel()

	err := chromedp.Run(visCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("type into %s", selector), err)
	}

	// Read the value back; SendKeys can race against page scripts that
	// rewrite inputs.
	var got string
	if err := chromedp.Run(runCtx, chromedp.Value(selector, &got, chromedp.ByQuery)); err == nil && got != text {
		if err := chromedp.Run(runCtx, chromedp.SetValue(selector, text, chromedp.ByQuery)); err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("set value of %s", selector), err)
		}
	}

	if submit {
		if err := chromedp.Run(runCtx, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery)); err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("submit %s", selector), err)
		}
	}
	return nil
}

func (s *chromedpSession) Wait(ctx context.Context, cond WaitCondition) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	switch cond.Kind {
	case WaitDOMReady:
		return chromedp.Run(runCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	case WaitNetworkIdle:
		// Approximated as document completion plus a settle pause; CDP has
		// no single network-idle signal outside of navigation.
		if err := s.waitComplete(runCtx); err != nil {
			return err
		}
		return sleepCtx(runCtx, 500*time.Millisecond)
	case WaitSelectorVisible:
		return chromedp.Run(runCtx, chromedp.WaitVisible(cond.Selector, chromedp.ByQuery))
	case WaitDuration:
		return sleepCtx(runCtx, cond.Duration)
	default:
		return fault.Newf(fault.KindInternal, "unknown wait kind %q", cond.Kind)
	}
}

func (s *chromedpSession) waitComplete(ctx context.Context) error {
	for {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate("document.readyState", &state)); err != nil {
			return err
		}
		if state == "complete" {
			return nil
		}
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

func (s *chromedpSession) Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var buf []byte

	if opts.Minimal {
		// CDP-direct capture with no waits: the last-resort strategy when
		// the managed actions keep producing rejects.
		err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().Do(ctx)
			return err
		}))
		if err != nil {
			return nil, fault.Wrap(fault.KindScreenshotFailed, "minimal capture", err)
		}
		return buf, nil
	}

	if err := s.waitComplete(runCtx); err != nil {
		return nil, fault.Wrap(fault.KindScreenshotFailed, "wait for page", err)
	}
	if opts.SettleDelay > 0 {
		if err := sleepCtx(runCtx, opts.SettleDelay); err != nil {
			return nil, err
		}
	}

	var action chromedp.Action
	if opts.FullPage {
		action = chromedp.FullScreenshot(&buf, 90)
	} else {
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := chromedp.Run(runCtx, action); err != nil {
		return nil, fault.Wrap(fault.KindScreenshotFailed, "capture", err)
	}
	return buf, nil
}

func (s *chromedpSession) ExtractText(ctx context.Context, selector string) (string, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	if selector == "" {
		selector = "body"
	}
	var text string
	if err := chromedp.Run(runCtx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("extract text of %s", selector), err)
	}
	return text, nil
}

func (s *chromedpSession) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fault.Wrap(fault.KindInternal, "extract html", err)
	}
	return html, nil
}

func (s *chromedpSession) Scroll(ctx context.Context, down bool) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	key := kb.PageDown
	if !down {
		key = kb.PageUp
	}
	if err := chromedp.Run(runCtx, chromedp.KeyEvent(key)); err != nil {
		return fault.Wrap(fault.KindInternal, "scroll", err)
	}
	return nil
}

func (s *chromedpSession) State(ctx context.Context) (State, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var st State
	err := chromedp.Run(runCtx,
		chromedp.Location(&st.URL),
		chromedp.Title(&st.Title),
	)
	if err != nil {
		return State{}, fault.Wrap(fault.KindBrowserCrashed, "read page state", err)
	}
	return st, nil
}

func (s *chromedpSession) Close() error {
	s.cancel()
	return nil
}

// bind couples the tab context with the caller's deadline and cancellation.
func (s *chromedpSession) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// clickByTextScript finds the smallest visible clickable element whose text
// contains the needle and clicks it. Returns true when a click happened.
const clickByTextScript = `(() => {
	const needle = %q;
	const nodes = document.querySelectorAll(
		'a, button, input[type="submit"], input[type="button"], [role="button"], [onclick]');
	let best = null;
	let bestArea = Infinity;
	for (const el of nodes) {
		const text = ((el.innerText || el.value || '') + '').trim().toLowerCase();
		if (!text.includes(needle)) continue;
		const r = el.getBoundingClientRect();
		if (r.width <= 0 || r.height <= 0) continue;
		const area = r.width * r.height;
		if (area < bestArea) { best = el; bestArea = area; }
	}
	if (!best) return false;
	best.click();
	return true;
})()`
