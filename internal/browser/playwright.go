package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/fault"
)

// PlaywrightDriver drives Chromium through playwright. Selected by
// browser.engine: playwright; chromedp remains the default.
type PlaywrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     config.BrowserConfig
}

// NewPlaywrightDriver installs the playwright runtime if needed and
// launches one shared Chromium; sessions are isolated browser contexts.
func NewPlaywrightDriver(cfg config.BrowserConfig) (*PlaywrightDriver, error) {
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return nil, fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return &PlaywrightDriver{pw: pw, browser: b, cfg: cfg}, nil
}

// NewSession opens an isolated browser context with one page.
func (d *PlaywrightDriver) NewSession(ctx context.Context) (Session, error) {
	bc, err := d.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  d.cfg.ViewportWidth,
			Height: d.cfg.ViewportHeight,
		},
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBrowserCrashed, "create browser context", err)
	}
	pg, err := bc.NewPage()
	if err != nil {
		_ = bc.Close()
		return nil, fault.Wrap(fault.KindBrowserCrashed, "create page", err)
	}
	return &playwrightSession{bc: bc, page: pg}, nil
}

// Close stops the shared browser and the playwright runtime.
func (d *PlaywrightDriver) Close() error {
	if err := d.browser.Close(); err != nil {
		_ = d.pw.Stop()
		return fmt.Errorf("close browser: %w", err)
	}
	return d.pw.Stop()
}

type playwrightSession struct {
	bc   playwright.BrowserContext
	page playwright.Page
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	resp, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeoutMS(ctx),
	})
	if err != nil {
		return fault.Wrap(fault.KindNavigationFailed, fmt.Sprintf("navigate to %s", url), err)
	}
	if resp != nil && (resp.Status() < 200 || resp.Status() >= 300) {
		return fault.Newf(fault.KindNavigationFailed, "navigate to %s: status %d", url, resp.Status())
	}
	return nil
}

func (s *playwrightSession) Click(ctx context.Context, target ClickTarget) error {
	if target.Selector != "" {
		err := s.page.Locator(target.Selector).First().Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(float64(visibilityWindow.Milliseconds())),
		})
		if err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("click %s", target.Selector), err)
		}
		return nil
	}

	// Text targets reuse the in-page matcher so the smallest-visible-area
	// tie-break is identical across engines.
	deadline := time.Now().Add(visibilityWindow)
	script := fmt.Sprintf(clickByTextScript, strings.ToLower(strings.TrimSpace(target.Text)))
	for {
		res, err := s.page.Evaluate(script)
		if err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("click text %q", target.Text), err)
		}
		if clicked, ok := res.(bool); ok && clicked {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Newf(fault.KindElementNotFound, "click text %q: no visible match", target.Text)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *playwrightSession) Type(ctx context.Context, selector, text string, submit bool) error {
	loc := s.page.Locator(selector).First()
	if err := loc.Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(visibilityWindow.Milliseconds())),
	}); err != nil {
		return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("type into %s", selector), err)
	}
	if got, err := loc.InputValue(); err == nil && got != text {
		if err := loc.Fill(text); err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("set value of %s", selector), err)
		}
	}
	if submit {
		if err := loc.Press("Enter"); err != nil {
			return fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("submit %s", selector), err)
		}
	}
	return nil
}

func (s *playwrightSession) Wait(ctx context.Context, cond WaitCondition) error {
	switch cond.Kind {
	case WaitDOMReady:
		return s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: timeoutMS(ctx),
		})
	case WaitNetworkIdle:
		return s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: timeoutMS(ctx),
		})
	case WaitSelectorVisible:
		return s.page.Locator(cond.Selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeoutMS(ctx),
		})
	case WaitDuration:
		return sleepCtx(ctx, cond.Duration)
	default:
		return fault.Newf(fault.KindInternal, "unknown wait kind %q", cond.Kind)
	}
}

func (s *playwrightSession) Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	if !opts.Minimal {
		_ = s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateLoad,
			Timeout: timeoutMS(ctx),
		})
		if opts.SettleDelay > 0 {
			if err := sleepCtx(ctx, opts.SettleDelay); err != nil {
				return nil, err
			}
		}
	}
	buf, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(opts.FullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindScreenshotFailed, "capture", err)
	}
	return buf, nil
}

func (s *playwrightSession) ExtractText(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	text, err := s.page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: playwright.Float(float64(visibilityWindow.Milliseconds())),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindElementNotFound, fmt.Sprintf("extract text of %s", selector), err)
	}
	return text, nil
}

func (s *playwrightSession) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Content()
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "extract html", err)
	}
	return html, nil
}

func (s *playwrightSession) Scroll(ctx context.Context, down bool) error {
	key := "PageDown"
	if !down {
		key = "PageUp"
	}
	if err := s.page.Keyboard().Press(key); err != nil {
		return fault.Wrap(fault.KindInternal, "scroll", err)
	}
	return nil
}

func (s *playwrightSession) State(ctx context.Context) (State, error) {
	title, err := s.page.Title()
	if err != nil {
		return State{}, fault.Wrap(fault.KindBrowserCrashed, "read page state", err)
	}
	return State{URL: s.page.URL(), Title: title}, nil
}

func (s *playwrightSession) Close() error {
	_ = s.page.Close()
	return s.bc.Close()
}

// timeoutMS converts a context deadline into a playwright timeout option.
func timeoutMS(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	remaining := time.Until(dl)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return playwright.Float(float64(remaining.Milliseconds()))
}
