package pwdriver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/nlflow/internal/browser"
)

// Session is one browser tab bound to one flow.
type Session struct {
	context playwright.BrowserContext
	page    playwright.Page
}

var _ browser.Page = (*Session)(nil)

func (s *Session) URL() string { return s.page.URL() }

func (s *Session) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, err := s.page.Title()
	return title, wrap(err)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(millis(boundedBy(ctx, defaultNavTimeout))),
	})
	return wrap(err)
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(false),
		Type:     playwright.ScreenshotTypePng,
	})
	return data, wrap(err)
}

func (s *Session) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := s.page.Content()
	return html, wrap(err)
}

func (s *Session) PressKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(s.page.Keyboard().Press(key))
}

func (s *Session) WaitForLoad(ctx context.Context, state browser.LoadState, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var ls *playwright.LoadState
	switch state {
	case browser.LoadStateDOMContentLoaded:
		ls = playwright.LoadStateDomcontentloaded
	case browser.LoadStateLoad:
		ls = playwright.LoadStateLoad
	default:
		ls = playwright.LoadStateNetworkidle
	}
	return wrap(s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   ls,
		Timeout: playwright.Float(millis(boundedBy(ctx, timeout))),
	}))
}

func (s *Session) Locate(q browser.Query) browser.Locator {
	var loc playwright.Locator
	switch q.Kind {
	case browser.QueryRole:
		opts := playwright.PageGetByRoleOptions{Exact: playwright.Bool(q.Exact)}
		if q.Value != "" {
			opts.Name = q.Value
		}
		loc = s.page.GetByRole(playwright.AriaRole(strings.ToLower(q.Role)), opts)
	case browser.QueryText:
		loc = s.page.GetByText(q.Value, playwright.PageGetByTextOptions{Exact: playwright.Bool(q.Exact)})
	case browser.QueryLabel:
		loc = s.page.GetByLabel(q.Value, playwright.PageGetByLabelOptions{Exact: playwright.Bool(q.Exact)})
	case browser.QueryPlaceholder:
		loc = s.page.GetByPlaceholder(q.Value, playwright.PageGetByPlaceholderOptions{Exact: playwright.Bool(q.Exact)})
	default:
		switch {
		case q.HasText != "" && q.Exact:
			loc = s.page.Locator(q.Value, playwright.PageLocatorOptions{HasText: exactText(q.HasText)})
		case q.HasText != "":
			loc = s.page.Locator(q.Value, playwright.PageLocatorOptions{HasText: q.HasText})
		default:
			loc = s.page.Locator(q.Value)
		}
	}
	return &locator{all: loc, first: loc.First(), query: q}
}

// exactText matches an element whose whole text, trimmed, is text.
func exactText(text string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*` + regexp.QuoteMeta(strings.TrimSpace(text)) + `\s*$`)
}

type locator struct {
	all   playwright.Locator
	first playwright.Locator
	query browser.Query
}

func (l *locator) String() string { return l.query.String() }

func (l *locator) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := l.all.Count()
	return n, wrap(err)
}

func (l *locator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	err := l.first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(millis(boundedBy(ctx, timeout))),
	})
	if err != nil {
		return fmt.Errorf("%s: %w (%v)", l.query, browser.ErrNotVisible, err)
	}
	return nil
}

func (l *locator) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A failed scroll still leaves the click worth trying.
	_ = l.first.ScrollIntoViewIfNeeded()
	return wrap(l.first.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(millis(boundedBy(ctx, defaultActionTime))),
	}))
}

func (l *locator) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(l.first.Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(millis(boundedBy(ctx, defaultActionTime))),
	}))
}

func (l *locator) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(l.first.Press(key, playwright.LocatorPressOptions{
		Timeout: playwright.Float(millis(boundedBy(ctx, defaultActionTime))),
	}))
}

// boundedBy shortens d to the context deadline, if any.
func boundedBy(ctx context.Context, d time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
