package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/browser/browsertest"
	"github.com/polzovatel/nlflow/internal/locator"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = 0
	opts.VisibleTimeout = 10 * time.Millisecond
	return opts
}

func TestAttributeMatchPrecedesText(t *testing.T) {
	page := browsertest.New("https://acme.test/login", `<body>
		<a href="/email">email</a>
		<input name="email" type="text">
	</body>`)

	m, err := New(fastOptions()).Resolve(context.Background(), page, "name='email'")
	require.NoError(t, err)
	assert.Equal(t, "name", m.Strategy)

	require.NoError(t, m.Locator.Fill(context.Background(), "a@b.com"))
	assert.Equal(t, "a@b.com", page.Value(`input[name=email]`))
}

func TestEphemeralIDNeverResolvesByID(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body><input id=":r12:" type="number"></body>`)
	r := New(fastOptions())

	_, err := r.Resolve(context.Background(), page, "id=':r12:'")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrElementNotFound))

	stable := browsertest.New("https://acme.test/", `<body><input id="promo-code" type="number"></body>`)
	m, err := r.Resolve(context.Background(), stable, "id='promo-code'")
	require.NoError(t, err)
	assert.Equal(t, "id", m.Strategy)
}

const catalog = `<html><body>
<form>
  <label for="em">Email address</label>
  <input id="em" name="user_email" type="email">
  <input type="password" name="pw">
  <input type="search" placeholder="Search products">
  <input type="checkbox" name="remember">
  <button id="submit-btn" type="submit">Sign in</button>
</form>
<nav><a href="/reports">Reports</a></nav>
</body></html>`

func TestStrategyTable(t *testing.T) {
	cases := []struct {
		hint     string
		strategy string
	}{
		{"#submit-btn", "selector"},
		{"label='Email address'", "label"},
		{"placeholder='Search products'", "placeholder"},
		{"the password box", "field-keyword"},
		{"click the Sign in button", "button"},
		{"type=checkbox", "type"},
		{"text 'Reports'", "text"},
	}
	r := New(fastOptions())
	for _, tc := range cases {
		t.Run(tc.hint, func(t *testing.T) {
			page := browsertest.New("https://acme.test/login", catalog)
			m, err := r.Resolve(context.Background(), page, tc.hint)
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, m.Strategy, m.Query.String())
		})
	}
}

func TestLateStrategies(t *testing.T) {
	cases := []struct {
		name     string
		html     string
		hint     string
		strategy string
	}{
		{"aria-label", `<body><button aria-label="Close the dialog">×</button></body>`, "Close the dialog", "aria-label"},
		{"textbox", `<body><textarea></textarea></body>`, "the notes field", "textbox"},
		{"menu", `<body><ul><li role="menuitem" title="Reports"><i class="icon"></i></li></ul></body>`, "Reports", "menu"},
	}
	r := New(fastOptions())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := r.Resolve(context.Background(), browsertest.New("https://acme.test/", tc.html), tc.hint)
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, m.Strategy, m.Query.String())
		})
	}
}

func TestLaterStrategyWinsOnlyWhenEarlierFail(t *testing.T) {
	ctx := context.Background()
	r := New(fastOptions())

	labelled := browsertest.New("https://acme.test/", `<body>
		<input type="text" name="q">
		<textarea name="notes" aria-label="Delivery notes"></textarea>
	</body>`)
	m, err := r.Resolve(ctx, labelled, "the notes field")
	require.NoError(t, err)
	assert.Equal(t, "label", m.Strategy)
	require.NoError(t, m.Locator.Fill(ctx, "leave at door"))
	assert.Equal(t, "leave at door", labelled.Value(`textarea[name=notes]`))
	assert.Empty(t, labelled.Value(`input[name=q]`))

	bare := browsertest.New("https://acme.test/", `<body>
		<input type="text" name="q">
		<textarea name="notes"></textarea>
	</body>`)
	m, err = r.Resolve(ctx, bare, "the notes field")
	require.NoError(t, err)
	assert.Equal(t, "textbox", m.Strategy)
}

func TestTextFallbackOrder(t *testing.T) {
	qs := byText(locator.Parse("text 'Reports'"))
	require.Len(t, qs, 5)
	assert.Equal(t, browser.Text("Reports", true), qs[0])
	assert.Equal(t, browser.Text("Reports", false), qs[1])
	assert.Equal(t, browser.Role("link", "Reports", false), qs[2])
	assert.Equal(t, browser.CSSWithText(clickable, "Reports"), qs[3])
	assert.Equal(t, browser.CSSHasText(`span, p, li, td, div`, "Reports"), qs[4])
}

func TestClickableFallbackNeedsWholeText(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body>
		<div role="button">Reports archive</div>
		<div role="button">Reports</div>
	</body>`)
	loc := page.Locate(browser.CSSWithText(clickable, "Reports"))
	n, err := loc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = page.Locate(browser.CSSHasText(clickable, "Reports")).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQuotedTextIsNotAFieldKeyword(t *testing.T) {
	page := browsertest.New("https://acme.test/login", `<body>
		<input type="password" name="pw">
		<a href="/forgot">Forgot password?</a>
	</body>`)
	m, err := New(fastOptions()).Resolve(context.Background(), page, "text 'Forgot password?'")
	require.NoError(t, err)
	require.NoError(t, m.Locator.Click(context.Background()))
	assert.Equal(t, []string{"<a>Forgot password?</a>"}, page.Clicks())
}

func TestHiddenCandidateIsSkipped(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body>
		<input name="q" style="display:none">
		<input placeholder="Quick search">
	</body>`)
	m, err := New(fastOptions()).Resolve(context.Background(), page, "name='q' search")
	require.NoError(t, err)
	assert.Equal(t, "placeholder", m.Strategy)
}

// lateRender swaps in the real markup the first time the resolver waits for
// the network, like an SPA finishing its fetch.
type lateRender struct {
	*browsertest.Page
	html string
}

func (l *lateRender) WaitForLoad(ctx context.Context, state browser.LoadState, timeout time.Duration) error {
	l.Page.SetHTML(l.html)
	return l.Page.WaitForLoad(ctx, state, timeout)
}

func TestRetryAfterSettling(t *testing.T) {
	inner := browsertest.New("https://acme.test/", `<body><p>Loading…</p></body>`)
	page := &lateRender{Page: inner, html: `<body><button>Continue</button></body>`}

	m, err := New(fastOptions()).Resolve(context.Background(), page, "click text 'Continue'")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Attempt)
	assert.Equal(t, []browser.LoadState{browser.LoadStateNetworkIdle}, inner.Loads())
}

func TestNotFoundAfterAllAttempts(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body><p>Nothing here</p></body>`)
	opts := fastOptions()
	opts.Attempts = 3

	_, err := New(opts).Resolve(context.Background(), page, "name='missing'")
	require.ErrorIs(t, err, ErrElementNotFound)
	assert.Len(t, page.Loads(), 2, "one settle between each pair of attempts")
}

func TestResolveHonoursCancellation(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body></body>`)
	opts := fastOptions()
	opts.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(opts).Resolve(ctx, page, "name='missing'")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
