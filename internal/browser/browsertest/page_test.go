package browsertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/nlflow/internal/browser"
)

const loginHTML = `<html><head><title>Sign in</title></head><body>
<form>
  <label for="em">Email address</label>
  <input id="em" name="email" type="email" placeholder="you@example.com">
  <label>Password <input name="pw" type="password"></label>
  <input type="hidden" name="csrf" value="t">
  <button type="submit">Login</button>
  <button style="display: none">Ghost</button>
</form>
<nav><a href="/reports">Reports</a><a href="/help" aria-label="Help center">?</a></nav>
<div role="menuitem">Settings</div>
</body></html>`

func count(t *testing.T, p *Page, q browser.Query) int {
	t.Helper()
	n, err := p.Locate(q).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestQueries(t *testing.T) {
	p := New("https://app.test/login", loginHTML)

	assert.Equal(t, 1, count(t, p, browser.CSS(`[name="email"]`)))
	assert.Equal(t, 1, count(t, p, browser.CSSHasText("nav a", "reports")))
	assert.Equal(t, 0, count(t, p, browser.CSS(`button[`)), "invalid selectors match nothing")

	assert.Equal(t, 1, count(t, p, browser.Role("button", "Login", true)))
	assert.Equal(t, 0, count(t, p, browser.Role("button", "login", true)))
	assert.Equal(t, 1, count(t, p, browser.Role("button", "login", false)))
	assert.Equal(t, 1, count(t, p, browser.Role("link", "Help center", true)))
	assert.Equal(t, 1, count(t, p, browser.Role("menuitem", "Settings", false)))

	assert.Equal(t, 1, count(t, p, browser.Label("Email address", true)))
	assert.Equal(t, 1, count(t, p, browser.Label("password", false)))
	assert.Equal(t, 1, count(t, p, browser.Placeholder("you@example", false)))

	assert.Equal(t, 1, count(t, p, browser.Text("Reports", true)), "innermost element only")
}

func TestVisibility(t *testing.T) {
	p := New("https://app.test/login", loginHTML)
	ctx := context.Background()

	require.NoError(t, p.Locate(browser.Role("button", "Login", true)).WaitVisible(ctx, 0))
	require.ErrorIs(t, p.Locate(browser.Text("Ghost", true)).WaitVisible(ctx, 0), browser.ErrNotVisible)
	require.ErrorIs(t, p.Locate(browser.CSS(`[name="csrf"]`)).WaitVisible(ctx, 0), browser.ErrNotVisible)
	require.ErrorIs(t, p.Locate(browser.CSS("#missing")).WaitVisible(ctx, 0), browser.ErrNotVisible)
}

func TestFillClickAndNavigate(t *testing.T) {
	p := New("https://app.test/login", loginHTML)
	p.Route("https://app.test/reports", `<html><body><h1>Quarterly</h1></body></html>`)
	ctx := context.Background()

	require.NoError(t, p.Locate(browser.CSS(`[name="email"]`)).Fill(ctx, "a@b.com"))
	assert.Equal(t, "a@b.com", p.Value(`[name="email"]`))

	require.Error(t, p.Locate(browser.Text("Reports", true)).Fill(ctx, "x"), "links are not editable")

	var hooked bool
	p.OnClick("button[type=submit]", func(*Page) { hooked = true })
	require.NoError(t, p.Locate(browser.Role("button", "Login", true)).Click(ctx))
	assert.True(t, hooked)

	require.NoError(t, p.Locate(browser.Role("link", "Reports", true)).Click(ctx))
	assert.Equal(t, "https://app.test/reports", p.URL())
	html, err := p.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "Quarterly")
	assert.Equal(t, []string{"<button>Login</button>", "<a>Reports</a>"}, p.Clicks())
}
