package snapshot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/nlflow/internal/browser/browsertest"
)

const page = `<html><head><title>Acme login</title><script>var x = 1;</script></head><body>
<h1>Welcome back</h1>
<form>
  <label for=":r7:">Email</label>
  <input id=":r7:" name="email" type="email" placeholder="you@acme.test">
  <label>Password <input id="password" name="password" type="password"></label>
  <input type="hidden" name="csrf" value="x">
  <input type="submit" value="Sign in">
</form>
<div style="display:none"><button>Hidden</button></div>
<a href="/forgot">Forgot password?</a>
</body></html>`

func TestFromHTML(t *testing.T) {
	s, err := FromHTML(page, 0)
	require.NoError(t, err)

	assert.Equal(t, "Acme login", s.Title)
	assert.Contains(t, s.Visible, "Welcome back")
	assert.NotContains(t, s.Visible, "var x")

	require.Len(t, s.Elements, 4)

	email := s.Elements[0]
	assert.Equal(t, "input", email.Tag)
	assert.Equal(t, "email", email.Name)
	assert.Empty(t, email.ID, "ephemeral ids are dropped")
	assert.Equal(t, "Email", email.Label, "label still resolved through the dropped id")

	pw := s.Elements[1]
	assert.Equal(t, "password", pw.ID)
	assert.Equal(t, "Password", pw.Label)

	assert.Equal(t, "Sign in", s.Elements[2].Text)
	assert.Equal(t, "/forgot", s.Elements[3].Href)

	out := s.String()
	assert.Contains(t, out, `1) <input type="email" name="email" placeholder="you@acme.test" label="Email">`)
	assert.NotContains(t, out, ":r7:")
}

func TestCollectFromPage(t *testing.T) {
	p := browsertest.New("https://acme.test/login?next=/home", page)
	s, err := Collect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test/login?next=/home", s.URL)
	assert.Equal(t, "Acme login", s.Title)
	assert.NotEmpty(t, s.Elements)
}

func TestFilterAndRankKeepsFormControls(t *testing.T) {
	var b strings.Builder
	b.WriteString("<body>")
	for i := 0; i < 30; i++ {
		b.WriteString(`<a href="/x">item</a>`)
	}
	b.WriteString(`<input name="q" placeholder="Search"></body>`)

	s, err := FromHTML(b.String(), 5)
	require.NoError(t, err)
	require.Len(t, s.Elements, 5)
	assert.Equal(t, "q", s.Elements[0].Name)
}
