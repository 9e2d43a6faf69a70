// Package browsertest provides a static, in-memory browser.Page backed by
// HTML markup. Queries are answered with goquery so tests and dry runs can
// exercise resolution logic without launching a browser.
package browsertest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/polzovatel/nlflow/internal/browser"
)

// Page is a browser.Page over a parsed HTML document.
type Page struct {
	mu      sync.Mutex
	url     string
	doc     *goquery.Document
	routes  map[string]string
	onClick []clickHook
	clicks  []string
	keys    []string
	loads   []browser.LoadState
}

type clickHook struct {
	selector string
	fn       func(p *Page)
}

var _ browser.Page = (*Page)(nil)

// New returns a page at pageURL showing html.
func New(pageURL, html string) *Page {
	p := &Page{url: pageURL, routes: map[string]string{}}
	p.setHTML(html)
	return p
}

// SetHTML replaces the document.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setHTML(html)
}

func (p *Page) setHTML(html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// The html parser accepts any input; keep an empty document regardless.
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	p.doc = doc
}

// Route registers the markup served when the page navigates to rawURL.
func (p *Page) Route(rawURL, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[rawURL] = html
}

// OnClick runs fn after any click on an element matching selector.
func (p *Page) OnClick(selector string, fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick = append(p.onClick, clickHook{selector: selector, fn: fn})
}

// SetURL changes the URL without touching the document.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// Value returns the value attribute of the first element matching selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Find(selector).First().AttrOr("value", "")
}

// Clicks lists the clicked elements, described by tag and text.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Keys lists pressed keys.
func (p *Page) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Loads lists the load states waited on.
func (p *Page) Loads() []browser.LoadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.LoadState(nil), p.loads...)
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	html, ok := p.routes[rawURL]
	if !ok {
		return fmt.Errorf("browsertest: no route for %s", rawURL)
	}
	p.url = rawURL
	p.setHTML(html)
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("browsertest-screenshot:" + p.URL()), nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Html()
}

func (p *Page) Locate(q browser.Query) browser.Locator {
	return &locator{page: p, query: q}
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *Page) WaitForLoad(ctx context.Context, state browser.LoadState, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, state)
	return ctx.Err()
}

func (p *Page) navigateLocked(href string) {
	base, err := url.Parse(p.url)
	if err != nil {
		return
	}
	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	next := base.ResolveReference(ref).String()
	if next == p.url {
		return
	}
	p.url = next
	if html, ok := p.routes[next]; ok {
		p.setHTML(html)
	}
}
