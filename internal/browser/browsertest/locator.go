package browsertest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/polzovatel/nlflow/internal/browser"
)

type locator struct {
	page  *Page
	query browser.Query
}

func (l *locator) String() string { return l.query.String() }

func (l *locator) Count(ctx context.Context) (int, error) {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	return len(l.matchLocked()), nil
}

func (l *locator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	first, err := l.firstLocked()
	if err != nil {
		return err
	}
	if !visible(first) {
		return fmt.Errorf("%s: %w", l.query, browser.ErrNotVisible)
	}
	return nil
}

func (l *locator) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := l.page
	p.mu.Lock()
	first, err := l.firstLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !visible(first) {
		p.mu.Unlock()
		return fmt.Errorf("click %s: %w", l.query, browser.ErrNotVisible)
	}
	p.clicks = append(p.clicks, describe(first))
	var hooks []func(*Page)
	for _, h := range p.onClick {
		if first.Is(h.selector) {
			hooks = append(hooks, h.fn)
		}
	}
	if goquery.NodeName(first) == "a" {
		if href, ok := first.Attr("href"); ok && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			p.navigateLocked(href)
		}
	}
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(p)
	}
	return nil
}

func (l *locator) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	first, err := l.firstLocked()
	if err != nil {
		return err
	}
	switch goquery.NodeName(first) {
	case "input", "textarea", "select":
	default:
		if _, ok := first.Attr("contenteditable"); !ok {
			return fmt.Errorf("fill %s: element <%s> is not editable", l.query, goquery.NodeName(first))
		}
	}
	first.SetAttr("value", value)
	return nil
}

func (l *locator) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	if _, err := l.firstLocked(); err != nil {
		return err
	}
	l.page.keys = append(l.page.keys, key)
	return nil
}

func (l *locator) firstLocked() (*goquery.Selection, error) {
	matches := l.matchLocked()
	if len(matches) == 0 {
		return nil, fmt.Errorf("%s: no element matches: %w", l.query, browser.ErrNotVisible)
	}
	return matches[0], nil
}

func (l *locator) matchLocked() []*goquery.Selection {
	doc := l.page.doc
	q := l.query
	switch q.Kind {
	case browser.QueryCSS:
		return collect(doc.Find(q.Value), func(s *goquery.Selection) bool {
			return q.HasText == "" || textMatches(normalizedText(s), q.HasText, q.Exact)
		})
	case browser.QueryText:
		return innermostByText(doc, q.Value, q.Exact)
	case browser.QueryRole:
		return collect(doc.Find(roleSelector(q.Role)), func(s *goquery.Selection) bool {
			return q.Value == "" || textMatches(accessibleName(doc, s), q.Value, q.Exact)
		})
	case browser.QueryLabel:
		return byLabel(doc, q.Value, q.Exact)
	case browser.QueryPlaceholder:
		return collect(doc.Find("[placeholder]"), func(s *goquery.Selection) bool {
			return textMatches(s.AttrOr("placeholder", ""), q.Value, q.Exact)
		})
	}
	return nil
}

func collect(sel *goquery.Selection, keep func(*goquery.Selection) bool) []*goquery.Selection {
	var out []*goquery.Selection
	sel.Each(func(_ int, s *goquery.Selection) {
		if keep(s) {
			out = append(out, s)
		}
	})
	return out
}

var skippedTags = map[string]struct{}{
	"html": {}, "head": {}, "body": {}, "script": {}, "style": {}, "noscript": {}, "template": {}, "title": {},
}

func innermostByText(doc *goquery.Document, text string, exact bool) []*goquery.Selection {
	match := func(s *goquery.Selection) bool {
		if _, skip := skippedTags[goquery.NodeName(s)]; skip {
			return false
		}
		return textMatches(normalizedText(s), text, exact)
	}
	return collect(doc.Find("body *"), func(s *goquery.Selection) bool {
		if !match(s) {
			return false
		}
		inner := false
		s.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
			if match(c) {
				inner = true
				return false
			}
			return true
		})
		return !inner
	})
}

func byLabel(doc *goquery.Document, text string, exact bool) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("label").Each(func(_ int, lbl *goquery.Selection) {
		if !textMatches(normalizedText(lbl), text, exact) {
			return
		}
		if forID, ok := lbl.Attr("for"); ok && forID != "" {
			if target := byID(doc, forID); target != nil {
				out = append(out, target)
				return
			}
		}
		if nested := lbl.Find("input, select, textarea").First(); nested.Length() > 0 {
			out = append(out, nested)
		}
	})
	doc.Find("[aria-label]").Each(func(_ int, s *goquery.Selection) {
		if textMatches(s.AttrOr("aria-label", ""), text, exact) {
			out = append(out, s)
		}
	})
	return out
}

func byID(doc *goquery.Document, id string) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.AttrOr("id", "") == id {
			found = s
			return false
		}
		return true
	})
	return found
}

func roleSelector(role string) string {
	switch strings.ToLower(role) {
	case "button":
		return `button, input[type=button], input[type=submit], input[type=reset], [role=button]`
	case "link":
		return `a[href], [role=link]`
	case "textbox":
		return `textarea, [role=textbox], input:not([type]), input[type=text], input[type=email], input[type=tel], input[type=url], input[type=search]`
	case "checkbox":
		return `input[type=checkbox], [role=checkbox]`
	case "menuitem":
		return `[role=menuitem]`
	default:
		return fmt.Sprintf(`[role=%q]`, role)
	}
}

func accessibleName(doc *goquery.Document, s *goquery.Selection) string {
	if v := strings.TrimSpace(s.AttrOr("aria-label", "")); v != "" {
		return v
	}
	if goquery.NodeName(s) == "input" {
		if v := strings.TrimSpace(s.AttrOr("value", "")); v != "" {
			return v
		}
		if id := s.AttrOr("id", ""); id != "" {
			var label string
			doc.Find("label").EachWithBreak(func(_ int, l *goquery.Selection) bool {
				if l.AttrOr("for", "") == id {
					label = normalizedText(l)
					return false
				}
				return true
			})
			if label != "" {
				return label
			}
		}
	}
	if t := normalizedText(s); t != "" {
		return t
	}
	return strings.TrimSpace(s.AttrOr("title", ""))
}

func visible(s *goquery.Selection) bool {
	if goquery.NodeName(s) == "input" && strings.EqualFold(s.AttrOr("type", ""), "hidden") {
		return false
	}
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(cur.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func normalizedText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// textMatches follows the usual locator convention: exact compares whole
// whitespace-normalized strings, otherwise a case-insensitive substring.
func textMatches(have, want string, exact bool) bool {
	have = strings.Join(strings.Fields(have), " ")
	want = strings.Join(strings.Fields(want), " ")
	if want == "" {
		return false
	}
	if exact {
		return have == want
	}
	return strings.Contains(strings.ToLower(have), strings.ToLower(want))
}

func describe(s *goquery.Selection) string {
	name := goquery.NodeName(s)
	text := normalizedText(s)
	if text == "" {
		text = s.AttrOr("name", s.AttrOr("value", ""))
	}
	if len(text) > 40 {
		text = text[:40]
	}
	return fmt.Sprintf("<%s>%s</%s>", name, text, name)
}
