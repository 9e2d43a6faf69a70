package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/locator"
)

const (
	defaultLimit  = 150
	maxTextLength = 80
	maxVisible    = 1200
)

// Element describes the stable attributes of one visible interactive node.
// Framework-generated ids are dropped.
type Element struct {
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Label       string `json:"label,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Href        string `json:"href,omitempty"`
}

// Summary is a compact view of the current page.
type Summary struct {
	URL      string
	Title    string
	Visible  string
	Elements []Element
}

const interactiveSelector = `a[href], button, input, select, textarea, summary, ` +
	`[role=button], [role=link], [role=menuitem], [role=tab], [role=checkbox], [role=option], [role=textbox], ` +
	`[onclick], [contenteditable=true]`

// Collect snapshots page: URL, title, a slice of visible text and the
// ranked interactive elements.
func Collect(ctx context.Context, page browser.Page) (Summary, error) {
	html, err := page.Content(ctx)
	if err != nil {
		return Summary{URL: page.URL()}, fmt.Errorf("page content: %w", err)
	}
	title, _ := page.Title(ctx)
	s, err := FromHTML(html, defaultLimit)
	if err != nil {
		return Summary{URL: page.URL(), Title: title}, err
	}
	s.URL = page.URL()
	if title != "" {
		s.Title = title
	}
	return s, nil
}

// FromHTML builds a summary from serialized DOM.
func FromHTML(html string, limit int) (Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Summary{}, fmt.Errorf("parse html: %w", err)
	}
	labels := labelIndex(doc)

	var elems []Element
	doc.Find(interactiveSelector).Each(func(_ int, sel *goquery.Selection) {
		if !visible(sel) {
			return
		}
		el := Element{
			Tag:         goquery.NodeName(sel),
			Type:        strings.ToLower(attr(sel, "type")),
			Name:        attr(sel, "name"),
			Placeholder: attr(sel, "placeholder"),
			AriaLabel:   attr(sel, "aria-label"),
			Role:        attr(sel, "role"),
			Text:        truncate(collapse(sel.Text()), maxTextLength),
			Href:        attr(sel, "href"),
		}
		if id := attr(sel, "id"); id != "" {
			if !locator.IsEphemeralID(id) {
				el.ID = id
			}
			el.Label = labels[id]
		}
		if el.Label == "" {
			if parent := sel.Closest("label"); parent.Length() > 0 {
				el.Label = truncate(collapse(parent.Text()), maxTextLength)
			}
		}
		if el.Text == "" && (el.Tag == "input" && (el.Type == "submit" || el.Type == "button")) {
			el.Text = attr(sel, "value")
		}
		elems = append(elems, el)
	})

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return Summary{
		Title:    collapse(doc.Find("title").First().Text()),
		Visible:  truncate(collapse(body.Text()), maxVisible),
		Elements: filterAndRankElements(elems, limit),
	}, nil
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\nELEMENTS:\n", s.URL, s.Title, s.Visible)
	for i, el := range s.Elements {
		fmt.Fprintf(&b, "%d) %s\n", i+1, el.String())
	}
	return b.String()
}

func (e Element) String() string {
	var b strings.Builder
	b.WriteString("<" + e.Tag)
	for _, kv := range [][2]string{
		{"type", e.Type}, {"name", e.Name}, {"id", e.ID}, {"placeholder", e.Placeholder},
		{"label", e.Label}, {"aria-label", e.AriaLabel}, {"role", e.Role}, {"href", e.Href},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%q", kv[0], kv[1])
		}
	}
	b.WriteString(">")
	if e.Text != "" {
		fmt.Fprintf(&b, " %q", e.Text)
	}
	return b.String()
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

func labelIndex(doc *goquery.Document) map[string]string {
	idx := map[string]string{}
	doc.Find("label[for]").Each(func(_ int, l *goquery.Selection) {
		if id := attr(l, "for"); id != "" {
			idx[id] = truncate(collapse(l.Text()), maxTextLength)
		}
	})
	return idx
}

// filterAndRankElements keeps the maxCount most useful elements, preserving
// document order among equals.
func filterAndRankElements(elems []Element, maxCount int) []Element {
	if maxCount <= 0 || len(elems) <= maxCount {
		return elems
	}
	type scored struct {
		el    Element
		score int
	}
	ranked := make([]scored, 0, len(elems))
	for _, el := range elems {
		if s := scoreElement(el); s > 0 {
			ranked = append(ranked, scored{el: el, score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > maxCount {
		ranked = ranked[:maxCount]
	}
	out := make([]Element, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.el)
	}
	return out
}

func scoreElement(el Element) int {
	score := 1
	switch el.Tag {
	case "input", "textarea", "select":
		score += 6
	case "button":
		score += 5
	}
	if el.Role != "" && el.Role != "generic" && el.Role != "presentation" {
		score += 3
	}
	if el.Name != "" || el.Label != "" || el.Placeholder != "" || el.AriaLabel != "" {
		score += 3
	}
	if n := len(el.Text); n > 0 {
		score += 2
		if n > 60 {
			score--
		}
	} else if el.Name == "" && el.AriaLabel == "" && el.Placeholder == "" {
		score -= 3
	}
	return score
}

func visible(sel *goquery.Selection) bool {
	if strings.EqualFold(attr(sel, "type"), "hidden") {
		return false
	}
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		if strings.EqualFold(attr(cur, "aria-hidden"), "true") {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(attr(cur, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func attr(sel *goquery.Selection, name string) string {
	return strings.TrimSpace(sel.AttrOr(name, ""))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
