// Package locator parses the loose element descriptions a model produces
// ("name='email'", "the button that says 'Login'", "#submit") into the
// pieces the resolver strategies match on.
package locator

import (
	"regexp"
	"strings"
)

// Hint is a parsed locator hint. Every field is optional; Raw is always set.
type Hint struct {
	Raw         string
	Name        string
	Label       string
	ID          string
	Placeholder string
	Type        string
	AriaLabel   string
	// Text is an explicit text= token or the first quoted string.
	Text string
	// Free is Raw with all key=value tokens removed.
	Free string
}

var (
	tokenRe  = regexp.MustCompile(`(?i)(?:^|[^\w-])(aria-label|placeholder|label|name|type|text|id)\s*[=:]\s*(?:'([^']*)'|"([^"]*)"|([^\s,;'"\])]+))`)
	quotedRe = regexp.MustCompile(`'([^']+)'|"([^"]+)"|“([^”]+)”`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Parse extracts key=value tokens and quoted text from a hint.
func Parse(raw string) Hint {
	h := Hint{Raw: strings.TrimSpace(raw)}
	free := h.Raw
	for _, m := range tokenRe.FindAllStringSubmatch(h.Raw, -1) {
		val := firstNonEmpty(m[2], m[3], m[4])
		switch strings.ToLower(m[1]) {
		case "name":
			setOnce(&h.Name, val)
		case "label":
			setOnce(&h.Label, val)
		case "id":
			setOnce(&h.ID, strings.TrimPrefix(val, "#"))
		case "placeholder":
			setOnce(&h.Placeholder, val)
		case "type":
			setOnce(&h.Type, strings.ToLower(val))
		case "aria-label":
			setOnce(&h.AriaLabel, val)
		case "text":
			setOnce(&h.Text, val)
		}
		free = strings.Replace(free, strings.TrimLeft(m[0], " \t,;("), " ", 1)
	}
	h.Free = strings.TrimSpace(spaceRe.ReplaceAllString(free, " "))
	if h.Text == "" {
		if m := quotedRe.FindStringSubmatch(h.Free); m != nil {
			h.Text = strings.TrimSpace(firstNonEmpty(m[1], m[2], m[3]))
		}
	}
	return h
}

// HasTokens reports whether any attribute token was found.
func (h Hint) HasTokens() bool {
	return h.Name != "" || h.Label != "" || h.ID != "" || h.Placeholder != "" || h.Type != "" || h.AriaLabel != ""
}

// TextOnly reports whether the hint is nothing but a text reference:
// text='X', text 'X', or a bare quoted string.
func (h Hint) TextOnly() bool {
	if h.Text == "" || h.HasTokens() {
		return false
	}
	rest := strings.TrimSpace(quotedRe.ReplaceAllString(h.Free, " "))
	return rest == "" || strings.EqualFold(rest, "text")
}

var fillerWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "on": {}, "click": {}, "button": {}, "link": {},
	"field": {}, "input": {}, "that": {}, "says": {}, "with": {}, "text": {},
	"labeled": {}, "labelled": {}, "named": {}, "called": {}, "el": {}, "la": {},
	"boton": {}, "botón": {}, "campo": {}, "enlace": {}, "en": {}, "de": {},
}

// SearchText is the text the visible-text strategies look for: the explicit
// text, else the free part of the hint with quotes and filler words dropped.
func (h Hint) SearchText() string {
	if h.Text != "" {
		return h.Text
	}
	free := stripQuotes(h.Free)
	kept := make([]string, 0, 4)
	for _, w := range strings.Fields(free) {
		if _, filler := fillerWords[strings.ToLower(w)]; filler {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return strings.TrimSpace(free)
	}
	return strings.Join(kept, " ")
}

// LabelText is the label= token, else the search text when the hint has no
// attribute tokens at all.
func (h Hint) LabelText() string {
	if h.Label != "" {
		return h.Label
	}
	if h.HasTokens() {
		return ""
	}
	return h.SearchText()
}

// PlaceholderGuess is the placeholder= token, else the last two words of the
// search text.
func (h Hint) PlaceholderGuess() string {
	if h.Placeholder != "" {
		return h.Placeholder
	}
	words := strings.Fields(stripQuotes(h.SearchText()))
	if len(words) == 0 {
		return ""
	}
	if len(words) > 2 {
		words = words[len(words)-2:]
	}
	return strings.Join(words, " ")
}

// Lower is the raw hint lower-cased for keyword checks.
func (h Hint) Lower() string {
	return strings.ToLower(h.Raw)
}

var htmlTags = map[string]struct{}{
	"a": {}, "button": {}, "input": {}, "select": {}, "textarea": {}, "form": {},
	"div": {}, "span": {}, "label": {}, "li": {}, "ul": {}, "nav": {}, "img": {},
	"p": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {}, "table": {}, "tr": {}, "td": {},
	"option": {}, "section": {}, "header": {}, "footer": {}, "main": {}, "aside": {},
}

var tagPrefixRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)([\[.#:>\s]|$)`)

// LooksLikeSelector reports whether the hint reads as a CSS fragment that can
// be tried verbatim: it starts with '#', '.', or a known tag, or contains '['.
func LooksLikeSelector(hint string) bool {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return false
	}
	if strings.HasPrefix(hint, "#") || strings.HasPrefix(hint, ".") || strings.Contains(hint, "[") {
		return true
	}
	m := tagPrefixRe.FindStringSubmatch(hint)
	if m == nil {
		return false
	}
	if _, ok := htmlTags[strings.ToLower(m[1])]; !ok {
		return false
	}
	// "button that says 'Login'" is prose, not a selector.
	return !strings.ContainsAny(hint, `'"=`) && len(strings.Fields(hint)) <= 4
}

func setOnce(dst *string, val string) {
	if *dst == "" {
		*dst = strings.TrimSpace(val)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func stripQuotes(s string) string {
	return strings.TrimSpace(strings.NewReplacer("'", "", `"`, "", "“", "", "”", "").Replace(s))
}
