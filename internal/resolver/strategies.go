package resolver

import (
	"regexp"
	"strings"

	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/locator"
)

// Strategy turns a parsed hint into the queries it should try, most
// specific first. A strategy with nothing to say returns nil.
type Strategy struct {
	Name    string
	Queries func(h locator.Hint) []browser.Query
}

// Strategies is the resolution order: attribute and id matches first,
// visible text last.
var Strategies = []Strategy{
	{Name: "selector", Queries: rawSelector},
	{Name: "name", Queries: byName},
	{Name: "label", Queries: byLabel},
	{Name: "id", Queries: byID},
	{Name: "placeholder", Queries: byPlaceholder},
	{Name: "field-keyword", Queries: byFieldKeyword},
	{Name: "button", Queries: byButton},
	{Name: "type", Queries: byType},
	{Name: "text", Queries: byText},
	{Name: "aria-label", Queries: byAriaLabel},
	{Name: "textbox", Queries: byTextbox},
	{Name: "menu", Queries: byMenu},
}

func rawSelector(h locator.Hint) []browser.Query {
	if !locator.LooksLikeSelector(h.Raw) {
		return nil
	}
	return []browser.Query{browser.CSS(h.Raw)}
}

func byName(h locator.Hint) []browser.Query {
	if h.Name == "" {
		return nil
	}
	return []browser.Query{browser.CSS(attrEquals("name", h.Name))}
}

func byLabel(h locator.Hint) []browser.Query {
	text := h.LabelText()
	if text == "" {
		return nil
	}
	return []browser.Query{browser.Label(text, true), browser.Label(text, false)}
}

// byID never offers framework-generated ids; they change on every render.
func byID(h locator.Hint) []browser.Query {
	if h.ID == "" || locator.IsEphemeralID(h.ID) {
		return nil
	}
	return []browser.Query{browser.CSS(attrEquals("id", h.ID))}
}

func byPlaceholder(h locator.Hint) []browser.Query {
	if h.Placeholder != "" {
		return []browser.Query{browser.Placeholder(h.Placeholder, true), browser.Placeholder(h.Placeholder, false)}
	}
	if guess := h.PlaceholderGuess(); guess != "" {
		return []browser.Query{browser.Placeholder(guess, false)}
	}
	return nil
}

var quotedRe = regexp.MustCompile(`'[^']*'|"[^"]*"|“[^”]*”`)

// keywordScope is what field keywords are checked against: the attribute
// tokens and the unquoted prose, never the quoted target text, so a link
// labelled "Forgot password?" does not read as a password field.
func keywordScope(h locator.Hint) locator.Hint {
	parts := []string{h.Name, h.Label, h.Placeholder, h.Type, h.AriaLabel, quotedRe.ReplaceAllString(h.Free, " ")}
	return locator.Hint{Raw: strings.Join(parts, " ")}
}

func byFieldKeyword(h locator.Hint) []browser.Query {
	scope := keywordScope(h)
	var qs []browser.Query
	if scope.MentionsPassword() {
		qs = append(qs, browser.CSS(`input[type=password]`))
	}
	if scope.MentionsEmail() {
		qs = append(qs,
			browser.CSS(`input[type=email]`),
			browser.CSS(`input[name*=email], input[name*=mail], input[name*=correo]`),
			browser.CSS(`input[autocomplete=email], input[autocomplete=username]`),
			browser.CSS(`input[placeholder*=mail], input[placeholder*=Mail], input[placeholder*=correo], input[placeholder*=Correo]`),
		)
	}
	if scope.MentionsUser() {
		qs = append(qs,
			browser.CSS(`input[name*=user], input[name*=usuario], input[name*=login]`),
			browser.CSS(`input[id*=user], input[id*=usuario]`),
			browser.CSS(`input[placeholder*=user], input[placeholder*=User], input[placeholder*=usuario], input[placeholder*=Usuario]`),
		)
	}
	return qs
}

func byButton(h locator.Hint) []browser.Query {
	if !h.MentionsButton() {
		return nil
	}
	var qs []browser.Query
	if text := h.ButtonText(); text != "" {
		qs = append(qs, browser.Role("button", text, true), browser.Role("button", text, false))
	}
	// Generic fallbacks only when the hint names no caption of its own;
	// otherwise they would click an unrelated submit button.
	if h.Text != "" {
		return qs
	}
	qs = append(qs, browser.CSS(`button[type=submit], input[type=submit]`))
	for _, w := range locator.AffirmativeWords {
		qs = append(qs, browser.Role("button", w, true))
	}
	return qs
}

func byType(h locator.Hint) []browser.Query {
	if h.Type == "" {
		return nil
	}
	return []browser.Query{browser.CSS(attrEquals("type", h.Type))}
}

const clickable = `a, button, [role=button], [role=link], [role=menuitem], [role=tab], [onclick], summary, label`

func byText(h locator.Hint) []browser.Query {
	text := h.SearchText()
	if text == "" {
		return nil
	}
	return []browser.Query{
		browser.Text(text, true),
		browser.Text(text, false),
		browser.Role("link", text, false),
		browser.CSSWithText(clickable, text),
		browser.CSSHasText(`span, p, li, td, div`, text),
	}
}

func byAriaLabel(h locator.Hint) []browser.Query {
	if h.Raw == "" {
		return nil
	}
	return []browser.Query{browser.Label(h.Raw, false)}
}

// byTextbox is a last resort for hints like "the search input". A hint that
// quotes a caption names something with text, which a textbox has not.
func byTextbox(h locator.Hint) []browser.Query {
	if h.Text != "" || !h.MentionsField() {
		return nil
	}
	return []browser.Query{browser.Role("textbox", "", false)}
}

func byMenu(h locator.Hint) []browser.Query {
	text := h.SearchText()
	if text == "" {
		return nil
	}
	return []browser.Query{
		browser.Role("menuitem", text, false),
		browser.CSSHasText(`nav a, aside a, [class*=menu] a, [class*=sidebar] a, [class*=nav] a`, text),
		browser.CSSHasText(`li`, text),
	}
}

func attrEquals(attr, value string) string {
	return "[" + attr + `="` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value) + `"]`
}
