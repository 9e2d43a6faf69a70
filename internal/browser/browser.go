// Package browser defines the capability surface the agent needs from a
// browser driver. Drivers live in subpackages.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadState mirrors the page lifecycle milestones drivers can await.
type LoadState string

const (
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoad             LoadState = "load"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// QueryKind selects how a Query is matched.
type QueryKind string

const (
	QueryCSS         QueryKind = "css"
	QueryRole        QueryKind = "role"
	QueryText        QueryKind = "text"
	QueryLabel       QueryKind = "label"
	QueryPlaceholder QueryKind = "placeholder"
)

// Query describes one element lookup. For QueryRole, Role is the ARIA role
// and Value the accessible name (may be empty). For QueryCSS, HasText
// narrows matches to elements containing that text, or whose whole trimmed
// text equals it when Exact is set.
type Query struct {
	Kind    QueryKind
	Value   string
	Role    string
	Exact   bool
	HasText string
}

func CSS(selector string) Query { return Query{Kind: QueryCSS, Value: selector} }

func CSSHasText(selector, text string) Query {
	return Query{Kind: QueryCSS, Value: selector, HasText: text}
}

func CSSWithText(selector, text string) Query {
	return Query{Kind: QueryCSS, Value: selector, HasText: text, Exact: true}
}

func Role(role, name string, exact bool) Query {
	return Query{Kind: QueryRole, Role: role, Value: name, Exact: exact}
}

func Text(text string, exact bool) Query { return Query{Kind: QueryText, Value: text, Exact: exact} }

func Label(text string, exact bool) Query { return Query{Kind: QueryLabel, Value: text, Exact: exact} }

func Placeholder(text string, exact bool) Query {
	return Query{Kind: QueryPlaceholder, Value: text, Exact: exact}
}

func (q Query) String() string {
	switch q.Kind {
	case QueryRole:
		if q.Value == "" {
			return fmt.Sprintf("role=%s", q.Role)
		}
		return fmt.Sprintf("role=%s[name=%q exact=%t]", q.Role, q.Value, q.Exact)
	case QueryCSS:
		if q.HasText != "" && q.Exact {
			return fmt.Sprintf("css=%s:text-is(%q)", q.Value, q.HasText)
		}
		if q.HasText != "" {
			return fmt.Sprintf("css=%s:has-text(%q)", q.Value, q.HasText)
		}
		return "css=" + q.Value
	default:
		return fmt.Sprintf("%s=%q exact=%t", q.Kind, q.Value, q.Exact)
	}
}

// Locator is a lazy handle on the first element matching a Query. It is
// re-evaluated on every call.
type Locator interface {
	Count(ctx context.Context) (int, error)
	WaitVisible(ctx context.Context, timeout time.Duration) error
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Press(ctx context.Context, key string) error
	String() string
}

// Page is one browser tab owned by a single flow.
type Page interface {
	URL() string
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
	// Content returns the serialized DOM.
	Content(ctx context.Context) (string, error)
	Locate(q Query) Locator
	PressKey(ctx context.Context, key string) error
	WaitForLoad(ctx context.Context, state LoadState, timeout time.Duration) error
}

// ErrNotVisible is returned by drivers when a locator did not become
// visible in time.
var ErrNotVisible = errors.New("element not visible")
