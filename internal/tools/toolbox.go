// Package tools runs planned actions against a page.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/action"
	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/locator"
	"github.com/polzovatel/nlflow/internal/resolver"
)

// ErrVerificationFailed means a verifyText target was neither visible nor
// present anywhere in the page markup.
var ErrVerificationFailed = errors.New("verification failed")

// Tool documents one action kind for the planner prompt.
type Tool struct {
	Name        string         `json:"kind"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"fields"`
}

var catalog = []Tool{
	newTool(action.KindFill, "Type text into an input, textarea or editable element", schema{
		"locator": str("how to find the field, e.g. name='email' or placeholder='Search'"),
		"value":   str("text to type"),
	}, []string{"locator", "value"}),
	newTool(action.KindClick, "Click a button, link or other clickable element", schema{
		"locator": str("how to find the element, e.g. text 'Login' or aria-label='Close'"),
	}, []string{"locator"}),
	newTool(action.KindPressKey, "Press a keyboard key, optionally on a specific element", schema{
		"value":   str("key name, e.g. Enter, Tab, Escape"),
		"locator": str("optional element to focus first"),
	}, []string{"value"}),
	newTool(action.KindWait, "Pause for a fixed time", schema{
		"value": str("milliseconds as a string, e.g. 1000"),
	}, []string{"value"}),
	newTool(action.KindVerifyText, "Assert that text is present on the page", schema{
		"value": str("text that must appear"),
	}, []string{"value"}),
}

// Describe lists the action kinds the executor understands.
func Describe() []Tool {
	return append([]Tool(nil), catalog...)
}

type Options struct {
	// ActionDelay is the pause after every action before the next one starts.
	ActionDelay time.Duration
	// VerifyTimeout bounds the visible-text wait of verifyText.
	VerifyTimeout time.Duration
	// NavigationTimeout bounds the network-idle wait after a click that
	// changed the URL.
	NavigationTimeout time.Duration
	Logger            zerolog.Logger
}

// Result describes what an action did.
type Result struct {
	Observation string
	Strategy    string
	Navigated   bool
}

type Executor struct {
	resolver *resolver.Resolver
	opts     Options
	log      zerolog.Logger
}

func New(r *resolver.Resolver, opts Options) *Executor {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 5 * time.Second
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 10 * time.Second
	}
	return &Executor{
		resolver: r,
		opts:     opts,
		log:      opts.Logger.With().Str("comp", "executor").Logger(),
	}
}

// Execute runs one action and then waits out the post-action delay.
func (e *Executor) Execute(ctx context.Context, page browser.Page, a action.Action) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	res, err := e.run(ctx, page, a)
	if err != nil {
		return res, fmt.Errorf("%s: %w", a, err)
	}
	e.log.Debug().Str("action", a.String()).Str("strategy", res.Strategy).Msg(res.Observation)
	if err := sleep(ctx, e.opts.ActionDelay); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) run(ctx context.Context, page browser.Page, a action.Action) (Result, error) {
	switch a.Kind {
	case action.KindFill:
		m, err := e.resolver.Resolve(ctx, page, a.Locator)
		if err != nil {
			return Result{}, err
		}
		if err := m.Locator.Fill(ctx, a.Value); err != nil {
			return Result{Strategy: m.Strategy}, err
		}
		return Result{Observation: fmt.Sprintf("filled %s", m.Query), Strategy: m.Strategy}, nil

	case action.KindClick:
		m, err := e.resolver.Resolve(ctx, page, a.Locator)
		if err != nil {
			return Result{}, err
		}
		before := page.URL()
		if err := m.Locator.Click(ctx); err != nil {
			return Result{Strategy: m.Strategy}, err
		}
		res := Result{Observation: fmt.Sprintf("clicked %s", m.Query), Strategy: m.Strategy}
		if after := page.URL(); after != before {
			res.Navigated = true
			// Navigation is a suspension point: the next action sees the new page.
			if err := page.WaitForLoad(ctx, browser.LoadStateNetworkIdle, e.opts.NavigationTimeout); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				e.log.Debug().Err(err).Str("url", after).Msg("network did not go idle after navigation")
			}
		}
		return res, nil

	case action.KindPressKey:
		if strings.TrimSpace(a.Locator) == "" {
			if err := page.PressKey(ctx, a.Value); err != nil {
				return Result{}, err
			}
			return Result{Observation: fmt.Sprintf("pressed %s", a.Value)}, nil
		}
		m, err := e.resolver.Resolve(ctx, page, a.Locator)
		if err != nil {
			return Result{}, err
		}
		if err := m.Locator.Press(ctx, a.Value); err != nil {
			return Result{Strategy: m.Strategy}, err
		}
		return Result{Observation: fmt.Sprintf("pressed %s on %s", a.Value, m.Query), Strategy: m.Strategy}, nil

	case action.KindWait:
		ms, err := a.WaitMillis()
		if err != nil {
			return Result{}, err
		}
		if err := sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("waited %dms", ms)}, nil

	case action.KindVerifyText:
		return e.verify(ctx, page, a.VerifyTarget())
	}
	return Result{}, fmt.Errorf("%w: unknown kind %q", action.ErrInvalidAction, a.Kind)
}

// verify waits for the text to be visible, then falls back to searching the
// serialized page. A target that is only a text hint is unwrapped; anything
// else is searched literally, quotes included.
func (e *Executor) verify(ctx context.Context, page browser.Page, target string) (Result, error) {
	if h := locator.Parse(target); h.TextOnly() {
		target = h.Text
	}
	target = strings.TrimSpace(target)

	loc := page.Locate(browser.Text(target, false))
	if err := loc.WaitVisible(ctx, e.opts.VerifyTimeout); err == nil {
		return Result{Observation: fmt.Sprintf("text %q visible", target)}, nil
	} else if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	html, err := page.Content(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q (page content: %v)", ErrVerificationFailed, target, err)
	}
	if strings.Contains(html, target) {
		return Result{Observation: fmt.Sprintf("text %q found in markup", target)}, nil
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		body := strings.ToLower(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
		if strings.Contains(body, strings.ToLower(strings.Join(strings.Fields(target), " "))) {
			return Result{Observation: fmt.Sprintf("text %q found in page text", target)}, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %q not on page", ErrVerificationFailed, target)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type schema map[string]any

func newTool(kind action.Kind, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        string(kind),
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
