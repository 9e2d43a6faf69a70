package action

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind names one of the operations the executor knows how to run.
type Kind string

const (
	KindFill       Kind = "fill"
	KindClick      Kind = "click"
	KindPressKey   Kind = "pressKey"
	KindWait       Kind = "wait"
	KindVerifyText Kind = "verifyText"
)

var ErrInvalidAction = errors.New("invalid action")

var kinds = map[Kind]struct{}{
	KindFill:       {},
	KindClick:      {},
	KindPressKey:   {},
	KindWait:       {},
	KindVerifyText: {},
}

// Kinds lists the accepted kinds in prompt order.
func Kinds() []Kind {
	return []Kind{KindFill, KindClick, KindPressKey, KindWait, KindVerifyText}
}

// ParseKind accepts a kind name case-insensitively. "verify" and "press"
// are accepted as shorthands models tend to produce.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fill", "type":
		return KindFill, nil
	case "click":
		return KindClick, nil
	case "presskey", "press":
		return KindPressKey, nil
	case "wait":
		return KindWait, nil
	case "verifytext", "verify":
		return KindVerifyText, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, s)
}

// Action is the atomic unit produced by planning and consumed by the executor.
// Treat values as immutable once built.
type Action struct {
	Kind        Kind   `json:"kind"`
	Description string `json:"description,omitempty"`
	Locator     string `json:"locator,omitempty"`
	Value       string `json:"value,omitempty"`
}

// Validate checks that the fields each kind depends on are present.
func (a Action) Validate() error {
	if _, ok := kinds[a.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	switch a.Kind {
	case KindFill:
		if strings.TrimSpace(a.Locator) == "" {
			return fmt.Errorf("%w: fill requires a locator", ErrInvalidAction)
		}
	case KindClick:
		if strings.TrimSpace(a.Locator) == "" {
			return fmt.Errorf("%w: click requires a locator", ErrInvalidAction)
		}
	case KindPressKey:
		if strings.TrimSpace(a.Value) == "" {
			return fmt.Errorf("%w: pressKey requires a key in value", ErrInvalidAction)
		}
	case KindWait:
		if _, err := a.WaitMillis(); err != nil {
			return err
		}
	case KindVerifyText:
		if strings.TrimSpace(a.VerifyTarget()) == "" {
			return fmt.Errorf("%w: verifyText requires text", ErrInvalidAction)
		}
	}
	return nil
}

// WaitMillis parses the value of a wait action.
func (a Action) WaitMillis() (int, error) {
	v := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(a.Value), "ms"))
	if v == "" {
		return 0, fmt.Errorf("%w: wait requires milliseconds in value", ErrInvalidAction)
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: wait value %q is not a millisecond count", ErrInvalidAction, a.Value)
	}
	return ms, nil
}

// VerifyTarget is the text a verifyText action looks for. Models put it in
// either field.
func (a Action) VerifyTarget() string {
	if strings.TrimSpace(a.Value) != "" {
		return a.Value
	}
	return a.Locator
}

func (a Action) String() string {
	var b strings.Builder
	b.WriteString(string(a.Kind))
	if a.Locator != "" {
		fmt.Fprintf(&b, " [%s]", a.Locator)
	}
	if a.Value != "" && a.Kind != KindFill {
		fmt.Fprintf(&b, " %q", a.Value)
	}
	return b.String()
}

// Plan is an ordered action list plus the model's explanation for it.
type Plan struct {
	Actions           []Action `json:"actions"`
	Reasoning         string   `json:"reasoning"`
	NeedsVerification bool     `json:"needsVerification"`
}

// Validate rejects empty plans and plans with invalid actions.
func (p Plan) Validate() error {
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: plan has no actions", ErrInvalidAction)
	}
	for i, a := range p.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Verifies reports whether any action asserts page text.
func (p Plan) Verifies() bool {
	for _, a := range p.Actions {
		if a.Kind == KindVerifyText {
			return true
		}
	}
	return false
}

// Clone returns a plan with its own action slice.
func (p Plan) Clone() Plan {
	p.Actions = append([]Action(nil), p.Actions...)
	return p
}
