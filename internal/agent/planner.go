package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/action"
	"github.com/polzovatel/nlflow/internal/llm"
	"github.com/polzovatel/nlflow/internal/metrics"
	"github.com/polzovatel/nlflow/internal/snapshot"
	"github.com/polzovatel/nlflow/internal/tools"
)

// ErrInvalidModelResponse means the model's answer was not a single JSON
// object with a valid action list.
var ErrInvalidModelResponse = errors.New("invalid model response")

// AnalysisMode selects what the planner shows the model.
type AnalysisMode string

const (
	ModeDOM    AnalysisMode = "dom"
	ModeVision AnalysisMode = "vision"
	ModeHybrid AnalysisMode = "hybrid"
)

func ParseAnalysisMode(s string) (AnalysisMode, error) {
	switch m := AnalysisMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDOM, nil
	case ModeDOM, ModeVision, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown analysis mode %q (use dom, vision or hybrid)", s)
}

func (m AnalysisMode) wantsElements() bool { return m != ModeVision }
func (m AnalysisMode) wantsImage() bool    { return m != ModeDOM }

const systemPrompt = `You control a web browser. Turn the user's instruction into browser actions.
CRITICAL RULES:
1. Respond with a SINGLE JSON object and NOTHING else.
2. Emit EVERY action the instruction implies, in order. "Fill X, then click Y" is two actions.
3. Locate elements by stable attributes: name, placeholder, label, aria-label or visible text,
   written like name='email', placeholder='Search', label='Password', aria-label='Close', text 'Login'.
4. NEVER use ids that look generated by a framework (":r1:", "react-select-3-input", "mui-12", long hex or uuid suffixes).
5. Use only the action kinds listed under ACTIONS.
6. Set needsVerification to true when the instruction asks to check or confirm something.`

const outputFormat = `{"actions":[{"kind":"fill|click|pressKey|wait|verifyText","description":"...","locator":"...","value":"..."}],"reasoning":"...","needsVerification":false}`

// Request is everything the planner may show the model for one instruction.
type Request struct {
	Instruction string
	URL         string
	Title       string
	Summary     *snapshot.Summary
	Screenshot  []byte
}

type PlannerOptions struct {
	Mode    AnalysisMode
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Planner asks the model for an action list. It sends exactly one request
// per Plan call and never retries.
type Planner struct {
	provider llm.Provider
	mode     AnalysisMode
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewPlanner(provider llm.Provider, opts PlannerOptions) *Planner {
	if opts.Mode == "" {
		opts.Mode = ModeDOM
	}
	return &Planner{
		provider: provider,
		mode:     opts.Mode,
		log:      opts.Logger.With().Str("comp", "planner").Logger(),
		metrics:  metrics.OrNop(opts.Metrics),
	}
}

func (p *Planner) Mode() AnalysisMode { return p.mode }

func (p *Planner) Plan(ctx context.Context, req Request) (action.Plan, error) {
	prompt := p.buildPrompt(req)
	var image string
	if p.mode.wantsImage() && len(req.Screenshot) > 0 {
		image = base64.StdEncoding.EncodeToString(req.Screenshot)
	}

	p.log.Debug().Str("instruction", req.Instruction).Int("prompt_size", len(prompt)).Bool("image", image != "").Msg("planning")
	start := time.Now()
	text, err := p.provider.AnalyzeImage(ctx, image, prompt)
	p.metrics.PlannerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.PlannerRequests.WithLabelValues("error").Inc()
		return action.Plan{}, fmt.Errorf("model request: %w", err)
	}

	plan, err := ParsePlan(text)
	if err != nil {
		p.metrics.PlannerRequests.WithLabelValues("invalid").Inc()
		p.log.Warn().Err(err).Str("raw", clip(text, 300)).Msg("rejected model response")
		return action.Plan{}, err
	}
	p.metrics.PlannerRequests.WithLabelValues("ok").Inc()
	p.log.Debug().Int("actions", len(plan.Actions)).Int("response_size", len(text)).Msg("plan received")
	return plan, nil
}

func (p *Planner) buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nACTIONS:\n")
	if raw, err := json.Marshal(tools.Describe()); err == nil {
		b.Write(raw)
	}
	fmt.Fprintf(&b, "\n\nINSTRUCTION: %s\n", req.Instruction)
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\n", req.URL, req.Title)
	if p.mode.wantsElements() && req.Summary != nil {
		b.WriteString("\nPAGE:\n")
		b.WriteString(req.Summary.String())
	}
	if p.mode.wantsImage() {
		b.WriteString("\nA screenshot of the current viewport is attached.\n")
	}
	b.WriteString("\nOUTPUT FORMAT (strict JSON only, no text outside):\n")
	b.WriteString(outputFormat)
	return b.String()
}

type modelAction struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Locator     string          `json:"locator"`
	Value       json.RawMessage `json:"value"`
}

type modelPlan struct {
	Actions           *[]modelAction `json:"actions"`
	Reasoning         *string        `json:"reasoning"`
	NeedsVerification *bool          `json:"needsVerification"`
}

// ParsePlan strips Markdown fences and decodes exactly one JSON object with
// an actions array, a reasoning string and a needsVerification flag.
func ParsePlan(text string) (action.Plan, error) {
	body := stripFences(text)
	if body == "" {
		return action.Plan{}, fmt.Errorf("%w: empty response", ErrInvalidModelResponse)
	}
	dec := json.NewDecoder(strings.NewReader(body))
	var mp modelPlan
	if err := dec.Decode(&mp); err != nil {
		return action.Plan{}, fmt.Errorf("%w: %v", ErrInvalidModelResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return action.Plan{}, fmt.Errorf("%w: trailing data after the JSON object", ErrInvalidModelResponse)
	}
	if mp.Actions == nil {
		return action.Plan{}, fmt.Errorf("%w: missing actions", ErrInvalidModelResponse)
	}
	if mp.Reasoning == nil {
		return action.Plan{}, fmt.Errorf("%w: missing reasoning", ErrInvalidModelResponse)
	}
	if mp.NeedsVerification == nil {
		return action.Plan{}, fmt.Errorf("%w: missing needsVerification", ErrInvalidModelResponse)
	}

	plan := action.Plan{Reasoning: *mp.Reasoning, NeedsVerification: *mp.NeedsVerification}
	for i, ma := range *mp.Actions {
		kind, err := action.ParseKind(ma.Kind)
		if err != nil {
			return action.Plan{}, fmt.Errorf("%w: action %d: %v", ErrInvalidModelResponse, i, err)
		}
		value, err := scalar(ma.Value)
		if err != nil {
			return action.Plan{}, fmt.Errorf("%w: action %d value: %v", ErrInvalidModelResponse, i, err)
		}
		plan.Actions = append(plan.Actions, action.Action{
			Kind:        kind,
			Description: strings.TrimSpace(ma.Description),
			Locator:     strings.TrimSpace(ma.Locator),
			Value:       value,
		})
	}
	if err := plan.Validate(); err != nil {
		return action.Plan{}, fmt.Errorf("%w: %v", ErrInvalidModelResponse, err)
	}
	return plan, nil
}

// scalar accepts a JSON string, number or bool as a string value. Models
// often write wait durations as bare numbers.
func scalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64, bool:
		return string(raw), nil
	}
	return "", fmt.Errorf("expected a string, got %s", raw)
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line, e.g. ```json.
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
