package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/agent"
	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/metrics"
)

// ErrFlowAborted means a failed step stopped the rest of its flow.
var ErrFlowAborted = errors.New("flow aborted")

const defaultFlowTimeout = 5 * time.Minute

// StepRunner executes one instruction against a page.
type StepRunner interface {
	RunStep(ctx context.Context, page browser.Page, instruction string) agent.StepResult
}

type RunnerOptions struct {
	StopOnError bool
	// Timeout bounds a whole flow unless the flow sets its own.
	Timeout time.Duration
	Lookup  LookupFunc
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Result is the outcome of one flow. TotalSteps counts declared steps even
// when an abort kept some from running.
type Result struct {
	RunID          string             `json:"runId"`
	Flow           string             `json:"flow"`
	StartedAt      time.Time          `json:"startedAt"`
	Duration       time.Duration      `json:"durationNs"`
	TotalSteps     int                `json:"totalSteps"`
	CompletedSteps int                `json:"completedSteps"`
	Steps          []agent.StepResult `json:"steps"`
	Error          string             `json:"error,omitempty"`

	err error
}

func (r Result) Err() error { return r.err }

// Failed reports whether the flow hit an error or any step failed.
func (r Result) Failed() bool {
	if r.err != nil || r.Error != "" {
		return true
	}
	for _, s := range r.Steps {
		if !s.Success {
			return true
		}
	}
	return false
}

type Runner struct {
	steps   StepRunner
	opts    RunnerOptions
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewRunner(steps StepRunner, opts RunnerOptions) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFlowTimeout
	}
	return &Runner{
		steps:   steps,
		opts:    opts,
		log:     opts.Logger.With().Str("comp", "flow").Logger(),
		metrics: metrics.OrNop(opts.Metrics),
	}
}

// Run executes f's steps in order on page.
func (r *Runner) Run(ctx context.Context, page browser.Page, f Flow) Result {
	res := Result{
		RunID:      uuid.NewString(),
		Flow:       f.Name,
		StartedAt:  time.Now(),
		TotalSteps: len(f.Steps),
		Steps:      make([]agent.StepResult, 0, len(f.Steps)),
	}
	log := r.log.With().Str("flow", f.Name).Str("run_id", res.RunID).Logger()

	timeout := r.opts.Timeout
	if f.Timeout > 0 {
		timeout = f.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopOnError := r.opts.StopOnError
	if f.StopOnError != nil {
		stopOnError = *f.StopOnError
	}

	log.Info().Int("steps", len(f.Steps)).Str("url", f.URL).Msg("flow started")
	res.err = r.run(ctx, log, page, f, stopOnError, &res)
	res.Duration = time.Since(res.StartedAt)
	if res.err != nil {
		res.Error = res.err.Error()
	}

	outcome := "success"
	if res.Failed() {
		outcome = "failure"
	}
	r.metrics.FlowsTotal.WithLabelValues(outcome).Inc()
	r.metrics.FlowDuration.Observe(res.Duration.Seconds())
	log.Info().
		Str("outcome", outcome).
		Int("completed", res.CompletedSteps).
		Int("total", res.TotalSteps).
		Dur("took", res.Duration).
		Msg("flow finished")
	return res
}

func (r *Runner) run(ctx context.Context, log zerolog.Logger, page browser.Page, f Flow, stopOnError bool, res *Result) error {
	if f.URL != "" {
		target := r.substitute(log, f.URL, f.Variables)
		if err := page.Navigate(ctx, target); err != nil {
			return fmt.Errorf("open %s: %w", target, err)
		}
	}
	for i, raw := range f.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("step %d/%d not started: %w", i+1, len(f.Steps), err)
		}
		instruction := r.substitute(log, raw, f.Variables)
		step := r.steps.RunStep(ctx, page, instruction)
		res.Steps = append(res.Steps, step)
		if step.Success {
			res.CompletedSteps++
			continue
		}
		if stopOnError {
			return fmt.Errorf("%w at step %d/%d: %s", ErrFlowAborted, i+1, len(f.Steps), step.Error)
		}
	}
	return nil
}

func (r *Runner) substitute(log zerolog.Logger, s string, vars map[string]string) string {
	out, missing := Substitute(s, vars, r.opts.Lookup)
	for _, name := range missing {
		log.Warn().Str("variable", name).Msg("unresolved placeholder left as is")
	}
	return out
}
