// Package agent turns one natural-language instruction into executed
// browser actions, reusing cached plans when it can.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/action"
	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/cache"
	"github.com/polzovatel/nlflow/internal/metrics"
	"github.com/polzovatel/nlflow/internal/snapshot"
	"github.com/polzovatel/nlflow/internal/tools"
)

const defaultSnapshotTimeout = 5 * time.Second

type Options struct {
	// Cache may be nil, which disables lookups, storage and replanning.
	Cache           *cache.Cache
	Stable          browser.StableOptions
	SnapshotTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// StepResult is the outcome of one instruction. NeedsVerification is the
// model's flag for fresh plans; cached plans do not keep it, so for them it
// reports whether the plan contains a verifyText.
type StepResult struct {
	Instruction       string          `json:"instruction"`
	Success           bool            `json:"success"`
	FromCache         bool            `json:"fromCache"`
	Replanned         bool            `json:"replanned"`
	Actions           []action.Action `json:"actions,omitempty"`
	NeedsVerification bool            `json:"needsVerification"`
	Error             string          `json:"error,omitempty"`
	Duration          time.Duration   `json:"durationNs"`

	err error
}

// Err returns the failure cause, or nil on success.
func (r StepResult) Err() error { return r.err }

// Coordinator runs steps one at a time against a single page. It holds no
// per-page state, so one Coordinator may serve several flows.
type Coordinator struct {
	planner  *Planner
	executor *tools.Executor
	cache    *cache.Cache
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(planner *Planner, executor *tools.Executor, opts Options) *Coordinator {
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = defaultSnapshotTimeout
	}
	return &Coordinator{
		planner:  planner,
		executor: executor,
		cache:    opts.Cache,
		opts:     opts,
		log:      opts.Logger.With().Str("comp", "coordinator").Logger(),
		metrics:  metrics.OrNop(opts.Metrics),
	}
}

// RunStep waits for the page to settle, obtains a plan from the cache or the
// planner, and executes it. A failing cached plan is invalidated and
// replaced by one fresh plan.
func (c *Coordinator) RunStep(ctx context.Context, page browser.Page, instruction string) StepResult {
	start := time.Now()
	res := StepResult{Instruction: instruction}
	finish := func(err error) StepResult {
		res.Duration = time.Since(start)
		res.Success = err == nil
		res.err = err
		if err != nil {
			res.Error = err.Error()
		}
		c.record(res)
		return res
	}

	if !browser.WaitStable(ctx, page, c.opts.Stable) {
		c.log.Debug().Str("url", page.URL()).Msg("page did not settle, continuing")
	}
	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	pageURL := page.URL()

	// cacheInstr is the instruction the entry is stored under; a fuzzy hit
	// carries the original wording, not ours.
	var (
		plan       action.Plan
		cacheInstr = instruction
	)
	if hit, ok := c.lookup(ctx, pageURL, instruction); ok {
		plan = action.Plan{Actions: hit.Actions, Reasoning: hit.Reasoning}.Clone()
		plan.NeedsVerification = plan.Verifies()
		cacheInstr = hit.Instruction
		res.FromCache = true
		c.log.Info().Str("instruction", instruction).Int("actions", len(plan.Actions)).Msg("replaying cached plan")
	} else {
		fresh, err := c.planFresh(ctx, page, pageURL, instruction)
		if err != nil {
			return finish(err)
		}
		plan = fresh
	}
	res.Actions = plan.Actions
	res.NeedsVerification = plan.NeedsVerification

	err := c.execute(ctx, page, plan)
	if err != nil && res.FromCache && ctx.Err() == nil {
		c.log.Warn().Err(err).Str("instruction", instruction).Msg("cached plan failed, replanning")
		c.cache.NoteStaleHit()
		c.cache.Invalidate(ctx, pageURL, cacheInstr)
		cacheInstr = instruction
		res.Replanned = true

		browser.WaitStable(ctx, page, c.opts.Stable)
		fresh, perr := c.planFresh(ctx, page, pageURL, instruction)
		if perr != nil {
			err = perr
		} else {
			res.Actions = fresh.Actions
			res.NeedsVerification = fresh.NeedsVerification
			err = c.execute(ctx, page, fresh)
		}
	}

	if c.cache != nil {
		if err == nil {
			c.cache.MarkSuccess(ctx, pageURL, cacheInstr)
		} else if c.cache.MarkFailure(ctx, pageURL, cacheInstr) {
			c.log.Info().Str("instruction", cacheInstr).Msg("cache entry dropped after repeated failures")
		}
	}
	return finish(err)
}

func (c *Coordinator) lookup(ctx context.Context, pageURL, instruction string) (*cache.Entry, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Find(ctx, pageURL, instruction)
}

// planFresh asks the model and stores the answer under the pre-action URL.
func (c *Coordinator) planFresh(ctx context.Context, page browser.Page, pageURL, instruction string) (action.Plan, error) {
	req := c.observe(ctx, page, instruction)
	req.URL = pageURL
	plan, err := c.planner.Plan(ctx, req)
	if err != nil {
		return action.Plan{}, fmt.Errorf("plan %q: %w", instruction, err)
	}
	if plan.NeedsVerification && !plan.Verifies() {
		c.log.Warn().Str("instruction", instruction).Msg("plan asks for verification but has no verifyText action")
	}
	if c.cache != nil {
		c.cache.Set(ctx, pageURL, instruction, plan.Actions, plan.Reasoning)
	}
	return plan, nil
}

// observe gathers what the planner's mode asks for. Snapshot and screenshot
// failures degrade the prompt instead of failing the step.
func (c *Coordinator) observe(ctx context.Context, page browser.Page, instruction string) Request {
	req := Request{Instruction: instruction}
	sctx, cancel := snapshot.WithDeadline(ctx, c.opts.SnapshotTimeout)
	defer cancel()

	if title, err := page.Title(sctx); err == nil {
		req.Title = title
	}
	mode := c.planner.Mode()
	if mode.wantsElements() {
		sum, err := snapshot.Collect(sctx, page)
		if err != nil {
			c.log.Warn().Err(err).Msg("element snapshot failed")
		} else {
			req.Summary = &sum
		}
	}
	if mode.wantsImage() {
		shot, err := page.Screenshot(sctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("screenshot failed")
		} else {
			req.Screenshot = shot
		}
	}
	return req
}

// execute runs the actions in order and stops at the first failure.
func (c *Coordinator) execute(ctx context.Context, page browser.Page, plan action.Plan) error {
	for i, a := range plan.Actions {
		out, err := c.executor.Execute(ctx, page, a)
		if err != nil {
			return fmt.Errorf("action %d/%d: %w", i+1, len(plan.Actions), err)
		}
		c.log.Debug().
			Int("index", i).
			Str("action", a.String()).
			Str("strategy", out.Strategy).
			Bool("navigated", out.Navigated).
			Msg(out.Observation)
	}
	return nil
}

func (c *Coordinator) record(res StepResult) {
	outcome, source := "success", "model"
	if !res.Success {
		outcome = "failure"
	}
	switch {
	case res.Replanned:
		source = "replan"
	case res.FromCache:
		source = "cache"
	}
	c.metrics.StepsTotal.WithLabelValues(outcome, source).Inc()

	ev := c.log.Info()
	if !res.Success {
		ev = c.log.Warn().Str("error", res.Error)
		if errors.Is(res.err, ErrInvalidModelResponse) {
			ev = ev.Bool("invalid_model_response", true)
		}
	}
	ev.Str("instruction", res.Instruction).
		Bool("from_cache", res.FromCache).
		Bool("replanned", res.Replanned).
		Dur("took", res.Duration).
		Msg("step finished")
}
