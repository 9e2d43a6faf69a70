package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/nlflow/internal/browser"
)

// Session is one isolated browser tab, owned by a single flow.
type Session interface {
	browser.Page
	Close() error
}

// SessionFactory opens a fresh session.
type SessionFactory func(ctx context.Context) (Session, error)

type PoolOptions struct {
	// Concurrency caps flows running at once; below 1 means 1.
	Concurrency int
	Logger      zerolog.Logger
}

// Pool runs flows concurrently, each in its own session.
type Pool struct {
	runner   *Runner
	sessions SessionFactory
	limit    int
	log      zerolog.Logger
}

func NewPool(runner *Runner, sessions SessionFactory, opts PoolOptions) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Pool{
		runner:   runner,
		sessions: sessions,
		limit:    opts.Concurrency,
		log:      opts.Logger.With().Str("comp", "pool").Logger(),
	}
}

// Run executes every flow and returns results in input order. A failing
// flow never cancels the others.
func (p *Pool) Run(ctx context.Context, flows []Flow) []Result {
	results := make([]Result, len(flows))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, f := range flows {
		g.Go(func() error {
			results[i] = p.runOne(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) runOne(ctx context.Context, f Flow) Result {
	sess, err := p.sessions(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("flow", f.Name).Msg("open session")
		err = fmt.Errorf("open session: %w", err)
		return Result{
			RunID:      uuid.NewString(),
			Flow:       f.Name,
			StartedAt:  time.Now(),
			TotalSteps: len(f.Steps),
			Error:      err.Error(),
			err:        err,
		}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.log.Warn().Err(err).Str("flow", f.Name).Msg("close session")
		}
	}()
	return p.runner.Run(ctx, sess, f)
}

// ExitCode is 1 when any flow failed, else 0.
func ExitCode(results []Result) int {
	for _, r := range results {
		if r.Failed() {
			return 1
		}
	}
	return 0
}
