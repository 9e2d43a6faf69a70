// Package resolver maps a loose locator hint to one visible element on a
// live page.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/locator"
	"github.com/polzovatel/nlflow/internal/metrics"
)

// ErrElementNotFound means no strategy produced a visible element after
// every attempt.
var ErrElementNotFound = errors.New("element not found")

type Options struct {
	// Attempts is how many times the whole strategy list runs.
	Attempts int
	// RetryDelay is the pause between attempts, before the network-idle wait.
	RetryDelay time.Duration
	// VisibleTimeout bounds each candidate's visibility wait. A candidate
	// that stays hidden is skipped, not failed.
	VisibleTimeout time.Duration
	IdleTimeout    time.Duration
	Strategies     []Strategy
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		Attempts:       2,
		RetryDelay:     2 * time.Second,
		VisibleTimeout: 2 * time.Second,
		IdleTimeout:    5 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

type Resolver struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Resolver {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.VisibleTimeout <= 0 {
		opts.VisibleTimeout = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.Strategies == nil {
		opts.Strategies = Strategies
	}
	return &Resolver{
		opts:    opts,
		log:     opts.Logger.With().Str("comp", "resolver").Logger(),
		metrics: metrics.OrNop(opts.Metrics),
	}
}

// Match is a resolved element and how it was found.
type Match struct {
	Locator  browser.Locator
	Strategy string
	Query    browser.Query
	Attempt  int
}

// Resolve runs the strategies in order and returns the first candidate that
// exists and becomes visible. When none does, it waits, lets the network
// settle, and starts over from the top.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, hint string) (Match, error) {
	h := locator.Parse(hint)
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := r.settle(ctx, page); err != nil {
				return Match{}, err
			}
		}
		m, ok, err := r.tryAll(ctx, page, h)
		if err != nil {
			return Match{}, err
		}
		if ok {
			m.Attempt = attempt
			r.metrics.ResolverMatches.WithLabelValues(m.Strategy).Inc()
			r.log.Debug().Str("hint", hint).Str("strategy", m.Strategy).Str("query", m.Query.String()).Int("attempt", attempt).Msg("resolved")
			return m, nil
		}
		r.log.Debug().Str("hint", hint).Int("attempt", attempt).Msg("no strategy matched")
	}
	r.metrics.ResolverNotFound.Inc()
	return Match{}, fmt.Errorf("%w: %q after %d attempts", ErrElementNotFound, hint, r.opts.Attempts)
}

func (r *Resolver) tryAll(ctx context.Context, page browser.Page, h locator.Hint) (Match, bool, error) {
	for _, s := range r.opts.Strategies {
		for _, q := range s.Queries(h) {
			if err := ctx.Err(); err != nil {
				return Match{}, false, err
			}
			loc := page.Locate(q)
			n, err := loc.Count(ctx)
			if err != nil || n == 0 {
				continue
			}
			if err := loc.WaitVisible(ctx, r.opts.VisibleTimeout); err != nil {
				continue
			}
			return Match{Locator: loc, Strategy: s.Name, Query: q}, true, nil
		}
	}
	return Match{}, false, nil
}

func (r *Resolver) settle(ctx context.Context, page browser.Page) error {
	if r.opts.RetryDelay > 0 {
		t := time.NewTimer(r.opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	// Pages with long-polling never go idle; the retry runs regardless.
	_ = page.WaitForLoad(ctx, browser.LoadStateNetworkIdle, r.opts.IdleTimeout)
	return ctx.Err()
}
