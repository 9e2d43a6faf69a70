package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/polzovatel/nlflow/internal/metrics"
)

// LimitOptions bounds how hard parallel flows may hit one provider.
type LimitOptions struct {
	// MaxConcurrent caps in-flight requests; 0 means unlimited.
	MaxConcurrent int64
	// RatePerSec caps request starts per second; 0 means unlimited.
	RatePerSec float64
	Metrics    *metrics.Metrics
}

type limited struct {
	Provider
	sem     *semaphore.Weighted
	rate    *rate.Limiter
	metrics *metrics.Metrics
}

// Limit wraps p so concurrent callers share its concurrency and rate budget.
// With no limits set p is returned unchanged.
func Limit(p Provider, opts LimitOptions) Provider {
	if opts.MaxConcurrent <= 0 && opts.RatePerSec <= 0 {
		return p
	}
	l := &limited{Provider: p, metrics: metrics.OrNop(opts.Metrics)}
	if opts.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return l
}

func (l *limited) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer l.sem.Release(1)
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return "", err
		}
	}
	l.metrics.ProviderInFlight.Inc()
	defer l.metrics.ProviderInFlight.Dec()
	return l.Provider.AnalyzeImage(ctx, imageBase64, prompt)
}
