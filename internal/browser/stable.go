package browser

import (
	"context"
	"hash/fnv"
	"time"
)

// LoadingIndicators matches spinners and busy regions that mean the page is
// still rendering.
const LoadingIndicators = `[aria-busy="true"], [role="progressbar"], .loading, .spinner, .loader, .skeleton`

// StableOptions bounds WaitStable. Zero values take defaults.
type StableOptions struct {
	Timeout      time.Duration
	QuietWindow  time.Duration
	PollInterval time.Duration
}

func (o StableOptions) withDefaults() StableOptions {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.QuietWindow <= 0 {
		o.QuietWindow = 300 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// WaitStable waits for network idle and DOM content loaded, then polls
// until no loading indicator is visible and the serialized DOM stays
// unchanged for the quiet window. It never fails the caller: running out of
// time means "as stable as it gets" and is reported as false.
func WaitStable(ctx context.Context, page Page, opts StableOptions) bool {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Timeout)

	_ = page.WaitForLoad(ctx, LoadStateDOMContentLoaded, remaining(deadline))
	_ = page.WaitForLoad(ctx, LoadStateNetworkIdle, remaining(deadline))

	var (
		lastHash    uint64
		quietSince  time.Time
		initialized bool
	)
	for {
		if ctx.Err() != nil {
			return false
		}
		now := time.Now()
		busy := loadingVisible(ctx, page)
		if h, ok := domHash(ctx, page); ok {
			if !initialized || h != lastHash || busy {
				lastHash = h
				quietSince = now
				initialized = true
			} else if now.Sub(quietSince) >= opts.QuietWindow {
				return true
			}
		}
		if !now.Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(min(opts.PollInterval, remaining(deadline))):
		}
	}
}

func loadingVisible(ctx context.Context, page Page) bool {
	loc := page.Locate(CSS(LoadingIndicators))
	n, err := loc.Count(ctx)
	if err != nil || n == 0 {
		return false
	}
	return loc.WaitVisible(ctx, time.Millisecond) == nil
}

func domHash(ctx context.Context, page Page) (uint64, bool) {
	html, err := page.Content(ctx)
	if err != nil {
		return 0, false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(html))
	return h.Sum64(), true
}

func remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
