package browser_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/browser/browsertest"
)

var fast = browser.StableOptions{
	Timeout:      100 * time.Millisecond,
	QuietWindow:  5 * time.Millisecond,
	PollInterval: time.Millisecond,
}

func TestWaitStableOnQuietPage(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body><button>Go</button></body>`)
	assert.True(t, browser.WaitStable(context.Background(), page, fast))
	assert.Equal(t, []browser.LoadState{browser.LoadStateDOMContentLoaded, browser.LoadStateNetworkIdle}, page.Loads())
}

func TestWaitStableGivesUpWhileSpinnerShows(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body><div class="spinner"></div></body>`)
	start := time.Now()
	assert.False(t, browser.WaitStable(context.Background(), page, fast))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitStableIgnoresHiddenSpinner(t *testing.T) {
	page := browsertest.New("https://acme.test/", `<body><div class="spinner" style="display:none"></div></body>`)
	assert.True(t, browser.WaitStable(context.Background(), page, fast))
}

func TestWaitStableHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := browsertest.New("https://acme.test/", `<body></body>`)
	assert.False(t, browser.WaitStable(ctx, page, fast))
}
