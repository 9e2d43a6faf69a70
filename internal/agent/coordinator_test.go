package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/nlflow/internal/action"
	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/browser/browsertest"
	"github.com/polzovatel/nlflow/internal/cache"
	"github.com/polzovatel/nlflow/internal/resolver"
	"github.com/polzovatel/nlflow/internal/tools"
)

const (
	loginURL         = "https://acme.test/login"
	loginInstruction = "Fill name='email' with a@b.com, then click text 'Login'"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<form>
  <input name="email" type="email" placeholder="Email">
  <button type="submit">Login</button>
</form>
</body></html>`

// redesignedLoginPage has no name="email" field any more.
const redesignedLoginPage = `<html><head><title>Sign in</title></head><body>
<form>
  <input name="login_id" type="text" placeholder="Identifier">
  <button type="submit">Login</button>
</form>
</body></html>`

const identifierPlan = `{"actions":[
  {"kind":"fill","locator":"placeholder='Identifier'","value":"a@b.com"},
  {"kind":"click","locator":"text 'Login'"}
],"reasoning":"the field was renamed","needsVerification":false}`

type harness struct {
	prov  *scriptedProvider
	cache *cache.Cache
	coord *Coordinator
}

func newHarness(t *testing.T, withCache bool, replies ...string) *harness {
	t.Helper()
	h := &harness{prov: &scriptedProvider{replies: replies}}
	if withCache {
		h.cache = cache.Open(context.Background(), cache.Options{Store: &cache.MemoryStore{}})
	}
	ropts := resolver.DefaultOptions()
	ropts.Attempts = 1
	ropts.RetryDelay = 0
	ropts.VisibleTimeout = 10 * time.Millisecond
	exec := tools.New(resolver.New(ropts), tools.Options{VerifyTimeout: 10 * time.Millisecond})
	h.coord = NewCoordinator(NewPlanner(h.prov, PlannerOptions{}), exec, Options{
		Cache:  h.cache,
		Stable: browser.StableOptions{Timeout: 50 * time.Millisecond, QuietWindow: time.Millisecond, PollInterval: time.Millisecond},
	})
	return h
}

func TestFirstRunPlansAndCaches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, loginPlan)
	page := browsertest.New(loginURL, loginPage)

	res := h.coord.RunStep(ctx, page, loginInstruction)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.FromCache)
	assert.False(t, res.Replanned)
	assert.Equal(t, 1, h.prov.calls())
	assert.Equal(t, "a@b.com", page.Value(`input[name=email]`))
	assert.Equal(t, []string{"<button>Login</button>"}, page.Clicks())

	entry, ok := h.cache.Find(ctx, loginURL, loginInstruction)
	require.True(t, ok)
	assert.Equal(t, 1, entry.SuccessCount)
	assert.Equal(t, "/login", entry.PagePattern)
	assert.Len(t, entry.Actions, 2)
}

func TestSecondRunReplaysFromCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, loginPlan)

	first := h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction)
	require.True(t, first.Success, first.Error)

	page := browsertest.New(loginURL+"?next=/home", loginPage)
	res := h.coord.RunStep(ctx, page, loginInstruction)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.FromCache)
	assert.Equal(t, 1, h.prov.calls(), "cache hit must not call the model")
	assert.Equal(t, first.Actions, res.Actions)
	assert.Equal(t, "a@b.com", page.Value(`input[name=email]`))
	assert.Len(t, page.Clicks(), 1)

	res.Actions[0].Locator = "name='changed'"
	entry, ok := h.cache.Find(ctx, loginURL, loginInstruction)
	require.True(t, ok)
	assert.Equal(t, 2, entry.SuccessCount)
	assert.Equal(t, "name='email'", entry.Actions[0].Locator, "results do not alias cached actions")
}

func TestStaleCachedPlanIsReplannedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, loginPlan, identifierPlan)

	require.True(t, h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction).Success)

	page := browsertest.New(loginURL, redesignedLoginPage)
	res := h.coord.RunStep(ctx, page, loginInstruction)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.FromCache)
	assert.True(t, res.Replanned)
	assert.Equal(t, 2, h.prov.calls(), "exactly one extra model call")
	assert.Equal(t, "a@b.com", page.Value(`input[name=login_id]`))
	assert.EqualValues(t, 1, h.cache.Stats().StaleHits)

	entry, ok := h.cache.Find(ctx, loginURL, loginInstruction)
	require.True(t, ok)
	assert.Equal(t, 1, entry.SuccessCount, "fresh entry replaces the stale one")
	assert.Equal(t, "placeholder='Identifier'", entry.Actions[0].Locator)
}

func TestReplanFailurePropagates(t *testing.T) {
	ctx := context.Background()
	stillWrong := `{"actions":[{"kind":"fill","locator":"name='mail'","value":"a@b.com"}],"reasoning":"","needsVerification":false}`
	h := newHarness(t, true, loginPlan, stillWrong)
	require.True(t, h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction).Success)

	res := h.coord.RunStep(ctx, browsertest.New(loginURL, redesignedLoginPage), loginInstruction)
	require.False(t, res.Success)
	assert.True(t, res.Replanned)
	require.ErrorIs(t, res.Err(), resolver.ErrElementNotFound)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 2, h.prov.calls())

	entry, ok := h.cache.Find(ctx, loginURL, loginInstruction)
	require.True(t, ok)
	assert.Equal(t, 1, entry.ConsecutiveFailures)
	assert.Equal(t, 0, entry.SuccessCount)
}

func TestFreshPlanFailureIsNotReplanned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, loginPlan)

	res := h.coord.RunStep(ctx, browsertest.New(loginURL, redesignedLoginPage), loginInstruction)
	require.False(t, res.Success)
	assert.False(t, res.FromCache)
	assert.False(t, res.Replanned)
	assert.Equal(t, 1, h.prov.calls())

	entry, ok := h.cache.Find(ctx, loginURL, loginInstruction)
	require.True(t, ok)
	assert.Equal(t, 1, entry.ConsecutiveFailures)
}

func TestFailedActionAbortsRestOfPlan(t *testing.T) {
	plan := `{"actions":[
	  {"kind":"click","locator":"text 'Nowhere'"},
	  {"kind":"fill","locator":"name='email'","value":"a@b.com"}
	],"reasoning":"","needsVerification":false}`
	h := newHarness(t, false, plan)
	page := browsertest.New(loginURL, loginPage)

	res := h.coord.RunStep(context.Background(), page, "click nowhere then fill")
	require.False(t, res.Success)
	assert.Empty(t, page.Value(`input[name=email]`))
}

func TestInvalidModelResponseFailsStep(t *testing.T) {
	h := newHarness(t, true, "I would click the login button.")
	res := h.coord.RunStep(context.Background(), browsertest.New(loginURL, loginPage), loginInstruction)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err(), ErrInvalidModelResponse)
	assert.Equal(t, 0, h.cache.Len())
}

func TestWithoutCacheEveryStepPlans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, loginPlan)
	for i := 0; i < 2; i++ {
		res := h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction)
		require.True(t, res.Success, res.Error)
		assert.False(t, res.FromCache)
	}
	assert.Equal(t, 2, h.prov.calls())
}

func TestCancelledStepFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, true, loginPlan)
	res := h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, 0, h.prov.calls())
}

func TestStepResultCarriesPlannedActions(t *testing.T) {
	h := newHarness(t, false, loginPlan)
	res := h.coord.RunStep(context.Background(), browsertest.New(loginURL, loginPage), loginInstruction)
	require.True(t, res.Success)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, action.KindClick, res.Actions[1].Kind)
	assert.Positive(t, res.Duration)
}

func TestStepResultCarriesVerificationFlag(t *testing.T) {
	ctx := context.Background()
	checkPlan := `{"actions":[
	  {"kind":"click","locator":"text 'Login'"},
	  {"kind":"verifyText","value":"Login"}
	],"reasoning":"submit and check","needsVerification":true}`
	h := newHarness(t, true, checkPlan)

	res := h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), "click Login and check it is there")
	require.True(t, res.Success, res.Error)
	assert.True(t, res.NeedsVerification)

	res = h.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), "click Login and check it is there")
	require.True(t, res.Success, res.Error)
	require.True(t, res.FromCache)
	assert.True(t, res.NeedsVerification, "cached plan still contains its verifyText")

	h2 := newHarness(t, false, loginPlan)
	res = h2.coord.RunStep(ctx, browsertest.New(loginURL, loginPage), loginInstruction)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.NeedsVerification)
}
