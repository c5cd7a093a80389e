package rewards_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/points/store"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testClock is a settable clock for crossing day boundaries.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type backend struct {
	name string
	new  func(t *testing.T) points.Store
}

func backends() []backend {
	return []backend{
		{"memory", func(*testing.T) points.Store { return store.NewMemory() }},
		{"sqlite", func(t *testing.T) points.Store {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func newTestEngine(t *testing.T, s points.Store, clock points.Clock) (*rewards.Engine, *points.Ledger) {
	t.Helper()
	ledger := points.NewLedger(s, points.WithClock(clock))
	return rewards.NewEngine(ledger, rewards.DefaultProgram()), ledger
}

var march10 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

// =============================================================================
// ONE-TIME ACTIONS
// =============================================================================

func TestAward_PhoneVerifyOnce(t *testing.T) {
	// GIVEN: A new user
	// WHEN: phone_verify is awarded twice
	// THEN: Points are credited once; the second call is AlreadyClaimed

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			engine, ledger := newTestEngine(t, b.new(t), &testClock{now: march10})
			ctx := context.Background()

			first, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionPhoneVerify})
			require.NoError(t, err)
			assert.Equal(t, rewards.OutcomeAwarded, first.Outcome)
			assert.Equal(t, int64(200), first.PointsAwarded)
			assert.Equal(t, int64(200), first.NewBalance)

			second, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionPhoneVerify})
			require.NoError(t, err)
			assert.Equal(t, rewards.OutcomeAlreadyClaimed, second.Outcome)
			assert.Zero(t, second.PointsAwarded)
			assert.Equal(t, int64(200), second.NewBalance)

			bal, err := ledger.GetBalance(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, int64(200), bal.Balance)
		})
	}
}

func TestAward_SignupScenario(t *testing.T) {
	// GIVEN: A new user with no referral code
	// WHEN: signup_bonus is awarded, then awarded again
	// THEN: Balance is 2500 and stays 2500

	engine, ledger := newTestEngine(t, store.NewMemory(), &testClock{now: march10})
	ctx := context.Background()

	res, err := engine.Award(ctx, rewards.Request{Owner: "new-user", Kind: rewards.ActionSignupBonus})
	require.NoError(t, err)
	assert.Equal(t, int64(rewards.SignupBonus), res.NewBalance)

	res, err = engine.Award(ctx, rewards.Request{Owner: "new-user", Kind: rewards.ActionSignupBonus})
	require.NoError(t, err)
	assert.Equal(t, rewards.OutcomeAlreadyClaimed, res.Outcome)
	assert.Equal(t, int64(2500), res.NewBalance)

	bal, err := ledger.GetBalance(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), bal.Balance)
	assert.Equal(t, int64(2500), bal.TotalEarned)
}

func TestAward_ConcurrentOneTimeClaims(t *testing.T) {
	// GIVEN: 25 concurrent google_review claims for one owner
	// WHEN: All complete
	// THEN: Exactly one is awarded

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			engine, ledger := newTestEngine(t, b.new(t), &testClock{now: march10})
			ctx := context.Background()

			var awarded atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionGoogleReview})
					assert.NoError(t, err)
					if res.Awarded() {
						awarded.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), awarded.Load())
			bal, err := ledger.GetBalance(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), bal.Balance)
		})
	}
}

func TestAward_OneTimePerOwner(t *testing.T) {
	engine, _ := newTestEngine(t, store.NewMemory(), &testClock{now: march10})
	ctx := context.Background()

	a, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionSocialFollow})
	require.NoError(t, err)
	b, err := engine.Award(ctx, rewards.Request{Owner: "u-2", Kind: rewards.ActionSocialFollow})
	require.NoError(t, err)

	assert.True(t, a.Awarded())
	assert.True(t, b.Awarded(), "one-time is per owner, not global")
}

// =============================================================================
// DAILY CAPS
// =============================================================================

func TestAward_ShareListingDailyCap(t *testing.T) {
	// GIVEN: share_listing worth 10 points, capped at 100 points a day
	// WHEN: Sharing repeatedly on March 10, then again on March 11
	// THEN: The 11th share is DailyLimitReached; the next day awards again

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &testClock{now: march10}
			engine, ledger := newTestEngine(t, b.new(t), clock)
			ctx := context.Background()

			var earned int64
			var res rewards.Result
			for i := 0; i < 20; i++ {
				var err error
				res, err = engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionShareListing})
				require.NoError(t, err)
				if !res.Awarded() {
					break
				}
				earned += res.PointsAwarded
			}
			assert.Equal(t, rewards.OutcomeDailyLimitReached, res.Outcome)
			assert.Equal(t, int64(rewards.ShareDailyMax), earned)
			assert.Equal(t, int64(100), res.NewBalance)

			// late the same day: still capped
			clock.Set(time.Date(2025, time.March, 10, 23, 59, 59, 0, time.UTC))
			res, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionShareListing})
			require.NoError(t, err)
			assert.Equal(t, rewards.OutcomeDailyLimitReached, res.Outcome)

			// next calendar day: resets
			clock.Set(time.Date(2025, time.March, 11, 0, 0, 1, 0, time.UTC))
			res, err = engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionShareListing})
			require.NoError(t, err)
			assert.Equal(t, rewards.OutcomeAwarded, res.Outcome)

			bal, err := ledger.GetBalance(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, int64(110), bal.Balance)
		})
	}
}

func TestAward_DayBoundaryUsesConfiguredLocation(t *testing.T) {
	// GIVEN: Caps anchored to UTC+10
	// WHEN: A login at 13:00 UTC (23:00 local) and another at 15:00 UTC (01:00 next local day)
	// THEN: Both are awarded even though they share a UTC date

	loc := time.FixedZone("UTC+10", 10*60*60)
	clock := &testClock{now: time.Date(2025, time.March, 10, 13, 0, 0, 0, time.UTC)}
	ledger := points.NewLedger(store.NewMemory(), points.WithClock(clock))
	engine := rewards.NewEngine(ledger, rewards.DefaultProgram(), rewards.WithLocation(loc))
	ctx := context.Background()

	res, err := engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionDailyLogin})
	require.NoError(t, err)
	assert.True(t, res.Awarded())

	clock.Set(time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC))
	res, err = engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionDailyLogin})
	require.NoError(t, err)
	assert.True(t, res.Awarded())

	res, err = engine.Award(ctx, rewards.Request{Owner: "u-1", Kind: rewards.ActionDailyLogin})
	require.NoError(t, err)
	assert.Equal(t, rewards.OutcomeDailyLimitReached, res.Outcome)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestAward_UnknownKind(t *testing.T) {
	engine, _ := newTestEngine(t, store.NewMemory(), &testClock{now: march10})

	_, err := engine.Award(context.Background(), rewards.Request{Owner: "u-1", Kind: "moon_landing"})
	assert.ErrorIs(t, err, points.ErrInvalidActionKind)
	assert.True(t, points.IsClientError(err))
}

func TestAward_RepeatableWithExplicitKey(t *testing.T) {
	engine, _ := newTestEngine(t, store.NewMemory(), &testClock{now: march10})
	ctx := context.Background()

	req := rewards.Request{Owner: "ref-1", Kind: rewards.ActionReferralSignup, IdempotencyKey: "referral:signup:ref-1:u-9"}
	res, err := engine.Award(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Awarded())

	res, err = engine.Award(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rewards.OutcomeAlreadyClaimed, res.Outcome)
	assert.Equal(t, int64(1000), res.NewBalance)
}

func TestAward_ClientKeysAreScopedToOwner(t *testing.T) {
	// GIVEN: An attacker choosing retry keys that name another owner's gates
	// WHEN: The attacker claims with those keys, then the victim claims normally
	// THEN: The keys are rejected and the victim's awards are untouched

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			engine, ledger := newTestEngine(t, b.new(t), &testClock{now: march10})
			ctx := context.Background()

			for _, key := range []string{rewards.OnceKey("victim", rewards.ActionPhoneVerify), "topup:pi_1"} {
				_, err := engine.Award(ctx, rewards.Request{Owner: "attacker", Kind: rewards.ActionShareListing, ClientKey: key})
				assert.ErrorIs(t, err, points.ErrInvalidIdempotencyKey)
			}

			res, err := engine.Award(ctx, rewards.Request{Owner: "victim", Kind: rewards.ActionPhoneVerify})
			require.NoError(t, err)
			assert.True(t, res.Awarded())
			assert.Equal(t, int64(200), res.NewBalance)

			// the same retry key is independent per owner
			for _, owner := range []points.OwnerID{"attacker", "victim"} {
				res, err := engine.Award(ctx, rewards.Request{Owner: owner, Kind: rewards.ActionShareListing, ClientKey: "share-1"})
				require.NoError(t, err)
				assert.True(t, res.Awarded(), "owner %s", owner)
			}
			res, err = engine.Award(ctx, rewards.Request{Owner: "victim", Kind: rewards.ActionShareListing, ClientKey: "share-1"})
			require.NoError(t, err)
			assert.Equal(t, rewards.OutcomeAlreadyClaimed, res.Outcome)

			page, err := ledger.Page(ctx, "victim", 0, 10)
			require.NoError(t, err)
			require.NotEmpty(t, page.Entries)
			assert.Equal(t, "client:victim:share-1", page.Entries[0].IdempotencyKey)
		})
	}
}

func TestProgram_Validate(t *testing.T) {
	require.NoError(t, rewards.DefaultProgram().Validate())

	tests := []struct {
		name string
		rule rewards.ActionRule
	}{
		{"missing kind", rewards.ActionRule{Points: 10}},
		{"zero points", rewards.ActionRule{Kind: "x"}},
		{"reserved kind", rewards.ActionRule{Kind: points.KindCashout, Points: 10}},
		{"one-time with cap", rewards.ActionRule{Kind: "x", Points: 10, OneTime: true, DailyLimit: 2}},
		{"negative cap", rewards.ActionRule{Kind: "x", Points: 10, DailyLimit: -1}},
		{"claimable referral", rewards.ActionRule{Kind: rewards.ActionReferralSignup, Points: 1000, Claimable: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, rewards.Program{Rules: []rewards.ActionRule{tt.rule}}.Validate())
		})
	}

	dup := rewards.Program{Rules: []rewards.ActionRule{{Kind: "x", Points: 1}, {Kind: "x", Points: 2}}}
	assert.ErrorContains(t, dup.Validate(), "duplicate")
}
