package points_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, opts ...points.Option) (*points.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]points.Option{points.WithClock(points.ClockFunc(func() time.Time { return testNow }))}, opts...)
	return points.NewLedger(mem, opts...), mem
}

func earn(owner points.OwnerID, delta int64, key string) points.Posting {
	return points.Posting{Entry: points.Entry{
		OwnerID:        owner,
		Delta:          delta,
		Kind:           "test_earn",
		IdempotencyKey: key,
	}}
}

type mapCache struct {
	mu          sync.Mutex
	items       map[points.OwnerID]points.Balance
	invalidated int
}

func newMapCache() *mapCache { return &mapCache{items: map[points.OwnerID]points.Balance{}} }

func (c *mapCache) Get(o points.OwnerID) (points.Balance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[o]
	return b, ok
}

func (c *mapCache) Set(o points.OwnerID, b points.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[o] = b
}

func (c *mapCache) Invalidate(o points.OwnerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, o)
	c.invalidated++
}

// =============================================================================
// PROJECTION INVARIANT
// =============================================================================

func TestLedger_ProjectionMatchesReplay(t *testing.T) {
	// GIVEN: A mix of earns and spends
	// WHEN: Comparing the projection to a full replay
	// THEN: balance == Σdelta and totalEarned == Σmax(delta, 0)

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	deltas := []int64{2500, 10, -300, 50, -1000, 500}
	var sum, earned int64
	for i, d := range deltas {
		_, err := ledger.Post(ctx, earn("u-1", d, fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
		sum += d
		if d > 0 {
			earned += d
		}
	}

	b, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, sum, b.Balance)
	assert.Equal(t, earned, b.TotalEarned)

	replayed, err := mem.ReplayBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, b.Matches(replayed))
}

func TestLedger_ConcurrentPostsKeepInvariant(t *testing.T) {
	// GIVEN: 50 concurrent posts for one owner
	// WHEN: All complete
	// THEN: No update is lost

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Post(ctx, earn("u-1", 10, fmt.Sprintf("c-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	b, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Balance)

	replayed, err := mem.ReplayBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, b.Matches(replayed))
}

func TestLedger_AbsentOwnerHasZeroBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)

	b, err := ledger.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, points.OwnerID("nobody"), b.OwnerID)
	assert.Zero(t, b.Balance)
	assert.Zero(t, b.TotalEarned)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestLedger_DuplicateKeyRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Post(ctx, earn("u-1", 100, "same"))
	require.NoError(t, err)

	_, err = ledger.Post(ctx, earn("u-1", 100, "same"))
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	assert.True(t, points.IsDuplicate(err))

	b, _ := ledger.GetBalance(ctx, "u-1")
	assert.Equal(t, int64(100), b.Balance)
}

func TestLedger_DuplicateKeyWinsOverGuards(t *testing.T) {
	// GIVEN: A keyed spend that emptied the balance
	// WHEN: The same posting is replayed
	// THEN: It is reported as a duplicate and the funds guard never runs

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := ledger.Post(ctx, earn("u-1", 500, ""))
	require.NoError(t, err)

	guardRuns := 0
	spend := points.Posting{
		Entry: points.Entry{OwnerID: "u-1", Delta: -500, Kind: "test_spend", IdempotencyKey: "spend-1"},
		Guards: []points.Guard{func(ctx context.Context, tx points.OwnerTx) error {
			guardRuns++
			return points.RequireFunds(500)(ctx, tx)
		}},
	}
	_, err = ledger.Post(ctx, spend)
	require.NoError(t, err)

	_, err = ledger.Post(ctx, spend)
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	assert.NotErrorIs(t, err, points.ErrInsufficientBalance)
	assert.Equal(t, 1, guardRuns)
}

func TestScopedKey(t *testing.T) {
	key, err := points.ScopedKey(points.ScopeClient, "u-1", "retry-7")
	require.NoError(t, err)
	assert.Equal(t, "client:u-1:retry-7", key)

	other, err := points.ScopedKey(points.ScopeClient, "u-2", "retry-7")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	for _, bad := range []string{"", "once:u-2:phone_verify", "topup:pi_1", string(make([]byte, points.MaxClientKeyLen+1))} {
		_, err := points.ScopedKey(points.ScopeClient, "u-1", bad)
		assert.ErrorIs(t, err, points.ErrInvalidIdempotencyKey, "key %q", bad)
		assert.True(t, points.IsClientError(err))
	}

	_, err = points.ScopedKey(points.ScopeClient, "", "k")
	assert.ErrorIs(t, err, points.ErrOwnerRequired)
}

func TestLedger_FailingEffectRollsBackEntry(t *testing.T) {
	// GIVEN: An effect that fails after the entry is inserted
	// WHEN: Posting
	// THEN: Neither the entry nor the balance change is visible

	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	p := earn("u-1", 100, "k")
	p.Effects = []points.Effect{func(context.Context, points.OwnerTx, points.Entry) error { return boom }}

	_, err := ledger.Post(ctx, p)
	assert.ErrorIs(t, err, boom)

	b, _ := ledger.GetBalance(ctx, "u-1")
	assert.Zero(t, b.Balance)
	entries, err := mem.Entries(ctx, "u-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the key is free again
	_, err = ledger.Post(ctx, earn("u-1", 100, "k"))
	assert.NoError(t, err)
}

func TestLedger_RequireFunds(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Post(ctx, earn("u-1", 500, "seed"))
	require.NoError(t, err)

	_, err = ledger.Post(ctx, points.Posting{
		Entry:  points.Entry{OwnerID: "u-1", Delta: -501, Kind: points.KindCashout},
		Guards: []points.Guard{points.RequireFunds(501)},
	})
	var insufficient *points.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(500), insufficient.Available)
	assert.Equal(t, int64(501), insufficient.Requested)
	assert.False(t, points.IsRetryable(err))

	receipt, err := ledger.Post(ctx, points.Posting{
		Entry:  points.Entry{OwnerID: "u-1", Delta: -500, Kind: points.KindCashout},
		Guards: []points.Guard{points.RequireFunds(500)},
	})
	require.NoError(t, err)
	assert.Zero(t, receipt.Balance.Balance)
	assert.Equal(t, int64(500), receipt.Balance.TotalEarned)
}

func TestLedger_RejectsInvalidPostings(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Post(ctx, earn("", 10, ""))
	assert.ErrorIs(t, err, points.ErrOwnerRequired)

	_, err = ledger.Post(ctx, earn("u-1", 0, ""))
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
	assert.True(t, points.IsClientError(err))
}

// =============================================================================
// CACHE
// =============================================================================

func TestLedger_CacheInvalidatedOnPost(t *testing.T) {
	c := newMapCache()
	ledger, _ := newTestLedger(t, points.WithBalanceCache(c))
	ctx := context.Background()

	b, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Zero(t, b.Balance)
	_, cached := c.Get("u-1")
	assert.True(t, cached)

	_, err = ledger.Post(ctx, earn("u-1", 42, "k"))
	require.NoError(t, err)
	_, cached = c.Get("u-1")
	assert.False(t, cached, "post must drop the cached projection")

	b, err = ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Balance)
}

// =============================================================================
// LISTING
// =============================================================================

func TestLedger_ListRecentNewestFirst(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 120; i++ {
		_, err := ledger.Post(ctx, earn("u-1", int64(i), fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	var got []int64
	for e, err := range ledger.ListRecent(ctx, "u-1", 75) {
		require.NoError(t, err)
		got = append(got, e.Delta)
	}
	require.Len(t, got, 75)
	assert.Equal(t, int64(120), got[0])
	assert.Equal(t, int64(46), got[74])
}

func TestLedger_ListRecentIsRestartable(t *testing.T) {
	// GIVEN: A sequence consumed partially
	// WHEN: Ranging it again
	// THEN: It starts over from the newest entry

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := ledger.Post(ctx, earn("u-1", int64(i), fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	seq := ledger.ListRecent(ctx, "u-1", 10)
	for e := range seq {
		assert.Equal(t, int64(5), e.Delta)
		break
	}

	var all []int64
	for e := range seq {
		all = append(all, e.Delta)
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, all)
}

func TestLedger_PageCursor(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := ledger.Post(ctx, earn("u-1", int64(i), fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	first, err := ledger.Page(ctx, "u-1", 0, 3)
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	assert.NotZero(t, first.Next)

	second, err := ledger.Page(ctx, "u-1", first.Next, 3)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Zero(t, second.Next)
	assert.Equal(t, int64(2), second.Entries[0].Delta)
}

// =============================================================================
// MONEY / DAY BOUNDARY
// =============================================================================

func TestExchangeRate(t *testing.T) {
	rate := points.ExchangeRate{PointsPerDollar: 100}

	assert.True(t, rate.Dollars(10000).Equal(decimal.NewFromInt(100)))
	assert.True(t, rate.Dollars(1).Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(1999), rate.Points(decimal.RequireFromString("19.999")))
	assert.True(t, points.ExchangeRate{}.Dollars(100).IsZero())
}

func TestFormatDollars(t *testing.T) {
	assert.Equal(t, "$1,250.00", points.FormatDollars(decimal.NewFromInt(1250)))
	assert.Equal(t, "$0.05", points.FormatDollars(decimal.RequireFromString("0.049")))
	assert.Equal(t, "-$3.50", points.FormatDollars(decimal.RequireFromString("-3.5")))
}

func TestDayBounds(t *testing.T) {
	at := time.Date(2025, time.March, 10, 23, 59, 0, 0, time.UTC)
	start, end := points.DayBounds(at, nil)
	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC), end)

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 23:59 UTC is still March 10 in New York (EDT, UTC-4)
	start, _ = points.DayBounds(at, ny)
	assert.Equal(t, time.Date(2025, time.March, 10, 4, 0, 0, 0, time.UTC), start.UTC())
}
