package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLedger(t *testing.T) (*points.Ledger, *sqlite.Store) {
	store := newTestStore(t)
	clock := points.ClockFunc(func() time.Time { return march10 })
	return points.NewLedger(store, points.WithClock(clock)), store
}

func entry(owner points.OwnerID, delta int64, kind points.ActionKind, key string) points.Posting {
	return points.Posting{Entry: points.Entry{
		OwnerID:        owner,
		Delta:          delta,
		Kind:           kind,
		IdempotencyKey: key,
		Metadata:       map[string]string{"source": "test"},
	}}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLite_PostUpdatesProjection(t *testing.T) {
	// GIVEN: Two earns and one spend
	// WHEN: Reading the projection and the replay
	// THEN: Both agree with the sum of deltas

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	for i, d := range []int64{2500, 300, -800} {
		_, err := ledger.Post(ctx, entry("u-1", d, "test", fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	b, err := store.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), b.Balance)
	assert.Equal(t, int64(2800), b.TotalEarned)
	assert.True(t, b.UpdatedAt.Equal(march10))

	replayed, err := store.ReplayBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, b.Matches(replayed))
}

func TestSQLite_SeparateHandlesSerializeOwnerTx(t *testing.T) {
	// GIVEN: Two store handles on one database file, as two server processes
	//        would have, and an owner holding exactly 100 points
	// WHEN: Both handles race to spend the 100 points several times
	// THEN: Exactly one spend succeeds, the rest see the lower balance, and
	//       no writer fails with a lock upgrade error

	path := filepath.Join(t.TempDir(), "loyalty.db")
	clock := points.ClockFunc(func() time.Time { return march10 })
	var ledgers []*points.Ledger
	for i := 0; i < 2; i++ {
		store, err := sqlite.New(path)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		ledgers = append(ledgers, points.NewLedger(store, points.WithClock(clock)))
	}
	ctx := context.Background()
	_, err := ledgers[0].Post(ctx, entry("u-1", 100, "seed", ""))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(l *points.Ledger) {
			defer wg.Done()
			_, err := l.Post(ctx, points.Posting{
				Entry:  points.Entry{OwnerID: "u-1", Delta: -100, Kind: "spend"},
				Guards: []points.Guard{points.RequireFunds(100)},
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, points.ErrInsufficientBalance)
		}(ledgers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	b, err := ledgers[1].GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Zero(t, b.Balance)
}

func TestSQLite_DuplicateIdempotencyKey(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	n := 0
	insert := func() error {
		n++
		return store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
			_, _, err := tx.Insert(ctx, points.Entry{
				ID: points.EntryID(fmt.Sprintf("e-%d", n)), OwnerID: "u-1",
				Delta: 100, Kind: "test", IdempotencyKey: "once:u-1:test", CreatedAt: march10,
			})
			return err
		})
	}

	require.NoError(t, insert())
	err := insert()
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	b, err := store.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Balance, "failed insert must not touch the projection")
}

func TestSQLite_RollbackOnError(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		_, _, err := tx.Insert(ctx, points.Entry{ID: "e-1", OwnerID: "u-1", Delta: 100, Kind: "test", CreatedAt: march10})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := store.Entries(ctx, "u-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	b, err := store.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.Zero(t, b.Balance)
}

func TestSQLite_EntriesNewestFirstWithCursor(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := ledger.Post(ctx, entry("u-1", int64(i), "test", ""))
		require.NoError(t, err)
	}
	_, err := ledger.Post(ctx, entry("u-2", 99, "test", ""))
	require.NoError(t, err)

	first, err := store.Entries(ctx, "u-1", 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, int64(5), first[0].Delta)
	assert.Equal(t, "test", first[0].Metadata["source"])

	rest, err := store.Entries(ctx, "u-1", points.Cursor(first[2].Seq), 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].Delta)
	assert.Equal(t, int64(1), rest[1].Delta)
}

func TestSQLite_CountKindBetween(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	times := []time.Time{
		march10.Add(-24 * time.Hour),
		march10,
		march10.Add(time.Hour),
		march10.Add(24 * time.Hour),
	}
	for i, at := range times {
		err := store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
			_, _, err := tx.Insert(ctx, points.Entry{
				ID: points.EntryID(fmt.Sprintf("e-%d", i)), OwnerID: "u-1", Delta: 10,
				Kind: "share_listing", CreatedAt: at,
			})
			return err
		})
		require.NoError(t, err)
	}

	start, end := points.DayBounds(march10, time.UTC)
	err := store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		n, err := tx.CountKindBetween(ctx, "share_listing", start, end)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_RebuildBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Post(ctx, entry("u-1", 700, "test", "k"))
	require.NoError(t, err)
	require.NoError(t, store.SetProjection(ctx, points.Balance{OwnerID: "u-1", Balance: 1, TotalEarned: 1}))

	rebuilt, err := store.RebuildBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), rebuilt.Balance)

	b, err := store.Balance(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, b.Matches(rebuilt))

	owners, err := store.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []points.OwnerID{"u-1"}, owners)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestSQLite_RedemptionLifecycle(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	r := points.Redemption{
		ID: "r-1", OwnerID: "u-1", Type: points.RedemptionOfferDiscount, PointsSpent: 500,
		DollarValue: decimal.NewFromInt(5), Status: points.StatusApproved,
		RelatedOfferID: "offer-1", PurchaseID: "p-1", CreatedAt: march10, UpdatedAt: march10,
	}
	require.NoError(t, store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		return tx.SaveRedemption(ctx, r)
	}))

	dup := r
	dup.ID = "r-2"
	err := store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		return tx.SaveRedemption(ctx, dup)
	})
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey, "purchase id is unique")

	got, err := store.Redemption(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.DollarValue.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "p-1", got.PurchaseID)

	require.NoError(t, store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		return tx.UpdateRedemptionStatus(ctx, "r-1", points.StatusPaid, march10.Add(time.Hour))
	}))
	list, err := store.Redemptions(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, points.StatusPaid, list[0].Status)

	err = store.WithOwnerTx(ctx, "u-1", func(tx points.OwnerTx) error {
		return tx.UpdateRedemptionStatus(ctx, "missing", points.StatusPaid, march10)
	})
	assert.ErrorIs(t, err, points.ErrNotFound)

	missing, err := store.Redemption(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestSQLite_ReferralRecordUnique(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	rec := points.ReferralRecord{
		ReferrerID: "ref-1", ReferredUserID: "new-1", CodeUsed: "abc",
		ConversionType: points.ConversionSignup, ConvertedAt: march10,
		Attribution: map[string]string{"campaign": "spring"},
	}
	insert := func(r points.ReferralRecord) error {
		return store.WithOwnerTx(ctx, r.ReferrerID, func(tx points.OwnerTx) error {
			return tx.InsertReferral(ctx, r)
		})
	}

	require.NoError(t, insert(rec))
	assert.ErrorIs(t, insert(rec), points.ErrDuplicateReferral)

	other := rec
	other.ConversionType = points.ConversionOfferPurchase
	require.NoError(t, insert(other), "other conversion types are independent")

	exists, err := store.ReferralExists(ctx, "ref-1", "new-1", points.ConversionSignup)
	require.NoError(t, err)
	assert.True(t, exists)

	list, err := store.Referrals(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "spring", list[0].Attribution["campaign"])
}

func TestSQLite_SetReferredByFirstTouchWins(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	set := func(code string) bool {
		var written bool
		require.NoError(t, store.WithOwnerTx(ctx, "ref", func(tx points.OwnerTx) error {
			var err error
			written, err = tx.SetReferredBy(ctx, "u-1", code)
			return err
		}))
		return written
	}

	assert.True(t, set("CODE-A"))
	assert.False(t, set("CODE-B"))

	p, err := store.Profile(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "CODE-A", p.ReferredBy)
}

func TestSQLite_ReferralCodes(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	code := points.ReferralCode{Code: "joes-diner-x7k2", OwnerID: "biz-1", Namespace: points.NamespaceBusiness, CreatedAt: march10}
	require.NoError(t, store.SaveCode(ctx, code))

	err := store.SaveCode(ctx, points.ReferralCode{Code: "joes-diner-x7k2", OwnerID: "biz-2", Namespace: points.NamespaceBusiness, CreatedAt: march10})
	assert.ErrorIs(t, err, points.ErrDuplicateCode)

	err = store.SaveCode(ctx, points.ReferralCode{Code: "other", OwnerID: "biz-1", Namespace: points.NamespaceBusiness, CreatedAt: march10})
	assert.ErrorIs(t, err, points.ErrDuplicateCode, "one code per owner and namespace")

	got, err := store.CodeByValue(ctx, "joes-diner-x7k2", points.NamespaceBusiness)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, points.OwnerID("biz-1"), got.OwnerID)

	none, err := store.CodeByValue(ctx, "joes-diner-x7k2", points.NamespaceUser)
	require.NoError(t, err)
	assert.Nil(t, none)

	byOwner, err := store.CodeByOwner(ctx, "biz-1", points.NamespaceBusiness)
	require.NoError(t, err)
	require.NotNil(t, byOwner)
	assert.Equal(t, "joes-diner-x7k2", byOwner.Code)
}
