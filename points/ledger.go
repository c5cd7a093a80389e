/*
ledger.go - Atomic posting of entries and balance reads

PURPOSE:
  The Ledger is the only writer of entries. Every post runs inside one
  owner transaction: a taken idempotency key ends the post as a duplicate,
  guards check policy against the locked projection, the entry is inserted
  and applied to the projection, and effects write any companion records
  (redemption, referral record). Either all of it commits or none of it does.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. PROJECTION IN LOCKSTEP: No entry without its balance update, and vice versa
  3. IDEMPOTENT: Same idempotency key = one entry, ever
  4. LINEARIZABLE PER OWNER: Concurrent posts for one owner are serialized

WHY GUARDS RUN INSIDE THE TRANSACTION:
  A check-then-append done outside the lock lets two concurrent requests
  both pass the check. Guards see the locked projection and the entries
  committed before them, so one-time and daily-cap checks are race free.
  The unique idempotency key backs this up at the storage level.

CORRECTIONS:
  Mistakes are corrected by posting an offsetting entry, never by editing.

EXAMPLE:
  receipt, err := ledger.Post(ctx, points.Posting{
      Entry:  points.Entry{OwnerID: "u-1", Delta: -500, Kind: points.KindCashout},
      Guards: []points.Guard{points.RequireFunds(500)},
  })

SEE ALSO:
  - store.go: Store / OwnerTx interfaces
  - rewards/, redemption/, referral/, topup/: engines built on Post
*/
package points

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// =============================================================================
// POSTING
// =============================================================================

// Guard runs inside the owner transaction before the entry is inserted.
// A non-nil error aborts the post and is returned to the caller unchanged.
type Guard func(ctx context.Context, tx OwnerTx) error

// Effect runs inside the owner transaction after the entry is inserted.
type Effect func(ctx context.Context, tx OwnerTx, e Entry) error

type Posting struct {
	Entry   Entry
	Guards  []Guard
	Effects []Effect
}

type Receipt struct {
	Entry   Entry
	Balance Balance
}

// BalanceCache is the injected read cache for projections.
// cache.TTL satisfies it.
type BalanceCache interface {
	Get(owner OwnerID) (Balance, bool)
	Set(owner OwnerID, b Balance)
	Invalidate(owner OwnerID)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	clock Clock
	cache BalanceCache
	newID func() EntryID
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithBalanceCache(c BalanceCache) Option { return func(l *Ledger) { l.cache = c } }

func WithIDGenerator(fn func() EntryID) Option { return func(l *Ledger) { l.newID = fn } }

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		clock: SystemClock{},
		newID: func() EntryID { return EntryID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) Clock() Clock { return l.clock }

// Post appends one entry atomically with its projection update.
func (l *Ledger) Post(ctx context.Context, p Posting) (Receipt, error) {
	e := p.Entry
	if e.OwnerID == "" {
		return Receipt{}, ErrOwnerRequired
	}
	if e.Delta == 0 {
		return Receipt{}, ErrInvalidAmount
	}
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now()
	}

	var (
		receipt Receipt
		abort   error
	)
	err := l.store.WithOwnerTx(ctx, e.OwnerID, func(tx OwnerTx) error {
		// A replay is a duplicate even if the balance has moved since.
		if e.IdempotencyKey != "" {
			exists, err := tx.Exists(ctx, e.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}

		for _, guard := range p.Guards {
			if err := guard(ctx, tx); err != nil {
				abort = err
				return err
			}
		}

		inserted, balance, err := tx.Insert(ctx, e)
		if err != nil {
			return err
		}

		for _, effect := range p.Effects {
			if err := effect(ctx, tx, inserted); err != nil {
				abort = err
				return err
			}
		}

		receipt = Receipt{Entry: inserted, Balance: balance}
		return nil
	})
	if abort != nil {
		return Receipt{}, abort
	}
	if err != nil {
		return Receipt{}, WrapStore("post entry", err)
	}

	l.InvalidateBalance(e.OwnerID)
	return receipt, nil
}

// Within runs fn in an owner transaction without appending an entry.
// Used for attribution records and redemption status changes.
func (l *Ledger) Within(ctx context.Context, owner OwnerID, fn func(tx OwnerTx) error) error {
	if owner == "" {
		return ErrOwnerRequired
	}
	err := l.store.WithOwnerTx(ctx, owner, fn)
	l.InvalidateBalance(owner)
	return WrapStore("owner transaction", err)
}

// RequireFunds is a guard that rejects spends above the locked balance.
func RequireFunds(amount int64) Guard {
	return func(ctx context.Context, tx OwnerTx) error {
		b, err := tx.Balance(ctx)
		if err != nil {
			return WrapStore("read balance", err)
		}
		if amount > b.Balance {
			return &InsufficientBalanceError{OwnerID: tx.Owner(), Available: b.Balance, Requested: amount}
		}
		return nil
	}
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the owner's projection, zero-valued if the owner has
// never been referenced.
func (l *Ledger) GetBalance(ctx context.Context, owner OwnerID) (Balance, error) {
	if l.cache != nil {
		if b, ok := l.cache.Get(owner); ok {
			return b, nil
		}
	}
	b, err := l.store.Balance(ctx, owner)
	if err != nil {
		return Balance{}, WrapStore("read balance", err)
	}
	b.OwnerID = owner
	if l.cache != nil {
		l.cache.Set(owner, b)
	}
	return b, nil
}

// InvalidateBalance drops the cached projection for owner.
func (l *Ledger) InvalidateBalance(owner OwnerID) {
	if l.cache != nil {
		l.cache.Invalidate(owner)
	}
}

// Page is one slice of an owner's history, newest first.
type Page struct {
	Entries []Entry
	Next    Cursor // zero when there is nothing older
}

// Page reads up to limit entries older than cursor.
func (l *Ledger) Page(ctx context.Context, owner OwnerID, cursor Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	entries, err := l.store.Entries(ctx, owner, cursor, limit)
	if err != nil {
		return Page{}, WrapStore("list entries", err)
	}
	page := Page{Entries: entries}
	if len(entries) == limit {
		page.Next = Cursor(entries[len(entries)-1].Seq)
	}
	return page, nil
}

const DefaultPageSize = 50

// ListRecent lazily yields at most limit entries, newest first. Entries are
// fetched page by page as the caller ranges; stopping early stops fetching.
// The sequence can be ranged again to restart from the newest entry.
func (l *Ledger) ListRecent(ctx context.Context, owner OwnerID, limit int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var cursor Cursor
		remaining := limit
		for remaining > 0 {
			size := min(remaining, DefaultPageSize)
			page, err := l.Page(ctx, owner, cursor, size)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page.Entries {
				if !yield(e, nil) {
					return
				}
			}
			remaining -= len(page.Entries)
			if page.Next == 0 {
				return
			}
			cursor = page.Next
		}
	}
}
