/*
store.go - Persistence interfaces for the points ledger

PURPOSE:
  Defines the interface between the engines and the database. The Store
  handles persistence while maintaining append-only semantics for entries.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Reads, plus WithOwnerTx for every write
  OwnerTx: The write surface, valid only inside WithOwnerTx

APPEND-ONLY CONTRACT:
  - OwnerTx.Insert(): the ONLY way an entry is written
  - NO Update() or Delete() for entries exists

ATOMICITY:
  WithOwnerTx serializes all writers for one owner and commits entries,
  projection updates, redemptions and referral records together. If fn
  returns an error nothing is written.

IDEMPOTENCY:
  Entry.IdempotencyKey is unique across the ledger. A duplicate insert
  returns ErrDuplicateIdempotencyKey and aborts the transaction.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL through gorm
*/
package points

import (
	"context"
	"time"
)

// Cursor is an exclusive upper bound on Entry.Seq. Zero means "from the newest".
type Cursor int64

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithOwnerTx executes fn in a transaction that holds the owner's balance
	// lock. The projection row is created (zeroed) if missing.
	WithOwnerTx(ctx context.Context, owner OwnerID, fn func(tx OwnerTx) error) error

	// Balance returns the stored projection, or a zero value if none exists.
	Balance(ctx context.Context, owner OwnerID) (Balance, error)

	// Entries returns up to limit entries with Seq < before (or the newest when
	// before is zero), newest first.
	Entries(ctx context.Context, owner OwnerID, before Cursor, limit int) ([]Entry, error)

	// ReplayBalance recomputes the projection from the ledger.
	ReplayBalance(ctx context.Context, owner OwnerID) (Balance, error)

	// RebuildBalance overwrites the projection with the replayed value.
	RebuildBalance(ctx context.Context, owner OwnerID) (Balance, error)

	// Owners lists every owner that has a projection.
	Owners(ctx context.Context) ([]OwnerID, error)

	// Redemption reads
	Redemption(ctx context.Context, id string) (*Redemption, error)
	Redemptions(ctx context.Context, owner OwnerID) ([]Redemption, error)

	// Referral reads
	ReferralExists(ctx context.Context, referrer, referred OwnerID, conversion ConversionType) (bool, error)
	Referrals(ctx context.Context, referrer OwnerID) ([]ReferralRecord, error)
	Profile(ctx context.Context, owner OwnerID) (Profile, error)

	// Referral codes. SaveCode fails with ErrDuplicateCode on collision.
	SaveCode(ctx context.Context, code ReferralCode) error
	CodeByValue(ctx context.Context, code string, ns CodeNamespace) (*ReferralCode, error)
	CodeByOwner(ctx context.Context, owner OwnerID, ns CodeNamespace) (*ReferralCode, error)
}

// =============================================================================
// OWNER TRANSACTION
// =============================================================================

type OwnerTx interface {
	Owner() OwnerID

	// Balance returns the locked projection.
	Balance(ctx context.Context) (Balance, error)

	// Replay recomputes the projection from the owner's entries under the lock.
	Replay(ctx context.Context) (Balance, error)

	// Exists checks whether an idempotency key is taken (by any owner).
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// CountKindBetween counts the owner's entries of kind with CreatedAt in [from, to).
	CountKindBetween(ctx context.Context, kind ActionKind, from, to time.Time) (int, error)

	// Insert appends the entry and applies it to the projection.
	Insert(ctx context.Context, e Entry) (Entry, Balance, error)

	SaveRedemption(ctx context.Context, r Redemption) error
	UpdateRedemptionStatus(ctx context.Context, id string, status RedemptionStatus, at time.Time) error
	Redemption(ctx context.Context, id string) (*Redemption, error)

	// InsertReferral fails with ErrDuplicateReferral on an existing triple.
	InsertReferral(ctx context.Context, r ReferralRecord) error
	ReferralExists(ctx context.Context, referrer, referred OwnerID, conversion ConversionType) (bool, error)

	// SetReferredBy records first-touch attribution for user. It reports
	// whether the value was written (false if already set).
	SetReferredBy(ctx context.Context, user OwnerID, code string) (bool, error)
}
