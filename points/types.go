/*
Package points provides the core points ledger engine.

PURPOSE:
  This package contains the data model and the append-only accounting rules
  for a virtual currency. Every earn, spend, top-up and commission is a
  ledger entry; the per-owner balance is a projection kept in lockstep with
  the ledger inside the same transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable signed point movement
  - Balance: The cached aggregate of an owner's entries
  - Redemption: A spend request (cashout or offer discount)
  - ReferralRecord / ReferralCode / Profile: Referral attribution state

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only offset
  2. Integer points: The ledger stores whole points; dollars only at the edge
  3. Type Safety: Strong typing for IDs prevents mixing owner/entry IDs
  4. Idempotency: Every externally triggered entry carries a unique key

INVARIANT:
  For every owner, at all times:
    Balance     == Σ Delta
    TotalEarned == Σ max(Delta, 0)

SEE ALSO:
  - ledger.go: Atomic posting and balance reads
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type EntryID string
type ActionKind string

// System action kinds. These are written by the redemption, referral and
// top-up engines and are never accepted by the award table.
const (
	KindCashout            ActionKind = "cashout"
	KindCashoutReversal    ActionKind = "cashout_reversal"
	KindOfferDiscount      ActionKind = "offer_discount"
	KindPointsPurchase     ActionKind = "points_purchase"
	KindReferralCommission ActionKind = "referral_commission"
	KindAdjustment         ActionKind = "adjustment"
)

// =============================================================================
// ENTRY - Immutable point movement
// =============================================================================

type Entry struct {
	ID              EntryID
	Seq             int64 // store-assigned, strictly increasing; used as list cursor
	OwnerID         OwnerID
	Delta           int64 // positive = earn, negative = spend
	Kind            ActionKind
	RelatedEntityID string
	IdempotencyKey  string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// =============================================================================
// BALANCE - Projection of an owner's entries
// =============================================================================

type Balance struct {
	OwnerID     OwnerID
	Balance     int64
	TotalEarned int64
	UpdatedAt   time.Time
}

// Apply returns the projection after adding one entry's delta.
// Every store implementation goes through this so the arithmetic lives in one place.
func (b Balance) Apply(delta int64, at time.Time) Balance {
	b.Balance += delta
	if delta > 0 {
		b.TotalEarned += delta
	}
	b.UpdatedAt = at
	return b
}

// Replay folds entries into a fresh projection.
func Replay(owner OwnerID, entries []Entry) Balance {
	b := Balance{OwnerID: owner}
	for _, e := range entries {
		b = b.Apply(e.Delta, e.CreatedAt)
	}
	return b
}

// Matches reports whether two projections agree on the aggregate fields.
func (b Balance) Matches(other Balance) bool {
	return b.Balance == other.Balance && b.TotalEarned == other.TotalEarned
}

// =============================================================================
// REDEMPTION - Spend requests
// =============================================================================

type RedemptionType string

const (
	RedemptionCashout       RedemptionType = "cashout"
	RedemptionOfferDiscount RedemptionType = "offer_discount"
)

type RedemptionStatus string

const (
	StatusPending  RedemptionStatus = "pending"
	StatusApproved RedemptionStatus = "approved"
	StatusRejected RedemptionStatus = "rejected"
	StatusPaid     RedemptionStatus = "paid"
)

type Redemption struct {
	ID             string
	OwnerID        OwnerID
	Type           RedemptionType
	PointsSpent    int64
	DollarValue    decimal.Decimal
	Status         RedemptionStatus
	RelatedOfferID string
	PurchaseID     string
	EntryID        EntryID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// REFERRALS
// =============================================================================

type ConversionType string

const (
	ConversionSignup        ConversionType = "signup"
	ConversionGiveawayEntry ConversionType = "giveaway_entry"
	ConversionOfferPurchase ConversionType = "offer_purchase"
	ConversionSubscription  ConversionType = "subscription"
)

// ReferralRecord is unique per (ReferrerID, ReferredUserID, ConversionType).
type ReferralRecord struct {
	ReferrerID     OwnerID
	ReferredUserID OwnerID
	CodeUsed       string
	ConversionType ConversionType
	ConvertedAt    time.Time
	Attribution    map[string]string // campaign / source tags
}

type CodeNamespace string

const (
	NamespaceUser     CodeNamespace = "user"
	NamespaceBusiness CodeNamespace = "business"
)

// ReferralCode is bound to its owner permanently.
type ReferralCode struct {
	Code      string
	OwnerID   OwnerID
	Namespace CodeNamespace
	CreatedAt time.Time
}

// Profile carries the first-touch attribution for a user.
type Profile struct {
	OwnerID    OwnerID
	ReferredBy string
}
