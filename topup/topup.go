/*
Package topup credits points bought through the payment collaborator.

FLOW:
  1. The client picks a tier and pays through the payment processor.
  2. The processor confirms the payment (webhook, see signature.go).
  3. CreditTopUp checks the confirmation against the tier and appends one
     points_purchase entry of Points+Bonus.

IDEMPOTENCY:
  The entry is keyed "topup:<confirmationID>". The unique key index is the
  set of processed payment ids, so a redelivered confirmation is reported
  as OutcomeDuplicate and never credits twice.
*/
package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/points"
)

var (
	ErrInvalidTier          = errors.New("invalid top-up tier")
	ErrPaymentNotConfirmed  = errors.New("payment not confirmed")
	ErrAmountMismatch       = errors.New("amount paid does not match tier price")
	ErrConfirmationRequired = errors.New("confirmation id required")
)

// Tier is one purchasable bundle.
type Tier struct {
	Price  decimal.Decimal `json:"price" yaml:"price"`
	Points int64           `json:"points" yaml:"points"`
	Bonus  int64           `json:"bonus" yaml:"bonus"`
}

func (t Tier) Total() int64 { return t.Points + t.Bonus }

type Tiers []Tier

func DefaultTiers() Tiers {
	return Tiers{
		{Price: decimal.NewFromInt(5), Points: 500},
		{Price: decimal.NewFromInt(10), Points: 1000, Bonus: 100},
		{Price: decimal.NewFromInt(25), Points: 2500, Bonus: 500},
		{Price: decimal.NewFromInt(50), Points: 5000, Bonus: 1500},
	}
}

func (ts Tiers) Validate() error {
	for i, t := range ts {
		if !t.Price.IsPositive() {
			return fmt.Errorf("tiers[%d].price: must be positive, got %s", i, t.Price)
		}
		if t.Points <= 0 {
			return fmt.Errorf("tiers[%d].points: must be positive, got %d", i, t.Points)
		}
		if t.Bonus < 0 {
			return fmt.Errorf("tiers[%d].bonus: must not be negative, got %d", i, t.Bonus)
		}
	}
	return nil
}

// =============================================================================
// CONFIRMATION
// =============================================================================

const StatusSucceeded = "succeeded"

// Confirmation is the payment processor's word that a charge settled.
type Confirmation struct {
	ID         string
	AmountPaid decimal.Decimal
	Status     string
}

type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
)

type Result struct {
	Outcome        Outcome
	PointsCredited int64
	NewBalance     int64
	Tier           Tier
}

// Key is the idempotency key of a credited confirmation.
func Key(confirmationID string) string { return "topup:" + confirmationID }

// =============================================================================
// GATEWAY
// =============================================================================

type Gateway struct {
	ledger *points.Ledger
	tiers  Tiers
	log    *slog.Logger
}

func NewGateway(ledger *points.Ledger, tiers Tiers, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{ledger: ledger, tiers: tiers, log: log}
}

func (g *Gateway) Tiers() Tiers { return g.tiers }

// CreditTopUp credits the tier's points for a confirmed payment.
func (g *Gateway) CreditTopUp(ctx context.Context, owner points.OwnerID, tierIndex int, c Confirmation) (Result, error) {
	if tierIndex < 0 || tierIndex >= len(g.tiers) {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidTier, tierIndex)
	}
	tier := g.tiers[tierIndex]
	switch {
	case c.ID == "":
		return Result{}, ErrConfirmationRequired
	case c.Status != StatusSucceeded:
		return Result{}, fmt.Errorf("%w: %s is %q", ErrPaymentNotConfirmed, c.ID, c.Status)
	case !c.AmountPaid.Equal(tier.Price):
		return Result{}, fmt.Errorf("%w: paid %s, tier %d costs %s",
			ErrAmountMismatch, c.AmountPaid.StringFixed(2), tierIndex, tier.Price.StringFixed(2))
	}

	receipt, err := g.ledger.Post(ctx, points.Posting{Entry: points.Entry{
		OwnerID:         owner,
		Delta:           tier.Total(),
		Kind:            points.KindPointsPurchase,
		RelatedEntityID: c.ID,
		IdempotencyKey:  Key(c.ID),
		Metadata: map[string]string{
			"tier":        strconv.Itoa(tierIndex),
			"amount_paid": c.AmountPaid.StringFixed(2),
			"bonus":       strconv.FormatInt(tier.Bonus, 10),
		},
	}})
	switch {
	case err == nil:
		g.log.Info("top-up credited", "owner", owner, "confirmation_id", c.ID, "points", tier.Total())
		return Result{
			Outcome:        OutcomeCredited,
			PointsCredited: tier.Total(),
			NewBalance:     receipt.Balance.Balance,
			Tier:           tier,
		}, nil
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		g.log.Debug("top-up already credited", "owner", owner, "confirmation_id", c.ID)
		b, err := g.ledger.GetBalance(ctx, owner)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDuplicate, NewBalance: b.Balance, Tier: tier}, nil
	default:
		return Result{}, err
	}
}

// IsClientError reports errors caused by a bad confirmation rather than the ledger.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrPaymentNotConfirmed) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrConfirmationRequired)
}
