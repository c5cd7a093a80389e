/*
Package redemption spends points on cash payouts and purchase discounts.

CASHOUT:
  Points are debited when the cashout is requested, not when it is paid,
  so the same points cannot be spent again while a payout is in flight.
  The request is recorded as a pending Redemption in the same owner
  transaction as the debit. A rejected cashout is refunded with an
  offsetting cashout_reversal entry.

    pending ──► approved ──► paid
       │            │
       └──► rejected ◄┘      (rejection credits the points back)

OFFER DISCOUNT (deferred debit):
  QuoteOfferDiscount never touches the ledger. The debit happens only in
  CommitOfferDiscount, called once the payment collaborator confirms the
  purchase. The commit is keyed "discount:<purchaseID>" so a replayed
  confirmation never deducts twice.

ORDER OF CHECKS:
  A replayed request id or purchase id is reported as a duplicate before
  any balance check, so a retry after a later spend is still a no-op.
  Otherwise InsufficientBalance is checked before BelowMinimum, against
  the projection locked inside the owner transaction.

NUMERIC SEMANTICS:
  Points are integers. Dollar values are derived at the boundary with
  PointsPerDollar and rounded to cents.
*/
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	PointsPerDollar int64 `json:"points_per_dollar" yaml:"points_per_dollar"`
	CashoutMinimum  int64 `json:"cashout_minimum" yaml:"cashout_minimum"`
}

const (
	DefaultPointsPerDollar = 100
	DefaultCashoutMinimum  = 10000
)

func DefaultConfig() Config {
	return Config{PointsPerDollar: DefaultPointsPerDollar, CashoutMinimum: DefaultCashoutMinimum}
}

func (c Config) Validate() error {
	if c.PointsPerDollar <= 0 {
		return fmt.Errorf("points_per_dollar: must be positive, got %d", c.PointsPerDollar)
	}
	if c.CashoutMinimum < 0 {
		return fmt.Errorf("cashout_minimum: must not be negative, got %d", c.CashoutMinimum)
	}
	return nil
}

func (c Config) Rate() points.ExchangeRate {
	return points.ExchangeRate{PointsPerDollar: c.PointsPerDollar}
}

// =============================================================================
// OUTCOMES
// =============================================================================

type Outcome string

const (
	OutcomeRedeemed            Outcome = "redeemed"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeBelowMinimum        Outcome = "below_minimum"
	OutcomeDuplicate           Outcome = "duplicate"
)

var (
	ErrPurchaseRequired = errors.New("purchase id required")
	errBelowMinimum     = errors.New("below cashout minimum")
)

type CashoutRequest struct {
	Owner  points.OwnerID
	Points int64
	// RequestID makes retries safe: the same id from the same owner never
	// debits twice. Ids are per owner; two owners may pick the same one.
	RequestID string
}

type CashoutResult struct {
	Outcome    Outcome
	Redemption *points.Redemption
	NewBalance int64
	Payout     decimal.Decimal
	Shortfall  int64 // set for InsufficientBalance and BelowMinimum
}

type Quote struct {
	Outcome        Outcome
	OfferID        string
	PointsToDeduct int64
	DollarValue    decimal.Decimal
	Balance        int64
}

type DiscountCommit struct {
	Owner      points.OwnerID
	Points     int64
	OfferID    string
	PurchaseID string
}

type DiscountResult struct {
	Outcome     Outcome
	Redemption  *points.Redemption
	NewBalance  int64
	DollarValue decimal.Decimal
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger *points.Ledger
	cfg    Config
	log    *slog.Logger
	newID  func() string
}

func NewEngine(ledger *points.Ledger, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ledger: ledger, cfg: cfg, log: log, newID: uuid.NewString}
}

func (e *Engine) Config() Config { return e.cfg }

// RedeemCashout debits points immediately and records a pending payout.
func (e *Engine) RedeemCashout(ctx context.Context, req CashoutRequest) (CashoutResult, error) {
	if req.Points <= 0 {
		return CashoutResult{}, fmt.Errorf("%w: cashout of %d points", points.ErrInvalidAmount, req.Points)
	}

	var key string
	if req.RequestID != "" {
		scoped, err := points.ScopedKey(points.ScopeCashout, req.Owner, req.RequestID)
		if err != nil {
			return CashoutResult{}, err
		}
		key = scoped
	}

	now := e.ledger.Clock().Now()
	payout := e.cfg.Rate().Dollars(req.Points)
	redemption := points.Redemption{
		ID:          e.newID(),
		OwnerID:     req.Owner,
		Type:        points.RedemptionCashout,
		PointsSpent: req.Points,
		DollarValue: payout,
		Status:      points.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := points.Entry{
		OwnerID:         req.Owner,
		Delta:           -req.Points,
		Kind:            points.KindCashout,
		RelatedEntityID: redemption.ID,
		IdempotencyKey:  key,
		CreatedAt:       now,
	}

	minimum := e.cfg.CashoutMinimum
	receipt, err := e.ledger.Post(ctx, points.Posting{
		Entry: entry,
		Guards: []points.Guard{
			points.RequireFunds(req.Points),
			func(context.Context, points.OwnerTx) error {
				if req.Points < minimum {
					return errBelowMinimum
				}
				return nil
			},
		},
		Effects: []points.Effect{saveRedemption(&redemption)},
	})

	var insufficient *points.InsufficientBalanceError
	switch {
	case err == nil:
		return CashoutResult{
			Outcome:    OutcomeRedeemed,
			Redemption: &redemption,
			NewBalance: receipt.Balance.Balance,
			Payout:     payout,
		}, nil
	case errors.As(err, &insufficient):
		return CashoutResult{
			Outcome:    OutcomeInsufficientBalance,
			NewBalance: insufficient.Available,
			Shortfall:  insufficient.Requested - insufficient.Available,
		}, nil
	case errors.Is(err, errBelowMinimum):
		return e.rejectedCashout(ctx, req.Owner, OutcomeBelowMinimum, minimum-req.Points)
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		return e.rejectedCashout(ctx, req.Owner, OutcomeDuplicate, 0)
	default:
		return CashoutResult{}, err
	}
}

func (e *Engine) rejectedCashout(ctx context.Context, owner points.OwnerID, outcome Outcome, shortfall int64) (CashoutResult, error) {
	b, err := e.ledger.GetBalance(ctx, owner)
	if err != nil {
		return CashoutResult{}, err
	}
	e.log.Debug("cashout rejected", "owner", owner, "outcome", outcome)
	return CashoutResult{Outcome: outcome, NewBalance: b.Balance, Shortfall: shortfall}, nil
}

// QuoteOfferDiscount prices a discount without mutating the ledger.
func (e *Engine) QuoteOfferDiscount(ctx context.Context, owner points.OwnerID, pts int64, offerID string) (Quote, error) {
	if pts <= 0 {
		return Quote{}, fmt.Errorf("%w: discount of %d points", points.ErrInvalidAmount, pts)
	}
	b, err := e.ledger.GetBalance(ctx, owner)
	if err != nil {
		return Quote{}, err
	}
	if pts > b.Balance {
		return Quote{Outcome: OutcomeInsufficientBalance, OfferID: offerID, Balance: b.Balance}, nil
	}
	return Quote{
		Outcome:        OutcomeRedeemed,
		OfferID:        offerID,
		PointsToDeduct: pts,
		DollarValue:    e.cfg.Rate().Dollars(pts),
		Balance:        b.Balance,
	}, nil
}

// CommitOfferDiscount performs the deferred debit for a confirmed purchase.
// Replays for the same purchase id are reported as OutcomeDuplicate.
func (e *Engine) CommitOfferDiscount(ctx context.Context, c DiscountCommit) (DiscountResult, error) {
	if c.PurchaseID == "" {
		return DiscountResult{}, ErrPurchaseRequired
	}
	if c.Points <= 0 {
		return DiscountResult{}, fmt.Errorf("%w: discount of %d points", points.ErrInvalidAmount, c.Points)
	}

	now := e.ledger.Clock().Now()
	dollars := e.cfg.Rate().Dollars(c.Points)
	redemption := points.Redemption{
		ID:             e.newID(),
		OwnerID:        c.Owner,
		Type:           points.RedemptionOfferDiscount,
		PointsSpent:    c.Points,
		DollarValue:    dollars,
		Status:         points.StatusApproved,
		RelatedOfferID: c.OfferID,
		PurchaseID:     c.PurchaseID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	receipt, err := e.ledger.Post(ctx, points.Posting{
		Entry: points.Entry{
			OwnerID:         c.Owner,
			Delta:           -c.Points,
			Kind:            points.KindOfferDiscount,
			RelatedEntityID: c.OfferID,
			IdempotencyKey:  DiscountKey(c.PurchaseID),
			Metadata:        map[string]string{"purchase_id": c.PurchaseID},
			CreatedAt:       now,
		},
		Guards:  []points.Guard{points.RequireFunds(c.Points)},
		Effects: []points.Effect{saveRedemption(&redemption)},
	})

	switch {
	case err == nil:
		return DiscountResult{
			Outcome:     OutcomeRedeemed,
			Redemption:  &redemption,
			NewBalance:  receipt.Balance.Balance,
			DollarValue: dollars,
		}, nil
	case errors.Is(err, points.ErrInsufficientBalance):
		e.log.Warn("discount commit exceeds balance", "owner", c.Owner, "purchase_id", c.PurchaseID, "points", c.Points)
		b, berr := e.ledger.GetBalance(ctx, c.Owner)
		if berr != nil {
			return DiscountResult{}, berr
		}
		return DiscountResult{Outcome: OutcomeInsufficientBalance, NewBalance: b.Balance}, nil
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		e.log.Debug("discount already committed", "owner", c.Owner, "purchase_id", c.PurchaseID)
		b, berr := e.ledger.GetBalance(ctx, c.Owner)
		if berr != nil {
			return DiscountResult{}, berr
		}
		return DiscountResult{Outcome: OutcomeDuplicate, NewBalance: b.Balance}, nil
	default:
		return DiscountResult{}, err
	}
}

// DiscountKey is the idempotency key of a committed discount.
func DiscountKey(purchaseID string) string { return "discount:" + purchaseID }

func saveRedemption(r *points.Redemption) points.Effect {
	return func(ctx context.Context, tx points.OwnerTx, entry points.Entry) error {
		r.EntryID = entry.ID
		return tx.SaveRedemption(ctx, *r)
	}
}

// ListRedemptions returns the owner's redemptions, newest first.
func (e *Engine) ListRedemptions(ctx context.Context, owner points.OwnerID) ([]points.Redemption, error) {
	list, err := e.ledger.Store().Redemptions(ctx, owner)
	if err != nil {
		return nil, points.WrapStore("list redemptions", err)
	}
	return list, nil
}
