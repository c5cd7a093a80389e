/*
Package referral attributes conversions to the owners of referral codes.

ATTRIBUTION:
  A new user is attributed to the first code they arrive with. The
  referred_by value on their profile is set once and never changed, and
  every later conversion without an explicit code falls back to it.

    code ──resolve──► referrer
      │
      ├─ signup         referral_signup award, once per (referrer, user)
      ├─ giveaway entry referral_giveaway award, once per (referrer, entrant)
      └─ purchase       referral_commission, once per purchase id

NO-OPS:
  Unresolved codes, self-referrals and repeated conversions are reported
  as Outcome values. They are expected traffic, not errors.

ATOMICITY:
  The tracking record, the first-touch profile update and the referrer's
  award are written in the referrer's owner transaction. If the reward
  policy rejects the award the attribution is still stored, without
  points.

GRAPH:
  After a signup is recorded the edge is mirrored into the Graph. That
  write happens outside the owner transaction and failures are only
  logged.
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// CommissionRates is the share of a purchase amount paid to the referrer,
	// per purchase conversion type.
	CommissionRates map[points.ConversionType]decimal.Decimal `json:"commission_rates" yaml:"commission_rates"`
	// PointsPerDollar is not read from program files: factory.Build copies the
	// redemption rate so the program has a single exchange rate.
	PointsPerDollar int64 `json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		CommissionRates: map[points.ConversionType]decimal.Decimal{
			points.ConversionOfferPurchase: decimal.RequireFromString("0.05"),
			points.ConversionSubscription:  decimal.RequireFromString("0.10"),
		},
		PointsPerDollar: 100,
	}
}

func (c Config) Validate() error {
	if c.PointsPerDollar <= 0 {
		return fmt.Errorf("points_per_dollar: must be positive, got %d", c.PointsPerDollar)
	}
	for t, rate := range c.CommissionRates {
		if !isPurchase(t) {
			return fmt.Errorf("commission_rates.%s: not a purchase conversion type", t)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("commission_rates.%s: must be between 0 and 1, got %s", t, rate)
		}
	}
	return nil
}

// Commission converts a purchase amount to referrer points, rounding down.
func (c Config) Commission(t points.ConversionType, amount decimal.Decimal) int64 {
	rate, ok := c.CommissionRates[t]
	if !ok {
		return 0
	}
	return amount.Mul(rate).Mul(decimal.NewFromInt(c.PointsPerDollar)).Floor().IntPart()
}

func isPurchase(t points.ConversionType) bool {
	return t == points.ConversionOfferPurchase || t == points.ConversionSubscription
}

// =============================================================================
// OUTCOMES
// =============================================================================

type Outcome string

const (
	OutcomeRecorded             Outcome = "recorded"
	OutcomeRecordedWithoutAward Outcome = "recorded_without_award"
	OutcomeUnresolvedCode       Outcome = "unresolved_code"
	OutcomeSelfReferral         Outcome = "self_referral"
	OutcomeAlreadyAttributed    Outcome = "already_attributed"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomeNoCommission         Outcome = "no_commission"
)

var (
	ErrPurchaseRequired  = errors.New("purchase id required")
	ErrInvalidConversion = errors.New("invalid conversion type")

	errAlreadyAttributed = errors.New("user already attributed")
)

type Conversion struct {
	Outcome  Outcome
	Referrer points.OwnerID
	Code     string

	// PointsAwarded is what the referrer earned; ReferrerBalance is their
	// balance afterwards. Both are zero for no-op outcomes.
	PointsAwarded   int64
	ReferrerBalance int64
}

// Recorded reports whether a tracking record or commission was written.
func (c Conversion) Recorded() bool {
	return c.Outcome == OutcomeRecorded || c.Outcome == OutcomeRecordedWithoutAward
}

type Purchase struct {
	Buyer      points.OwnerID
	Amount     decimal.Decimal
	EntityID   string
	PurchaseID string
	Type       points.ConversionType

	// ExplicitCode takes precedence over the buyer's first-touch referrer.
	ExplicitCode string
	Attribution  map[string]string
}

// CommissionKey is the idempotency key of a purchase commission.
func CommissionKey(purchaseID string) string { return "commission:" + purchaseID }

func signupKey(referrer, user points.OwnerID) string {
	return fmt.Sprintf("referral:signup:%s:%s", referrer, user)
}

func giveawayKey(referrer, entrant points.OwnerID) string {
	return fmt.Sprintf("referral:giveaway:%s:%s", referrer, entrant)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger *points.Ledger
	awards rewards.Awarder
	codes  *Codes
	cfg    Config
	graph  Graph
	log    *slog.Logger
}

type Option func(*Engine)

// WithGraph mirrors signups into g. Defaults to a StoreGraph.
func WithGraph(g Graph) Option { return func(e *Engine) { e.graph = g } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(ledger *points.Ledger, awards rewards.Awarder, codes *Codes, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		ledger: ledger,
		awards: awards,
		codes:  codes,
		cfg:    cfg,
		graph:  NewStoreGraph(ledger.Store()),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Codes() *Codes { return e.codes }

func (e *Engine) Config() Config { return e.cfg }

// ResolveReferralCode returns the code record for code, or nil if unknown.
func (e *Engine) ResolveReferralCode(ctx context.Context, code string) (*points.ReferralCode, error) {
	return e.codes.Resolve(ctx, code)
}

// Upline walks the referral chain above user, nearest referrer first.
func (e *Engine) Upline(ctx context.Context, user points.OwnerID, depth int) ([]points.OwnerID, error) {
	return e.graph.Upline(ctx, user, depth)
}

// RecordSignupConversion attributes newUser to the owner of code and pays the
// referrer's signup award.
func (e *Engine) RecordSignupConversion(ctx context.Context, code string, newUser points.OwnerID, attribution map[string]string) (Conversion, error) {
	if newUser == "" {
		return Conversion{}, points.ErrOwnerRequired
	}
	ref, conv, err := e.resolveFor(ctx, code, newUser)
	if ref == nil || err != nil {
		return conv, err
	}

	exists, err := e.ledger.Store().ReferralExists(ctx, ref.OwnerID, newUser, points.ConversionSignup)
	if err != nil {
		return Conversion{}, points.WrapStore("check referral", err)
	}
	if exists {
		return e.noop(conv, OutcomeDuplicate, newUser), nil
	}
	profile, err := e.ledger.Store().Profile(ctx, newUser)
	if err != nil {
		return Conversion{}, points.WrapStore("load profile", err)
	}
	if profile.ReferredBy != "" {
		return e.noop(conv, OutcomeAlreadyAttributed, newUser), nil
	}

	rec := points.ReferralRecord{
		ReferrerID:     ref.OwnerID,
		ReferredUserID: newUser,
		CodeUsed:       ref.Code,
		ConversionType: points.ConversionSignup,
		ConvertedAt:    e.ledger.Clock().Now(),
		Attribution:    attribution,
	}
	conv, err = e.convert(ctx, conv, rec, rewards.Request{
		Kind:            rewards.ActionReferralSignup,
		RelatedEntityID: string(newUser),
		IdempotencyKey:  signupKey(ref.OwnerID, newUser),
	}, true)
	if err != nil || !conv.Recorded() {
		return conv, err
	}

	if err := e.graph.Link(ctx, ref.OwnerID, newUser, ref.Code); err != nil {
		e.log.Warn("referral graph link failed", "referrer", ref.OwnerID, "user", newUser, "error", err)
	}
	return conv, nil
}

// RecordGiveawayConversion pays the referrer's flat giveaway award, once per
// entrant.
func (e *Engine) RecordGiveawayConversion(ctx context.Context, code string, entrant points.OwnerID, giveawayID string, attribution map[string]string) (Conversion, error) {
	if entrant == "" {
		return Conversion{}, points.ErrOwnerRequired
	}
	ref, conv, err := e.resolveFor(ctx, code, entrant)
	if ref == nil || err != nil {
		return conv, err
	}

	exists, err := e.ledger.Store().ReferralExists(ctx, ref.OwnerID, entrant, points.ConversionGiveawayEntry)
	if err != nil {
		return Conversion{}, points.WrapStore("check referral", err)
	}
	if exists {
		return e.noop(conv, OutcomeDuplicate, entrant), nil
	}

	tags := map[string]string{"giveaway_id": giveawayID}
	for k, v := range attribution {
		tags[k] = v
	}
	rec := points.ReferralRecord{
		ReferrerID:     ref.OwnerID,
		ReferredUserID: entrant,
		CodeUsed:       ref.Code,
		ConversionType: points.ConversionGiveawayEntry,
		ConvertedAt:    e.ledger.Clock().Now(),
		Attribution:    tags,
	}
	return e.convert(ctx, conv, rec, rewards.Request{
		Kind:            rewards.ActionReferralGiveaway,
		RelatedEntityID: giveawayID,
		IdempotencyKey:  giveawayKey(ref.OwnerID, entrant),
	}, false)
}

// RecordPurchaseConversion pays the referrer a commission on a purchase.
// Commission is keyed by purchase id, so replays never pay twice.
func (e *Engine) RecordPurchaseConversion(ctx context.Context, p Purchase) (Conversion, error) {
	switch {
	case p.Buyer == "":
		return Conversion{}, points.ErrOwnerRequired
	case p.PurchaseID == "":
		return Conversion{}, ErrPurchaseRequired
	case !isPurchase(p.Type):
		return Conversion{}, fmt.Errorf("%w: %q", ErrInvalidConversion, p.Type)
	case p.Amount.IsNegative():
		return Conversion{}, fmt.Errorf("%w: purchase amount %s", points.ErrInvalidAmount, p.Amount)
	}

	ref, err := e.purchaseReferrer(ctx, p)
	if err != nil {
		return Conversion{}, err
	}
	if ref == nil {
		e.log.Debug("purchase has no referrer", "buyer", p.Buyer, "purchase_id", p.PurchaseID)
		return Conversion{Outcome: OutcomeUnresolvedCode}, nil
	}
	conv := Conversion{Referrer: ref.OwnerID, Code: ref.Code}
	if ref.OwnerID == p.Buyer {
		return e.noop(conv, OutcomeSelfReferral, p.Buyer), nil
	}

	pts := e.cfg.Commission(p.Type, p.Amount)
	if pts <= 0 {
		return e.noop(conv, OutcomeNoCommission, p.Buyer), nil
	}

	now := e.ledger.Clock().Now()
	rec := points.ReferralRecord{
		ReferrerID:     ref.OwnerID,
		ReferredUserID: p.Buyer,
		CodeUsed:       ref.Code,
		ConversionType: p.Type,
		ConvertedAt:    now,
		Attribution:    p.Attribution,
	}
	receipt, err := e.ledger.Post(ctx, points.Posting{
		Entry: points.Entry{
			OwnerID:         ref.OwnerID,
			Delta:           pts,
			Kind:            points.KindReferralCommission,
			RelatedEntityID: p.EntityID,
			IdempotencyKey:  CommissionKey(p.PurchaseID),
			Metadata: map[string]string{
				"purchase_id": p.PurchaseID,
				"buyer_id":    string(p.Buyer),
				"amount":      p.Amount.StringFixed(2),
				"conversion":  string(p.Type),
			},
			CreatedAt: now,
		},
		Effects: []points.Effect{func(ctx context.Context, tx points.OwnerTx, _ points.Entry) error {
			exists, err := tx.ReferralExists(ctx, rec.ReferrerID, rec.ReferredUserID, rec.ConversionType)
			if err != nil || exists {
				return err
			}
			return tx.InsertReferral(ctx, rec)
		}},
	})
	switch {
	case err == nil:
		conv.Outcome = OutcomeRecorded
		conv.PointsAwarded = pts
		conv.ReferrerBalance = receipt.Balance.Balance
		e.log.Info("referral commission paid",
			"referrer", ref.OwnerID, "buyer", p.Buyer, "purchase_id", p.PurchaseID, "points", pts)
		return conv, nil
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		return e.noop(conv, OutcomeDuplicate, p.Buyer), nil
	default:
		return Conversion{}, err
	}
}

func (e *Engine) purchaseReferrer(ctx context.Context, p Purchase) (*points.ReferralCode, error) {
	if p.ExplicitCode != "" {
		ref, err := e.codes.Resolve(ctx, p.ExplicitCode)
		if err != nil || ref != nil {
			return ref, err
		}
	}
	profile, err := e.ledger.Store().Profile(ctx, p.Buyer)
	if err != nil {
		return nil, points.WrapStore("load profile", err)
	}
	return e.codes.Resolve(ctx, profile.ReferredBy)
}

// resolveFor resolves code and screens out self-referrals. A nil code with a
// nil error means conv already holds the no-op outcome.
func (e *Engine) resolveFor(ctx context.Context, code string, user points.OwnerID) (*points.ReferralCode, Conversion, error) {
	ref, err := e.codes.Resolve(ctx, code)
	if err != nil {
		return nil, Conversion{}, err
	}
	if ref == nil {
		e.log.Debug("referral code not found", "code", code, "user", user)
		return nil, Conversion{Outcome: OutcomeUnresolvedCode}, nil
	}
	conv := Conversion{Referrer: ref.OwnerID, Code: ref.Code}
	if ref.OwnerID == user {
		return nil, e.noop(conv, OutcomeSelfReferral, user), nil
	}
	return ref, conv, nil
}

// convert stores rec and pays the referrer through the reward policy. When
// the policy declines, the record is stored on its own.
func (e *Engine) convert(ctx context.Context, conv Conversion, rec points.ReferralRecord, req rewards.Request, firstTouch bool) (Conversion, error) {
	attach := func(ctx context.Context, tx points.OwnerTx) error {
		exists, err := tx.ReferralExists(ctx, rec.ReferrerID, rec.ReferredUserID, rec.ConversionType)
		if err != nil {
			return err
		}
		if exists {
			return points.ErrDuplicateReferral
		}
		if firstTouch {
			written, err := tx.SetReferredBy(ctx, rec.ReferredUserID, rec.CodeUsed)
			if err != nil {
				return err
			}
			if !written {
				return errAlreadyAttributed
			}
		}
		return tx.InsertReferral(ctx, rec)
	}

	req.Owner = rec.ReferrerID
	req.Metadata = map[string]string{"referred_user_id": string(rec.ReferredUserID), "code": rec.CodeUsed}
	req.Effects = []points.Effect{func(ctx context.Context, tx points.OwnerTx, _ points.Entry) error {
		return attach(ctx, tx)
	}}

	res, err := e.awards.Award(ctx, req)
	switch {
	case err == nil && res.Awarded():
		conv.Outcome = OutcomeRecorded
		conv.PointsAwarded = res.PointsAwarded
		conv.ReferrerBalance = res.NewBalance
		e.log.Info("referral conversion recorded",
			"referrer", rec.ReferrerID, "user", rec.ReferredUserID, "type", rec.ConversionType, "points", res.PointsAwarded)
		return conv, nil
	case err == nil, errors.Is(err, points.ErrInvalidActionKind):
		// the program declined or has no reward for this conversion
	default:
		return e.rejection(conv, rec, err)
	}

	var abort error
	err = e.ledger.Within(ctx, rec.ReferrerID, func(tx points.OwnerTx) error {
		abort = attach(ctx, tx)
		return abort
	})
	if abort != nil {
		return e.rejection(conv, rec, abort)
	}
	if err != nil {
		return Conversion{}, err
	}
	b, err := e.ledger.GetBalance(ctx, rec.ReferrerID)
	if err != nil {
		return Conversion{}, err
	}
	conv.Outcome = OutcomeRecordedWithoutAward
	conv.ReferrerBalance = b.Balance
	e.log.Info("referral conversion recorded without award",
		"referrer", rec.ReferrerID, "user", rec.ReferredUserID, "type", rec.ConversionType)
	return conv, nil
}

func (e *Engine) rejection(conv Conversion, rec points.ReferralRecord, err error) (Conversion, error) {
	switch {
	case errors.Is(err, points.ErrDuplicateReferral):
		return e.noop(conv, OutcomeDuplicate, rec.ReferredUserID), nil
	case errors.Is(err, errAlreadyAttributed):
		return e.noop(conv, OutcomeAlreadyAttributed, rec.ReferredUserID), nil
	default:
		return Conversion{}, err
	}
}

func (e *Engine) noop(conv Conversion, outcome Outcome, user points.OwnerID) Conversion {
	e.log.Debug("referral conversion skipped", "outcome", outcome, "referrer", conv.Referrer, "user", user)
	conv.Outcome = outcome
	return conv
}
