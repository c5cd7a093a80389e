/*
Package rewards gates and prices point-earning actions.

PURPOSE:
  A static Program maps each action kind to a point value and tags it as
  one-time or repeatable, optionally with a per-day cap. The Engine checks
  the gates and posts the award through the points ledger. It trusts its
  caller: whoever calls Award has already verified that the action
  (review written, phone verified, ...) really happened.

CLAIMS:
  Rules marked claimable (daily_login, share_listing by default) may be
  claimed by the owner through the API. Other kinds are awarded by a
  service after it verified the action. Referral kinds are paid only by
  the referral engine.

GATES:
  One-time:   Idempotency key "once:<owner>:<kind>". Checked inside the owner
              transaction and backed by the store's unique index, so two
              concurrent claims cannot both pass.
  Daily cap:  Same-day entries of the kind are counted inside the owner
              transaction. The day is the calendar day in one fixed location
              (UTC unless configured).

OUTCOMES:
  Rejections are values, not errors:
    OutcomeAwarded            points credited
    OutcomeAlreadyClaimed     one-time action repeated, zero points
    OutcomeDailyLimitReached  capped action over its limit, zero points
  An unknown kind is a caller bug and returns ErrInvalidActionKind.

SEE ALSO:
  - policies.go: Default action table
  - engine.go: Award
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// PROGRAM - Static action table
// =============================================================================

type ActionRule struct {
	Kind        points.ActionKind `json:"kind" yaml:"kind"`
	Points      int64             `json:"points" yaml:"points"`
	OneTime     bool              `json:"one_time" yaml:"one_time"`
	DailyLimit  int               `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"` // 0 = uncapped
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`

	// Claimable actions may be claimed by the owner directly. The rest need
	// a service that has verified the action.
	Claimable bool `json:"claimable,omitempty" yaml:"claimable,omitempty"`
}

// Program is the configured action table. Rules are kept in declaration
// order so the table renders the same way every time.
type Program struct {
	Rules []ActionRule `json:"actions" yaml:"actions"`
}

// Rule looks up the rule for kind.
func (p Program) Rule(kind points.ActionKind) (ActionRule, bool) {
	for _, r := range p.Rules {
		if r.Kind == kind {
			return r, true
		}
	}
	return ActionRule{}, false
}

// Validate rejects tables the engine cannot apply.
func (p Program) Validate() error {
	seen := make(map[points.ActionKind]bool, len(p.Rules))
	for i, r := range p.Rules {
		switch {
		case r.Kind == "":
			return fmt.Errorf("actions[%d].kind: required", i)
		case isSystemKind(r.Kind):
			return fmt.Errorf("actions[%d].kind: %q is reserved", i, r.Kind)
		case seen[r.Kind]:
			return fmt.Errorf("actions[%d].kind: duplicate %q", i, r.Kind)
		case r.Points <= 0:
			return fmt.Errorf("actions[%d].points: must be positive, got %d", i, r.Points)
		case r.DailyLimit < 0:
			return fmt.Errorf("actions[%d].daily_limit: must not be negative", i)
		case r.OneTime && r.DailyLimit > 0:
			return fmt.Errorf("actions[%d]: one-time actions cannot have a daily limit", i)
		case r.Claimable && IsReferralKind(r.Kind):
			return fmt.Errorf("actions[%d].claimable: %q is paid by referral tracking only", i, r.Kind)
		}
		seen[r.Kind] = true
	}
	return nil
}

// IsReferralKind reports kinds that only the referral engine awards.
func IsReferralKind(k points.ActionKind) bool {
	return k == ActionReferralSignup || k == ActionReferralGiveaway
}

func isSystemKind(k points.ActionKind) bool {
	switch k {
	case points.KindCashout, points.KindCashoutReversal, points.KindOfferDiscount,
		points.KindPointsPurchase, points.KindReferralCommission, points.KindAdjustment:
		return true
	}
	return false
}

// =============================================================================
// AWARD REQUEST / RESULT
// =============================================================================

type Outcome string

const (
	OutcomeAwarded           Outcome = "awarded"
	OutcomeAlreadyClaimed    Outcome = "already_claimed"
	OutcomeDailyLimitReached Outcome = "daily_limit_reached"
)

type Request struct {
	Owner           points.OwnerID
	Kind            points.ActionKind
	RelatedEntityID string
	Metadata        map[string]string

	// IdempotencyKey is optional for repeatable kinds. A replay with the same
	// key is reported as OutcomeAlreadyClaimed. One-time kinds ignore it.
	// It is used verbatim, so only engines deriving their own keys set it.
	IdempotencyKey string

	// ClientKey is a retry key chosen by an outside caller. It is scoped to
	// Owner (see points.ScopedKey) and ignored when IdempotencyKey is set.
	ClientKey string

	// Effects run in the same owner transaction as the award.
	Effects []points.Effect
}

type Result struct {
	Outcome       Outcome
	PointsAwarded int64
	NewBalance    int64
	Entry         *points.Entry
}

func (r Result) Awarded() bool { return r.Outcome == OutcomeAwarded }

// Awarder is what other engines need from this package.
type Awarder interface {
	Award(ctx context.Context, req Request) (Result, error)
}

// OnceKey is the idempotency key that makes a one-time action self-enforcing.
func OnceKey(owner points.OwnerID, kind points.ActionKind) string {
	return fmt.Sprintf("once:%s:%s", owner, kind)
}
