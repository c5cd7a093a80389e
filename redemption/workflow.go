package redemption

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-engine/points"
)

// allowed lists the cashout status transitions.
var allowed = map[points.RedemptionStatus][]points.RedemptionStatus{
	points.StatusPending:  {points.StatusApproved, points.StatusRejected},
	points.StatusApproved: {points.StatusPaid, points.StatusRejected},
}

func canTransition(from, to points.RedemptionStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetCashoutStatus moves a cashout through its payout workflow. Rejecting a
// cashout refunds its points with a cashout_reversal entry in the same
// transaction as the status change.
func (e *Engine) SetCashoutStatus(ctx context.Context, id string, status points.RedemptionStatus) (points.Redemption, error) {
	current, err := e.ledger.Store().Redemption(ctx, id)
	if err != nil {
		return points.Redemption{}, points.WrapStore("load redemption", err)
	}
	if current == nil {
		return points.Redemption{}, fmt.Errorf("redemption %s: %w", id, points.ErrNotFound)
	}
	if current.Type != points.RedemptionCashout {
		return points.Redemption{}, fmt.Errorf("%w: %s is not a cashout", points.ErrInvalidTransition, id)
	}

	now := e.ledger.Clock().Now()
	owner := current.OwnerID
	var updated points.Redemption

	// re-read under the owner lock so two admins cannot both transition
	transition := func(ctx context.Context, tx points.OwnerTx) error {
		r, err := tx.Redemption(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return points.ErrNotFound
		}
		if !canTransition(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", points.ErrInvalidTransition, r.Status, status)
		}
		if err := tx.UpdateRedemptionStatus(ctx, id, status, now); err != nil {
			return err
		}
		updated = *r
		updated.Status = status
		updated.UpdatedAt = now
		return nil
	}

	if status != points.StatusRejected {
		err = e.ledger.Within(ctx, owner, func(tx points.OwnerTx) error { return transition(ctx, tx) })
	} else {
		_, err = e.ledger.Post(ctx, points.Posting{
			Entry: points.Entry{
				OwnerID:         owner,
				Delta:           current.PointsSpent,
				Kind:            points.KindCashoutReversal,
				RelatedEntityID: id,
				IdempotencyKey:  "cashout-reversal:" + id,
				CreatedAt:       now,
			},
			Guards: []points.Guard{transition},
		})
	}
	if err != nil {
		return points.Redemption{}, err
	}

	e.log.Info("cashout status changed", "redemption_id", id, "owner", owner, "status", status)
	return updated, nil
}
