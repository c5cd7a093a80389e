package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/loyalty-engine/points"
)

// errDailyLimit aborts the owner transaction when a cap is hit.
var errDailyLimit = errors.New("daily limit reached")

type Engine struct {
	ledger  *points.Ledger
	program Program
	loc     *time.Location
	log     *slog.Logger
}

type Option func(*Engine)

// WithLocation sets the timezone whose calendar day bounds daily caps.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(ledger *points.Ledger, program Program, opts ...Option) *Engine {
	e := &Engine{
		ledger:  ledger,
		program: program,
		loc:     time.UTC,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Program() Program { return e.program }

// Award credits the configured points for one action, or reports why not.
func (e *Engine) Award(ctx context.Context, req Request) (Result, error) {
	rule, ok := e.program.Rule(req.Kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", points.ErrInvalidActionKind, req.Kind)
	}
	if req.Owner == "" {
		return Result{}, points.ErrOwnerRequired
	}

	key := req.IdempotencyKey
	if key == "" && req.ClientKey != "" {
		scoped, err := points.ScopedKey(points.ScopeClient, req.Owner, req.ClientKey)
		if err != nil {
			return Result{}, err
		}
		key = scoped
	}

	now := e.ledger.Clock().Now()
	entry := points.Entry{
		OwnerID:         req.Owner,
		Delta:           rule.Points,
		Kind:            rule.Kind,
		RelatedEntityID: req.RelatedEntityID,
		IdempotencyKey:  key,
		Metadata:        req.Metadata,
		CreatedAt:       now,
	}
	if rule.OneTime {
		entry.IdempotencyKey = OnceKey(req.Owner, rule.Kind)
	}

	var guards []points.Guard
	if rule.DailyLimit > 0 {
		guards = append(guards, e.dailyCap(rule, now))
	}

	receipt, err := e.ledger.Post(ctx, points.Posting{Entry: entry, Guards: guards, Effects: req.Effects})
	switch {
	case err == nil:
		return Result{
			Outcome:       OutcomeAwarded,
			PointsAwarded: rule.Points,
			NewBalance:    receipt.Balance.Balance,
			Entry:         &receipt.Entry,
		}, nil
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		e.log.Debug("award already claimed", "owner", req.Owner, "kind", req.Kind)
		return e.rejected(ctx, req.Owner, OutcomeAlreadyClaimed)
	case errors.Is(err, errDailyLimit):
		e.log.Debug("award daily limit reached", "owner", req.Owner, "kind", req.Kind, "limit", rule.DailyLimit)
		return e.rejected(ctx, req.Owner, OutcomeDailyLimitReached)
	default:
		return Result{}, err
	}
}

func (e *Engine) dailyCap(rule ActionRule, now time.Time) points.Guard {
	from, to := points.DayBounds(now, e.loc)
	return func(ctx context.Context, tx points.OwnerTx) error {
		n, err := tx.CountKindBetween(ctx, rule.Kind, from, to)
		if err != nil {
			return points.WrapStore("count daily awards", err)
		}
		if n >= rule.DailyLimit {
			return errDailyLimit
		}
		return nil
	}
}

func (e *Engine) rejected(ctx context.Context, owner points.OwnerID, outcome Outcome) (Result, error) {
	b, err := e.ledger.GetBalance(ctx, owner)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, NewBalance: b.Balance}, nil
}
