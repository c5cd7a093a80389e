/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engines' domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

AMOUNTS:
  Points are integers. Dollar amounts are decimal strings ("19.99") on the
  way in and out; *Display fields carry the human rendering ("$1,250.00").

VALIDATION:
  Validation is done by the engines, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - webhook.go: Payment processor event payloads
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/audit"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// PROGRAM
// =============================================================================

type ProgramDTO struct {
	Actions               []rewards.ActionRule `json:"actions"`
	PointsPerDollar       int64                `json:"points_per_dollar"`
	CashoutMinimum        int64                `json:"cashout_minimum"`
	CashoutMinimumDisplay string               `json:"cashout_minimum_display"`
	TopUpTiers            []TierDTO            `json:"topup_tiers"`
	CommissionRates       map[string]string    `json:"commission_rates"`
}

type TierDTO struct {
	Index        int             `json:"index"`
	Price        decimal.Decimal `json:"price"`
	PriceDisplay string          `json:"price_display"`
	Points       int64           `json:"points"`
	Bonus        int64           `json:"bonus"`
	Total        int64           `json:"total"`
}

// =============================================================================
// BALANCE / LEDGER
// =============================================================================

type BalanceDTO struct {
	OwnerID      string          `json:"owner_id"`
	Balance      int64           `json:"balance"`
	TotalEarned  int64           `json:"total_earned"`
	DollarValue  decimal.Decimal `json:"dollar_value"`
	ValueDisplay string          `json:"value_display"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

type EntryDTO struct {
	ID              string            `json:"id"`
	Seq             int64             `json:"seq"`
	Delta           int64             `json:"delta"`
	Kind            string            `json:"kind"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

type LedgerPageDTO struct {
	Entries    []EntryDTO `json:"entries"`
	NextCursor int64      `json:"next_cursor,omitempty"`
}

// =============================================================================
// AWARDS
// =============================================================================

// AwardRequest claims an action. OwnerID is read only on the service route;
// the /me route always awards the token's owner. IdempotencyKey is scoped
// to the owner and may not contain ':'.
type AwardRequest struct {
	OwnerID         string            `json:"owner_id,omitempty"`
	Kind            string            `json:"kind"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type AwardResponse struct {
	Outcome       string `json:"outcome"`
	PointsAwarded int64  `json:"points_awarded"`
	NewBalance    int64  `json:"new_balance"`
	EntryID       string `json:"entry_id,omitempty"`
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type RedemptionDTO struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           string          `json:"type"`
	PointsSpent    int64           `json:"points_spent"`
	DollarValue    decimal.Decimal `json:"dollar_value"`
	ValueDisplay   string          `json:"value_display"`
	Status         string          `json:"status"`
	RelatedOfferID string          `json:"related_offer_id,omitempty"`
	PurchaseID     string          `json:"purchase_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CashoutRequest struct {
	Points    int64  `json:"points"`
	RequestID string `json:"request_id,omitempty"`
}

type CashoutResponse struct {
	Outcome       string          `json:"outcome"`
	NewBalance    int64           `json:"new_balance"`
	Payout        decimal.Decimal `json:"payout"`
	PayoutDisplay string          `json:"payout_display"`
	Shortfall     int64           `json:"shortfall,omitempty"`
	Redemption    *RedemptionDTO  `json:"redemption,omitempty"`
}

type QuoteRequest struct {
	Points  int64  `json:"points"`
	OfferID string `json:"offer_id"`
}

type QuoteResponse struct {
	Outcome        string          `json:"outcome"`
	OfferID        string          `json:"offer_id"`
	PointsToDeduct int64           `json:"points_to_deduct"`
	DollarValue    decimal.Decimal `json:"dollar_value"`
	ValueDisplay   string          `json:"value_display"`
	Balance        int64           `json:"balance"`
}

type CommitDiscountRequest struct {
	Owner      string `json:"owner_id"`
	Points     int64  `json:"points"`
	OfferID    string `json:"offer_id"`
	PurchaseID string `json:"purchase_id"`
}

type DiscountResponse struct {
	Outcome      string          `json:"outcome"`
	NewBalance   int64           `json:"new_balance"`
	DollarValue  decimal.Decimal `json:"dollar_value"`
	ValueDisplay string          `json:"value_display"`
	Redemption   *RedemptionDTO  `json:"redemption,omitempty"`
}

type CashoutStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// REFERRALS
// =============================================================================

type MintCodeRequest struct {
	Namespace   string `json:"namespace"`
	DisplayName string `json:"display_name"`
}

type ReferralCodeDTO struct {
	Code      string    `json:"code"`
	OwnerID   string    `json:"owner_id"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
}

type UplineResponse struct {
	OwnerID string   `json:"owner_id"`
	Upline  []string `json:"upline"`
}

type SignupConversionRequest struct {
	Code        string            `json:"code"`
	User        string            `json:"user_id"`
	Attribution map[string]string `json:"attribution,omitempty"`
}

type GiveawayConversionRequest struct {
	Code        string            `json:"code"`
	Entrant     string            `json:"entrant_id"`
	GiveawayID  string            `json:"giveaway_id"`
	Attribution map[string]string `json:"attribution,omitempty"`
}

type PurchaseConversionRequest struct {
	Buyer       string            `json:"buyer_id"`
	Amount      decimal.Decimal   `json:"amount"`
	EntityID    string            `json:"entity_id,omitempty"`
	PurchaseID  string            `json:"purchase_id"`
	Type        string            `json:"type"`
	Code        string            `json:"code,omitempty"`
	Attribution map[string]string `json:"attribution,omitempty"`
}

type ConversionResponse struct {
	Outcome         string `json:"outcome"`
	ReferrerID      string `json:"referrer_id,omitempty"`
	Code            string `json:"code,omitempty"`
	PointsAwarded   int64  `json:"points_awarded"`
	ReferrerBalance int64  `json:"referrer_balance"`
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// PaymentEvent is the envelope every processor callback arrives in.
type PaymentEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TopUpCompleted struct {
	ConfirmationID string          `json:"confirmation_id"`
	Owner          string          `json:"owner_id"`
	Tier           int             `json:"tier"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Status         string          `json:"status"`
}

type PurchaseCompleted struct {
	PurchaseID    string            `json:"purchase_id"`
	Buyer         string            `json:"buyer_id"`
	OfferID       string            `json:"offer_id,omitempty"`
	EntityID      string            `json:"entity_id,omitempty"`
	Type          string            `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	PointsApplied int64             `json:"points_applied,omitempty"`
	ReferralCode  string            `json:"referral_code,omitempty"`
	Attribution   map[string]string `json:"attribution,omitempty"`
}

type TopUpDTO struct {
	Outcome        string `json:"outcome"`
	PointsCredited int64  `json:"points_credited"`
	NewBalance     int64  `json:"new_balance"`
}

type WebhookResponse struct {
	EventID    string              `json:"event_id"`
	Type       string              `json:"type"`
	Ignored    bool                `json:"ignored,omitempty"`
	TopUp      *TopUpDTO           `json:"topup,omitempty"`
	Discount   *DiscountResponse   `json:"discount,omitempty"`
	Conversion *ConversionResponse `json:"conversion,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type VerifyRequest struct {
	Owner string `json:"owner_id,omitempty"`
}

type ReportDTO struct {
	OwnerID    string `json:"owner_id"`
	Stored     int64  `json:"stored_balance"`
	Replayed   int64  `json:"replayed_balance"`
	Consistent bool   `json:"consistent"`
	Repaired   bool   `json:"repaired"`
}

type SummaryDTO struct {
	Checked    int         `json:"checked"`
	Mismatches []ReportDTO `json:"mismatches"`
	Repaired   int         `json:"repaired"`
}

type ExportRequest struct {
	Owner string `json:"owner_id,omitempty"`
}

type ExportResponse struct {
	Keys []string `json:"keys"`
}

type InvalidateResponse struct {
	Invalidated []string `json:"invalidated"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e points.Entry) EntryDTO {
	return EntryDTO{
		ID:              string(e.ID),
		Seq:             e.Seq,
		Delta:           e.Delta,
		Kind:            string(e.Kind),
		RelatedEntityID: e.RelatedEntityID,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
	}
}

func toReportDTO(r audit.Report) ReportDTO {
	return ReportDTO{
		OwnerID:    string(r.Owner),
		Stored:     r.Stored.Balance,
		Replayed:   r.Replayed.Balance,
		Consistent: r.Consistent(),
		Repaired:   r.Repaired,
	}
}

func toSummaryDTO(s audit.Summary) SummaryDTO {
	dto := SummaryDTO{Checked: s.Checked, Repaired: s.Repaired, Mismatches: []ReportDTO{}}
	for _, r := range s.Mismatches {
		dto.Mismatches = append(dto.Mismatches, toReportDTO(r))
	}
	return dto
}

func toRedemptionDTO(r *points.Redemption) *RedemptionDTO {
	if r == nil {
		return nil
	}
	return &RedemptionDTO{
		ID:             r.ID,
		OwnerID:        string(r.OwnerID),
		Type:           string(r.Type),
		PointsSpent:    r.PointsSpent,
		DollarValue:    r.DollarValue,
		ValueDisplay:   points.FormatDollars(r.DollarValue),
		Status:         string(r.Status),
		RelatedOfferID: r.RelatedOfferID,
		PurchaseID:     r.PurchaseID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toReferralCodeDTO(c points.ReferralCode) ReferralCodeDTO {
	return ReferralCodeDTO{
		Code:      c.Code,
		OwnerID:   string(c.OwnerID),
		Namespace: string(c.Namespace),
		CreatedAt: c.CreatedAt,
	}
}
