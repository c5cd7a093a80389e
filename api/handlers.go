/*
handlers.go - HTTP request handlers for all API endpoints

PURPOSE:
  Implements HTTP handlers that translate between HTTP requests and the
  points engines. Each handler:
  1. Reads the caller's identity (or a path/body owner for service routes)
  2. Decodes and checks the request body
  3. Calls the owning engine
  4. Converts the engine result to a DTO

HANDLER GROUPS:
  Program:     GetProgram
  Me:          GetBalance, GetLedger, PostAward, PostCashout, QuoteDiscount,
               ListRedemptions, MintReferralCode, GetUpline
  Service:     PostServiceAward, RecordSignup, RecordGiveaway, RecordPurchase,
               CommitDiscount
  Webhooks:    PaymentWebhook (webhook.go)
  Admin:       GetOwnerBalance, SetCashoutStatus, InvalidateCaches,
               VerifyBalances, ExportLedgers

ERROR HANDLING:
  - 400 Bad Request:          Malformed body, invalid amount, unknown kind
  - 401/403:                  Missing token or wrong role (auth.go); an
                              action the caller may not claim directly
  - 404 Not Found:            Unknown redemption
  - 409 Conflict:             Duplicate code or idempotency key
  - 503 Service Unavailable:  Feature flag off, or a retryable store failure
  - 500 Internal Server Error: Anything else

  Policy rejections (already claimed, insufficient balance, self referral)
  are 200 responses whose outcome field says what happened.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-engine/audit"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/topup"
)

// Invalidator drops every cached entry.
type Invalidator interface {
	InvalidateAll()
}

// Handler holds dependencies for HTTP handlers. Exporter, Flags and
// BalanceCache are optional.
type Handler struct {
	Ledger     *points.Ledger
	Awards     *rewards.Engine
	Redemption *redemption.Engine
	Referrals  *referral.Engine
	TopUps     *topup.Gateway
	Verifier   *audit.Verifier
	Exporter   *audit.Exporter

	Flags        *cache.Flags
	BalanceCache Invalidator

	WebhookSecrets   []string
	WebhookTolerance time.Duration

	Log *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

// enabled reports whether a feature flag is on. Without flags everything is.
func (h *Handler) enabled(ctx context.Context, flag string) bool {
	if h.Flags == nil {
		return true
	}
	return h.Flags.Enabled(ctx, flag)
}

// requireFlag writes 503 and returns false when flag is off.
func (h *Handler) requireFlag(w http.ResponseWriter, r *http.Request, flag string) bool {
	if h.enabled(r.Context(), flag) {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "Feature disabled", fmt.Errorf("%s are turned off", flag))
	return false
}

// =============================================================================
// PROGRAM
// =============================================================================

// GetProgram returns the action table, exchange rate, top-up tiers and
// commission rates in effect.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	red := h.Redemption.Config()
	dto := ProgramDTO{
		Actions:               h.Awards.Program().Rules,
		PointsPerDollar:       red.PointsPerDollar,
		CashoutMinimum:        red.CashoutMinimum,
		CashoutMinimumDisplay: points.FormatDollars(red.Rate().Dollars(red.CashoutMinimum)),
		TopUpTiers:            []TierDTO{},
		CommissionRates:       map[string]string{},
	}
	if dto.Actions == nil {
		dto.Actions = []rewards.ActionRule{}
	}
	for i, t := range h.TopUps.Tiers() {
		dto.TopUpTiers = append(dto.TopUpTiers, TierDTO{
			Index:        i,
			Price:        t.Price,
			PriceDisplay: points.FormatDollars(t.Price),
			Points:       t.Points,
			Bonus:        t.Bonus,
			Total:        t.Total(),
		})
	}
	for typ, rate := range h.Referrals.Config().CommissionRates {
		dto.CommissionRates[string(typ)] = rate.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BALANCE / LEDGER
// =============================================================================

// GetBalance returns the caller's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.writeBalance(w, r, id.Owner)
}

// GetOwnerBalance returns any owner's balance (admin).
func (h *Handler) GetOwnerBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, points.OwnerID(chi.URLParam(r, "id")))
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, owner points.OwnerID) {
	b, err := h.Ledger.GetBalance(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toBalanceDTO(owner, b))
}

func (h *Handler) toBalanceDTO(owner points.OwnerID, b points.Balance) BalanceDTO {
	value := h.Redemption.Config().Rate().Dollars(b.Balance)
	dto := BalanceDTO{
		OwnerID:      string(owner),
		Balance:      b.Balance,
		TotalEarned:  b.TotalEarned,
		DollarValue:  value,
		ValueDisplay: points.FormatDollars(value),
	}
	if !b.UpdatedAt.IsZero() {
		dto.UpdatedAt = &b.UpdatedAt
	}
	return dto
}

// GetLedger pages through the caller's history, newest first.
// Query: ?cursor=<seq>&limit=<n>
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	cursor, err := queryInt(r, "cursor", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cursor", err)
		return
	}
	limit, err := queryInt(r, "limit", points.DefaultPageSize)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	limit = min(limit, int64(maxPageSize))

	page, err := h.Ledger.Page(r.Context(), id.Owner, points.Cursor(cursor), int(limit))
	if err != nil {
		h.fail(w, r, "Failed to list ledger", err)
		return
	}
	dto := LedgerPageDTO{Entries: make([]EntryDTO, 0, len(page.Entries)), NextCursor: int64(page.Next)}
	for _, e := range page.Entries {
		dto.Entries = append(dto.Entries, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

const maxPageSize = 200

// =============================================================================
// AWARDS
// =============================================================================

// PostAward lets the caller claim one of the program's claimable actions.
// Anything else must come from a service that verified it (PostServiceAward).
func (h *Handler) PostAward(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req AwardRequest
	if !decode(w, r, &req) {
		return
	}
	kind := points.ActionKind(req.Kind)
	if rule, ok := h.Awards.Program().Rule(kind); ok && !rule.Claimable {
		writeError(w, http.StatusForbidden, "Action requires verification", fmt.Errorf("%s cannot be claimed directly", kind))
		return
	}
	h.award(w, r, id.Owner, req)
}

// PostServiceAward credits a verified action to the owner named in the body.
// Referral kinds are refused: only conversion tracking pays them.
func (h *Handler) PostServiceAward(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required", points.ErrOwnerRequired)
		return
	}
	if kind := points.ActionKind(req.Kind); rewards.IsReferralKind(kind) {
		writeError(w, http.StatusForbidden, "Referral awards are paid by conversion tracking", fmt.Errorf("%s is not awardable", kind))
		return
	}
	h.award(w, r, points.OwnerID(req.OwnerID), req)
}

func (h *Handler) award(w http.ResponseWriter, r *http.Request, owner points.OwnerID, req AwardRequest) {
	res, err := h.Awards.Award(r.Context(), rewards.Request{
		Owner:           owner,
		Kind:            points.ActionKind(req.Kind),
		RelatedEntityID: req.RelatedEntityID,
		ClientKey:       req.IdempotencyKey,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.fail(w, r, "Failed to award points", err)
		return
	}
	dto := AwardResponse{
		Outcome:       string(res.Outcome),
		PointsAwarded: res.PointsAwarded,
		NewBalance:    res.NewBalance,
	}
	if res.Entry != nil {
		dto.EntryID = string(res.Entry.ID)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

// PostCashout converts the caller's points to a pending payout.
func (h *Handler) PostCashout(w http.ResponseWriter, r *http.Request) {
	if !h.requireFlag(w, r, cache.FlagCashouts) {
		return
	}
	id, _ := IdentityFrom(r.Context())

	var req CashoutRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Redemption.RedeemCashout(r.Context(), redemption.CashoutRequest{
		Owner:     id.Owner,
		Points:    req.Points,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.fail(w, r, "Failed to cash out", err)
		return
	}
	writeJSON(w, http.StatusOK, CashoutResponse{
		Outcome:       string(res.Outcome),
		NewBalance:    res.NewBalance,
		Payout:        res.Payout,
		PayoutDisplay: points.FormatDollars(res.Payout),
		Shortfall:     res.Shortfall,
		Redemption:    toRedemptionDTO(res.Redemption),
	})
}

// QuoteDiscount prices an offer discount without spending anything.
func (h *Handler) QuoteDiscount(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req QuoteRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := h.Redemption.QuoteOfferDiscount(r.Context(), id.Owner, req.Points, req.OfferID)
	if err != nil {
		h.fail(w, r, "Failed to quote discount", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Outcome:        string(q.Outcome),
		OfferID:        q.OfferID,
		PointsToDeduct: q.PointsToDeduct,
		DollarValue:    q.DollarValue,
		ValueDisplay:   points.FormatDollars(q.DollarValue),
		Balance:        q.Balance,
	})
}

// CommitDiscount deducts a discount once the purchase is confirmed (service).
func (h *Handler) CommitDiscount(w http.ResponseWriter, r *http.Request) {
	var req CommitDiscountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required", points.ErrOwnerRequired)
		return
	}
	res, err := h.Redemption.CommitOfferDiscount(r.Context(), redemption.DiscountCommit{
		Owner:      points.OwnerID(req.Owner),
		Points:     req.Points,
		OfferID:    req.OfferID,
		PurchaseID: req.PurchaseID,
	})
	if err != nil {
		h.fail(w, r, "Failed to commit discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountResponse(res))
}

func toDiscountResponse(res redemption.DiscountResult) DiscountResponse {
	return DiscountResponse{
		Outcome:      string(res.Outcome),
		NewBalance:   res.NewBalance,
		DollarValue:  res.DollarValue,
		ValueDisplay: points.FormatDollars(res.DollarValue),
		Redemption:   toRedemptionDTO(res.Redemption),
	}
}

// ListRedemptions returns the caller's cashouts and discounts, newest first.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	list, err := h.Redemption.ListRedemptions(r.Context(), id.Owner)
	if err != nil {
		h.fail(w, r, "Failed to list redemptions", err)
		return
	}
	dtos := make([]*RedemptionDTO, 0, len(list))
	for i := range list {
		dtos = append(dtos, toRedemptionDTO(&list[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetCashoutStatus moves a cashout through approve/pay/reject (admin).
func (h *Handler) SetCashoutStatus(w http.ResponseWriter, r *http.Request) {
	var req CashoutStatusRequest
	if !decode(w, r, &req) {
		return
	}
	updated, err := h.Redemption.SetCashoutStatus(r.Context(), chi.URLParam(r, "id"), points.RedemptionStatus(req.Status))
	if err != nil {
		h.fail(w, r, "Failed to update cashout", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(&updated))
}

// =============================================================================
// REFERRALS
// =============================================================================

// MintReferralCode returns the caller's code, minting one on first call.
func (h *Handler) MintReferralCode(w http.ResponseWriter, r *http.Request) {
	if !h.requireFlag(w, r, cache.FlagReferrals) {
		return
	}
	id, _ := IdentityFrom(r.Context())

	var req MintCodeRequest
	if !decode(w, r, &req) {
		return
	}
	ns := points.CodeNamespace(req.Namespace)
	if ns == "" {
		ns = points.NamespaceUser
	}
	code, err := h.Referrals.Codes().Mint(r.Context(), id.Owner, ns, req.DisplayName)
	if err != nil {
		h.fail(w, r, "Failed to mint referral code", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralCodeDTO(code))
}

// GetUpline lists who referred the caller, nearest first.
// Query: ?depth=<n>
func (h *Handler) GetUpline(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	depth, err := queryInt(r, "depth", referral.MaxUplineDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid depth", err)
		return
	}
	chain, err := h.Referrals.Upline(r.Context(), id.Owner, int(depth))
	if err != nil {
		h.fail(w, r, "Failed to load upline", err)
		return
	}
	dto := UplineResponse{OwnerID: string(id.Owner), Upline: make([]string, 0, len(chain))}
	for _, o := range chain {
		dto.Upline = append(dto.Upline, string(o))
	}
	writeJSON(w, http.StatusOK, dto)
}

// RecordSignup attributes a new user to a referral code (service).
func (h *Handler) RecordSignup(w http.ResponseWriter, r *http.Request) {
	if !h.requireFlag(w, r, cache.FlagReferrals) {
		return
	}
	var req SignupConversionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", points.ErrOwnerRequired)
		return
	}
	conv, err := h.Referrals.RecordSignupConversion(r.Context(), req.Code, points.OwnerID(req.User), req.Attribution)
	if err != nil {
		h.fail(w, r, "Failed to record signup", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionResponse(conv))
}

// RecordGiveaway credits a referrer for a giveaway entrant (service).
func (h *Handler) RecordGiveaway(w http.ResponseWriter, r *http.Request) {
	if !h.requireFlag(w, r, cache.FlagReferrals) {
		return
	}
	var req GiveawayConversionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Entrant == "" {
		writeError(w, http.StatusBadRequest, "entrant_id is required", points.ErrOwnerRequired)
		return
	}
	conv, err := h.Referrals.RecordGiveawayConversion(r.Context(), req.Code, points.OwnerID(req.Entrant), req.GiveawayID, req.Attribution)
	if err != nil {
		h.fail(w, r, "Failed to record giveaway entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionResponse(conv))
}

// RecordPurchase pays commission on a referred purchase (service).
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	if !h.requireFlag(w, r, cache.FlagReferrals) {
		return
	}
	var req PurchaseConversionRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := h.Referrals.RecordPurchaseConversion(r.Context(), referral.Purchase{
		Buyer:        points.OwnerID(req.Buyer),
		Amount:       req.Amount,
		EntityID:     req.EntityID,
		PurchaseID:   req.PurchaseID,
		Type:         points.ConversionType(req.Type),
		ExplicitCode: req.Code,
		Attribution:  req.Attribution,
	})
	if err != nil {
		h.fail(w, r, "Failed to record purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionResponse(conv))
}

func toConversionResponse(c referral.Conversion) ConversionResponse {
	return ConversionResponse{
		Outcome:         string(c.Outcome),
		ReferrerID:      string(c.Referrer),
		Code:            c.Code,
		PointsAwarded:   c.PointsAwarded,
		ReferrerBalance: c.ReferrerBalance,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// InvalidateCaches drops cached balances and reloads feature flags.
func (h *Handler) InvalidateCaches(w http.ResponseWriter, r *http.Request) {
	resp := InvalidateResponse{Invalidated: []string{}}
	if h.BalanceCache != nil {
		h.BalanceCache.InvalidateAll()
		resp.Invalidated = append(resp.Invalidated, "balances")
	}
	if h.Flags != nil {
		h.Flags.Invalidate()
		resp.Invalidated = append(resp.Invalidated, "flags")
	}
	h.logger().Info("caches invalidated", "caches", strings.Join(resp.Invalidated, ","))
	writeJSON(w, http.StatusOK, resp)
}

// VerifyBalances replays one owner (owner_id in body) or every owner.
func (h *Handler) VerifyBalances(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Owner != "" {
		report, err := h.Verifier.Verify(r.Context(), points.OwnerID(req.Owner))
		if err != nil {
			h.fail(w, r, "Failed to verify balance", err)
			return
		}
		writeJSON(w, http.StatusOK, toReportDTO(report))
		return
	}
	sum, err := h.Verifier.VerifyAll(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to verify balances", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// ExportLedgers archives one owner's ledger or all of them.
func (h *Handler) ExportLedgers(w http.ResponseWriter, r *http.Request) {
	if h.Exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "Export not configured", nil)
		return
	}
	var req ExportRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	var (
		keys []string
		err  error
	)
	if req.Owner != "" {
		var key string
		key, _, err = h.Exporter.ExportOwner(r.Context(), points.OwnerID(req.Owner))
		if key != "" {
			keys = []string{key}
		}
	} else {
		keys, err = h.Exporter.ExportAll(r.Context())
	}
	if err != nil {
		h.fail(w, r, "Failed to export ledger", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, ExportResponse{Keys: keys})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error(message, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case isClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrNotFound):
		return http.StatusNotFound
	case points.IsDuplicate(err), errors.Is(err, points.ErrDuplicateCode):
		return http.StatusConflict
	case points.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isClientError(err error) bool {
	return points.IsClientError(err) ||
		topup.IsClientError(err) ||
		errors.Is(err, redemption.ErrPurchaseRequired) ||
		errors.Is(err, referral.ErrPurchaseRequired) ||
		errors.Is(err, referral.ErrInvalidConversion) ||
		errors.Is(err, referral.ErrInvalidNamespace)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
