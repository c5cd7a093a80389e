package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/topup"
)

// Payment processor event types.
const (
	EventTopUpCompleted    = "topup.completed"
	EventPurchaseCompleted = "purchase.completed"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook handles signed callbacks from the payment processor.
//
// Every path is idempotent, so the processor may redeliver freely. A 503
// asks it to retry later; unknown event types are acknowledged and ignored.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if len(h.WebhookSecrets) == 0 {
		writeError(w, http.StatusServiceUnavailable, "Webhooks not configured", nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if err := h.verifySignature(body, r.Header.Get(topup.SignatureHeader)); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, topup.ErrMalformedSignature) {
			status = http.StatusBadRequest
		}
		h.logger().Warn("webhook signature rejected", "error", err)
		writeError(w, status, "Invalid signature", err)
		return
	}

	var event PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}
	resp := WebhookResponse{EventID: event.ID, Type: event.Type}

	switch event.Type {
	case EventTopUpCompleted:
		if !h.requireFlag(w, r, cache.FlagTopUps) {
			return
		}
		var data TopUpCompleted
		if err := json.Unmarshal(event.Data, &data); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid top-up payload", err)
			return
		}
		res, err := h.creditTopUp(r, event.ID, data)
		if err != nil {
			h.fail(w, r, "Failed to credit top-up", err)
			return
		}
		resp.TopUp = &TopUpDTO{
			Outcome:        string(res.Outcome),
			PointsCredited: res.PointsCredited,
			NewBalance:     res.NewBalance,
		}

	case EventPurchaseCompleted:
		var data PurchaseCompleted
		if err := json.Unmarshal(event.Data, &data); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid purchase payload", err)
			return
		}
		if data.PointsApplied > 0 {
			res, err := h.Redemption.CommitOfferDiscount(r.Context(), redemption.DiscountCommit{
				Owner:      points.OwnerID(data.Buyer),
				Points:     data.PointsApplied,
				OfferID:    data.OfferID,
				PurchaseID: data.PurchaseID,
			})
			if err != nil {
				h.fail(w, r, "Failed to commit discount", err)
				return
			}
			dto := toDiscountResponse(res)
			resp.Discount = &dto
		}
		if h.enabled(r.Context(), cache.FlagReferrals) {
			conv, err := h.Referrals.RecordPurchaseConversion(r.Context(), purchaseFrom(data))
			if err != nil {
				h.fail(w, r, "Failed to record purchase", err)
				return
			}
			dto := toConversionResponse(conv)
			resp.Conversion = &dto
		}

	default:
		h.logger().Info("webhook event ignored", "event_id", event.ID, "type", event.Type)
		resp.Ignored = true
	}

	writeJSON(w, http.StatusOK, resp)
}

// verifySignature accepts a signature made with any configured secret.
func (h *Handler) verifySignature(body []byte, header string) error {
	var err error
	now := time.Now()
	for _, secret := range h.WebhookSecrets {
		if err = topup.VerifySignature(body, header, secret, h.WebhookTolerance, now); err == nil {
			return nil
		}
		if errors.Is(err, topup.ErrMalformedSignature) || errors.Is(err, topup.ErrSignatureExpired) {
			return err
		}
	}
	return err
}

func (h *Handler) creditTopUp(r *http.Request, eventID string, data TopUpCompleted) (topup.Result, error) {
	if data.Owner == "" {
		return topup.Result{}, points.ErrOwnerRequired
	}
	id := data.ConfirmationID
	if id == "" {
		id = eventID
	}
	return h.TopUps.CreditTopUp(r.Context(), points.OwnerID(data.Owner), data.Tier, topup.Confirmation{
		ID:         id,
		AmountPaid: data.AmountPaid,
		Status:     data.Status,
	})
}

func purchaseFrom(data PurchaseCompleted) referral.Purchase {
	typ := points.ConversionType(data.Type)
	if typ == "" {
		typ = points.ConversionOfferPurchase
	}
	entity := data.EntityID
	if entity == "" {
		entity = data.OfferID
	}
	return referral.Purchase{
		Buyer:        points.OwnerID(data.Buyer),
		Amount:       data.Amount,
		EntityID:     entity,
		PurchaseID:   data.PurchaseID,
		Type:         typ,
		ExplicitCode: data.ReferralCode,
		Attribution:  data.Attribution,
	}
}
