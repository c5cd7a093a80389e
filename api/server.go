/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests, origins from SERVER_ALLOWED_ORIGINS

ROUTE GROUPS:
  /api/program                 Public program description
  /api/webhooks/payments       Payment processor callbacks (signature, no JWT)
  /api/me/*                    The token's owner (any role)
  /api/awards                  Verified actions for any owner (service role)
  /api/awards                  Verified actions for any owner (service role)
  /api/referrals/*             Conversion tracking (service role)
  /api/discounts/commit        Discount settlement (service role)
  /api/admin/*                 Operations (admin role)

AUTHENTICATION:
  Bearer JWT, HS256. The subject is the owner id; the role claim is one of
  user, service or admin. Admin tokens pass every role check.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures cross-cutting router behavior.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/program", h.GetProgram)
		r.Post("/webhooks/payments", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Route("/me", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/ledger", h.GetLedger)
				r.Post("/awards", h.PostAward)
				r.Post("/cashouts", h.PostCashout)
				r.Post("/discounts/quote", h.QuoteDiscount)
				r.Get("/redemptions", h.ListRedemptions)
				r.Post("/referral-code", h.MintReferralCode)
				r.Get("/upline", h.GetUpline)
			})

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(RoleService))
				r.Post("/awards", h.PostServiceAward)
				r.Post("/referrals/signup", h.RecordSignup)
				r.Post("/referrals/giveaway", h.RecordGiveaway)
				r.Post("/referrals/purchase", h.RecordPurchase)
				r.Post("/discounts/commit", h.CommitDiscount)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Get("/owners/{id}/balance", h.GetOwnerBalance)
				r.Post("/cashouts/{id}/status", h.SetCashoutStatus)
				r.Post("/cache/invalidate", h.InvalidateCaches)
				r.Post("/audit/verify", h.VerifyBalances)
				r.Post("/audit/export", h.ExportLedgers)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
