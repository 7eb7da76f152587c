package main

import (
	"net/http"

	"github.com/studyforge/backend/internal/apikeys"
	"github.com/studyforge/backend/internal/auth"
	"github.com/studyforge/backend/internal/billing"
	"github.com/studyforge/backend/internal/credits"
	"github.com/studyforge/backend/internal/middleware"
	"github.com/studyforge/backend/internal/repository"
)

// registerRoutes wires the full HTTP surface.
// Middleware chains: service endpoints use APIKeyAuth, member endpoints use
// JWTAuth, admin endpoints add RequireAdmin, and the webhook endpoint is open
// (authenticated by its signature header instead).
func registerRoutes(
	mux *http.ServeMux,
	authHandler *auth.Handler,
	creditsHandler *credits.Handler,
	billingHandler *billing.Handler,
	authSvc auth.Service,
	apiKeyRepo *repository.APIKeyRepo,
	apiKeysHandler *apikeys.Handler,
) {
	jwtAuth := middleware.JWTAuth(authSvc)
	keyAuth := middleware.APIKeyAuth(apiKeyRepo)
	adminAuth := func(h http.Handler) http.Handler {
		return jwtAuth(middleware.RequireAdmin(h))
	}

	// Auth
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	// Server-to-server consumption (platform services hold API keys)
	mux.Handle("POST /v1/credits/consume", keyAuth(http.HandlerFunc(creditsHandler.Consume)))

	// Member credit queries
	mux.Handle("GET /v1/credits/balance", jwtAuth(http.HandlerFunc(creditsHandler.Balance)))
	mux.Handle("GET /v1/credits/ledger", jwtAuth(http.HandlerFunc(creditsHandler.Ledger)))
	mux.Handle("GET /v1/credits/estimate", jwtAuth(http.HandlerFunc(creditsHandler.Estimate)))
	mux.Handle("PUT /v1/credits/threshold", jwtAuth(http.HandlerFunc(creditsHandler.Threshold)))

	// Admin credit operations
	mux.Handle("POST /v1/credits/allocate", adminAuth(http.HandlerFunc(creditsHandler.Allocate)))
	mux.Handle("POST /v1/credits/adjust", adminAuth(http.HandlerFunc(creditsHandler.Adjust)))
	mux.Handle("POST /v1/credits/reverse", adminAuth(http.HandlerFunc(creditsHandler.Reverse)))
	mux.Handle("GET /v1/credits/audit", adminAuth(http.HandlerFunc(creditsHandler.Audit)))
	mux.Handle("GET /v1/credits/reference", adminAuth(http.HandlerFunc(creditsHandler.Reference)))

	// Service API key management
	mux.Handle("POST /v1/admin/api-keys", adminAuth(http.HandlerFunc(apiKeysHandler.Create)))
	mux.Handle("DELETE /v1/admin/api-keys/{id}", adminAuth(http.HandlerFunc(apiKeysHandler.Revoke)))

	// Billing
	mux.HandleFunc("POST /v1/billing/webhook", billingHandler.Webhook)
	mux.Handle("POST /v1/billing/checkout", jwtAuth(http.HandlerFunc(billingHandler.CreateCheckout)))
	mux.Handle("GET /v1/billing/subscription", jwtAuth(http.HandlerFunc(billingHandler.Subscription)))
}
