package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studyforge/backend/internal/catalog"
	"github.com/studyforge/backend/internal/middleware"
	"github.com/studyforge/backend/internal/models"
	"github.com/studyforge/backend/internal/payments"
)

// SignatureHeader carries the processor's HMAC signature for webhook
// deliveries.
const SignatureHeader = "Billing-Signature"

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// UserStore resolves platform users for checkout, and persists their external
// customer id after first contact with the processor.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (email, name, customerID string, err error)
	SetCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

// SubscriptionReader serves the member-facing subscription query.
type SubscriptionReader interface {
	GetCurrentByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// Handler serves the webhook endpoint and the member checkout endpoint.
type Handler struct {
	svc      *Service
	verifier *SignatureVerifier
	gateway  *payments.Client
	users    UserStore
	subs     SubscriptionReader
	catalog  PackageCatalog
	log      *slog.Logger

	// Checkout redirect targets, from configuration.
	SuccessURL string
	CancelURL  string
}

func NewHandler(svc *Service, verifier *SignatureVerifier, gateway *payments.Client, users UserStore, subs SubscriptionReader, cat PackageCatalog, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, verifier: verifier, gateway: gateway, users: users, subs: subs, catalog: cat, log: log}
}

// Webhook handles POST /v1/billing/webhook. Signature verification happens
// before anything else touches the payload; a failure rejects with no state
// change. Unknown event types are acknowledged so the processor does not
// retry them forever.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	r.Body.Close()
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader)); err != nil {
		h.log.Warn("webhook signature verification failed", "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusBadRequest)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		http.Error(w, `{"error":"malformed payload"}`, http.StatusBadRequest)
		return
	}

	if err := h.svc.Process(r.Context(), env.Type, env.Data.Object); err != nil {
		h.log.Error("webhook processing failed", "event_id", env.ID, "type", env.Type, "error", err)
		http.Error(w, `{"error":"processing failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"received":true}`))
}

type checkoutRequest struct {
	PackageID string `json:"package_id"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckout handles POST /v1/billing/checkout for the authenticated
// member: ensures a processor customer exists, then opens a checkout session
// for the chosen package.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	packageID, err := uuid.Parse(req.PackageID)
	if err != nil {
		http.Error(w, `{"error":"invalid package_id"}`, http.StatusBadRequest)
		return
	}
	pkg, err := h.catalog.Package(r.Context(), packageID)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		http.Error(w, `{"error":"package not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("package lookup failed", "package_id", req.PackageID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	email, name, customerID, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		h.log.Error("user lookup failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if customerID == "" {
		cust, err := h.gateway.CreateCustomer(r.Context(), email, name)
		if err != nil {
			h.log.Error("customer creation failed", "user_id", userID, "error", err)
			writeGatewayError(w, err)
			return
		}
		customerID = cust.ID
		if err := h.users.SetCustomerID(r.Context(), userID, customerID); err != nil {
			h.log.Error("persist customer id failed", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
	}

	sess, err := h.gateway.CreateCheckoutSession(r.Context(), customerID, pkg.ExternalPriceID,
		userID.String(), pkg.ID.String(), h.SuccessURL, h.CancelURL)
	if err != nil {
		h.log.Error("checkout session failed", "user_id", userID, "error", err)
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(checkoutResponse{SessionID: sess.ID, CheckoutURL: sess.URL})
}

// Subscription handles GET /v1/billing/subscription for the authenticated
// member.
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	sub, err := h.subs.GetCurrentByUserID(r.Context(), userID)
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrSubscriptionNotFound) {
		http.Error(w, `{"error":"subscription not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("subscription lookup failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sub)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var ge *payments.GatewayError
	if errors.As(err, &ge) {
		http.Error(w, `{"error":"payment gateway rejected the request"}`, http.StatusBadGateway)
		return
	}
	http.Error(w, `{"error":"payment gateway unavailable"}`, http.StatusBadGateway)
}
