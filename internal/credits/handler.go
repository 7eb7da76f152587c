package credits

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/middleware"
	"github.com/studyforge/backend/internal/models"
	"github.com/studyforge/backend/internal/services"
)

// Request/response structs use snake_case JSON.

type consumeRequest struct {
	UserID        string             `json:"user_id"`
	EntryType     string             `json:"entry_type"`
	TokenUsage    *models.TokenUsage `json:"token_usage,omitempty"`
	ModelName     string             `json:"model_name,omitempty"`
	FixedAmount   *decimal.Decimal   `json:"fixed_amount,omitempty"`
	Description   string             `json:"description"`
	ReferenceID   *string            `json:"reference_id,omitempty"`
	ReferenceType *string            `json:"reference_type,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

type consumeResponse struct {
	Success          bool                `json:"success"`
	Transaction      *models.LedgerEntry `json:"transaction,omitempty"`
	RemainingBalance decimal.Decimal     `json:"remaining_balance"`
	CostBreakdown    any                 `json:"cost_breakdown,omitempty"`
	Error            string              `json:"error,omitempty"`
	Required         *decimal.Decimal    `json:"required,omitempty"`
	Available        *decimal.Decimal    `json:"available,omitempty"`
}

type balanceResponse struct {
	Available      decimal.Decimal `json:"available"`
	Expiring       decimal.Decimal `json:"expiring"`
	Purchased      decimal.Decimal `json:"purchased"`
	TotalConsumed  decimal.Decimal `json:"total_consumed"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	IsLowOnCredits bool            `json:"is_low_on_credits"`
}

type allocateRequest struct {
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	EntryType     string          `json:"entry_type"`
	Description   string          `json:"description"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
	ReferenceType *string         `json:"reference_type,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	IsExpiring    *bool           `json:"is_expiring,omitempty"`
}

type adjustRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type reverseRequest struct {
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
}

// Handler serves the credit APIs: the server-to-server consumption endpoint,
// member balance/ledger queries, and admin allocation/adjust/reverse.
type Handler struct {
	svc       *Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// Consume handles POST /v1/credits/consume (service API key auth).
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if h.validator != nil {
		if err := h.validator.ValidateConsume(body); err != nil {
			http.Error(w, `{"error":"invalid consume request: `+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
	}

	var req consumeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}

	res, err := h.svc.Consume(r.Context(), ConsumeInput{
		UserID:        userID,
		EntryType:     req.EntryType,
		TokenUsage:    req.TokenUsage,
		ModelName:     req.ModelName,
		FixedAmount:   req.FixedAmount,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Metadata:      req.Metadata,
	})
	if err != nil {
		var insufficient *InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, consumeResponse{
				Success:          false,
				Error:            "insufficient credits",
				Required:         &insufficient.Required,
				Available:        &insufficient.Available,
				RemainingBalance: insufficient.Available,
			})
		case errors.Is(err, ErrDeductionRaceLost):
			writeJSON(w, http.StatusConflict, consumeResponse{Success: false, Error: "deduction conflict, retry"})
		default:
			h.log.Error("consume failed", "user_id", req.UserID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	resp := consumeResponse{
		Success:          true,
		Transaction:      res.Entry,
		RemainingBalance: res.RemainingBalance,
	}
	if res.Breakdown != nil {
		resp.CostBreakdown = res.Breakdown
	}
	writeJSON(w, http.StatusOK, resp)
}

// Balance handles GET /v1/credits/balance for the authenticated member.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	acc, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance query failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Available:      acc.AvailableCredits,
		Expiring:       acc.ExpiringCredits,
		Purchased:      acc.PurchasedCredits,
		TotalConsumed:  acc.TotalConsumed,
		TotalAllocated: acc.TotalAllocated,
		ExpiresAt:      acc.CreditsExpireAt,
		IsLowOnCredits: acc.IsLowOnCredits(),
	})
}

// Ledger handles GET /v1/credits/ledger for the authenticated member.
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.Ledger(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("ledger query failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Threshold handles PUT /v1/credits/threshold for the authenticated member.
func (h *Handler) Threshold(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req struct {
		Threshold int `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.SetLowCreditThreshold(r.Context(), userID, req.Threshold); err != nil {
		if req.Threshold < 0 {
			http.Error(w, `{"error":"threshold must be non-negative"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("threshold update failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold": req.Threshold})
}

// Estimate handles GET /v1/credits/estimate?operation=...&model=...
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	op := r.URL.Query().Get("operation")
	if op == "" {
		http.Error(w, `{"error":"operation is required"}`, http.StatusBadRequest)
		return
	}
	b, err := h.svc.Estimate(r.Context(), userID, op, r.URL.Query().Get("model"))
	if err != nil {
		h.log.Error("estimate failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Audit handles GET /v1/credits/audit?user_id=... (admin): replays the ledger
// against the stored balance.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	audit, err := h.svc.AuditBalance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance audit failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// Reference handles GET /v1/credits/reference?type=...&id=... (admin): entries
// correlated to a business object.
func (h *Handler) Reference(w http.ResponseWriter, r *http.Request) {
	refType := r.URL.Query().Get("type")
	refID := r.URL.Query().Get("id")
	if refType == "" || refID == "" {
		http.Error(w, `{"error":"type and id are required"}`, http.StatusBadRequest)
		return
	}
	entries, err := h.svc.EntriesByReference(r.Context(), refType, refID)
	if err != nil {
		h.log.Error("reference query failed", "reference_type", refType, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Allocate handles POST /v1/credits/allocate (admin).
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	isExpiring := true
	if req.IsExpiring != nil {
		isExpiring = *req.IsExpiring
	}
	entryType := req.EntryType
	if entryType == "" {
		entryType = models.EntryTopUp
	}
	entry, err := h.svc.Allocate(r.Context(), AllocationInput{
		UserID:        userID,
		Amount:        req.Amount,
		EntryType:     entryType,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		ExpiresAt:     req.ExpiresAt,
		IsExpiring:    isExpiring,
	})
	if err != nil {
		h.log.Error("allocate failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Adjust handles POST /v1/credits/adjust (admin). The acting administrator is
// taken from the authenticated context for the audit trail.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.svc.AdminAdjust(r.Context(), userID, req.Amount, req.Reason, actorID)
	if err != nil {
		if errors.Is(err, ErrNegativeBalance) {
			http.Error(w, `{"error":"adjustment would make balance negative"}`, http.StatusUnprocessableEntity)
			return
		}
		h.log.Error("admin adjust failed", "user_id", req.UserID, "actor_id", actorID, "error", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Reverse handles POST /v1/credits/reverse (admin).
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	entryID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		http.Error(w, `{"error":"invalid transaction_id"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.svc.Reverse(r.Context(), entryID, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyReversed):
			http.Error(w, `{"error":"entry already reversed"}`, http.StatusConflict)
		case errors.Is(err, ErrNotReversible):
			http.Error(w, `{"error":"only completed entries can be reversed"}`, http.StatusUnprocessableEntity)
		case errors.Is(err, ErrNegativeBalance):
			http.Error(w, `{"error":"reversal would make balance negative"}`, http.StatusUnprocessableEntity)
		default:
			h.log.Error("reverse failed", "transaction_id", req.TransactionID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
