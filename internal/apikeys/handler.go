// Package apikeys manages the service API keys that authenticate
// server-to-server callers of the consumption API. The plaintext key is shown
// exactly once at creation; only its hash is stored.
package apikeys

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/studyforge/backend/internal/middleware"
	"github.com/studyforge/backend/internal/repository"
)

type createRequest struct {
	Name string `json:"name"`
}

type createResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type Handler struct {
	repo *repository.APIKeyRepo
	log  *slog.Logger
}

func NewHandler(repo *repository.APIKeyRepo, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, log: log}
}

// Create handles POST /v1/admin/api-keys (admin).
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `{"error":"name is required"}`, http.StatusBadRequest)
		return
	}

	raw, err := generateKey()
	if err != nil {
		h.log.Error("key generation failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	k, err := h.repo.Create(r.Context(), req.Name, middleware.HashKey(raw))
	if err != nil {
		h.log.Error("key insert failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createResponse{ID: k.ID.String(), Name: k.Name, Key: raw})
}

// Revoke handles DELETE /v1/admin/api-keys/{id} (admin). Idempotent.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid key id"}`, http.StatusBadRequest)
		return
	}
	if err := h.repo.Revoke(r.Context(), id); err != nil {
		h.log.Error("key revoke failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("sk_%s", hex.EncodeToString(buf)), nil
}
