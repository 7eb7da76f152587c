package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/studyforge/backend/internal/repository"
)

type contextKey string

const (
	ctxUserIDKey     contextKey = "user_id"
	ctxUserRoleKey   contextKey = "user_role"
	ctxServiceKeyKey contextKey = "service_key"
)

// RoleAdmin is the role claim required by admin-only endpoints.
const RoleAdmin = "admin"

// TokenValidator validates a bearer token and returns the subject and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// APIKeyRepo is the interface used by service API key auth.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.ServiceAPIKey, error)
}

// JWTAuth authenticates requests with a bearer JWT and stores the user id and
// role in the request context.
func JWTAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			userID, role, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserIDKey, userID)
			ctx = context.WithValue(ctx, ctxUserRoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a handler on the admin role. Must run after JWTAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxUserRoleKey).(string); role != RoleAdmin {
			http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth authenticates server-to-server callers by hashing the bearer
// token (SHA-256) and looking it up in service_api_keys.
func APIKeyAuth(apiKeyRepo APIKeyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			key, err := apiKeyRepo.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxServiceKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromCtx returns the authenticated user's id.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserIDKey).(uuid.UUID)
	return id, ok
}

// WithUser returns a context carrying the given user id and role.
func WithUser(ctx context.Context, userID uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserIDKey, userID)
	return context.WithValue(ctx, ctxUserRoleKey, role)
}

// ServiceKeyFromCtx returns the authenticated service API key, or nil.
func ServiceKeyFromCtx(ctx context.Context) *repository.ServiceAPIKey {
	k, _ := ctx.Value(ctxServiceKeyKey).(*repository.ServiceAPIKey)
	return k
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey returns the hex SHA-256 digest stored for service API keys.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
