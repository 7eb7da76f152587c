package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/studyforge/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	userID uuid.UUID
	role   string
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, string, error) {
	return s.userID, s.role, s.err
}

type stubAPIKeyRepo struct {
	result *repository.ServiceAPIKey
	err    error
}

func (s *stubAPIKeyRepo) FindByKeyHash(_ context.Context, _ string) (*repository.ServiceAPIKey, error) {
	return s.result, s.err
}

// okHandler writes the authenticated user id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id, ok := UserIDFromCtx(r.Context()); ok {
		w.Write([]byte(id.String()))
	}
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJWTAuth_ValidToken(t *testing.T) {
	userID := uuid.New()
	mw := JWTAuth(&stubValidator{userID: userID, role: "member"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != userID.String() {
		t.Errorf("expected user id %q in body, got %q", userID, body)
	}
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	mw := JWTAuth(&stubValidator{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	mw := JWTAuth(&stubValidator{err: errors.New("expired")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithUser(req.Context(), uuid.New(), "member"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member should be forbidden, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithUser(req.Context(), uuid.New(), RoleAdmin))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin should pass, got %d", rec.Code)
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	repo := &stubAPIKeyRepo{result: &repository.ServiceAPIKey{ID: uuid.New(), Name: "qa-service"}}
	var seen *repository.ServiceAPIKey
	mw := APIKeyAuth(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ServiceKeyFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-test-key")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if seen == nil || seen.Name != "qa-service" {
		t.Errorf("expected service key in context, got %+v", seen)
	}
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	mw := APIKeyAuth(&stubAPIKeyRepo{err: errors.New("no rows")})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
