package billing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newWebhookHandler(subs *mockSubs, alloc *mockAllocator, cat *mockCatalog) (*Handler, *SignatureVerifier) {
	verifier := NewSignatureVerifier("whsec_test", "")
	svc := NewService(subs, alloc, cat, nil, nil)
	h := NewHandler(svc, verifier, nil, nil, nil, cat, nil)
	return h, verifier
}

func postWebhook(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	return rec
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, _ := newWebhookHandler(newMockSubs(), &mockAllocator{}, newMockCatalog())
	rec := postWebhook(h, []byte(`{"type":"invoice.paid","data":{"object":{}}}`), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	h, verifier := newWebhookHandler(newMockSubs(), &mockAllocator{}, newMockCatalog())
	sig := verifier.Sign([]byte(`{"type":"invoice.paid"}`), time.Now())
	rec := postWebhook(h, []byte(`{"type":"customer.subscription.deleted"}`), sig)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookAcknowledgesValidEvent(t *testing.T) {
	subs := newMockSubs()
	alloc := &mockAllocator{}
	h, verifier := newWebhookHandler(subs, alloc, newMockCatalog())

	body := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	rec := postWebhook(h, body, verifier.Sign(body, time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"received":true}` {
		t.Errorf("body = %s", got)
	}
}

func TestWebhookRejectsEnvelopeWithoutType(t *testing.T) {
	h, verifier := newWebhookHandler(newMockSubs(), &mockAllocator{}, newMockCatalog())
	body := []byte(`{"id":"evt_2","data":{"object":{}}}`)
	rec := postWebhook(h, body, verifier.Sign(body, time.Now()))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
