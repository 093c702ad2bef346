package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

const testAdminKey = "test-admin-key"

func newAdminTransport(t *testing.T) (*HTTPTransport, *consent.Manager) {
	t.Helper()
	consents := consent.NewManager(consent.Config{}, nil, nil, nil, testLogger())
	hash, err := auth.HashKey(testAdminKey)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	verifier, err := auth.NewVerifier([]string{hash})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	tr := newTestTransport(t, nil, WithConsentAdmin(consents, verifier))
	return tr, consents
}

func adminRequest(tr *HTTPTransport, method, path, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(AdminKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	tr.buildHandler().ServeHTTP(rec, req)
	return rec
}

// queueConsent parks a tool call in the pending table and returns its id.
func queueConsent(t *testing.T, consents *consent.Manager) string {
	t.Helper()
	outcome, err := consents.RequestConsent(context.Background(), consent.ToolCall{
		SessionID: "s1",
		UserID:    "user-1",
		ToolName:  "delete_file",
	})
	if err != nil {
		t.Fatalf("RequestConsent failed: %v", err)
	}
	if outcome.Status != consent.StatusPending {
		t.Fatalf("outcome status = %q, want pending", outcome.Status)
	}
	return outcome.Request.ID
}

func TestConsentAdmin_RequiresKey(t *testing.T) {
	tr, _ := newAdminTransport(t)

	rec := adminRequest(tr, http.MethodGet, "/consent/pending", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", rec.Code)
	}

	rec = adminRequest(tr, http.MethodGet, "/consent/pending", "", "wrong-key")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with bad key = %d, want 401", rec.Code)
	}
}

func TestConsentAdmin_DisabledWithoutVerifier(t *testing.T) {
	consents := consent.NewManager(consent.Config{}, nil, nil, nil, testLogger())
	tr := newTestTransport(t, nil, WithConsentAdmin(consents, nil))

	rec := adminRequest(tr, http.MethodGet, "/consent/pending", "", testAdminKey)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when no keys configured", rec.Code)
	}
}

func TestConsentAdmin_PendingList(t *testing.T) {
	tr, consents := newAdminTransport(t)
	id := queueConsent(t, consents)

	rec := adminRequest(tr, http.MethodGet, "/consent/pending", "", testAdminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count   int                      `json:"count"`
		Pending []consent.ConsentRequest `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Count != 1 || len(resp.Pending) != 1 || resp.Pending[0].ID != id {
		t.Errorf("pending = %+v", resp)
	}
}

func TestConsentAdmin_Decision(t *testing.T) {
	tr, consents := newAdminTransport(t)
	id := queueConsent(t, consents)

	rec := adminRequest(tr, http.MethodPost, "/consent/"+id+"/decision",
		`{"decision":"approved","scope":"session"}`, testAdminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var decided consent.ConsentRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &decided); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if decided.Decision != consent.DecisionApproved || decided.Scope != consent.ScopeSession {
		t.Errorf("decided = %+v", decided)
	}

	// Deciding again is a 404: the request left the pending table.
	rec = adminRequest(tr, http.MethodPost, "/consent/"+id+"/decision",
		`{"decision":"approved"}`, testAdminKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second decision status = %d, want 404", rec.Code)
	}
}

func TestConsentAdmin_DecisionValidation(t *testing.T) {
	tr, consents := newAdminTransport(t)
	id := queueConsent(t, consents)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown id", "/consent/nope/decision", `{"decision":"approved"}`, http.StatusNotFound},
		{"bad decision", "/consent/" + id + "/decision", `{"decision":"maybe"}`, http.StatusBadRequest},
		{"bad body", "/consent/" + id + "/decision", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := adminRequest(tr, http.MethodPost, tt.path, tt.body, testAdminKey)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestConsentAdmin_StatsAndHistory(t *testing.T) {
	tr, consents := newAdminTransport(t)
	id := queueConsent(t, consents)
	if _, err := consents.ProvideConsent(context.Background(), id, consent.DecisionApproved, consent.ScopeSingleUse); err != nil {
		t.Fatalf("ProvideConsent failed: %v", err)
	}

	rec := adminRequest(tr, http.MethodGet, "/consent/stats?user=user-1", "", testAdminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats consent.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("bad stats body: %v", err)
	}
	if stats.Total != 1 || stats.Approved != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = adminRequest(tr, http.MethodGet, "/consent/history?user=user-1", "", testAdminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("bad history body: %v", err)
	}
	if hist.Count != 1 {
		t.Errorf("history count = %d, want 1", hist.Count)
	}
}
