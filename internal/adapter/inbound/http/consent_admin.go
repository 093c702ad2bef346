package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

// AdminKeyHeader carries the admin key for consent endpoints.
const AdminKeyHeader = "X-Admin-Key"

// consentAdmin serves the human side of the consent workflow: listing
// pending requests, deciding them, and reviewing history and statistics.
// Every endpoint requires a valid admin key.
type consentAdmin struct {
	consents *consent.Manager
	keys     *auth.Verifier
	metrics  *Metrics
}

// routes registers the consent endpoints on the mux.
func (a *consentAdmin) routes(mux *http.ServeMux) {
	mux.Handle("GET /consent/pending", a.guard(a.handlePending))
	mux.Handle("POST /consent/{id}/decision", a.guard(a.handleDecision))
	mux.Handle("GET /consent/history", a.guard(a.handleHistory))
	mux.Handle("GET /consent/stats", a.guard(a.handleStats))
}

// guard rejects requests without a valid admin key. An unconfigured
// verifier keeps the endpoints closed rather than open.
func (a *consentAdmin) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.keys == nil || !a.keys.Enabled() {
			writeAdminError(w, http.StatusForbidden, "consent admin interface is not configured")
			return
		}
		if err := a.keys.Verify(r.Header.Get(AdminKeyHeader)); err != nil {
			LoggerFromContext(r.Context()).Warn("admin key rejected")
			writeAdminError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next(w, r)
	})
}

func (a *consentAdmin) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	pending := a.consents.PendingRequests(r.Context(), userID)
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// decisionRequest is the POST body for deciding a pending request.
type decisionRequest struct {
	Decision consent.Decision `json:"decision"`
	Scope    consent.Scope    `json:"scope"`
}

func (a *consentAdmin) handleDecision(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		writeAdminError(w, http.StatusBadRequest, "consent request id is required")
		return
	}

	var body decisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decided, err := a.consents.ProvideConsent(r.Context(), requestID, body.Decision, body.Scope)
	if err != nil {
		var invalid *consent.InvalidInputError
		switch {
		case errors.As(err, &invalid):
			writeAdminError(w, http.StatusBadRequest, invalid.Error())
		case errors.Is(err, consent.ErrRequestExpired):
			writeAdminError(w, http.StatusGone, "consent request expired")
		case errors.Is(err, consent.ErrRequestNotFound):
			writeAdminError(w, http.StatusNotFound, "consent request not found")
		default:
			LoggerFromContext(r.Context()).Error("consent decision failed", "error", err)
			writeAdminError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if a.metrics != nil {
		a.metrics.ConsentDecisions.WithLabelValues(string(decided.Decision)).Inc()
	}
	LoggerFromContext(r.Context()).Info("consent decided",
		"consent_request_id", requestID,
		"tool", decided.ToolName,
		"decision", string(decided.Decision),
		"scope", string(decided.Scope),
	)
	writeAdminJSON(w, http.StatusOK, decided)
}

func (a *consentAdmin) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	history := a.consents.History(userID)
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (a *consentAdmin) handleStats(w http.ResponseWriter, r *http.Request) {
	writeAdminJSON(w, http.StatusOK, a.consents.Stats(r.URL.Query().Get("user")))
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeAdminJSON(w, status, map[string]string{"error": message})
}
