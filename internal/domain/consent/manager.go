package consent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/ttl"
)

// Default windows for pending requests and session-scoped decisions.
const (
	DefaultRequestTTL         = 5 * time.Minute
	DefaultSessionDecisionTTL = 30 * time.Minute
)

// Config drives a Manager.
type Config struct {
	// RequestTTL is how long a pending request stays decidable.
	RequestTTL time.Duration
	// SessionDecisionTTL bounds how long session-scoped decisions are
	// reusable when the session is never shut down explicitly.
	SessionDecisionTTL time.Duration
}

// ToolCall describes one tool-invocation attempt entering the consent
// gate.
type ToolCall struct {
	SessionID        string
	UserID           string
	ClientID         string
	ToolName         string
	ToolDescription  string
	Parameters       map[string]any
	Justification    string
	PredictedEffects string
}

// Status is the gate's answer for a tool call.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusPending  Status = "pending"
)

// Outcome explains how a tool call fared at the consent gate.
type Outcome struct {
	Status Status
	// Request is the pending request when Status is pending, or the
	// finalized request when a rule decided it. Nil for cached reuse.
	Request *ConsentRequest
	// Source is one of "cached_session", "cached_persistent", "rule",
	// "pending".
	Source string
	// RuleName names the matching rule when Source is "rule".
	RuleName string
	RiskTier RiskTier
}

// Manager owns the consent workflow: risk assessment, decision-cache
// lookup, rule evaluation, the pending-request table, history, and audit.
// All methods are safe for concurrent use; no two decisions can finalize
// the same request. The pending table stores ConsentRequest values:
// mutations are copy-on-write under the table lock and reads hand out
// private copies.
type Manager struct {
	cfg     Config
	pending *ttl.Map[string, ConsentRequest]
	// session holds session-scoped decisions keyed by
	// session/user/tool.
	session *ttl.Map[string, DecisionRecord]
	store   DecisionStore
	audit   AuditSink
	rules   RuleEngine
	logger  *slog.Logger
	now     func() time.Time

	histMu  sync.RWMutex
	history []HistoryEntry
}

// NewManager builds a Manager. store, audit, and rules may each be nil,
// disabling persistent reuse, audit, and auto-decision respectively.
func NewManager(cfg Config, store DecisionStore, audit AuditSink, rules RuleEngine, logger *slog.Logger) *Manager {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	if cfg.SessionDecisionTTL <= 0 {
		cfg.SessionDecisionTTL = DefaultSessionDecisionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		pending: ttl.NewMap[string, ConsentRequest](),
		session: ttl.NewMap[string, DecisionRecord](),
		store:   store,
		audit:   audit,
		rules:   rules,
		logger:  logger.With(slog.String("component", "consent")),
		now:     time.Now,
	}
}

// RequestConsent assesses a tool call and either reuses a prior decision,
// lets a rule decide, or queues a pending request for a human. Critical
// requests never reuse a cached decision.
func (m *Manager) RequestConsent(ctx context.Context, call ToolCall) (*Outcome, error) {
	tier := AssessRisk(call.ToolName, call.Parameters)
	hash := HashParams(call.Parameters)
	now := m.now()

	if tier != RiskTierCritical {
		if rec, ok := m.session.Get(sessionKey(call.SessionID, call.UserID, call.ToolName)); ok {
			m.emit(ctx, Event{
				Timestamp: now, EventType: EventTypeReused,
				UserID: call.UserID, ClientID: call.ClientID,
				ToolName: call.ToolName, Decision: rec.Decision,
				RiskTier: tier, Scope: ScopeSession, ParamHash: hash,
			})
			return &Outcome{Status: statusFor(rec.Decision), Source: "cached_session", RiskTier: tier}, nil
		}
		if m.store != nil {
			rec, ok, err := m.store.Get(ctx, call.UserID, call.ToolName)
			if err != nil {
				m.logger.WarnContext(ctx, "decision store lookup failed",
					slog.String("tool", call.ToolName), slog.Any("error", err))
			} else if ok {
				m.emit(ctx, Event{
					Timestamp: now, EventType: EventTypeReused,
					UserID: call.UserID, ClientID: call.ClientID,
					ToolName: call.ToolName, Decision: rec.Decision,
					RiskTier: tier, Scope: ScopePersistent, ParamHash: hash,
				})
				return &Outcome{Status: statusFor(rec.Decision), Source: "cached_persistent", RiskTier: tier}, nil
			}
		}
	}

	req := &ConsentRequest{
		ID:               uuid.NewString(),
		ToolName:         call.ToolName,
		ToolDescription:  call.ToolDescription,
		Parameters:       call.Parameters,
		RiskTier:         tier,
		UserID:           call.UserID,
		ClientID:         call.ClientID,
		SessionID:        call.SessionID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.RequestTTL),
		Justification:    call.Justification,
		PredictedEffects: call.PredictedEffects,
	}

	if m.rules != nil {
		out, err := m.rules.Evaluate(ctx, req)
		switch {
		case err != nil:
			// A broken rule never decides; the request falls through
			// to a human.
			m.logger.WarnContext(ctx, "rule evaluation failed",
				slog.String("tool", call.ToolName), slog.Any("error", err))
		case out.Matched && (out.Decision == DecisionDenied || tier != RiskTierCritical):
			req.Decision = out.Decision
			req.DecidedAt = now
			req.Scope = ScopeSingleUse
			m.appendHistory(req)
			m.emit(ctx, m.eventFor(req, EventTypeAutoDecided))
			m.logger.InfoContext(ctx, "consent auto-decided",
				slog.String("tool", call.ToolName),
				slog.String("decision", string(out.Decision)),
				slog.String("rule", out.RuleName))
			return &Outcome{Status: statusFor(out.Decision), Request: req, Source: "rule", RuleName: out.RuleName, RiskTier: tier}, nil
		}
	}

	m.pending.Set(req.ID, *req, 0)
	m.emit(ctx, m.eventFor(req, EventTypeRequested))
	return &Outcome{Status: StatusPending, Request: req, Source: "pending", RiskTier: tier}, nil
}

// ProvideConsent finalizes a pending request. The exists/not-expired/
// finalize sequence is atomic per request id. The decision is persisted
// per scope, archived to history, and audited best-effort.
func (m *Manager) ProvideConsent(ctx context.Context, requestID string, decision Decision, scope Scope) (*ConsentRequest, error) {
	if !decision.IsValid() {
		return nil, &InvalidInputError{Field: "decision", Value: string(decision)}
	}
	if scope == "" {
		scope = ScopeSingleUse
	}
	if !scope.IsValid() {
		return nil, &InvalidInputError{Field: "scope", Value: string(scope)}
	}

	var finalized *ConsentRequest
	expired := false
	found := m.pending.Update(requestID, func(req ConsentRequest) (ConsentRequest, bool) {
		now := m.now()
		if req.Expired(now) {
			req.Decision = DecisionExpired
			req.DecidedAt = now
			expired = true
		} else {
			req.Decision = decision
			req.DecidedAt = now
			req.Scope = scope
		}
		finalized = &req
		return req, false
	})
	if !found {
		return nil, ErrRequestNotFound
	}
	if expired {
		m.appendHistory(finalized)
		m.emit(ctx, m.eventFor(finalized, EventTypeExpired))
		return nil, ErrRequestExpired
	}

	m.appendHistory(finalized)
	m.emit(ctx, m.eventFor(finalized, EventTypeDecided))
	m.persistDecision(ctx, finalized)
	if scope == ScopeBulkApprove {
		m.applyBulk(ctx, finalized)
	}
	return finalized, nil
}

// PendingRequests returns pending requests, newest last, lazily expiring
// stale ones. An empty userID returns all users' requests.
func (m *Manager) PendingRequests(ctx context.Context, userID string) []*ConsentRequest {
	var out []*ConsentRequest
	m.pending.Range(func(id string, req ConsentRequest) bool {
		if m.expireIfStale(ctx, id) {
			return true
		}
		if userID == "" || req.UserID == userID {
			out = append(out, &req)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns finalized entries for a user in decision order. An
// empty userID returns all entries.
func (m *Manager) History(userID string) []HistoryEntry {
	m.histMu.RLock()
	defer m.histMu.RUnlock()

	out := make([]HistoryEntry, 0, len(m.history))
	for _, e := range m.history {
		if userID == "" || e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarizes a user's consent history. An empty userID summarizes
// all users.
type Stats struct {
	Total         int         `json:"total"`
	Approved      int         `json:"approved"`
	Denied        int         `json:"denied"`
	Expired       int         `json:"expired"`
	ApprovalRate  float64     `json:"approval_rate"`
	FrequentTools []ToolCount `json:"frequent_tools"`
}

// ToolCount pairs a tool name with its invocation count.
type ToolCount struct {
	ToolName string `json:"tool_name"`
	Count    int    `json:"count"`
}

// Stats derives read-only statistics from history.
func (m *Manager) Stats(userID string) Stats {
	m.histMu.RLock()
	defer m.histMu.RUnlock()

	var s Stats
	counts := map[string]int{}
	for _, e := range m.history {
		if userID != "" && e.UserID != userID {
			continue
		}
		s.Total++
		counts[e.ToolName]++
		switch e.Decision {
		case DecisionApproved:
			s.Approved++
		case DecisionDenied:
			s.Denied++
		case DecisionExpired:
			s.Expired++
		}
	}
	if decided := s.Approved + s.Denied; decided > 0 {
		s.ApprovalRate = float64(s.Approved) / float64(decided)
	}

	s.FrequentTools = make([]ToolCount, 0, len(counts))
	for tool, n := range counts {
		s.FrequentTools = append(s.FrequentTools, ToolCount{ToolName: tool, Count: n})
	}
	sort.Slice(s.FrequentTools, func(i, j int) bool {
		if s.FrequentTools[i].Count != s.FrequentTools[j].Count {
			return s.FrequentTools[i].Count > s.FrequentTools[j].Count
		}
		return s.FrequentTools[i].ToolName < s.FrequentTools[j].ToolName
	})
	if len(s.FrequentTools) > 5 {
		s.FrequentTools = s.FrequentTools[:5]
	}
	return s
}

// ClearSession drops session-scoped decisions for a session, typically
// from the session-shutdown hook.
func (m *Manager) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	m.session.Range(func(key string, _ DecisionRecord) bool {
		if strings.HasPrefix(key, prefix) {
			m.session.Delete(key)
		}
		return true
	})
}

// RevokePersistent removes a stored per-user-per-tool decision.
func (m *Manager) RevokePersistent(ctx context.Context, userID, toolName string) error {
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, userID, toolName)
}

// CleanupExpired finalizes every stale pending request and returns how
// many were expired.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	expired := 0
	m.pending.Range(func(id string, _ ConsentRequest) bool {
		if m.expireIfStale(ctx, id) {
			expired++
		}
		return true
	})
	return expired
}

// expireIfStale atomically finalizes a request as expired when its window
// has passed. Returns true when it expired the request.
func (m *Manager) expireIfStale(ctx context.Context, id string) bool {
	var finalized *ConsentRequest
	m.pending.Update(id, func(req ConsentRequest) (ConsentRequest, bool) {
		now := m.now()
		if !req.Expired(now) {
			return req, true
		}
		req.Decision = DecisionExpired
		req.DecidedAt = now
		finalized = &req
		return req, false
	})
	if finalized == nil {
		return false
	}
	m.appendHistory(finalized)
	m.emit(ctx, m.eventFor(finalized, EventTypeExpired))
	return true
}

// applyBulk propagates a bulk_approve decision to the user's other
// pending requests for the same tool.
func (m *Manager) applyBulk(ctx context.Context, decided *ConsentRequest) {
	m.pending.Range(func(id string, req ConsentRequest) bool {
		if req.UserID != decided.UserID || req.ToolName != decided.ToolName {
			return true
		}
		var finalized *ConsentRequest
		m.pending.Update(id, func(r ConsentRequest) (ConsentRequest, bool) {
			now := m.now()
			if r.Expired(now) || r.UserID != decided.UserID || r.ToolName != decided.ToolName {
				return r, true
			}
			r.Decision = decided.Decision
			r.DecidedAt = now
			r.Scope = ScopeSingleUse
			finalized = &r
			return r, false
		})
		if finalized != nil {
			m.appendHistory(finalized)
			m.emit(ctx, m.eventFor(finalized, EventTypeDecided))
		}
		return true
	})
}

func (m *Manager) persistDecision(ctx context.Context, req *ConsentRequest) {
	rec := DecisionRecord{
		UserID:    req.UserID,
		ToolName:  req.ToolName,
		Decision:  req.Decision,
		RiskTier:  req.RiskTier,
		ParamHash: HashParams(req.Parameters),
		DecidedAt: req.DecidedAt,
	}
	switch req.Scope {
	case ScopeSession, ScopeBulkApprove:
		m.session.Set(sessionKey(req.SessionID, req.UserID, req.ToolName), rec, m.cfg.SessionDecisionTTL)
	case ScopePersistent:
		if m.store == nil {
			return
		}
		// The decision stands even when persistence fails; reuse just
		// falls back to asking again.
		if err := m.store.Put(ctx, rec); err != nil {
			m.logger.WarnContext(ctx, "persist consent decision failed",
				slog.String("tool", req.ToolName), slog.Any("error", err))
		}
	}
}

func (m *Manager) appendHistory(req *ConsentRequest) {
	entry := HistoryEntry{
		UserID:    req.UserID,
		ToolName:  req.ToolName,
		Decision:  req.Decision,
		Timestamp: req.DecidedAt,
		ParamHash: HashParams(req.Parameters),
		RiskTier:  req.RiskTier,
	}
	m.histMu.Lock()
	m.history = append(m.history, entry)
	m.histMu.Unlock()
}

// emit appends an audit event. Audit is best-effort: a sink failure is
// logged and never propagated.
func (m *Manager) emit(ctx context.Context, ev Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(ctx, ev); err != nil {
		m.logger.ErrorContext(ctx, "audit append failed",
			slog.String("event_type", ev.EventType), slog.Any("error", err))
	}
}

func (m *Manager) eventFor(req *ConsentRequest, eventType string) Event {
	ts := req.DecidedAt
	if ts.IsZero() {
		ts = req.CreatedAt
	}
	return Event{
		Timestamp:        ts,
		EventType:        eventType,
		RequestID:        req.ID,
		UserID:           req.UserID,
		ClientID:         req.ClientID,
		ToolName:         req.ToolName,
		Decision:         req.Decision,
		RiskTier:         req.RiskTier,
		Scope:            req.Scope,
		ParamHash:        HashParams(req.Parameters),
		Justification:    req.Justification,
		PredictedEffects: req.PredictedEffects,
	}
}

func statusFor(d Decision) Status {
	if d == DecisionApproved {
		return StatusApproved
	}
	return StatusDenied
}

func sessionKey(sessionID, userID, toolName string) string {
	return sessionID + "\x00" + userID + "\x00" + toolName
}
