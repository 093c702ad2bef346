// Package consent contains the consent workflow domain: risk assessment,
// pending-request lifecycle, decision caching, history, and audit events.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RiskTier classifies the potential impact of a tool invocation.
type RiskTier string

const (
	// RiskTierLow covers read-only, informational operations.
	RiskTierLow RiskTier = "low"

	// RiskTierMedium covers mutating or network operations, and any tool
	// the classifier cannot place.
	RiskTierMedium RiskTier = "medium"

	// RiskTierHigh covers execution, deletion, and install operations.
	RiskTierHigh RiskTier = "high"

	// RiskTierCritical covers destructive, admin, or privileged-path
	// operations. Critical requests never reuse a cached decision.
	RiskTierCritical RiskTier = "critical"
)

// IsValid returns true if the tier is a known valid tier.
func (r RiskTier) IsValid() bool {
	switch r {
	case RiskTierLow, RiskTierMedium, RiskTierHigh, RiskTierCritical:
		return true
	default:
		return false
	}
}

// Rank orders tiers for escalation comparison; higher is riskier.
func (r RiskTier) Rank() int {
	switch r {
	case RiskTierLow:
		return 0
	case RiskTierMedium:
		return 1
	case RiskTierHigh:
		return 2
	case RiskTierCritical:
		return 3
	default:
		return 1
	}
}

// Scope controls how long a consent decision remains reusable.
type Scope string

const (
	// ScopeSingleUse applies to this invocation only.
	ScopeSingleUse Scope = "single_use"
	// ScopeSession is reusable for the rest of the session.
	ScopeSession Scope = "session"
	// ScopePersistent is reusable across sessions for this user and tool.
	ScopePersistent Scope = "persistent"
	// ScopeBulkApprove additionally applies the decision to every other
	// pending request from the same user for the same tool.
	ScopeBulkApprove Scope = "bulk_approve"
)

// IsValid returns true if the scope is a known valid scope.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeSingleUse, ScopeSession, ScopePersistent, ScopeBulkApprove:
		return true
	default:
		return false
	}
}

// Decision is the outcome recorded on a finalized request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionExpired  Decision = "expired"
)

// IsValid returns true for decisions a caller may provide. Expired is
// assigned internally, never provided.
func (d Decision) IsValid() bool {
	return d == DecisionApproved || d == DecisionDenied
}

// ConsentRequest is one pending tool-invocation approval. It is created by
// RequestConsent, mutated exactly once by a decision or expiry, then
// archived to history and removed from the pending set.
type ConsentRequest struct {
	ID               string         `json:"id"`
	ToolName         string         `json:"tool_name"`
	ToolDescription  string         `json:"tool_description,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	RiskTier         RiskTier       `json:"risk_tier"`
	UserID           string         `json:"user_id"`
	ClientID         string         `json:"client_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Scope            Scope          `json:"scope,omitempty"`
	Decision         Decision       `json:"decision,omitempty"`
	DecidedAt        time.Time      `json:"decided_at,omitzero"`
	Justification    string         `json:"justification,omitempty"`
	PredictedEffects string         `json:"predicted_effects,omitempty"`
}

// Expired reports whether the request's decision window has passed.
func (r *ConsentRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// HistoryEntry is an immutable append-only record of a finalized request.
// Raw parameters are never stored, only their hash.
type HistoryEntry struct {
	UserID    string    `json:"user_id"`
	ToolName  string    `json:"tool_name"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
	ParamHash string    `json:"param_hash"`
	RiskTier  RiskTier  `json:"risk_tier"`
}

// DecisionRecord is a cached reusable decision, held in the session map or
// the persistent per-user-per-tool store.
type DecisionRecord struct {
	UserID    string    `json:"user_id"`
	ToolName  string    `json:"tool_name"`
	Decision  Decision  `json:"decision"`
	RiskTier  RiskTier  `json:"risk_tier"`
	ParamHash string    `json:"param_hash"`
	DecidedAt time.Time `json:"decided_at"`
}

// DecisionStore persists per-user-per-tool consent decisions across
// sessions.
type DecisionStore interface {
	Put(ctx context.Context, rec DecisionRecord) error
	Get(ctx context.Context, userID, toolName string) (DecisionRecord, bool, error)
	Delete(ctx context.Context, userID, toolName string) error
	List(ctx context.Context, userID string) ([]DecisionRecord, error)
	Close() error
}

// Audit event types.
const (
	EventTypeRequested   = "consent.requested"
	EventTypeDecided     = "consent.decided"
	EventTypeReused      = "consent.reused"
	EventTypeAutoDecided = "consent.auto_decided"
	EventTypeExpired     = "consent.expired"
)

// Event is one audit line. Parameters appear only as a hash.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	EventType        string    `json:"event_type"`
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	ClientID         string    `json:"client_id,omitempty"`
	ToolName         string    `json:"tool_name"`
	Decision         Decision  `json:"decision,omitempty"`
	RiskTier         RiskTier  `json:"risk_tier"`
	Scope            Scope     `json:"scope,omitempty"`
	ParamHash        string    `json:"param_hash"`
	Justification    string    `json:"justification,omitempty"`
	PredictedEffects string    `json:"predicted_effects,omitempty"`
}

// AuditSink receives consent events. Appends are best-effort from the
// manager's point of view: a sink failure never fails the decision.
type AuditSink interface {
	Append(ctx context.Context, events ...Event) error
	Close() error
}

// RuleOutcome is a rule engine's verdict on a request.
type RuleOutcome struct {
	Matched  bool
	Decision Decision
	RuleName string
}

// RuleEngine evaluates auto-decision rules against a consent request
// before it is queued for a human.
type RuleEngine interface {
	Evaluate(ctx context.Context, req *ConsentRequest) (RuleOutcome, error)
}

// HashParams returns a stable hash of tool parameters for history and
// audit records. Map keys marshal in sorted order, so equal parameter
// sets hash equally.
func HashParams(params map[string]any) string {
	if len(params) == 0 {
		return "0"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "0"
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Errors returned by the manager.
var (
	ErrRequestNotFound = errors.New("consent request not found")
	ErrRequestExpired  = errors.New("consent request expired")
	ErrAlreadyDecided  = errors.New("consent request already decided")
)

// InvalidInputError reports a malformed decision or scope value.
type InvalidInputError struct {
	Field string
	Value string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid consent %s %q", e.Field, e.Value)
}
