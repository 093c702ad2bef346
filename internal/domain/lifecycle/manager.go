package lifecycle

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/validation"
	"github.com/gatewarden/gatewarden/internal/ttl"
	"github.com/gatewarden/gatewarden/pkg/mcp"
)

// DefaultSessionTTL is the default session expiry.
const DefaultSessionTTL = 30 * time.Minute

// capabilityWhitelist names the client capability sub-objects the manager
// validates. Unknown sub-objects pass through unvalidated.
var capabilityWhitelist = []string{"roots", "sampling", "elicitation"}

// Config holds lifecycle manager configuration.
type Config struct {
	// SessionTTL is how long a session lives without explicit shutdown.
	SessionTTL time.Duration
	// VersionFallback controls negotiation for unrecognized protocol
	// versions: when true the server answers with its preferred version;
	// when false the initialize request is rejected.
	VersionFallback bool
	// ServerInfo is advertised in initialize results.
	ServerInfo Implementation
	// ServerCapabilities is advertised in initialize results.
	ServerCapabilities map[string]any
}

// Manager owns the session table and drives the initialization state
// machine: not_initialized -> initializing -> initialized -> shutdown.
// The table stores Session values, never pointers: every mutation is a
// copy-on-write inside Update under the table lock, and every read hands
// out a private copy, so readers and writers never share a struct.
type Manager struct {
	cfg       Config
	sessions  *ttl.Map[string, Session]
	validator *validation.MessageValidator
	logger    *slog.Logger

	mu            sync.RWMutex
	onInitialized func(*Session)
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.ServerCapabilities == nil {
		cfg.ServerCapabilities = map[string]any{}
	}
	return &Manager{
		cfg:       cfg,
		sessions:  ttl.NewMap[string, Session](),
		validator: validation.NewMessageValidator(),
		logger:    logger,
	}
}

// OnInitialized registers the completion callback invoked after a session
// reaches the initialized state. The gateway uses it to start per-session
// work. Must be set before traffic is served.
func (m *Manager) OnInitialized(fn func(*Session)) {
	m.mu.Lock()
	m.onInitialized = fn
	m.mu.Unlock()
}

// initializeParams is the subset of initialize params the manager consumes.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// HandleInitialize processes an initialize request for the given session.
// On success the session transitions to initializing and the negotiated
// result is returned. On any structural failure the session remains in
// not_initialized and the client may retry; a second initialize on a
// session that already left not_initialized is a fatal protocol error for
// that session.
func (m *Manager) HandleInitialize(msg *mcp.Message, sessionID string) (*InitializeResult, *validation.ValidationError) {
	if res := m.validator.ValidateBytes(msg.Raw); !res.Valid {
		return nil, res.FirstError()
	}
	if msg.Method() != mcp.MethodInitialize {
		return nil, validation.NewValidationError(validation.ErrCodeInvalidRequest, "expected initialize request")
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Request().Params, &params); err != nil {
		return nil, validation.NewValidationError(validation.ErrCodeInvalidParams, "initialize params are malformed")
	}
	if verr := checkCapabilities(params.Capabilities); verr != nil {
		return nil, verr
	}
	if params.ClientInfo.Name == "" {
		return nil, validation.NewValidationError(validation.ErrCodeInvalidParams, "params.clientInfo.name must be a non-empty string")
	}

	version, verr := m.negotiateVersion(params.ProtocolVersion)
	if verr != nil {
		return nil, verr
	}

	// Create the session record on first contact.
	now := time.Now().UTC()
	m.sessions.SetIfAbsent(sessionID, Session{
		ID:        sessionID,
		State:     StateNotInitialized,
		CreatedAt: now,
	}, m.cfg.SessionTTL)

	var stateErr *validation.ValidationError
	found := m.sessions.Update(sessionID, func(s Session) (Session, bool) {
		if s.State != StateNotInitialized {
			stateErr = validation.NewValidationError(validation.ErrCodeInvalidRequest, "session already initialized")
			return s, true
		}
		s.State = StateInitializing
		s.ProtocolVersion = version
		s.ClientCapabilities = params.Capabilities
		s.ServerCapabilities = m.cfg.ServerCapabilities
		s.ClientInfo = params.ClientInfo
		s.ServerInfo = m.cfg.ServerInfo
		return s, true
	})
	if !found {
		return nil, validation.NewValidationError(validation.ErrCodeInternalError, "session table rejected session")
	}
	if stateErr != nil {
		return nil, stateErr
	}

	m.logger.Debug("session initializing",
		"session_id", sessionID,
		"client", params.ClientInfo.Name,
		"requested_version", params.ProtocolVersion,
		"negotiated_version", version)

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    m.cfg.ServerCapabilities,
		ServerInfo:      m.cfg.ServerInfo,
	}, nil
}

// HandleInitialized processes the initialized notification. The session
// must be in initializing; on success it transitions to initialized and the
// registered completion callback runs. Notifications are one-way, so no
// response payload is produced.
func (m *Manager) HandleInitialized(msg *mcp.Message, sessionID string) error {
	if res := m.validator.ValidateBytes(msg.Raw); !res.Valid {
		return res.FirstError()
	}
	if msg.Method() != mcp.MethodInitialized || !msg.IsNotification() {
		return ErrNotInitializing
	}

	var completed *Session
	var stateErr error
	found := m.sessions.Update(sessionID, func(s Session) (Session, bool) {
		if s.State != StateInitializing {
			stateErr = ErrNotInitializing
			return s, true
		}
		s.State = StateInitialized
		s.InitializedAt = time.Now().UTC()
		snapshot := s
		completed = &snapshot
		return s, true
	})
	if !found {
		return ErrSessionNotFound
	}
	if stateErr != nil {
		return stateErr
	}

	m.logger.Info("session initialized",
		"session_id", sessionID,
		"client", completed.ClientInfo.Name,
		"protocol_version", completed.ProtocolVersion)

	// Run the callback outside the session table lock.
	m.mu.RLock()
	fn := m.onInitialized
	m.mu.RUnlock()
	if fn != nil {
		fn(completed)
	}
	return nil
}

// negotiateVersion matches the requested version against the supported
// list. There is no semantic-version arithmetic: an exact match wins,
// otherwise the configured fallback policy applies.
func (m *Manager) negotiateVersion(requested string) (string, *validation.ValidationError) {
	for _, v := range mcp.SupportedProtocolVersions {
		if requested == v {
			return v, nil
		}
	}
	if m.cfg.VersionFallback {
		return mcp.LatestProtocolVersion, nil
	}
	return "", validation.NewValidationError(validation.ErrCodeInvalidParams,
		"unsupported protocol version: "+requested)
}

// checkCapabilities validates the whitelisted capability sub-objects.
func checkCapabilities(caps map[string]any) *validation.ValidationError {
	for _, name := range capabilityWhitelist {
		v, present := caps[name]
		if !present {
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			return validation.NewValidationError(validation.ErrCodeInvalidParams,
				"capabilities."+name+" must be an object")
		}
	}
	return nil
}

// IsInitialized reports whether the session completed the handshake.
func (m *Manager) IsInitialized(sessionID string) bool {
	s, ok := m.sessions.Get(sessionID)
	return ok && s.State == StateInitialized
}

// NegotiatedVersion returns the session's negotiated protocol version.
func (m *Manager) NegotiatedVersion(sessionID string) (string, error) {
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.ProtocolVersion, nil
}

// Session returns a snapshot of the session record.
func (m *Manager) Session(sessionID string) (Session, error) {
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Shutdown terminates a session. The state is terminal: the record is
// removed and a new session must be created for further traffic.
func (m *Manager) Shutdown(sessionID string) error {
	found := m.sessions.Update(sessionID, func(s Session) (Session, bool) {
		s.State = StateShutdown
		return s, false
	})
	if !found {
		return ErrSessionNotFound
	}
	m.logger.Debug("session shut down", "session_id", sessionID)
	return nil
}

// CleanupExpired sweeps expired sessions and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	return m.sessions.Sweep()
}

// ActiveSessions returns the number of sessions in the table.
func (m *Manager) ActiveSessions() int {
	return m.sessions.Len()
}
