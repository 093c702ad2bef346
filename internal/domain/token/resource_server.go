package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Default validation parameters. Leeway absorbs modest clock skew between
// the authorization server and the gateway without widening the expiry
// window meaningfully.
const (
	DefaultLeeway      = 30 * time.Second
	DefaultMaxTokenAge = 24 * time.Hour
)

var defaultAllowedAlgs = []string{"RS256", "ES256"}

// Config drives a ResourceServer. Exactly one of JWKSURL and StaticKey
// must be set.
type Config struct {
	// ResourceID is this server's canonical identifier, compared against
	// both the aud claim and the RFC 8707 resource claim.
	ResourceID string
	// Issuer is the required iss claim.
	Issuer string
	// JWKSURL points at the authorization server's key set. Keys are
	// fetched and refreshed in the background.
	JWKSURL string
	// StaticKey verifies signatures without JWKS (tests, symmetric
	// deployments).
	StaticKey any
	// AllowedAlgs restricts acceptable signing algorithms. Defaults to
	// RS256 and ES256; "none" is never acceptable.
	AllowedAlgs []string
	// RequiredScopes must all be present on every accepted token.
	RequiredScopes []string
	// MaxTokenAge bounds now-iat. Zero applies DefaultMaxTokenAge;
	// negative disables the check.
	MaxTokenAge time.Duration
	// Leeway for exp/nbf comparison. Zero applies DefaultLeeway.
	Leeway time.Duration
}

// ResourceServer validates inbound bearer tokens for a single protected
// resource. Methods are safe for concurrent use.
type ResourceServer struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
	logger  *slog.Logger
	now     func() time.Time
}

// NewResourceServer builds a ResourceServer. With a JWKSURL the key set is
// fetched eagerly and refreshed until ctx is cancelled.
func NewResourceServer(ctx context.Context, cfg Config, logger *slog.Logger) (*ResourceServer, error) {
	if cfg.ResourceID == "" {
		return nil, fmt.Errorf("resource server: resource identifier is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("resource server: issuer is required")
	}
	if (cfg.JWKSURL == "") == (cfg.StaticKey == nil) {
		return nil, fmt.Errorf("resource server: exactly one of JWKS URL and static key must be set")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = defaultAllowedAlgs
	}
	for _, alg := range cfg.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return nil, fmt.Errorf("resource server: alg %q is not acceptable", alg)
		}
	}
	if cfg.MaxTokenAge == 0 {
		cfg.MaxTokenAge = DefaultMaxTokenAge
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if logger == nil {
		logger = slog.Default()
	}

	var kf jwt.Keyfunc
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("resource server: fetch jwks from %s: %w", cfg.JWKSURL, err)
		}
		kf = jwks.Keyfunc
	} else {
		key := cfg.StaticKey
		kf = func(*jwt.Token) (any, error) { return key, nil }
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
	)

	return &ResourceServer{
		cfg:     cfg,
		keyfunc: kf,
		parser:  parser,
		logger:  logger.With(slog.String("component", "resource_server")),
		now:     time.Now,
	}, nil
}

// ResourceID returns the identifier tokens must be bound to.
func (rs *ResourceServer) ResourceID() string { return rs.cfg.ResourceID }

// ValidateToken verifies a raw bearer token and returns its claims.
// Rejections are *InvalidTokenError, *ConfusedDeputyError, or
// ErrInsufficientScope; there is no partial acceptance.
func (rs *ResourceServer) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, &InvalidTokenError{Reason: "empty token"}
	}

	mc := jwt.MapClaims{}
	if _, err := rs.parser.ParseWithClaims(raw, mc, rs.keyfunc); err != nil {
		return nil, invalidTokenf(err, "verification failed")
	}

	aud := audienceValues(mc["aud"])
	if !contains(aud, rs.cfg.ResourceID) {
		return nil, &ConfusedDeputyError{Claim: "aud", Got: strings.Join(aud, " "), Want: rs.cfg.ResourceID}
	}

	// Resource Indicators binding. A token without a resource claim may
	// have been issued for any server the user authorized, so it is
	// treated as unsafe.
	resource, ok := mc["resource"].(string)
	if !ok || resource == "" {
		return nil, &InvalidTokenError{Reason: "missing resource claim"}
	}
	if resource != rs.cfg.ResourceID {
		return nil, &ConfusedDeputyError{Claim: "resource", Got: resource, Want: rs.cfg.ResourceID}
	}

	claims := &Claims{
		Audience: aud,
		Resource: resource,
	}
	claims.Subject, _ = mc["sub"].(string)
	if claims.Subject == "" {
		return nil, &InvalidTokenError{Reason: "missing sub claim"}
	}
	claims.Issuer, _ = mc["iss"].(string)
	claims.ClientID, _ = mc["client_id"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}

	if rs.cfg.MaxTokenAge > 0 {
		if claims.IssuedAt.IsZero() {
			return nil, &InvalidTokenError{Reason: "missing iat claim"}
		}
		if age := rs.now().Sub(claims.IssuedAt); age > rs.cfg.MaxTokenAge {
			return nil, invalidTokenf(nil, "token age %s exceeds maximum %s", age.Round(time.Second), rs.cfg.MaxTokenAge)
		}
	}

	if scope, ok := mc["scope"].(string); ok && scope != "" {
		claims.Scopes = strings.Fields(scope)
	}
	for _, required := range rs.cfg.RequiredScopes {
		if !claims.HasScope(required) {
			return nil, fmt.Errorf("%w: missing %q", ErrInsufficientScope, required)
		}
	}

	rs.logger.DebugContext(ctx, "token accepted",
		slog.String("sub", claims.Subject),
		slog.String("client_id", claims.ClientID))
	return claims, nil
}

// AuthorizationURL builds an authorization request URL with the RFC 8707
// resource parameter always embedded, plus PKCE when a challenge is given.
func (rs *ResourceServer) AuthorizationURL(endpoint, clientID, redirectURI, state string, scopes []string, codeChallenge string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("resource", rs.cfg.ResourceID)
	if state != "" {
		q.Set("state", state)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenRequestParams builds the form body for the authorization-code
// exchange, again embedding the resource parameter so the issued token is
// audience-restricted to this server.
func (rs *ResourceServer) TokenRequestParams(code, redirectURI, clientID, codeVerifier string) url.Values {
	v := url.Values{}
	v.Set("grant_type", "authorization_code")
	v.Set("code", code)
	v.Set("redirect_uri", redirectURI)
	v.Set("client_id", clientID)
	v.Set("resource", rs.cfg.ResourceID)
	if codeVerifier != "" {
		v.Set("code_verifier", codeVerifier)
	}
	return v
}

// TokenResponse is the subset of an RFC 6749 token response the gateway
// inspects.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// ValidateTokenResponse checks an authorization server's token response
// before the issued token is trusted: the token must decode and carry a
// resource claim naming this server. The signature is verified later, on
// first use, by ValidateToken.
func (rs *ResourceServer) ValidateTokenResponse(body []byte) (*TokenResponse, error) {
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	if !strings.EqualFold(tr.TokenType, "Bearer") {
		return nil, fmt.Errorf("unsupported token_type %q", tr.TokenType)
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, mc); err != nil {
		return nil, invalidTokenf(err, "undecodable access token")
	}
	resource, _ := mc["resource"].(string)
	if resource == "" {
		return nil, &InvalidTokenError{Reason: "issued token has no resource claim"}
	}
	if resource != rs.cfg.ResourceID {
		return nil, &ConfusedDeputyError{Claim: "resource", Got: resource, Want: rs.cfg.ResourceID}
	}
	return &tr, nil
}

// Challenge renders the WWW-Authenticate value for a validation failure.
func Challenge(realm string, err error) string {
	var b strings.Builder
	b.WriteString(`Bearer realm="`)
	b.WriteString(realm)
	b.WriteString(`"`)
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientScope):
		b.WriteString(`, error="insufficient_scope"`)
	default:
		b.WriteString(`, error="invalid_token"`)
	}
	return b.String()
}

func audienceValues(v any) []string {
	switch aud := v.(type) {
	case string:
		return []string{aud}
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return aud
	default:
		return nil
	}
}

func contains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}
