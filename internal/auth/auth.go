// Package auth implements JWT bearer authentication for the gateway:
// HMAC-signed access and refresh tokens, a public-path allowlist, and the
// user context handed to downstream components after validation.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens via the "type" claim.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Kind classifies why authentication failed, mapped to HTTP status by the
// gatewayhttp pipeline per the error-handling design.
type Kind string

const (
	KindMissingToken    Kind = "missing_token"
	KindMalformedHeader Kind = "malformed_header"
	KindInvalidSignature Kind = "invalid_signature"
	KindExpired         Kind = "expired"
	KindWrongTokenType  Kind = "wrong_token_type"
)

// Error is a typed authentication failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// UserContext is the authenticated identity attached to a request.
type UserContext struct {
	Subject     string
	UserID      string
	Username    string
	Roles       []string
	Permissions []string
}

// HasRole reports whether the user carries the given role.
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type"`
}

// Authenticator verifies bearer tokens and decides which paths are public.
type Authenticator struct {
	secret             []byte
	accessTTL          time.Duration
	refreshTTL         time.Duration
	publicPaths        map[string]bool
	publicPathPrefixes []string
}

// New builds an Authenticator. publicPaths match exactly; publicPathPrefixes
// match by prefix.
func New(secret string, accessTTL, refreshTTL time.Duration, publicPaths, publicPathPrefixes []string) *Authenticator {
	pp := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		pp[p] = true
	}
	return &Authenticator{
		secret:             []byte(secret),
		accessTTL:          accessTTL,
		refreshTTL:         refreshTTL,
		publicPaths:        pp,
		publicPathPrefixes: publicPathPrefixes,
	}
}

// IsPublic reports whether path requires no authentication.
func (a *Authenticator) IsPublic(path string) bool {
	if a.publicPaths[path] {
		return true
	}
	for _, prefix := range a.publicPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Authenticate extracts and verifies the bearer token from an Authorization
// header, requiring it to be an access token.
func (a *Authenticator) Authenticate(header string) (UserContext, *Error) {
	return a.authenticate(header, TokenAccess)
}

// AuthenticateRefresh verifies a bearer token as a refresh token, used by
// the token-refresh endpoint.
func (a *Authenticator) AuthenticateRefresh(header string) (UserContext, *Error) {
	return a.authenticate(header, TokenRefresh)
}

func (a *Authenticator) authenticate(header string, want TokenType) (UserContext, *Error) {
	if header == "" {
		return UserContext{}, newError(KindMissingToken, nil)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return UserContext{}, newError(KindMalformedHeader, errors.New("expected 'Bearer <token>'"))
	}
	tokenStr := parts[1]

	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return UserContext{}, newError(KindExpired, err)
		}
		return UserContext{}, newError(KindInvalidSignature, err)
	}
	if !tok.Valid {
		return UserContext{}, newError(KindInvalidSignature, errors.New("token not valid"))
	}

	c, ok := tok.Claims.(*claims)
	if !ok {
		return UserContext{}, newError(KindInvalidSignature, errors.New("unexpected claims type"))
	}
	if c.Type != string(want) {
		return UserContext{}, newError(KindWrongTokenType, fmt.Errorf("got %q, want %q", c.Type, want))
	}

	roles := c.Roles
	if len(roles) == 0 && c.Role != "" {
		roles = []string{c.Role}
	}

	return UserContext{
		Subject:     c.Subject,
		UserID:      c.UserID,
		Username:    c.Username,
		Roles:       roles,
		Permissions: c.Permissions,
	}, nil
}

// AuthenticateToken verifies a bare access token (no "Bearer " prefix),
// for callers that receive the token as a field rather than a header --
// the websocket bus's authenticate frame.
func (a *Authenticator) AuthenticateToken(token string) (UserContext, *Error) {
	if token == "" {
		return UserContext{}, newError(KindMissingToken, nil)
	}
	return a.authenticate("Bearer "+token, TokenAccess)
}

// IssueAccessToken mints a short-lived access token for the given identity.
func (a *Authenticator) IssueAccessToken(userID, username string, roles []string) (string, error) {
	return a.issue(userID, username, roles, nil, TokenAccess, a.accessTTL)
}

// IssueAccessTokenWithPermissions mints an access token carrying explicit
// permission claims, for services that enforce fine-grained WS/permission
// topic subscriptions.
func (a *Authenticator) IssueAccessTokenWithPermissions(userID, username string, roles, permissions []string) (string, error) {
	return a.issue(userID, username, roles, permissions, TokenAccess, a.accessTTL)
}

// IssueRefreshToken mints a long-lived refresh token. Refresh tokens are
// reusable until expiry; there is no revocation list.
func (a *Authenticator) IssueRefreshToken(userID, username string, roles []string) (string, error) {
	return a.issue(userID, username, roles, nil, TokenRefresh, a.refreshTTL)
}

func (a *Authenticator) issue(userID, username string, roles, permissions []string, typ TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:      userID,
		Username:    username,
		Roles:       roles,
		Permissions: permissions,
		Type:        string(typ),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(a.secret)
}

// Refresh verifies a bearer-wrapped refresh token and mints a fresh
// access/refresh pair. Refresh tokens are reusable until expiry; this does
// not revoke the presented token.
func (a *Authenticator) Refresh(header string) (accessToken, refreshToken string, authErr *Error) {
	user, authErr := a.AuthenticateRefresh(header)
	if authErr != nil {
		return "", "", authErr
	}
	access, err := a.IssueAccessTokenWithPermissions(user.UserID, user.Username, user.Roles, user.Permissions)
	if err != nil {
		return "", "", newError(KindInvalidSignature, err)
	}
	refresh, err := a.IssueRefreshToken(user.UserID, user.Username, user.Roles)
	if err != nil {
		return "", "", newError(KindInvalidSignature, err)
	}
	return access, refresh, nil
}

// BearerHeader extracts the Authorization header value from an HTTP
// request, a convenience for gatewayhttp's pipeline.
func BearerHeader(r *http.Request) string {
	return r.Header.Get("Authorization")
}
