// Package identity resolves the caller of an HTTP request from an access token
// issued by the hosted identity provider, and validates tokens from the
// legacy authentication system for account migration.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/charachat/charachat/supabase/client"
)

// CookieName is the cookie the web client stores the access token in.
const CookieName = "sb-access-token"

var (
	// ErrNoToken is returned when a request carries no access token.
	ErrNoToken = errors.New("identity: no access token")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("identity: invalid token")
)

// User is an authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Verifier resolves an access token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// JWTVerifier checks HS256 tokens signed with the project's JWT secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier builds a verifier. An empty issuer skips the iss check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*User, error) {
	claims, err := parseHS256(token, v.secret, v.issuer)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  claims.Role,
	}, nil
}

// RemoteVerifier asks the identity provider's user endpoint about a token.
type RemoteVerifier struct {
	client *client.Client
}

// NewRemoteVerifier wraps a Supabase client created with the anon key.
func NewRemoteVerifier(c *client.Client) *RemoteVerifier {
	return &RemoteVerifier{client: c}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*User, error) {
	u, err := v.client.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	return &User{ID: u.ID, Email: u.Email, Role: u.Role}, nil
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (*User, error) {
	err := ErrInvalidToken
	for _, v := range c {
		u, verr := v.Verify(ctx, token)
		if verr == nil {
			return u, nil
		}
		err = verr
	}
	return nil, err
}

// LegacyVerifier validates session tokens minted by the legacy system and
// returns the legacy user id.
type LegacyVerifier struct {
	secret []byte
	issuer string
}

// NewLegacyVerifier builds a legacy token verifier.
func NewLegacyVerifier(secret, issuer string) *LegacyVerifier {
	return &LegacyVerifier{secret: []byte(secret), issuer: issuer}
}

// Enabled reports whether a legacy secret is configured.
func (v *LegacyVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// LegacyUserID returns the subject of a valid legacy token.
func (v *LegacyVerifier) LegacyUserID(token string) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("%w: legacy tokens are not accepted", ErrInvalidToken)
	}
	claims, err := parseHS256(token, v.secret, v.issuer)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

type claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func parseHS256(token string, secret []byte, issuer string) (*claims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// TokenFromRequest reads the bearer token, falling back to the access-token
// cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoToken
}

type contextKey struct{}

// WithUser stores u on ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// FromContext returns the authenticated user or nil.
func FromContext(ctx context.Context) *User {
	u, _ := ctx.Value(contextKey{}).(*User)
	return u
}

// UserID returns the authenticated user's id or "".
func UserID(ctx context.Context) string {
	if u := FromContext(ctx); u != nil {
		return u.ID
	}
	return ""
}
