// Package auth identifies callers from HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNotAdmin     = errors.New("admin token required")
)

type Claims struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// User returns the caller id carried by the claims.
func (c *Claims) User() (uuid.UUID, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad user id: %v", ErrInvalidToken, err)
	}
	return id, nil
}

type Authenticator struct {
	secret []byte
	clock  clockwork.Clock
}

func NewAuthenticator(secret []byte, clock clockwork.Clock) *Authenticator {
	return &Authenticator{secret: secret, clock: clock}
}

// Issue signs a token for user valid for ttl.
func (a *Authenticator) Issue(user uuid.UUID, admin bool, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := &Claims{
		UserID: user.String(),
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Parse verifies tokenString and returns its claims.
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := claims.User(); err != nil {
		return nil, err
	}
	return claims, nil
}

// FromRequest reads a bearer token from the Authorization header, falling back
// to the token query parameter used by browser websockets.
func (a *Authenticator) FromRequest(r *http.Request) (*Claims, error) {
	return a.Parse(bearer(r.Header.Get("Authorization"), r.URL.Query().Get("token")))
}

func bearer(header, fallback string) string {
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return fallback
}

type claimsKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Caller returns the authenticated user id stored in ctx.
func Caller(ctx context.Context) (uuid.UUID, error) {
	claims, ok := FromContext(ctx)
	if !ok {
		return uuid.Nil, ErrMissingToken
	}
	return claims.User()
}

// RequireAdmin fails unless ctx carries an admin token.
func RequireAdmin(ctx context.Context) error {
	claims, ok := FromContext(ctx)
	if !ok {
		return ErrMissingToken
	}
	if !claims.Admin {
		return ErrNotAdmin
	}
	return nil
}

// NewInterceptor rejects unary calls without a valid token and stores the
// claims on the context for handlers.
func NewInterceptor(a *Authenticator) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			claims, err := a.Parse(bearer(req.Header().Get("Authorization"), ""))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(WithClaims(ctx, claims), req)
		}
	}
}
