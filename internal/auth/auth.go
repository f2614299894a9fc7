// Package auth issues and verifies the bearer tokens that identify users,
// and provides the HTTP middleware guarding protected routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patric-chuzhbe/gram/internal/logger"
)

// Audience is written into every issued token and required on verification.
const Audience = "gram:auth"

var (
	// ErrInvalidToken covers malformed, badly signed or foreign tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingToken means the request carried no bearer credentials.
	ErrMissingToken = errors.New("missing bearer token")
)

// Auth signs and verifies stateless JWTs. No session is kept server-side,
// so a token stays valid until its expiry whatever happens to the user.
type Auth struct {
	// signingKey is the HMAC secret used for HS256.
	signingKey []byte

	// ttl is the lifetime of issued tokens.
	ttl time.Duration

	now func() time.Time
}

// Claims represents the JWT claims used by the system.
// It embeds standard JWT claims and adds a user-specific identifier.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// ContextKey is a custom type for storing values in context to avoid collisions.
type ContextKey string

// UserIDKey is the context key used to store and retrieve the authenticated user's ID.
const UserIDKey ContextKey = "userID"

// Option customizes Auth.
type Option func(*Auth)

// WithClock replaces time.Now, used by tests exercising expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Auth) {
		a.now = now
	}
}

// New creates a token service signing with signingKey and issuing tokens valid for ttl.
func New(signingKey []byte, ttl time.Duration, options ...Option) *Auth {
	a := &Auth{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
	for _, option := range options {
		option(a)
	}

	return a
}

// Issue builds a signed token carrying userID and an expiry.
func (a *Auth) Issue(userID string) (string, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID: userID,
	}

	return a.buildJWTString(claims)
}

// Verify recovers the user id from tokenString.
func (a *Auth) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.signingKey, nil
		},
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now, true) {
		return "", ErrTokenExpired
	}
	if !claims.VerifyAudience(Audience, true) {
		return "", ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return "", ErrInvalidToken
	}

	return claims.UserID, nil
}

// AuthenticateUser is an HTTP middleware that requires a valid bearer token
// in the Authorization header and stores the user ID in the request context.
// Requests without one are answered with 401.
func (a *Auth) AuthenticateUser(h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		userID, err := a.Verify(bearerToken(request))
		if err != nil {
			logger.Log.Debugln("Error calling the `a.Verify()`: ", zap.Error(err))
			response.Header().Set("WWW-Authenticate", "Bearer")
			response.Header().Set("Content-Type", "application/json")
			response.WriteHeader(http.StatusUnauthorized)
			_, _ = response.Write([]byte(`{"detail":"Unauthorized"}`))

			return
		}

		ctx := context.WithValue(request.Context(), UserIDKey, userID)
		h.ServeHTTP(response, request.WithContext(ctx))
	}

	return http.HandlerFunc(middleware)
}

// UserIDFromContext returns the id stored by AuthenticateUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)

	return userID, ok && userID != ""
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}

func (a *Auth) buildJWTString(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, *claims)

	tokenString, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}
