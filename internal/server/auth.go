package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/memo"
)

type contextKey string

const claimsKey contextKey = "claims"

// Claims are the bearer token claims. Subject identifies the caller.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// ClaimsFrom returns the verified claims stored on ctx.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// Authenticator verifies HS256 bearer tokens and resolves the operator.
type Authenticator struct {
	secret   []byte
	operator *memo.Value[string]
	nowFunc  func() time.Time
}

// NewAuthenticator creates an Authenticator. operator yields the subject
// allowed to call operator routes.
func NewAuthenticator(secret string, operator *memo.Value[string]) *Authenticator {
	return &Authenticator{secret: []byte(secret), operator: operator, nowFunc: time.Now}
}

// Issue signs a token for subject. Used by the token command and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.nowFunc()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	s, err := t.SignedString(a.secret)
	return s, eris.Wrap(err, "server: sign token")
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("server: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.nowFunc))
	if err != nil {
		return nil, eris.Wrap(err, "server: verify token")
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, eris.New("server: token has no subject")
	}
	return claims, nil
}

// Authenticate rejects requests without a valid bearer token.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			zap.L().Debug("rejected bearer token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// RequireOperator allows only the configured operator subject. It must run
// after Authenticate.
func (a *Authenticator) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		operator, err := a.operator.Get(r.Context())
		if err != nil {
			zap.L().Error("operator lookup failed", zap.Error(err))
			writeError(w, http.StatusForbidden, "operator unavailable")
			return
		}
		if operator == "" || claims.Subject != operator {
			writeError(w, http.StatusForbidden, "operator only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
