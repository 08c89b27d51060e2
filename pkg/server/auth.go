package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TriggerClaims are the claims of a manual-trigger token.
type TriggerClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ScopeTrigger must be present in the token's scope claim to start a run.
const ScopeTrigger = "evidence:run"

// ErrAuthNotConfigured is returned when no signing secret is configured.
var ErrAuthNotConfigured = errors.New("trigger authentication not configured")

type subjectKey struct{}

// SubjectFrom returns the authenticated token subject.
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// TokenValidator checks HS256 trigger tokens.
type TokenValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenValidator returns nil for an empty secret; a nil validator rejects
// every token.
func NewTokenValidator(secret string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// Validate parses and validates a token string.
func (v *TokenValidator) Validate(tokenStr string) (*TriggerClaims, error) {
	if v == nil {
		return nil, ErrAuthNotConfigured
	}
	claims := &TriggerClaims{}
	if _, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	if !hasScope(claims.Scope, ScopeTrigger) {
		return nil, errors.New("token lacks " + ScopeTrigger + " scope")
	}
	return claims, nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

// RequireTrigger rejects requests without a valid trigger token. A nil
// validator fails closed.
func RequireTrigger(v *TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeProblem(w, r, http.StatusUnauthorized, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeProblem(w, r, http.StatusUnauthorized, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if v == nil {
				writeProblem(w, r, http.StatusUnauthorized, "Authentication not configured")
				return
			}
			claims, err := v.Validate(parts[1])
			if err != nil {
				writeProblem(w, r, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
