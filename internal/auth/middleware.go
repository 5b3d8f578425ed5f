package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/api/response"
)

type contextKey string

// ClaimsContextKey is the context key for JWT claims
const ClaimsContextKey contextKey = "claims"

// Middleware authenticates bearer tokens and enforces allow-lists.
type Middleware struct {
	jwt         *JWTService
	adminEmails map[string]struct{}
}

// NewMiddleware creates auth middleware. adminEmails must be lowercase.
func NewMiddleware(jwtService *JWTService, adminEmails []string) *Middleware {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		admins[e] = struct{}{}
	}
	return &Middleware{jwt: jwtService, adminEmails: admins}
}

// Authenticate requires a valid bearer token and stores its claims in the context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, ErrInvalidToken)
			return
		}
		claims, err := m.jwt.Validate(token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only allow-listed emails. Use after Authenticate.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			writeAuthError(w, ErrInvalidToken)
			return
		}
		if _, ok := m.adminEmails[strings.ToLower(claims.Email)]; !ok {
			log.Warn().Str("user_id", claims.UserID).Str("path", r.URL.Path).Msg("Admin access denied")
			response.JSON(w, http.StatusForbidden, map[string]string{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOperator guards maintenance endpoints with a shared secret sent as
// a bearer token. An empty secret leaves them open, which configuration only
// permits outside production.
func RequireOperator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeAuthError(w, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// GetClaims returns the JWT claims from context
func GetClaims(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetUserID returns the authenticated user ID from context
func GetUserID(ctx context.Context) string {
	claims := GetClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

func writeAuthError(w http.ResponseWriter, err error) {
	message := "Authentication required"
	switch err {
	case ErrExpiredToken:
		message = "Token has expired"
	case ErrInvalidToken:
		message = "Invalid authentication token"
	case ErrTokenNotYetValid:
		message = "Token is not yet valid"
	}

	response.JSON(w, http.StatusUnauthorized, map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
