// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims.
	ClaimsKey ContextKey = "claims"
	// CallerKey is the context key for the authenticated caller name.
	CallerKey ContextKey = "caller"
)

// publicPaths lists path prefixes that never require authentication.
var publicPaths = []string{
	"/health",
	"/healthz",
	"/ready",
	"/live",
	"/metrics",
}

// Authenticator validates bearer tokens and API keys on incoming requests.
type Authenticator struct {
	jwtManager *auth.JWTManager
	apiKeyHash string
	logger     *zap.Logger
}

// NewAuthenticator creates a new authentication middleware.
func NewAuthenticator(jwtManager *auth.JWTManager, apiKeyHash string, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		jwtManager: jwtManager,
		apiKeyHash: apiKeyHash,
		logger:     logger.With(zap.String("middleware", "auth")),
	}
}

// Middleware authenticates every request outside the public paths. A
// request passes with either a valid `Authorization: Bearer` JWT or an
// `X-API-Key` matching the configured hash.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if auth.VerifyAPIKey(a.apiKeyHash, key) {
				ctx := context.WithValue(r.Context(), CallerKey, "api-key")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			a.logger.Debug("API key rejected", zap.String("path", r.URL.Path))
			unauthorized(w, "invalid api key")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.logger.Debug("Missing authorization header", zap.String("path", r.URL.Path))
			unauthorized(w, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwtManager.Verify(tokenString)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = context.WithValue(ctx, CallerKey, claims.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isPublicPath checks if a path is public (no auth required).
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"unauthenticated","message":"` + message + `"}`))
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

// GetCaller extracts the authenticated caller name from the context.
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerKey).(string)
	return caller, ok
}
