package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PrincipalContextKey is the context key for the authenticated caller.
	PrincipalContextKey contextKey = "principal"

	// AuthHeaderName is the HTTP header name for the API key.
	AuthHeaderName = "X-API-Key"
)

var errInvalidToken = errors.New("invalid token")

// Principal identifies the authenticated caller of an admin route.
type Principal struct {
	Subject string
	Method  string // "api_key" or "jwt"
}

// Claims are the admin session token claims.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware guards admin-only routes with the master API key or an
// HS256 session token.
type AuthMiddleware struct {
	cfg    config.AuthConfig
	logger *zap.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		cfg:    cfg,
		logger: logger,
	}
}

// Protect resolves the principal or rejects the request with 401 before the
// wrapped handler runs.
func (a *AuthMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			ctx := context.WithValue(r.Context(), PrincipalContextKey, &Principal{Subject: "anonymous", Method: "disabled"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		principal, err := a.authenticate(r)
		if err != nil {
			a.logger.Warn("unauthorized request",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			a.unauthorized(w, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) authenticate(r *http.Request) (*Principal, error) {
	if key := r.Header.Get(AuthHeaderName); key != "" {
		if !a.validateKey(key) {
			return nil, errors.New("invalid API key")
		}
		return &Principal{Subject: "master", Method: "api_key"}, nil
	}

	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, errors.New("missing credentials")
	}
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("malformed authorization header")
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		return nil, errInvalidToken
	}
	return &Principal{Subject: claims.Subject, Method: "jwt"}, nil
}

// validateKey uses constant-time comparison to prevent timing attacks.
func (a *AuthMiddleware) validateKey(key string) bool {
	if a.cfg.MasterKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.MasterKey)) == 1
}

// ValidateToken parses and verifies an HS256 session token.
func (a *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	if a.cfg.JWTSecret == "" {
		return nil, errInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.JWTIssuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// IssueToken signs a session token for subject. Used by the CLI and tests.
func (a *AuthMiddleware) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// unauthorized sends a 401 response.
func (a *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pulse"`)
	writeError(w, http.StatusUnauthorized, message)
}

// GetPrincipal retrieves the authenticated caller from the request context.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalContextKey).(*Principal); ok {
		return p
	}
	return nil
}
