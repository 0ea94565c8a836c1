// ABOUTME: HTTP middleware that resolves the caller's identity for API and page requests
// ABOUTME: Accepts a Bearer token or the session cookie, with an unauthenticated dev mode

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// CookieName holds the JWT for browser clients; EventSource cannot set headers.
	CookieName = "pairchat_token"

	// DevUserHeader and DevUserCookie name the caller when auth is disabled.
	DevUserHeader = "X-Pairchat-User"
	DevUserCookie = "pairchat_user"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest prefers the Authorization header and falls back to the cookie.
func tokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, ""
	}
	return "", "missing authorization header"
}

// HTTPAuthMiddleware rejects requests without a valid token and adds the
// caller's Identity to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			username, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Username: username})))
		})
	}
}

// DevHTTPMiddleware trusts the X-Pairchat-User header (or the pairchat_user
// cookie) as the caller's identity. Only used when no JWT secret is configured.
func DevHTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username := strings.TrimSpace(r.Header.Get(DevUserHeader))
			if username == "" {
				if c, err := r.Cookie(DevUserCookie); err == nil {
					username = strings.TrimSpace(c.Value)
				}
			}
			if username == "" {
				http.Error(w, `{"error":"missing `+DevUserHeader+` header"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Username: username, Dev: true})))
		})
	}
}
