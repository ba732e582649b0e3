package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "qualboard.authInfo"

// AuthInfo holds extracted authentication information for the request.
type AuthInfo struct {
	Subject string
	Admin   bool
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

// Middleware extracts and validates a bearer JWT signed with the shared
// secret, storing AuthInfo in the request context. A missing or invalid
// token passes through with no AuthInfo; enforcement happens in RequireAdmin
// so read-only routes stay open.
func Middleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := parseBearer(r, secret)
			if ai != nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxKeyAuthInfo, ai))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin guards administrative routes. With an empty secret the guard
// is a pass-through (local development).
func RequireAdmin(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			ai := FromContext(r.Context())
			if ai == nil || !ai.Admin {
				http.Error(w, "admin token required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

func parseBearer(r *http.Request, secret string) *AuthInfo {
	if secret == "" {
		return nil
	}
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil
	}
	raw := strings.TrimSpace(authz[len("bearer "):])

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	return &AuthInfo{Subject: c.Subject, Admin: c.Admin}
}
