// Package middleware provides HTTP middlewares for authentication, rate
// limiting and logging.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/goccy/go-json"
)

type ctxKey string

const (
	accountKey   ctxKey = "account"
	principalKey ctxKey = "principal"
)

// APIKeyHeader carries a device API key as an alternative to the
// Authorization header.
const APIKeyHeader = "X-API-Key"

// SessionAuthorizer verifies the session token of an interactive user.
type SessionAuthorizer interface {
	AuthorizeSession(ctx context.Context, token string) (string, error)
}

// DeviceAuthenticator resolves a device API key.
type DeviceAuthenticator interface {
	AuthenticateDevice(ctx context.Context, apiKey string) (models.Principal, error)
}

// SessionAuth is a middleware that requires a valid session token.
//
// The token is read from "Authorization: Bearer <token>". On success the
// account ID is stored in the request context for GetAccountIDFromContext.
func SessionAuth(auth SessionAuthorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				writeError(w, http.StatusUnauthorized, "missing session token")
				return
			}
			accountID, err := auth.AuthorizeSession(r.Context(), tok)
			if err != nil {
				rejectCredential(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), accountKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceAuth is a middleware that requires a valid device API key, sent
// either as a bearer token or in the X-API-Key header. The resolved
// principal is stored in the request context for GetPrincipalFromContext.
func DeviceAuth(auth DeviceAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				key = bearerToken(r)
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			p, err := auth.AuthenticateDevice(r.Context(), key)
			if err != nil {
				rejectCredential(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAccountIDFromContext extracts the account ID stored by SessionAuth.
// Returns an empty string if not found.
func GetAccountIDFromContext(ctx context.Context) string {
	val := ctx.Value(accountKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// GetPrincipalFromContext extracts the device principal stored by DeviceAuth.
func GetPrincipalFromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}

// WithAccountID returns a copy of ctx carrying accountID, as SessionAuth does.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// WithPrincipal returns a copy of ctx carrying p, as DeviceAuth does.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func rejectCredential(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
