// Package http provides net/http middleware that gates routes on seller onboarding and subscription tier
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Storage is used to load the caller's account (required)
	Storage settle.Storage

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Requirement is what the caller's account must satisfy
	Requirement settle.Requirement

	// OnDenied is called when the account does not satisfy Requirement
	// If nil, returns 403 with a JSON error code
	OnDenied func(w http.ResponseWriter, r *http.Request, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets accounts meeting
// config.Requirement through. The loaded account is stored in the request context.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Storage == nil {
		panic("gosettle/http: Config.Storage is required")
	}
	if config.GetUserID == nil {
		panic("gosettle/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized")
				}
				return
			}

			acct, err := settle.Authorize(r.Context(), config.Storage, userID, config.Requirement)
			if err != nil {
				switch {
				case settle.AccessDenied(err) && config.OnDenied != nil:
					config.OnDenied(w, r, err)
				case settle.AccessDenied(err):
					writeError(w, http.StatusForbidden, settle.DenialCode(err))
				case config.OnError != nil:
					config.OnError(w, r, err)
				default:
					writeError(w, http.StatusInternalServerError, "internal_error")
				}
				return
			}

			ctx := WithUserID(r.Context(), userID)
			if acct != nil {
				ctx = WithAccount(ctx, acct)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "settle:userID"

	// AccountKey is the context key for the authorized account
	AccountKey ContextKey = "settle:account"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithAccount adds the authorized account to request context
func WithAccount(ctx context.Context, acct *settle.Account) context.Context {
	return context.WithValue(ctx, AccountKey, acct)
}

// AccountFromContext returns the account stored by Middleware, or nil
func AccountFromContext(ctx context.Context) *settle.Account {
	acct, _ := ctx.Value(AccountKey).(*settle.Account)
	return acct
}
