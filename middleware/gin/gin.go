// Package gin provides Gin middleware that gates routes on seller onboarding and subscription tier
package gin

import (
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosettle/pkg/api"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// AccountKey is the Gin context key holding the authorized account
const AccountKey = "settle:account"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Storage is used to load the caller's account (required)
	Storage settle.Storage

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Requirement is what the caller's account must satisfy
	Requirement settle.Requirement

	// OnDenied is called when the account does not satisfy Requirement
	// If nil, returns 403 with a JSON error code
	OnDenied func(c *gongin.Context, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets accounts meeting cfg.Requirement through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("gosettle/gin: Config.Storage is required")
	}
	if cfg.GetUserID == nil {
		panic("gosettle/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		acct, err := settle.Authorize(c.Request.Context(), cfg.Storage, userID, cfg.Requirement)
		if err != nil {
			switch {
			case settle.AccessDenied(err) && cfg.OnDenied != nil:
				cfg.OnDenied(c, err)
			case settle.AccessDenied(err):
				c.JSON(http.StatusForbidden, gongin.H{"error": settle.DenialCode(err)})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal_error"})
			}
			c.Abort()
			return
		}

		if acct != nil {
			c.Set(AccountKey, acct)
		}
		c.Next()
	}
}

// AccountFromContext returns the account stored by Middleware, or nil
func AccountFromContext(c *gongin.Context) *settle.Account {
	if val, exists := c.Get(AccountKey); exists {
		if acct, ok := val.(*settle.Account); ok {
			return acct
		}
	}
	return nil
}

// Mount registers every route of h on r. Gin path parameters use the :id form.
func Mount(r gongin.IRoutes, h *api.Handler) {
	for _, route := range h.Routes() {
		r.Handle(route.Method, ginPattern(route.Pattern), gongin.WrapF(route.Handler))
	}
}

func ginPattern(pattern string) string {
	return strings.NewReplacer("{", ":", "}", "").Replace(pattern)
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
