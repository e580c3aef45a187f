// Package echo provides Echo middleware that gates routes on seller onboarding and subscription tier
package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosettle/pkg/api"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// AccountKey is the Echo context key holding the authorized account
const AccountKey = "settle:account"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, err error) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets accounts meeting cfg.Requirement through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Storage == nil {
		panic("gosettle/echo: Config.Storage is required")
	}
	if cfg.GetUserID == nil {
		panic("gosettle/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			acct, err := settle.Authorize(c.Request().Context(), cfg.Storage, userID, cfg.Requirement)
			if err != nil {
				switch {
				case settle.AccessDenied(err) && cfg.OnDenied != nil:
					return cfg.OnDenied(c, err)
				case settle.AccessDenied(err):
					return c.JSON(http.StatusForbidden, map[string]string{"error": settle.DenialCode(err)})
				case cfg.OnError != nil:
					return cfg.OnError(c, err)
				default:
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
				}
			}

			if acct != nil {
				c.Set(AccountKey, acct)
			}
			return next(c)
		}
	}
}

// AccountFromContext returns the account stored by Middleware, or nil
func AccountFromContext(c echo.Context) *settle.Account {
	acct, _ := c.Get(AccountKey).(*settle.Account)
	return acct
}

// Router is implemented by *echo.Echo and *echo.Group
type Router interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}

// Mount registers every route of h on r. Echo path parameters use the :id form.
func Mount(r Router, h *api.Handler) {
	for _, route := range h.Routes() {
		r.Add(route.Method, echoPattern(route.Pattern), echo.WrapHandler(route.Handler))
	}
}

func echoPattern(pattern string) string {
	return strings.NewReplacer("{", ":", "}", "").Replace(pattern)
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
