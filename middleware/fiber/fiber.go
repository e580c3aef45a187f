// Package fiber provides Fiber middleware that gates routes on seller onboarding and subscription tier
package fiber

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/gosettle/pkg/api"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

// AccountKey is the Fiber Locals key holding the authorized account
const AccountKey = "settle:account"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, err error) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets accounts meeting cfg.Requirement through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Storage == nil {
		panic("gosettle/fiber: Config.Storage is required")
	}
	if cfg.GetUserID == nil {
		panic("gosettle/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		acct, err := settle.Authorize(c.UserContext(), cfg.Storage, userID, cfg.Requirement)
		if err != nil {
			switch {
			case settle.AccessDenied(err) && cfg.OnDenied != nil:
				return cfg.OnDenied(c, err)
			case settle.AccessDenied(err):
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": settle.DenialCode(err)})
			case cfg.OnError != nil:
				return cfg.OnError(c, err)
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
			}
		}

		if acct != nil {
			c.Locals(AccountKey, acct)
		}
		return c.Next()
	}
}

// AccountFromContext returns the account stored by Middleware, or nil
func AccountFromContext(c *fiber.Ctx) *settle.Account {
	acct, _ := c.Locals(AccountKey).(*settle.Account)
	return acct
}

// Mount registers every route of h on r through the net/http adaptor.
// Fiber path parameters use the :id form.
func Mount(r fiber.Router, h *api.Handler) {
	for _, route := range h.Routes() {
		r.Add(route.Method, fiberPattern(route.Pattern), adaptor.HTTPHandlerFunc(route.Handler))
	}
}

func fiberPattern(pattern string) string {
	return strings.NewReplacer("{", ":", "}", "").Replace(pattern)
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware, e.g. c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
