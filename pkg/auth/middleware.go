package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

// AdminAuth validates the X-Admin-Secret header for admin endpoints.
func AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get("X-Admin-Secret")
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		expected, _ := secrets()
		if expected == "" {
			return router.ResponseInternalError(c, "Admin secret key not configured")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(expected)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}

// TenantAuth validates "Authorization: Bearer <jwt>" and stores the tenant id in locals.
// EventSource clients cannot set headers, so the token query parameter is accepted as well.
func TenantAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := ""
		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return router.ResponseUnauthorized(c, "Invalid Authorization header format. Use: Bearer <token>")
			}
			tokenString = strings.TrimSpace(parts[1])
		} else {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		claims, err := ValidateTenantToken(tokenString)
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}

		c.Locals("tenant_id", claims.TenantID)
		return c.Next()
	}
}

// TenantID returns the tenant stored by TenantAuth.
func TenantID(c *fiber.Ctx) string {
	id, _ := c.Locals("tenant_id").(string)
	return id
}
