package router

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cache"
	"github.com/google/uuid"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

func HttpRealIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if xForwardedFor := c.Get(http.CanonicalHeaderKey("X-Forwarded-For")); xForwardedFor != "" {
			parts := strings.Split(xForwardedFor, ",")
			c.Locals("remote_ip", strings.TrimSpace(parts[0]))
		} else if xRealIP := c.Get(http.CanonicalHeaderKey("X-Real-IP")); xRealIP != "" {
			c.Locals("remote_ip", strings.TrimSpace(xRealIP))
		}
		return c.Next()
	}
}

// HttpRequestID propagates X-Request-ID or mints a new one.
func HttpRequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set("X-Request-ID", id)
		return c.Next()
	}
}

// HttpCacheInMemory caches GET responses of the public, tenant independent routes only.
func HttpCacheInMemory(ttl int, paths ...string) fiber.Handler {
	if ttl <= 0 {
		ttl = 5
	}
	return cache.New(cache.Config{
		Next: func(c *fiber.Ctx) bool {
			if c.Method() != fiber.MethodGet {
				return true
			}
			for _, p := range paths {
				if c.Path() == p {
					return false
				}
			}
			return true
		},
		Expiration: time.Duration(ttl) * time.Second,
	})
}

// RecoveryMiddleware converts panics into the JSON envelope. Register it before routes.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				message := fmt.Sprintf("%v", rec)
				log.Print(c).Error("panic recovered: " + message)
				err = c.Status(fiber.StatusInternalServerError).JSON(Response{
					Status:  false,
					Code:    fiber.StatusInternalServerError,
					Message: message,
					Error:   message,
				})
			}
		}()
		return c.Next()
	}
}
