package instance

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/outbound"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

// respondError maps session, queue and gateway errors onto the response envelope.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrTenantRequired):
		return router.ResponseUnauthorized(c, err.Error())
	case errors.Is(err, session.ErrInvalidConfig),
		errors.Is(err, session.ErrInvalidRecipient),
		errors.Is(err, outbound.ErrEmptyText):
		return router.ResponseBadRequest(c, err.Error())
	case errors.Is(err, session.ErrInstanceTaken), session.IsNotConnected(err):
		return router.ResponseConflict(c, err.Error())
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, outbound.ErrQueueFull),
		errors.Is(err, outbound.ErrQueueStopped):
		return router.ResponseServiceUnavailable(c, err.Error())
	case gateway.IsAuth(err), gateway.IsTransport(err):
		return router.ResponseBadGateway(c, err.Error())
	}
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		return router.ResponseBadGateway(c, err.Error())
	}
	log.Print(c).WithError(err).Error("request failed")
	return router.ResponseInternalError(c, "internal server error")
}
