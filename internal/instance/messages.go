package instance

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendMessage
// @Summary     Send a text message
// @Description Sends right away through the connected session; refused unless the session is connected
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body body sendRequest true "Recipient phone and text"
// @Success     200 {object} router.Response
// @Failure     400 {object} router.ResError
// @Failure     409 {object} router.ResError
// @Failure     502 {object} router.ResError
// @Router      /messages [post]
func (h *Handler) SendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.To) == "" {
		return router.ResponseBadRequest(c, "to is required")
	}
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := s.Send(c.UserContext(), req.To, req.Text)
	if err != nil {
		return respondError(c, err)
	}
	log.Print(c).WithField("message_id", res.MessageID).Info("message sent")
	return router.ResponseSuccessWithData(c, "Message sent", res)
}

// QueueMessage
// @Summary     Queue a text message
// @Description Queues the message; it is sent after a random delay within the tenant's rate limit
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body body sendRequest true "Recipient phone and text"
// @Success     202 {object} router.Response
// @Failure     400 {object} router.ResError
// @Failure     503 {object} router.ResError
// @Router      /messages/queue [post]
func (h *Handler) QueueMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	job, err := h.queue.Enqueue(auth.TenantID(c), req.To, req.Text)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseAcceptedWithData(c, "Message queued", job)
}

// GetQueuedMessage
// @Summary     Queued message status
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Param       job_id path string true "Job ID"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /messages/queue/{job_id} [get]
func (h *Handler) GetQueuedMessage(c *fiber.Ctx) error {
	job, ok := h.queue.Get(auth.TenantID(c), c.Params("job_id"))
	if !ok {
		return router.ResponseNotFound(c, "job not found")
	}
	return router.ResponseSuccessWithData(c, "Success", job)
}
