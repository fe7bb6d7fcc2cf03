// Package webhooks exposes the tenant's relay targets over HTTP.
package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

type Handler struct {
	engine *webhook.Engine
}

func NewHandler(engine *webhook.Engine) *Handler {
	return &Handler{engine: engine}
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type updateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

func webhookID(c *fiber.Ctx) (int64, bool) {
	id, err := c.ParamsInt("webhook_id")
	if err != nil || id <= 0 {
		return 0, false
	}
	return int64(id), true
}

func (h *Handler) storeError(c *fiber.Ctx, op string, id int64, err error) error {
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		return router.ResponseNotFound(c, err.Error())
	}
	log.WebhookOp(auth.TenantID(c), op, id).WithError(err).Error("webhook store failed")
	return router.ResponseInternalError(c, "failed to access webhooks")
}

// ListWebhooks
// @Summary     List relay targets
// @Description List the webhook targets the tenant's session events are relayed to
// @Tags        Webhooks
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Failure     401 {object} router.ResError
// @Router      /instance/webhooks [get]
func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	webhooks, err := h.engine.Store().GetAllWebhooks(c.UserContext(), tenantID)
	if err != nil {
		return h.storeError(c, "ListWebhooks", 0, err)
	}
	if webhooks == nil {
		webhooks = []webhook.WebhookConfig{}
	}
	for i := range webhooks {
		webhooks[i].Secret = ""
	}
	log.WebhookOp(tenantID, "ListWebhooks", 0).WithField("webhook_count", len(webhooks)).Debug("webhooks listed")
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"webhooks": webhooks})
}

// GetWebhook
// @Summary     Get relay target
// @Tags        Webhooks
// @Produce     json
// @Security    BearerAuth
// @Param       webhook_id path int true "Webhook ID"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /instance/webhooks/{webhook_id} [get]
func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	id, ok := webhookID(c)
	if !ok {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}
	wh, err := h.engine.Store().GetWebhook(c.UserContext(), id, auth.TenantID(c))
	if err != nil {
		return h.storeError(c, "GetWebhook", id, err)
	}
	wh.Secret = ""
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"webhook": wh})
}

// CreateWebhook
// @Summary     Create relay target
// @Description Register a URL that receives the tenant's session events, signed with a generated secret
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body body createWebhookRequest true "Target URL and event kinds (status, qr, log, message)"
// @Success     201 {object} router.Response
// @Failure     400 {object} router.ResError
// @Router      /instance/webhooks [post]
func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return router.ResponseBadRequest(c, "url is required")
	}
	if err := h.engine.ValidateURL(req.URL); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	events, err := webhook.ParseEvents(req.Events)
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	secretStr := hex.EncodeToString(secret)

	wh, err := h.engine.Store().CreateWebhook(c.UserContext(), tenantID, req.URL, secretStr, events)
	if err != nil {
		return h.storeError(c, "CreateWebhook", 0, err)
	}
	log.WebhookOp(tenantID, "CreateWebhook", wh.ID).WithField("url", wh.URL).Info("webhook created")

	// The secret is only ever returned here.
	return router.ResponseCreatedWithData(c, "Webhook created", map[string]interface{}{"webhook": wh})
}

// UpdateWebhook
// @Summary     Update relay target
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       webhook_id path int true "Webhook ID"
// @Param       body body updateWebhookRequest true "Fields to change"
// @Success     200 {object} router.Response
// @Failure     400 {object} router.ResError
// @Failure     404 {object} router.ResError
// @Router      /instance/webhooks/{webhook_id} [put]
func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	id, ok := webhookID(c)
	if !ok {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}
	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}

	wh, err := h.engine.Store().GetWebhook(c.UserContext(), id, tenantID)
	if err != nil {
		return h.storeError(c, "UpdateWebhook", id, err)
	}
	if url := strings.TrimSpace(req.URL); url != "" {
		if err := h.engine.ValidateURL(url); err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
		wh.URL = url
	}
	if req.Events != nil {
		if wh.Events, err = webhook.ParseEvents(req.Events); err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
	}
	if req.Active != nil {
		wh.Active = *req.Active
	}

	if err := h.engine.Store().UpdateWebhook(c.UserContext(), wh); err != nil {
		return h.storeError(c, "UpdateWebhook", id, err)
	}
	log.WebhookOp(tenantID, "UpdateWebhook", id).WithField("active", wh.Active).Info("webhook updated")
	return router.ResponseSuccess(c, "Webhook updated")
}

// DeleteWebhook
// @Summary     Delete relay target
// @Tags        Webhooks
// @Security    BearerAuth
// @Param       webhook_id path int true "Webhook ID"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /instance/webhooks/{webhook_id} [delete]
func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	id, ok := webhookID(c)
	if !ok {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}
	if err := h.engine.Store().DeleteWebhook(c.UserContext(), id, tenantID); err != nil {
		return h.storeError(c, "DeleteWebhook", id, err)
	}
	log.WebhookOp(tenantID, "DeleteWebhook", id).Info("webhook deleted")
	return router.ResponseSuccess(c, "Webhook deleted")
}

// GetDeliveries
// @Summary     Relay delivery log
// @Description Latest delivery attempts of a relay target, newest first
// @Tags        Webhooks
// @Produce     json
// @Security    BearerAuth
// @Param       webhook_id path int true "Webhook ID"
// @Param       limit query int false "Max entries" default(100)
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /instance/webhooks/{webhook_id}/deliveries [get]
func (h *Handler) GetDeliveries(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	id, ok := webhookID(c)
	if !ok {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}
	if _, err := h.engine.Store().GetWebhook(c.UserContext(), id, tenantID); err != nil {
		return h.storeError(c, "GetDeliveries", id, err)
	}
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := h.engine.Store().GetDeliveryLogs(c.UserContext(), id, limit)
	if err != nil {
		return h.storeError(c, "GetDeliveries", id, err)
	}
	if logs == nil {
		logs = []webhook.DeliveryLog{}
	}
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"deliveries": logs})
}

// TestWebhook
// @Summary     Ping relay target
// @Description Send a signed ping event to the target and report the outcome
// @Tags        Webhooks
// @Produce     json
// @Security    BearerAuth
// @Param       webhook_id path int true "Webhook ID"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Failure     502 {object} router.ResError
// @Router      /instance/webhooks/{webhook_id}/test [post]
func (h *Handler) TestWebhook(c *fiber.Ctx) error {
	tenantID := auth.TenantID(c)
	id, ok := webhookID(c)
	if !ok {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}
	wh, err := h.engine.Store().GetWebhook(c.UserContext(), id, tenantID)
	if err != nil {
		return h.storeError(c, "TestWebhook", id, err)
	}
	if err := h.engine.Ping(wh); err != nil {
		log.WebhookOp(tenantID, "TestWebhook", id).WithError(err).Warn("webhook ping failed")
		return router.ResponseBadGateway(c, "webhook ping failed: "+err.Error())
	}
	return router.ResponseSuccess(c, "Webhook ping delivered")
}
