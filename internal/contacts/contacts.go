// Package contacts serves the contacts and messages the sync engine stored for a tenant.
package contacts

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

type Handler struct {
	store store.Store
}

func NewHandler(st store.Store) *Handler {
	return &Handler{store: st}
}

func boundedQuery(c *fiber.Ctx, key string, def, max int) int {
	v := c.QueryInt(key, def)
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// ListContacts
// @Summary     List contacts
// @Description Contacts ordered by latest activity
// @Tags        Contacts
// @Produce     json
// @Security    BearerAuth
// @Param       limit  query int false "Page size" default(50)
// @Param       offset query int false "Offset" default(0)
// @Success     200 {object} router.Response
// @Router      /contacts [get]
func (h *Handler) ListContacts(c *fiber.Ctx) error {
	limit := boundedQuery(c, "limit", 50, 500)
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	contacts, err := h.store.ListContacts(c.UserContext(), auth.TenantID(c), limit, offset)
	if err != nil {
		log.Print(c).WithError(err).Error("failed to list contacts")
		return router.ResponseInternalError(c, "failed to list contacts")
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{
		"contacts": contacts,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetContactByPhone
// @Summary     Find contact by phone
// @Tags        Contacts
// @Produce     json
// @Security    BearerAuth
// @Param       phone path string true "Phone number in international format"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /contacts/phone/{phone} [get]
func (h *Handler) GetContactByPhone(c *fiber.Ctx) error {
	phone := validation.NormalizePhone(c.Params("phone"))
	if err := validation.ValidatePhone(phone); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	contact, err := h.store.ContactByPhone(c.UserContext(), auth.TenantID(c), phone)
	if errors.Is(err, store.ErrNotFound) {
		return router.ResponseNotFound(c, "contact not found")
	}
	if err != nil {
		log.Print(c).WithError(err).Error("failed to load contact")
		return router.ResponseInternalError(c, "failed to load contact")
	}
	return router.ResponseSuccessWithData(c, "Success", contact)
}

// ListMessages
// @Summary     Contact messages
// @Description Latest messages of a contact, oldest first
// @Tags        Contacts
// @Produce     json
// @Security    BearerAuth
// @Param       contact_id path string true "Contact ID"
// @Param       limit query int false "Max messages" default(50)
// @Success     200 {object} router.Response
// @Router      /contacts/{contact_id}/messages [get]
func (h *Handler) ListMessages(c *fiber.Ctx) error {
	contactID := c.Params("contact_id")
	if contactID == "" {
		return router.ResponseBadRequest(c, "contact_id is required")
	}
	limit := boundedQuery(c, "limit", 50, 500)
	messages, err := h.store.ListMessages(c.UserContext(), auth.TenantID(c), contactID, limit)
	if err != nil {
		log.Print(c).WithError(err).Error("failed to list messages")
		return router.ResponseInternalError(c, "failed to list messages")
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"messages": messages})
}
