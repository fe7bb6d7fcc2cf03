// Package admin is the operator surface: every tenant's session, service health and
// tenant token issuance.
package admin

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/outbound"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

type Handler struct {
	sessions *session.Manager
	relay    *webhook.Engine
	queue    *outbound.Queue
	// db is nil when running on the in-memory stores.
	db      *sqlx.DB
	started time.Time
}

func NewHandler(sessions *session.Manager, relay *webhook.Engine, queue *outbound.Queue, db *sqlx.DB) *Handler {
	return &Handler{sessions: sessions, relay: relay, queue: queue, db: db, started: time.Now()}
}

type CreateTokenRequest struct {
	TTLHours int `json:"ttl_hours" form:"ttl_hours"`
}

type tokenResponse struct {
	TenantID  string     `json:"tenant_id"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// @Summary     List sessions
// @Description Snapshot of every tenant session known to this process (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       status query string false "Only sessions in this status"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.ResError
// @Router      /admin/sessions [get]
func (h *Handler) ListSessions(c *fiber.Ctx) error {
	filter := session.Status(strings.TrimSpace(c.Query("status")))
	snapshots := []session.Snapshot{}
	h.sessions.Range(func(s *session.Session) bool {
		snap := s.Snapshot()
		if filter == "" || snap.Status == filter {
			snapshots = append(snapshots, snap)
		}
		return true
	})
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"sessions": snapshots})
}

// @Summary     Get session
// @Description Snapshot of one tenant session, created from its stored configuration if needed (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       tenant_id path string true "Tenant ID"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.ResError
// @Router      /admin/sessions/{tenant_id} [get]
func (h *Handler) GetSession(c *fiber.Ctx) error {
	s, err := h.sessions.Session(c.UserContext(), c.Params("tenant_id"))
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	return router.ResponseSuccessWithData(c, "Success", s.Snapshot())
}

// @Summary     Service health
// @Description Session counts per status, relay and queue counters and datastore reachability (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.ResError
// @Failure     503 {object} router.ResError
// @Router      /admin/health [get]
func (h *Handler) GetHealth(c *fiber.Ctx) error {
	statuses := map[session.Status]int{}
	total := 0
	h.sessions.Range(func(s *session.Session) bool {
		statuses[s.Status()]++
		total++
		return true
	})

	datastore := "memory"
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			log.Print(c).WithError(err).Error("datastore ping failed")
			return router.ResponseServiceUnavailable(c, "datastore unreachable")
		}
		datastore = "ok"
	}

	health := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"datastore":      datastore,
		"sessions":       total,
		"by_status":      statuses,
	}
	if h.relay != nil {
		health["relay"] = h.relay.Stats()
	}
	if h.queue != nil {
		health["queue_pending"] = h.queue.Pending()
	}
	return router.ResponseSuccessWithData(c, "Success", health)
}

// @Summary     Issue tenant token
// @Description Sign a bearer token for the tenant's API (Admin only). ttl_hours 0 issues a token without expiry.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       tenant_id path string true "Tenant ID"
// @Param       body body CreateTokenRequest false "Token lifetime"
// @Success     201 {object} router.Response
// @Failure     400 {object} router.ResError
// @Failure     401 {object} router.ResError
// @Router      /admin/tenants/{tenant_id}/token [post]
func (h *Handler) CreateTenantToken(c *fiber.Ctx) error {
	tenantID := strings.TrimSpace(c.Params("tenant_id"))
	if tenantID == "" {
		return router.ResponseBadRequest(c, "tenant_id is required")
	}
	var req CreateTokenRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return router.ResponseBadRequest(c, "invalid request body")
		}
	}
	if req.TTLHours < 0 {
		return router.ResponseBadRequest(c, "ttl_hours must not be negative")
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	token, err := auth.GenerateTenantToken(tenantID, ttl)
	if err != nil {
		log.Print(c).WithError(err).Error("failed to sign tenant token")
		return router.ResponseInternalError(c, "failed to sign tenant token")
	}
	res := tokenResponse{TenantID: tenantID, Token: token}
	if ttl > 0 {
		expires := time.Now().Add(ttl).UTC()
		res.ExpiresAt = &expires
	}
	log.Print(c).WithField("tenant_id", tenantID).Info("tenant token issued")
	return router.ResponseCreatedWithData(c, "Token created", res)
}
