// Package instance is the tenant facing HTTP surface of a session: configuration,
// lifecycle, QR pairing, logs, live events, sync and sending.
package instance

import (
	"context"
	"encoding/base64"
	"errors"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	qrCode "github.com/skip2/go-qrcode"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/outbound"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

type Handler struct {
	sessions    *session.Manager
	queue       *outbound.Queue
	connectWait time.Duration
	heartbeat   time.Duration
}

func NewHandler(sessions *session.Manager, queue *outbound.Queue) *Handler {
	return &Handler{
		sessions:    sessions,
		queue:       queue,
		connectWait: env.GetEnvDurationOrDefault("INSTANCE_CONNECT_WAIT", 30*time.Second),
		heartbeat:   env.GetEnvDurationOrDefault("INSTANCE_EVENTS_HEARTBEAT", 15*time.Second),
	}
}

func (h *Handler) session(c *fiber.Ctx) (*session.Session, error) {
	return h.sessions.Session(c.UserContext(), auth.TenantID(c))
}

type configResponse struct {
	Config     configstore.Config  `json:"config"`
	Transition *session.Transition `json:"transition,omitempty"`
}

// GetConfig
// @Summary     Get gateway configuration
// @Description Gateway URL, instance name and the API key with its middle masked
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Failure     401 {object} router.ResError
// @Router      /instance/config [get]
func (h *Handler) GetConfig(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", configResponse{Config: s.Config().Redacted()})
}

// PutConfig
// @Summary     Update gateway configuration
// @Description Empty fields keep their stored value. Changing a field disconnects the session; it never reconnects by itself.
// @Tags        Instance
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body body configstore.Config true "Fields to change"
// @Success     200 {object} router.Response
// @Failure     400 {object} router.ResError
// @Failure     409 {object} router.ResError
// @Router      /instance/config [put]
func (h *Handler) PutConfig(c *fiber.Ctx) error {
	var patch configstore.Config
	if err := c.BodyParser(&patch); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	tenantID := auth.TenantID(c)
	cfg, tr, err := h.sessions.UpdateConfig(c.UserContext(), tenantID, patch)
	if err != nil {
		return respondError(c, err)
	}
	entry := log.Print(c).WithField("reset", tr.Reset)
	if len(tr.Changed) > 0 {
		entry = entry.WithField("changed", strings.Join(tr.Changed, ","))
	}
	entry.Info("gateway configuration updated")
	return router.ResponseSuccessWithData(c, "Configuration saved", configResponse{Config: cfg.Redacted(), Transition: &tr})
}

// Connect
// @Summary     Connect the instance
// @Description Starts a connection attempt and waits until it reaches connected, qr_ready or a failure status. A no-op while a connection is in progress or live.
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Success     202 {object} router.Response
// @Failure     400 {object} router.ResError
// @Router      /instance/connect [post]
func (h *Handler) Connect(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), h.connectWait)
	defer cancel()

	err = s.Connect(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return router.ResponseAcceptedWithData(c, "Connection attempt in progress", s.Snapshot())
	}
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", s.Snapshot())
}

// Disconnect
// @Summary     Disconnect the instance
// @Description Stops polling, logs out and deletes the gateway instance. Gateway failures are logged, never returned.
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Router      /instance/disconnect [post]
func (h *Handler) Disconnect(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.Disconnect(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", s.Snapshot())
}

// GetStatus
// @Summary     Session status
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Router      /instance/status [get]
func (h *Handler) GetStatus(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", s.Snapshot())
}

type qrResponse struct {
	Status session.Status `json:"status"`
	QRCode string         `json:"qr_code"`
}

// GetQR
// @Summary     Current QR code
// @Description Only available while the session is qr_ready
// @Tags        Instance
// @Produce     json,png,html
// @Security    BearerAuth
// @Param       output query string false "json, png or html" default(json)
// @Success     200 {object} router.Response
// @Failure     404 {object} router.ResError
// @Router      /instance/qr [get]
func (h *Handler) GetQR(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	status, qr := s.Status(), s.QRCode()
	if status != session.StatusQRReady || qr == "" {
		return router.ResponseNotFound(c, "no QR code available, session is "+string(status))
	}

	switch strings.ToLower(strings.TrimSpace(c.Query("output", "json"))) {
	case "png":
		png, err := qrPNG(qr)
		if err != nil {
			return respondError(c, err)
		}
		c.Set(fiber.HeaderContentType, "image/png")
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Send(png)
	case "html":
		src, err := qrDataURI(qr)
		if err != nil {
			return respondError(c, err)
		}
		return router.ResponseSuccessWithHTML(c, `<html>
	<head>
		<title>WhatsApp Instance Pairing</title>
		<meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
		<meta http-equiv="refresh" content="10" />
	</head>
	<body>
		<img src="`+html.EscapeString(src)+`" />
		<p><b>Scan with WhatsApp</b> on instance `+html.EscapeString(s.Instance())+`</p>
	</body>
</html>`)
	default:
		return router.ResponseSuccessWithData(c, "Success", qrResponse{Status: status, QRCode: qr})
	}
}

const dataURIPrefix = "data:image/png;base64,"

// qrPNG returns the image of a QR payload: gateway data URIs are decoded,
// raw pairing codes are rendered.
func qrPNG(qr string) ([]byte, error) {
	if strings.HasPrefix(qr, dataURIPrefix) {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(qr, dataURIPrefix))
	}
	return qrCode.Encode(qr, qrCode.Medium, 256)
}

func qrDataURI(qr string) (string, error) {
	if strings.HasPrefix(qr, "data:image/") {
		return qr, nil
	}
	png, err := qrCode.Encode(qr, qrCode.Medium, 256)
	if err != nil {
		return "", err
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// GetLogs
// @Summary     Session log
// @Description Bounded list of the latest session log lines, oldest first
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Router      /instance/logs [get]
func (h *Handler) GetLogs(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	logs := s.Logs()
	if logs == nil {
		logs = []session.LogLine{}
	}
	return router.ResponseSuccessWithData(c, "Success", map[string]interface{}{"logs": logs})
}

// Sync
// @Summary     Sync now
// @Description Runs a full chat and message sync outside the polling schedule
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} router.Response
// @Failure     409 {object} router.ResError
// @Router      /instance/sync [post]
func (h *Handler) Sync(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := s.SyncNow(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", res)
}

// SyncChat
// @Summary     Sync one chat
// @Tags        Instance
// @Produce     json
// @Security    BearerAuth
// @Param       chat_id path string true "Phone number or chat JID"
// @Success     200 {object} router.Response
// @Failure     409 {object} router.ResError
// @Router      /instance/sync/{chat_id} [post]
func (h *Handler) SyncChat(c *fiber.Ctx) error {
	chatID := c.Params("chat_id")
	if unescaped, err := url.PathUnescape(chatID); err == nil {
		chatID = unescaped
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return router.ResponseBadRequest(c, "chat_id is required")
	}
	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := s.SyncChat(c.UserContext(), chatID)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "Success", res)
}
