package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/syncer"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

var (
	ErrBadPayload = errors.New("malformed gateway event")
	ErrForbidden  = errors.New("gateway api key missing or mismatched")
)

// Inbound gateway event names, after NormalizeEventName.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesSet      = "messages.set"
	EventMessagesUpdate   = "messages.update"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// Resolver finds the session owning a gateway instance.
type Resolver interface {
	ByInstance(ctx context.Context, instance string) (*session.Session, error)
}

type envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	APIKey   string          `json:"apikey"`
	Data     json.RawMessage `json:"data"`
}

// Outcome summarizes what an inbound event changed.
type Outcome struct {
	Event    string         `json:"event"`
	Instance string         `json:"instance"`
	Ignored  bool           `json:"ignored,omitempty"`
	Result   *syncer.Result `json:"result,omitempty"`
}

// Receiver applies the push events the gateway posts for its instances.
type Receiver struct {
	sessions     Resolver
	verifyAPIKey bool
}

func NewReceiver(sessions Resolver) *Receiver {
	return &Receiver{
		sessions:     sessions,
		verifyAPIKey: env.GetEnvBoolOrDefault("WEBHOOK_VERIFY_APIKEY", true),
	}
}

// NormalizeEventName maps MESSAGES_UPSERT and messages.upsert to the same name.
func NormalizeEventName(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

// Handle applies one gateway event. apiKey is the key sent out of band (the apikey header);
// the payload's apikey field is used when it is empty. With verification on, events without
// a matching key are refused.
func (rc *Receiver) Handle(ctx context.Context, body []byte, apiKey string) (Outcome, error) {
	var in envelope
	if err := json.Unmarshal(body, &in); err != nil {
		return Outcome{}, ErrBadPayload
	}
	out := Outcome{Event: NormalizeEventName(in.Event), Instance: strings.TrimSpace(in.Instance)}
	if out.Event == "" || out.Instance == "" {
		return out, ErrBadPayload
	}

	s, err := rc.sessions.ByInstance(ctx, out.Instance)
	if err != nil {
		return out, err
	}
	if rc.verifyAPIKey {
		key := strings.TrimSpace(apiKey)
		if key == "" {
			key = strings.TrimSpace(in.APIKey)
		}
		want := s.Config().APIKey
		if key == "" || want == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			return out, ErrForbidden
		}
	}

	switch out.Event {
	case EventMessagesUpsert, EventMessagesSet:
		res := s.Ingest(ctx, items(in.Data, "messages", "records"))
		out.Result = &res
	case EventMessagesUpdate:
		res := s.IngestStatus(ctx, items(in.Data, "updates", "messages"))
		out.Result = &res
	case EventConnectionUpdate:
		var data struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(in.Data, &data); err != nil || data.State == "" {
			return out, ErrBadPayload
		}
		s.ObserveGatewayState(ctx, gateway.ParseState(data.State))
	case EventQRCodeUpdated:
		var data struct {
			QRCode struct {
				Base64 string `json:"base64"`
				Code   string `json:"code"`
			} `json:"qrcode"`
			Base64 string `json:"base64"`
			Code   string `json:"code"`
		}
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return out, ErrBadPayload
		}
		for _, qr := range []string{data.QRCode.Base64, data.QRCode.Code, data.Base64, data.Code} {
			if strings.TrimSpace(qr) != "" {
				s.ObserveQR(qr)
				break
			}
		}
	default:
		out.Ignored = true
	}
	return out, nil
}

// items accepts a single object, a bare array or an object holding the array under one of keys.
func items(raw json.RawMessage, keys ...string) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if raw[0] == '[' {
		if json.Unmarshal(raw, &list) == nil {
			return list
		}
		return nil
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	for _, key := range keys {
		if inner, ok := obj[key]; ok && json.Unmarshal(inner, &list) == nil {
			return list
		}
	}
	return []json.RawMessage{raw}
}

// GatewayEvents handles the gateway's webhook callbacks
// @Summary     Receive gateway push events
// @Description Entry point the gateway posts message, receipt, connection and QR events to
// @Tags        Gateway
// @Accept      json
// @Produce     json
// @Param       apikey header string false "Instance API key, alternative to the payload apikey field"
// @Success     200
// @Failure     400
// @Failure     401
// @Failure     404
// @Router      /webhooks/gateway [post]
func (rc *Receiver) GatewayEvents(c *fiber.Ctx) error {
	out, err := rc.Handle(c.UserContext(), c.Body(), c.Get("apikey"))
	switch {
	case err == nil:
	case errors.Is(err, ErrBadPayload):
		return router.ResponseBadRequest(c, err.Error())
	case errors.Is(err, session.ErrUnknownInstance):
		return router.ResponseNotFound(c, err.Error())
	case errors.Is(err, ErrForbidden):
		return router.ResponseUnauthorized(c, err.Error())
	default:
		log.Print(c).WithField("instance", out.Instance).WithError(err).Error("gateway event failed")
		return router.ResponseInternalError(c, "failed to process gateway event")
	}
	log.Print(c).WithField("event", out.Event).WithField("instance", out.Instance).Debug("gateway event applied")
	return router.ResponseSuccessWithData(c, "Event accepted", out)
}
