// Package gateway talks to the external WhatsApp automation gateway (Evolution API style).
// It holds no session state; every call is a single HTTP round trip with a bounded timeout.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	baseURL string
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("apikey", cfg.APIKey).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "go-whatsapp-session-manager/1.0").
		SetLogger(log.Component("gateway"))
	httpClient.OnError(func(req *resty.Request, err error) {
		log.Component("gateway").WithField("url", req.URL).Debug("request failed: " + err.Error())
	})

	return &Client{http: httpClient, baseURL: baseURL}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, op, method, path, instance string, body interface{}) ([]byte, error) {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("instance", instance)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		return resp.Body(), classify(op, resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// CreateInstance registers the instance at the gateway. An instance that already exists counts as success.
func (c *Client) CreateInstance(ctx context.Context, instance string) error {
	_, err := c.do(ctx, "create instance", http.MethodPost, "/instance/create", instance, map[string]interface{}{
		"instanceName": instance,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	})
	if err == nil || alreadyExists(err) {
		return nil
	}
	return err
}

func alreadyExists(err error) bool {
	var message string
	switch e := err.(type) {
	case *GatewayError:
		message = e.Message
	case *AuthError:
		// some gateway versions answer 403 for a duplicate name
		message = e.Message
	default:
		return false
	}
	message = strings.ToLower(message)
	return strings.Contains(message, "already in use") || strings.Contains(message, "already exists")
}

// RequestConnect asks for a QR code. An already open instance reports StateOpen and no QR.
func (c *Client) RequestConnect(ctx context.Context, instance string) (ConnectResult, error) {
	body, err := c.do(ctx, "connect", http.MethodGet, "/instance/connect/{instance}", instance, nil)
	if err != nil {
		return ConnectResult{State: StateClosed}, err
	}
	var payload connectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ConnectResult{State: StateClosed}, nil
	}
	return payload.result(), nil
}

// ConnectionState is used for routine health polling: transport failures, 404s and other
// gateway errors read as StateClosed with a nil error. Only AuthError is returned.
func (c *Client) ConnectionState(ctx context.Context, instance string) (State, error) {
	body, err := c.do(ctx, "connection state", http.MethodGet, "/instance/connectionState/{instance}", instance, nil)
	if err != nil {
		if IsAuth(err) {
			return StateClosed, err
		}
		return StateClosed, nil
	}
	var payload statePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return StateClosed, nil
	}
	return ParseState(firstNonEmpty(payload.Instance.State, payload.State)), nil
}

func (c *Client) ListChats(ctx context.Context, instance string) ([]json.RawMessage, error) {
	body, err := c.do(ctx, "list chats", http.MethodPost, "/chat/findChats/{instance}", instance, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return decodeList(body, "chats", "data"), nil
}

// ListMessages returns at most count raw messages of one chat.
func (c *Client) ListMessages(ctx context.Context, instance, chatID string, count int) ([]json.RawMessage, error) {
	if count <= 0 {
		count = 20
	}
	body, err := c.do(ctx, "list messages", http.MethodPost, "/chat/findMessages/{instance}", instance, map[string]interface{}{
		"where": map[string]interface{}{
			"key": map[string]interface{}{"remoteJid": chatID},
		},
		"limit":  count,
		"offset": count,
		"page":   1,
	})
	if err != nil {
		return nil, err
	}
	items := decodeList(body, "messages", "data")
	if len(items) > count {
		items = items[:count]
	}
	return items, nil
}

func (c *Client) SendText(ctx context.Context, instance, to, text string) (SendResult, error) {
	body, err := c.do(ctx, "send text", http.MethodPost, "/message/sendText/{instance}", instance, map[string]interface{}{
		"number":      to,
		"text":        text,
		"textMessage": map[string]string{"text": text},
	})
	if err != nil {
		return SendResult{}, err
	}
	var payload sendPayload
	_ = json.Unmarshal(body, &payload)
	return SendResult{
		MessageID: firstNonEmpty(payload.Key.ID, payload.MessageID, payload.ID),
		Status:    payload.Status,
		Raw:       json.RawMessage(body),
	}, nil
}

func (c *Client) Logout(ctx context.Context, instance string) error {
	_, err := c.do(ctx, "logout", http.MethodDelete, "/instance/logout/{instance}", instance, nil)
	return err
}

func (c *Client) DeleteInstance(ctx context.Context, instance string) error {
	_, err := c.do(ctx, "delete instance", http.MethodDelete, "/instance/delete/{instance}", instance, nil)
	return err
}
