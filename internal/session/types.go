// Package session owns the connection lifecycle of each tenant's gateway instance:
// connect, QR pairing, health polling, message polling, sending and teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
)

type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusQRReady        Status = "qr_ready"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	// StatusGatewayUnreachable is terminal: the gateway could not be reached while
	// connecting. It clears only on an explicit Connect, Disconnect or config change.
	StatusGatewayUnreachable Status = "gateway_unreachable"
)

// Active reports whether a connection attempt or a live connection is in progress.
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusQRReady, StatusAuthenticating, StatusConnected:
		return true
	}
	return false
}

var (
	ErrInvalidConfig    = errors.New("invalid gateway configuration")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrClosed           = errors.New("session closed")
)

// NotConnectedError is returned by send and sync operations outside the connected state.
type NotConnectedError struct {
	Status Status
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session is not connected (status %s)", e.Status)
}

func IsNotConnected(err error) bool {
	var target *NotConnectedError
	return errors.As(err, &target)
}

// Gateway is the subset of the gateway client a session drives.
type Gateway interface {
	CreateInstance(ctx context.Context, instance string) error
	RequestConnect(ctx context.Context, instance string) (gateway.ConnectResult, error)
	ConnectionState(ctx context.Context, instance string) (gateway.State, error)
	ListChats(ctx context.Context, instance string) ([]json.RawMessage, error)
	ListMessages(ctx context.Context, instance, chatID string, count int) ([]json.RawMessage, error)
	SendText(ctx context.Context, instance, to, text string) (gateway.SendResult, error)
	Logout(ctx context.Context, instance string) error
	DeleteInstance(ctx context.Context, instance string) error
}

// GatewayFactory builds a client for a configuration. It is called again on every
// configuration change.
type GatewayFactory func(cfg configstore.Config) Gateway

// HTTPGateway returns a factory for the real HTTP client.
func HTTPGateway(timeout time.Duration) GatewayFactory {
	return func(cfg configstore.Config) Gateway {
		return gateway.New(gateway.Config{BaseURL: cfg.GatewayURL, APIKey: cfg.APIKey, Timeout: timeout})
	}
}

// Transition is the outcome of applying a configuration.
type Transition struct {
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Changed []string `json:"changed,omitempty"`
	// Reset is set when an active or failed session was torn down by the change.
	Reset bool `json:"reset"`
}

type LogLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type Snapshot struct {
	TenantID   string             `json:"tenant_id"`
	Instance   string             `json:"instance"`
	Status     Status             `json:"status"`
	QRCode     string             `json:"qr_code,omitempty"`
	Config     configstore.Config `json:"config"`
	Running    string             `json:"running,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	LastSyncAt time.Time          `json:"last_sync_at,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// StatusChange is the payload of status events.
type StatusChange struct {
	Instance string `json:"instance"`
	From     Status `json:"from"`
	To       Status `json:"to"`
}

// QRChange is the payload of qr events. An empty code means the QR was cleared.
type QRChange struct {
	Instance string `json:"instance"`
	QRCode   string `json:"qr_code"`
}

// MessageEvent is the payload of message events.
type MessageEvent struct {
	Instance string        `json:"instance"`
	Message  store.Message `json:"message"`
	Contact  store.Contact `json:"contact"`
}
