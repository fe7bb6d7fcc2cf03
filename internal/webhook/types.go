// Package webhook relays session events to tenant HTTP endpoints and ingests the push
// events the gateway sends back.
package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// WebhookConfig is a relay target. An empty Events list subscribes to every event kind.
type WebhookConfig struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w WebhookConfig) Wants(kind eventbus.Kind) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, evt := range w.Events {
		if evt == string(kind) {
			return true
		}
	}
	return false
}

// EventPing is only sent by Engine.Ping; targets never subscribe to it.
const EventPing eventbus.Kind = "ping"

// WebhookEvent is the JSON body POSTed to relay targets.
type WebhookEvent struct {
	Event     eventbus.Kind `json:"event"`
	TenantID  string        `json:"tenant_id"`
	Instance  string        `json:"instance"`
	Timestamp time.Time     `json:"timestamp"`
	Data      interface{}   `json:"data"`
}

type DeliveryLog struct {
	ID           int64          `json:"id"`
	WebhookID    int64          `json:"webhook_id"`
	Event        string         `json:"event"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ParseEvents validates a list of event kind names.
func ParseEvents(events []string) ([]string, error) {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		kind, err := eventbus.ParseKind(strings.ToLower(strings.TrimSpace(evt)))
		if err != nil {
			return nil, fmt.Errorf("invalid event %q, expected one of %v", evt, eventbus.Kinds())
		}
		out = append(out, string(kind))
	}
	return out, nil
}
