package store

import (
	"time"
)

type ContactStatus string

const (
	ContactOpen     ContactStatus = "open"
	ContactPending  ContactStatus = "pending"
	ContactResolved ContactStatus = "resolved"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// SenderMe marks messages written by the tenant's own WhatsApp account.
const SenderMe = "me"

// Contact is keyed by (TenantID, Phone). Status and Tags belong to the business layer
// and are only set when the contact is first created.
type Contact struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	Phone              string        `json:"phone"`
	Name               string        `json:"name"`
	AvatarURL          string        `json:"avatar_url,omitempty"`
	LastMessageAt      time.Time     `json:"last_message_at,omitempty"`
	LastMessagePreview string        `json:"last_message_preview,omitempty"`
	Status             ContactStatus `json:"status"`
	Tags               []string      `json:"tags"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Message is immutable once stored except for Status, which only moves forward.
type Message struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	ContactID  string        `json:"contact_id"`
	ExternalID string        `json:"external_id,omitempty"`
	DedupeKey  string        `json:"-"`
	Content    string        `json:"content"`
	SenderID   string        `json:"sender_id"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (m Message) FromMe() bool {
	return m.SenderID == SenderMe
}

type UpsertResult struct {
	Contact Contact
	Created bool
	// Advanced is set when LastMessageAt moved forward.
	Advanced bool
}

type InsertResult struct {
	Message       Message
	Inserted      bool
	StatusUpdated bool
}
