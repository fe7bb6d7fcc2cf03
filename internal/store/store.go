// Package store persists contacts and messages observed through the gateway.
// All writes are idempotent upserts; nothing is ever deleted here.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	// UpsertContact inserts or updates the contact identified by (TenantID, Phone).
	UpsertContact(ctx context.Context, in Contact) (UpsertResult, error)
	// InsertMessage stores m unless a duplicate exists, in which case only its status may advance.
	InsertMessage(ctx context.Context, m Message) (InsertResult, error)
	// UpdateMessageStatus advances the status of the message with the given gateway id.
	UpdateMessageStatus(ctx context.Context, tenantID, externalID string, status MessageStatus) (bool, error)
	ContactByPhone(ctx context.Context, tenantID, phone string) (Contact, error)
	ListContacts(ctx context.Context, tenantID string, limit, offset int) ([]Contact, error)
	// ListMessages returns the newest messages of a contact, oldest first.
	ListMessages(ctx context.Context, tenantID, contactID string, limit int) ([]Message, error)
}

// DedupeKey identifies a message by contact, content and second-resolution timestamp.
// Without a timestamp there is nothing to tell two identical texts apart, so the key is
// empty and only the gateway id can match the message.
func DedupeKey(contactID, content string, createdAt time.Time) string {
	if createdAt.IsZero() {
		return ""
	}
	secs := createdAt.Unix()
	h := sha256.New()
	h.Write([]byte(contactID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(secs, 10)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func statusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanAdvance reports whether a message may move from one status to another:
// sent -> delivered -> read, and sent -> failed. Failed and read are terminal.
func CanAdvance(from, to MessageStatus) bool {
	if to == "" || from == to || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSent || from == ""
	}
	return statusRank(to) > statusRank(from)
}

// matchDuplicate picks the stored message that in duplicates, given candidates sharing its dedupe key.
// Two messages whose gateway ids are both known and differ are distinct even if the key collides.
func matchDuplicate(in Message, candidates []Message) (Message, bool) {
	for _, c := range candidates {
		if in.ExternalID == "" || c.ExternalID == "" || c.ExternalID == in.ExternalID {
			return c, true
		}
	}
	return Message{}, false
}

// mergeContact applies the mutable fields of in onto existing.
func mergeContact(existing, in Contact, now time.Time) (Contact, bool, bool) {
	merged := existing
	changed := false

	name := strings.TrimSpace(in.Name)
	// a bare phone number never replaces a real name
	if name != "" && name != merged.Name && !(name == in.Phone && merged.Name != "") {
		merged.Name = name
		changed = true
	}
	if in.AvatarURL != "" && in.AvatarURL != merged.AvatarURL {
		merged.AvatarURL = in.AvatarURL
		changed = true
	}

	advanced := false
	if !in.LastMessageAt.IsZero() && in.LastMessageAt.After(merged.LastMessageAt) {
		merged.LastMessageAt = in.LastMessageAt
		advanced = true
		changed = true
		if in.LastMessagePreview != "" {
			merged.LastMessagePreview = in.LastMessagePreview
		}
	} else if merged.LastMessagePreview == "" && in.LastMessagePreview != "" {
		merged.LastMessagePreview = in.LastMessagePreview
		changed = true
	}

	if changed {
		merged.UpdatedAt = now
	}
	return merged, changed, advanced
}

func newContact(in Contact, id string, now time.Time) Contact {
	c := in
	c.ID = id
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.Phone
	}
	c.Status = ContactOpen
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return c
}

func prepareMessage(m Message, id string, now time.Time) Message {
	m.ID = id
	if m.DedupeKey == "" {
		m.DedupeKey = DedupeKey(m.ContactID, m.Content, m.CreatedAt)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = StatusDelivered
		if m.FromMe() {
			m.Status = StatusSent
		}
	}
	return m
}

func validateContact(in Contact) error {
	if in.TenantID == "" || in.Phone == "" {
		return errors.New("contact requires tenant id and phone")
	}
	return nil
}

func validateMessage(m Message) error {
	if m.TenantID == "" || m.ContactID == "" {
		return errors.New("message requires tenant id and contact id")
	}
	return nil
}

// advanceableFrom lists the statuses that may move to to.
func advanceableFrom(to MessageStatus) []string {
	var out []string
	for _, from := range []MessageStatus{"", StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if CanAdvance(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}
