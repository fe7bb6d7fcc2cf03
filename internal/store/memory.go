package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process Store used when no datastore is configured and in tests.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	contacts  map[string]Contact
	byPhone   map[string]string
	messages  map[string]Message
	byKey     map[string][]string
	byExtID   map[string]string
	byContact map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		contacts:  make(map[string]Contact),
		byPhone:   make(map[string]string),
		messages:  make(map[string]Message),
		byKey:     make(map[string][]string),
		byExtID:   make(map[string]string),
		byContact: make(map[string][]string),
	}
}

func (m *Memory) UpsertContact(_ context.Context, in Contact) (UpsertResult, error) {
	if err := validateContact(in); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	phoneKey := in.TenantID + "|" + in.Phone
	if id, ok := m.byPhone[phoneKey]; ok {
		merged, _, advanced := mergeContact(m.contacts[id], in, now)
		m.contacts[id] = merged
		return UpsertResult{Contact: cloneContact(merged), Advanced: advanced}, nil
	}

	c := newContact(in, uuid.NewString(), now)
	m.contacts[c.ID] = c
	m.byPhone[phoneKey] = c.ID
	return UpsertResult{Contact: cloneContact(c), Created: true, Advanced: !c.LastMessageAt.IsZero()}, nil
}

func (m *Memory) InsertMessage(_ context.Context, in Message) (InsertResult, error) {
	if err := validateMessage(in); err != nil {
		return InsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := prepareMessage(in, uuid.NewString(), m.now())

	if msg.ExternalID != "" {
		if id, ok := m.byExtID[msg.TenantID+"|"+msg.ExternalID]; ok {
			return m.advanceLocked(id, msg.Status), nil
		}
	}

	key := msg.TenantID + "|" + msg.ContactID + "|" + msg.DedupeKey
	if msg.DedupeKey != "" {
		candidates := make([]Message, 0, len(m.byKey[key]))
		for _, id := range m.byKey[key] {
			candidates = append(candidates, m.messages[id])
		}
		if dup, ok := matchDuplicate(msg, candidates); ok {
			if dup.ExternalID == "" && msg.ExternalID != "" {
				dup.ExternalID = msg.ExternalID
				m.messages[dup.ID] = dup
				m.byExtID[msg.TenantID+"|"+msg.ExternalID] = dup.ID
			}
			return m.advanceLocked(dup.ID, msg.Status), nil
		}
	}

	m.messages[msg.ID] = msg
	if msg.DedupeKey != "" {
		m.byKey[key] = append(m.byKey[key], msg.ID)
	}
	m.byContact[msg.ContactID] = append(m.byContact[msg.ContactID], msg.ID)
	if msg.ExternalID != "" {
		m.byExtID[msg.TenantID+"|"+msg.ExternalID] = msg.ID
	}
	return InsertResult{Message: msg, Inserted: true}, nil
}

func (m *Memory) advanceLocked(id string, status MessageStatus) InsertResult {
	existing := m.messages[id]
	if CanAdvance(existing.Status, status) {
		existing.Status = status
		m.messages[id] = existing
		return InsertResult{Message: existing, StatusUpdated: true}
	}
	return InsertResult{Message: existing}
}

func (m *Memory) UpdateMessageStatus(_ context.Context, tenantID, externalID string, status MessageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExtID[tenantID+"|"+externalID]
	if !ok {
		return false, nil
	}
	return m.advanceLocked(id, status).StatusUpdated, nil
}

func (m *Memory) ContactByPhone(_ context.Context, tenantID, phone string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPhone[tenantID+"|"+phone]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return cloneContact(m.contacts[id]), nil
}

func (m *Memory) ListContacts(_ context.Context, tenantID string, limit, offset int) ([]Contact, error) {
	m.mu.Lock()
	var out []Contact
	for _, c := range m.contacts {
		if c.TenantID == tenantID {
			out = append(out, cloneContact(c))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].Phone < out[j].Phone
	})
	return page(out, limit, offset), nil
}

func (m *Memory) ListMessages(_ context.Context, tenantID, contactID string, limit int) ([]Message, error) {
	m.mu.Lock()
	var out []Message
	for _, id := range m.byContact[contactID] {
		if msg := m.messages[id]; msg.TenantID == tenantID {
			out = append(out, msg)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func cloneContact(c Contact) Contact {
	c.Tags = append([]string{}, c.Tags...)
	return c
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
