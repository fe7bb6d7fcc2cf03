package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
)

// Gap describes a payload the normalizer could not turn into a record. Ignorable gaps are
// system or protocol payloads that are filtered on purpose; the others deserve a log line.
type Gap struct {
	ID        string
	Reason    string
	Ignorable bool
}

func (g *Gap) String() string {
	if g.ID == "" {
		return g.Reason
	}
	return g.Reason + " (" + g.ID + ")"
}

// MessageFields is the normalized view of one gateway message.
type MessageFields struct {
	ExternalID string
	ChatJID    string
	Phone      string
	FromMe     bool
	PushName   string
	Content    string
	Type       store.MessageType
	Status     store.MessageStatus
	CreatedAt  time.Time
}

// Record builds the canonical message for contactID. The dedupe key is derived from the
// timestamp as received; a missing timestamp is replaced by the insertion time afterwards.
func (f MessageFields) Record(tenantID, contactID string) store.Message {
	sender := contactID
	if f.FromMe {
		sender = store.SenderMe
	}
	return store.Message{
		TenantID:   tenantID,
		ContactID:  contactID,
		ExternalID: f.ExternalID,
		DedupeKey:  store.DedupeKey(contactID, f.Content, f.CreatedAt),
		Content:    f.Content,
		SenderID:   sender,
		Type:       f.Type,
		Status:     f.Status,
		CreatedAt:  f.CreatedAt,
	}
}

type wireKey struct {
	ID           Text `json:"id"`
	RemoteJid    Text `json:"remoteJid"`
	RemoteJidAlt Text `json:"remoteJidAlt"`
	SenderPn     Text `json:"senderPn"`
	FromMe       Bool `json:"fromMe"`
}

type wireMessage struct {
	Key              json.RawMessage `json:"key"`
	Message          json.RawMessage `json:"message"`
	PushName         Text            `json:"pushName"`
	MessageType      Text            `json:"messageType"`
	MessageTimestamp Instant         `json:"messageTimestamp"`
	Status           Text            `json:"status"`

	ID        Text    `json:"id"`
	KeyID     Text    `json:"keyId"`
	MessageID Text    `json:"messageId"`
	RemoteJid Text    `json:"remoteJid"`
	ChatID    Text    `json:"chatId"`
	From      Text    `json:"from"`
	FromMe    Bool    `json:"fromMe"`
	Content   Text    `json:"content"`
	Body      Text    `json:"body"`
	Text      Text    `json:"text"`
	Caption   Text    `json:"caption"`
	Type      Text    `json:"type"`
	Timestamp Instant `json:"timestamp"`
	CreatedAt Instant `json:"createdAt"`
}

func decodeObject(raw json.RawMessage, v interface{}) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func decodeText(raw json.RawMessage) string {
	var t Text
	_ = t.UnmarshalJSON(raw)
	return t.String()
}

func firstTime(values ...Instant) time.Time {
	for _, v := range values {
		if t := v.Time(); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// Message normalizes one message record. Two shapes are understood: the nested
// key/message.<kind>Message records and the flat content/messageType records.
// It never panics; payloads that cannot be ingested come back with a Gap.
func Message(raw json.RawMessage) (MessageFields, *Gap) {
	var w wireMessage
	if !decodeObject(raw, &w) {
		return MessageFields{}, &Gap{Reason: "message payload is not a JSON object"}
	}

	var (
		f       MessageFields
		ex      extracted
		typeTag = firstText(w.MessageType, w.Type)
		alt     string
	)
	f.PushName = w.PushName.String()
	f.CreatedAt = firstTime(w.MessageTimestamp, w.Timestamp, w.CreatedAt)

	var key wireKey
	hasKey := decodeObject(w.Key, &key)
	var content messageContent
	hasContent := decodeObject(w.Message, &content)

	switch {
	case hasKey || hasContent:
		f.ExternalID = firstText(key.ID, w.KeyID, w.MessageID)
		if !hasKey && f.ExternalID == "" {
			f.ExternalID = w.ID.String()
		}
		f.ChatJID = firstText(key.RemoteJid, w.RemoteJid, w.ChatID)
		alt = firstText(key.RemoteJidAlt, key.SenderPn)
		f.FromMe = bool(key.FromMe || w.FromMe)
		ex = extract(&content)
		if ex.empty() {
			ex.Text = firstText(w.Content, w.Body, w.Text, w.Caption)
		}
	default:
		f.ExternalID = firstText(w.KeyID, w.MessageID, w.ID)
		f.ChatJID = firstText(w.RemoteJid, w.ChatID, w.From)
		f.FromMe = bool(w.FromMe)
		ex.Text = firstText(w.Content, w.Body, w.Text, w.Caption)
		if ex.Text == "" {
			ex.Text = decodeText(w.Message)
		}
	}

	if ex.Kind == "" {
		if kind, ok := typeFromName(typeTag); ok && (ex.Text != "" || kind != store.TypeText) {
			ex.Kind = kind
		} else if ex.Text != "" {
			ex.Kind = store.TypeText
		}
	}
	if ex.empty() {
		reason := "no extractable content"
		if typeTag != "" {
			reason += ": " + typeTag
		}
		return MessageFields{}, &Gap{ID: f.ExternalID, Reason: reason, Ignorable: true}
	}
	f.Content = ex.Display()
	f.Type = ex.Kind

	phone, kind := parseChatJID(f.ChatJID)
	if kind == chatHidden {
		phone, kind = parseChatJID(alt)
	}
	switch kind {
	case chatNonContact:
		return MessageFields{}, &Gap{ID: f.ExternalID, Reason: "not a direct chat: " + f.ChatJID, Ignorable: true}
	case chatDirect:
		f.Phone = phone
	default:
		return MessageFields{}, &Gap{ID: f.ExternalID, Reason: "message without a resolvable phone number"}
	}

	f.Status = mapStatus(w.Status.String(), f.FromMe)
	return f, nil
}

// StatusUpdate is a delivery receipt for a message already stored.
type StatusUpdate struct {
	ExternalID string
	Phone      string
	Status     store.MessageStatus
}

type wireStatus struct {
	Key       json.RawMessage `json:"key"`
	KeyID     Text            `json:"keyId"`
	MessageID Text            `json:"messageId"`
	ID        Text            `json:"id"`
	RemoteJid Text            `json:"remoteJid"`
	Status    Text            `json:"status"`
	Update    struct {
		Status Text `json:"status"`
	} `json:"update"`
}

func Status(raw json.RawMessage) (StatusUpdate, *Gap) {
	var w wireStatus
	if !decodeObject(raw, &w) {
		return StatusUpdate{}, &Gap{Reason: "status payload is not a JSON object"}
	}
	var key wireKey
	decodeObject(w.Key, &key)

	u := StatusUpdate{ExternalID: firstText(w.KeyID, key.ID, w.MessageID, w.ID)}
	u.Phone, _ = parseChatJID(firstText(key.RemoteJid, w.RemoteJid))
	if u.ExternalID == "" {
		return StatusUpdate{}, &Gap{Reason: "status update without message id"}
	}
	status, ok := parseStatus(firstText(w.Status, w.Update.Status))
	if !ok {
		return StatusUpdate{}, &Gap{ID: u.ExternalID, Reason: "unknown delivery status", Ignorable: true}
	}
	u.Status = status
	return u, nil
}

// parseStatus understands the gateway's ack names and the numeric ack levels.
func parseStatus(s string) (store.MessageStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR", "FAILED", "0":
		return store.StatusFailed, true
	case "PENDING", "SERVER_ACK", "SENT", "1", "2":
		return store.StatusSent, true
	case "DELIVERY_ACK", "DELIVERED", "3":
		return store.StatusDelivered, true
	case "READ", "PLAYED", "4", "5":
		return store.StatusRead, true
	}
	return "", false
}

func mapStatus(s string, fromMe bool) store.MessageStatus {
	if status, ok := parseStatus(s); ok {
		return status
	}
	if fromMe {
		return store.StatusSent
	}
	return store.StatusDelivered
}
