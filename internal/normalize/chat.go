package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/forPelevin/gomoji"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
)

// PreviewLength is the number of characters kept in a contact's last message preview.
const PreviewLength = 80

// ChatFields is the normalized view of one chat list entry.
type ChatFields struct {
	// JID is the chat address as the gateway knows it; used to query the chat's messages.
	JID           string
	Phone         string
	Name          string
	AvatarURL     string
	Unread        int
	Preview       string
	LastMessageAt time.Time
}

// Contact projects the chat onto the contact record of tenantID.
func (c ChatFields) Contact(tenantID string) store.Contact {
	return store.Contact{
		TenantID:           tenantID,
		Phone:              c.Phone,
		Name:               c.Name,
		AvatarURL:          c.AvatarURL,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.Preview,
	}
}

type wireChat struct {
	ID                    Text            `json:"id"`
	RemoteJid             Text            `json:"remoteJid"`
	JID                   Text            `json:"jid"`
	Name                  Text            `json:"name"`
	PushName              Text            `json:"pushName"`
	ProfilePicURL         Text            `json:"profilePicUrl"`
	ProfilePictureURL     Text            `json:"profilePictureUrl"`
	UnreadCount           Int             `json:"unreadCount"`
	UnreadMessages        Int             `json:"unreadMessages"`
	ConversationTimestamp Instant         `json:"conversationTimestamp"`
	LastMessage           json.RawMessage `json:"lastMessage"`
}

// Chat normalizes one chat list entry into contact fields. Group, broadcast and newsletter
// chats are reported as ignorable gaps.
func Chat(raw json.RawMessage) (ChatFields, *Gap) {
	var w wireChat
	if !decodeObject(raw, &w) {
		return ChatFields{}, &Gap{Reason: "chat payload is not a JSON object"}
	}

	var c ChatFields
	sawNonContact := false
	for _, candidate := range []Text{w.RemoteJid, w.JID, w.ID} {
		phone, kind := parseChatJID(candidate.String())
		if kind == chatDirect {
			c.JID, c.Phone = candidate.String(), phone
			break
		}
		if kind == chatNonContact {
			sawNonContact = true
		}
	}
	if c.Phone == "" {
		if sawNonContact {
			return ChatFields{}, &Gap{ID: firstText(w.RemoteJid, w.JID, w.ID), Reason: "not a direct chat", Ignorable: true}
		}
		return ChatFields{}, &Gap{ID: firstText(w.RemoteJid, w.JID, w.ID), Reason: "chat without a resolvable phone number"}
	}

	c.AvatarURL = firstText(w.ProfilePicURL, w.ProfilePictureURL)
	c.Unread = int(w.UnreadCount)
	if c.Unread == 0 {
		c.Unread = int(w.UnreadMessages)
	}

	lastPushName := ""
	if last, gap := Message(w.LastMessage); gap == nil {
		c.Preview = Truncate(last.Content, PreviewLength)
		c.LastMessageAt = last.CreatedAt
		if !last.FromMe {
			lastPushName = last.PushName
		}
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = w.ConversationTimestamp.Time()
	}

	c.Name = pickName(c.Phone, w.Name.String(), w.PushName.String(), lastPushName)
	return c, nil
}

// pickName prefers the first candidate with readable text, then any emoji-only candidate,
// then the phone number itself.
func pickName(phone string, candidates ...string) string {
	fallback := ""
	for _, name := range candidates {
		name = strings.TrimSpace(name)
		if name == "" || name == phone || strings.Contains(name, "@") {
			continue
		}
		if strings.TrimSpace(gomoji.RemoveEmojis(name)) != "" {
			return name
		}
		if fallback == "" {
			fallback = name
		}
	}
	if fallback != "" {
		return fallback
	}
	return phone
}
