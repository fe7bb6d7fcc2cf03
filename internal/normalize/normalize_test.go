package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
)

func TestChatLegacyIDWithPushName(t *testing.T) {
	chat, gap := Chat(json.RawMessage(`{"id":"5511999999999@c.us","pushName":"Maria"}`))
	if gap != nil {
		t.Fatalf("unexpected gap %v", gap)
	}
	if chat.Phone != "5511999999999" || chat.Name != "Maria" {
		t.Fatalf("got %+v", chat)
	}
	c := chat.Contact("t1")
	if c.Phone != "5511999999999" || c.Name != "Maria" || c.TenantID != "t1" {
		t.Fatalf("contact %+v", c)
	}
}

func TestChatFullRecord(t *testing.T) {
	raw := `{
		"id": "cm1x2y3z4000012345678",
		"remoteJid": "5511988887777@s.whatsapp.net",
		"name": "🌸",
		"pushName": "Ana",
		"profilePicUrl": "https://pps.whatsapp.net/v/ana.jpg",
		"unreadCount": "3",
		"lastMessage": {
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "fromMe": false, "id": "3EB0A1"},
			"pushName": "Ana",
			"message": {"imageMessage": {"mimetype": "image/jpeg"}},
			"messageTimestamp": 1714564800
		}
	}`
	chat, gap := Chat(json.RawMessage(raw))
	if gap != nil {
		t.Fatal(gap)
	}
	if chat.JID != "5511988887777@s.whatsapp.net" || chat.Phone != "5511988887777" {
		t.Fatalf("address %+v", chat)
	}
	if chat.Name != "Ana" {
		t.Fatalf("emoji-only name should yield to the push name, got %q", chat.Name)
	}
	if chat.Unread != 3 || chat.Preview != "Image" || chat.AvatarURL == "" {
		t.Fatalf("got %+v", chat)
	}
	if !chat.LastMessageAt.Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("last message at %v", chat.LastMessageAt)
	}
}

func TestChatNameFallsBackToPhone(t *testing.T) {
	chat, gap := Chat(json.RawMessage(`{"remoteJid":"5511977776666@s.whatsapp.net","name":null}`))
	if gap != nil || chat.Name != "5511977776666" {
		t.Fatalf("got %+v %v", chat, gap)
	}
}

func TestChatSkipsGroups(t *testing.T) {
	_, gap := Chat(json.RawMessage(`{"remoteJid":"120363025246125486@g.us","name":"Family"}`))
	if gap == nil || !gap.Ignorable {
		t.Fatalf("group chat should be an ignorable gap, got %v", gap)
	}
	_, gap = Chat(json.RawMessage(`{"id":"cm1x2y3z4000012345678"}`))
	if gap == nil || gap.Ignorable {
		t.Fatalf("chat without address should be a reportable gap, got %v", gap)
	}
}

func TestMessageExtendedText(t *testing.T) {
	raw := `{
		"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "3EB0C767D26A1D"},
		"pushName": "Maria",
		"message": {"extendedTextMessage": {"text": "Oi"}},
		"messageTimestamp": {"low": 1714564800, "high": 0, "unsigned": true}
	}`
	f, gap := Message(json.RawMessage(raw))
	if gap != nil {
		t.Fatal(gap)
	}
	m := f.Record("t1", "contact-1")
	if m.Content != "Oi" || m.SenderID != "contact-1" || m.Type != store.TypeText {
		t.Fatalf("got %+v", m)
	}
	if m.ExternalID != "3EB0C767D26A1D" || m.Status != store.StatusDelivered {
		t.Fatalf("got %+v", m)
	}
	if !m.CreatedAt.Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("created at %v", m.CreatedAt)
	}
}

func TestMessageFromMe(t *testing.T) {
	raw := `{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"BAE5"},"message":{"conversation":"hello"},"messageTimestamp":"1714564800","status":"READ"}`
	f, gap := Message(json.RawMessage(raw))
	if gap != nil {
		t.Fatal(gap)
	}
	m := f.Record("t1", "contact-1")
	if m.SenderID != store.SenderMe || m.Status != store.StatusRead {
		t.Fatalf("got %+v", m)
	}
}

func TestMessageFlatShape(t *testing.T) {
	raw := `{"id":"ABC","remoteJid":"5511999999999@s.whatsapp.net","fromMe":"false","content":"Bom dia","messageType":"conversation","timestamp":1714564800000}`
	f, gap := Message(json.RawMessage(raw))
	if gap != nil {
		t.Fatal(gap)
	}
	if f.Content != "Bom dia" || f.Type != store.TypeText || f.ExternalID != "ABC" || f.FromMe {
		t.Fatalf("got %+v", f)
	}
	if !f.CreatedAt.Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("millisecond timestamp misread: %v", f.CreatedAt)
	}

	f, gap = Message(json.RawMessage(`{"remoteJid":"5511999999999@c.us","messageType":"audioMessage","timestamp":1714564800}`))
	if gap != nil || f.Type != store.TypeAudio || f.Content != "Audio" {
		t.Fatalf("flat media: %+v %v", f, gap)
	}
}

func TestMessageTypeInference(t *testing.T) {
	cases := []struct {
		message string
		kind    store.MessageType
		content string
	}{
		{`{"imageMessage":{"caption":"look"}}`, store.TypeImage, "look"},
		{`{"imageMessage":{}}`, store.TypeImage, "Image"},
		{`{"stickerMessage":{}}`, store.TypeImage, "Sticker"},
		{`{"audioMessage":{"ptt":true}}`, store.TypeAudio, "Audio"},
		{`{"videoMessage":{"caption":""}}`, store.TypeVideo, "Video"},
		{`{"documentMessage":{"fileName":"invoice.pdf"}}`, store.TypeDocument, "invoice.pdf"},
		{`{"documentWithCaptionMessage":{"message":{"documentMessage":{"caption":"signed"}}}}`, store.TypeDocument, "signed"},
		{`{"locationMessage":{"degreesLatitude":-23.5,"degreesLongitude":-46.6}}`, store.TypeLocation, "-23.500000,-46.600000"},
		{`{"ephemeralMessage":{"message":{"extendedTextMessage":{"text":"temp"}}}}`, store.TypeText, "temp"},
		{`{"viewOnceMessageV2":{"message":{"imageMessage":{}}}}`, store.TypeImage, "Image"},
		{`{"contactMessage":{"displayName":"Bob"}}`, store.TypeText, "Contact: Bob"},
	}
	for _, tc := range cases {
		raw := `{"key":{"remoteJid":"5511999999999@s.whatsapp.net","id":"X"},"message":` + tc.message + `,"messageTimestamp":1714564800}`
		f, gap := Message(json.RawMessage(raw))
		if gap != nil {
			t.Errorf("%s: gap %v", tc.message, gap)
			continue
		}
		if f.Type != tc.kind || f.Content != tc.content {
			t.Errorf("%s: got %s %q", tc.message, f.Type, f.Content)
		}
	}
}

func TestMessageSkipsSystemPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"key":{"remoteJid":"5511999999999@s.whatsapp.net","id":"P1"},"message":{"protocolMessage":{"type":"REVOKE"}},"messageType":"protocolMessage"}`,
		`{"key":{"remoteJid":"5511999999999@s.whatsapp.net","id":"R1"},"message":{"reactionMessage":{"text":"👍"}}}`,
		`{"key":{"remoteJid":"120363025246125486@g.us","id":"G1"},"message":{"conversation":"hi all"}}`,
		`{"key":{"remoteJid":"status@broadcast","id":"S1"},"message":{"conversation":"story"}}`,
	} {
		_, gap := Message(json.RawMessage(raw))
		if gap == nil || !gap.Ignorable {
			t.Errorf("%s: expected ignorable gap, got %v", raw, gap)
		}
	}
}

func TestMessageHiddenAddressUsesAlternate(t *testing.T) {
	raw := `{"key":{"remoteJid":"203040506070809@lid","remoteJidAlt":"5511999999999@s.whatsapp.net","id":"L1"},"message":{"conversation":"via lid"}}`
	f, gap := Message(json.RawMessage(raw))
	if gap != nil || f.Phone != "5511999999999" {
		t.Fatalf("got %+v %v", f, gap)
	}
}

func TestMalformedInputNeverPanics(t *testing.T) {
	for _, raw := range []string{``, `null`, `[]`, `"text"`, `{"key":"oops","message":42}`, `{"message":{"imageMessage":"x"}}`, `{`} {
		if _, gap := Message(json.RawMessage(raw)); gap == nil {
			t.Errorf("Message(%q): expected gap", raw)
		}
		if _, gap := Chat(json.RawMessage(raw)); gap == nil {
			t.Errorf("Chat(%q): expected gap", raw)
		}
	}
}

func TestStatusUpdate(t *testing.T) {
	u, gap := Status(json.RawMessage(`{"keyId":"BAE5","remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"status":"DELIVERY_ACK"}`))
	if gap != nil || u.ExternalID != "BAE5" || u.Status != store.StatusDelivered || u.Phone != "5511999999999" {
		t.Fatalf("got %+v %v", u, gap)
	}
	u, gap = Status(json.RawMessage(`{"key":{"id":"BAE6","remoteJid":"5511999999999@s.whatsapp.net"},"update":{"status":4}}`))
	if gap != nil || u.Status != store.StatusRead {
		t.Fatalf("numeric ack: %+v %v", u, gap)
	}
	if _, gap = Status(json.RawMessage(`{"status":"READ"}`)); gap == nil {
		t.Fatal("expected gap without id")
	}
}

func TestInstantFormats(t *testing.T) {
	want := time.Unix(1714564800, 0)
	for _, raw := range []string{`1714564800`, `"1714564800"`, `1714564800000`, `{"low":1714564800,"high":0}`, `"2024-05-01T12:00:00Z"`} {
		var v Instant
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatal(err)
		}
		if !v.Time().Equal(want) {
			t.Errorf("%s: got %v", raw, v.Time())
		}
	}
	var v Instant
	_ = json.Unmarshal([]byte(`"yesterday"`), &v)
	if !v.Time().IsZero() {
		t.Fatal("garbage timestamp should be zero")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("ação ", 40)
	got := Truncate(long, 10)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) > 10 {
		t.Fatalf("got %q", got)
	}
	if Truncate("short", 10) != "short" {
		t.Fatal("short strings must be untouched")
	}
	flag := strings.Repeat("🇧🇷", 5)
	if got := Truncate(flag, 3); got != "🇧🇷🇧🇷…" {
		t.Fatalf("grapheme split: %q", got)
	}
}

func TestChatJID(t *testing.T) {
	if got := ChatJID("+55 11 99999-9999"); got != "5511999999999@s.whatsapp.net" {
		t.Fatalf("got %q", got)
	}
}
