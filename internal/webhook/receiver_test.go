package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
)

// pairingGateway answers connect requests without a QR code. The fixture polls hourly,
// so pairing progress only arrives through pushed events.
type pairingGateway struct {
	mu    sync.Mutex
	state gateway.State
}

func (*pairingGateway) CreateInstance(context.Context, string) error { return nil }
func (*pairingGateway) RequestConnect(context.Context, string) (gateway.ConnectResult, error) {
	return gateway.ConnectResult{State: gateway.StateConnecting}, nil
}
func (g *pairingGateway) ConnectionState(context.Context, string) (gateway.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, nil
}
func (g *pairingGateway) setState(state gateway.State) {
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
}
func (*pairingGateway) ListChats(context.Context, string) ([]json.RawMessage, error) { return nil, nil }
func (*pairingGateway) ListMessages(context.Context, string, string, int) ([]json.RawMessage, error) {
	return nil, nil
}
func (*pairingGateway) SendText(context.Context, string, string, string) (gateway.SendResult, error) {
	return gateway.SendResult{}, nil
}
func (*pairingGateway) Logout(context.Context, string) error         { return nil }
func (*pairingGateway) DeleteInstance(context.Context, string) error { return nil }

type receiverFixture struct {
	app      *fiber.App
	manager  *session.Manager
	contacts store.Store
	gw       *pairingGateway
}

func newReceiverFixture(t *testing.T) receiverFixture {
	t.Helper()
	t.Setenv("WEBHOOK_VERIFY_APIKEY", "true")
	ctx := context.Background()
	configs := configstore.New(configstore.NewMemoryKV(), configstore.Config{})
	cfg := configstore.Config{GatewayURL: "http://gateway.test", APIKey: "secret-key", InstanceName: "acme"}
	if _, err := configs.Save(ctx, "t1", cfg); err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	opts := session.Options{
		StatusInterval:  time.Hour,
		MessageInterval: time.Hour,
		ConnectBackoff:  time.Millisecond,
		MaxBackoff:      time.Millisecond,
		ResyncDelay:     time.Millisecond,
	}
	gw := &pairingGateway{state: gateway.StateConnecting}
	m := session.NewManager(configs, st, func(configstore.Config) session.Gateway { return gw }, opts)
	t.Cleanup(m.Shutdown)

	app := fiber.New()
	app.Post("/webhooks/gateway", NewReceiver(m).GatewayEvents)
	return receiverFixture{app: app, manager: m, contacts: st, gw: gw}
}

// post sends body; a non-empty apiKey goes in the apikey header.
func (f receiverFixture) post(t *testing.T, body, apiKey string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestNormalizeEventName(t *testing.T) {
	for in, want := range map[string]string{
		"MESSAGES_UPSERT":   "messages.upsert",
		"connection.update": "connection.update",
		" QRCODE_UPDATED ":  "qrcode.updated",
	} {
		if got := NormalizeEventName(in); got != want {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}
}

func TestReceiverIngestsMessages(t *testing.T) {
	f := newReceiverFixture(t)
	body := `{"event":"MESSAGES_UPSERT","instance":"acme","apikey":"secret-key","data":{
		"key":{"id":"M1","remoteJid":"5511999990000@s.whatsapp.net","fromMe":false},
		"pushName":"Ana","message":{"conversation":"hello"},"messageTimestamp":1700000000}}`

	if code := f.post(t, body, ""); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if code := f.post(t, body, ""); code != http.StatusOK {
		t.Fatalf("replay status %d", code)
	}

	contact, err := f.contacts.ContactByPhone(context.Background(), "t1", "5511999990000")
	if err != nil {
		t.Fatal(err)
	}
	if contact.Name != "Ana" {
		t.Fatalf("contact %+v", contact)
	}
	msgs, _ := f.contacts.ListMessages(context.Background(), "t1", contact.ID, 10)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("messages %+v", msgs)
	}
}

func TestReceiverRejects(t *testing.T) {
	f := newReceiverFixture(t)
	cases := []struct {
		name string
		body string
		key  string
		want int
	}{
		{"malformed", `{"event":`, "", http.StatusBadRequest},
		{"no instance", `{"event":"connection.update","data":{"state":"open"}}`, "", http.StatusBadRequest},
		{"unknown instance", `{"event":"connection.update","instance":"ghost","data":{"state":"open"}}`, "secret-key", http.StatusNotFound},
		{"wrong key", `{"event":"connection.update","instance":"acme","apikey":"nope","data":{"state":"open"}}`, "", http.StatusUnauthorized},
		{"wrong header key", `{"event":"connection.update","instance":"acme","data":{"state":"open"}}`, "nope", http.StatusUnauthorized},
		{"missing key", `{"event":"connection.update","instance":"acme","data":{"state":"open"}}`, "", http.StatusUnauthorized},
		{"unknown event", `{"event":"presence.update","instance":"acme","data":{}}`, "secret-key", http.StatusOK},
	}
	for _, tc := range cases {
		if got := f.post(t, tc.body, tc.key); got != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestReceiverRefusesUnsignedEvents(t *testing.T) {
	f := newReceiverFixture(t)
	ctx := context.Background()
	s, err := f.manager.Session(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	f.gw.setState(gateway.StateOpen)

	if code := f.post(t, `{"event":"connection.update","instance":"acme","data":{"state":"open"}}`, ""); code != http.StatusUnauthorized {
		t.Fatalf("connection.update without key: status %d", code)
	}
	if s.Status() != session.StatusConnecting {
		t.Fatalf("status %s", s.Status())
	}

	upsert := `{"event":"messages.upsert","instance":"acme","data":{
		"key":{"id":"X1","remoteJid":"5511888888888@s.whatsapp.net"},"message":{"conversation":"hi"},"messageTimestamp":1700000000}}`
	if code := f.post(t, upsert, ""); code != http.StatusUnauthorized {
		t.Fatalf("messages.upsert without key: status %d", code)
	}
	if _, err := f.contacts.ContactByPhone(ctx, "t1", "5511888888888"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("contact stored from an unsigned event: %v", err)
	}
}

func TestReceiverDrivesPairing(t *testing.T) {
	f := newReceiverFixture(t)
	ctx := context.Background()
	s, err := f.manager.Session(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}

	e, _ := testEngine(t, Options{RetryLimit: 1})
	var (
		mu     sync.Mutex
		relays []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		relays = append(relays, r.Header.Get("X-Webhook-Event"))
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	if _, err := e.Store().CreateWebhook(ctx, "t1", srv.URL, "", []string{"qr"}); err != nil {
		t.Fatal(err)
	}
	e.Attach(s)

	// QR pushes are ignored outside a pairing attempt.
	f.post(t, `{"event":"qrcode.updated","instance":"acme","apikey":"secret-key","data":{"qrcode":{"code":"EARLY"}}}`, "")
	if s.QRCode() != "" {
		t.Fatal("qr accepted while disconnected")
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Status() != session.StatusConnecting {
		t.Fatalf("status %s", s.Status())
	}

	f.post(t, `{"event":"QRCODE_UPDATED","instance":"acme","data":{"qrcode":{"code":"PAIR-1"}}}`, "secret-key")
	if s.Status() != session.StatusQRReady || s.QRCode() != "PAIR-1" {
		t.Fatalf("status %s qr %q", s.Status(), s.QRCode())
	}
	waitFor(t, "qr relayed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(relays) == 1 && relays[0] == "qr"
	})

	f.post(t, `{"event":"connection.update","instance":"acme","data":{"state":"connecting"}}`, "secret-key")
	if s.Status() != session.StatusAuthenticating || s.QRCode() != "" {
		t.Fatalf("status %s qr %q", s.Status(), s.QRCode())
	}

	// The gateway still answers connecting, so the pushed open state waits for confirmation.
	open := `{"event":"connection.update","instance":"acme","apikey":"secret-key","data":{"state":"open"}}`
	f.post(t, open, "")
	if s.Status() != session.StatusAuthenticating {
		t.Fatalf("unconfirmed open: status %s", s.Status())
	}
	f.gw.setState(gateway.StateOpen)
	f.post(t, open, "")
	if s.Status() != session.StatusConnected {
		t.Fatalf("status %s", s.Status())
	}
}
