package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
)

type fakeGateway struct {
	mu         sync.Mutex
	state      gateway.State
	stateErr   error
	connect    gateway.ConnectResult
	createErr  error
	sendErr    error
	chats      []json.RawMessage
	messages   map[string][]json.RawMessage
	calls      map[string]int
	chatsAsked []string
}

func newFakeGateway(state gateway.State) *fakeGateway {
	return &fakeGateway{state: state, calls: make(map[string]int), messages: make(map[string][]json.RawMessage)}
}

func (f *fakeGateway) hit(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) setState(state gateway.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *fakeGateway) CreateInstance(context.Context, string) error {
	f.hit("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createErr
}

func (f *fakeGateway) RequestConnect(context.Context, string) (gateway.ConnectResult, error) {
	f.hit("connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connect, nil
}

func (f *fakeGateway) ConnectionState(context.Context, string) (gateway.State, error) {
	f.hit("state")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeGateway) ListChats(context.Context, string) ([]json.RawMessage, error) {
	f.hit("chats")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, nil
}

func (f *fakeGateway) ListMessages(_ context.Context, _, chatID string, _ int) ([]json.RawMessage, error) {
	f.hit("messages")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatsAsked = append(f.chatsAsked, chatID)
	return f.messages[chatID], nil
}

func (f *fakeGateway) SendText(context.Context, string, string, string) (gateway.SendResult, error) {
	f.hit("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return gateway.SendResult{}, f.sendErr
	}
	return gateway.SendResult{MessageID: "OUT1", Status: "PENDING"}, nil
}

func (f *fakeGateway) Logout(context.Context, string) error {
	f.hit("logout")
	return nil
}

func (f *fakeGateway) DeleteInstance(context.Context, string) error {
	f.hit("delete")
	return nil
}

func testOptions() Options {
	return Options{
		StatusInterval:  5 * time.Millisecond,
		MessageInterval: 10 * time.Millisecond,
		QRRefreshTicks:  1000,
		QRMaxRefreshes:  5,
		HeartbeatMisses: 2,
		ConnectAttempts: 3,
		ConnectBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		ResyncDelay:     time.Millisecond,
		LogCapacity:     50,
	}
}

func testConfig() configstore.Config {
	return configstore.Config{GatewayURL: "http://gateway.test", APIKey: "secret-key", InstanceName: "acme"}
}

func newTestSession(t *testing.T, gw *fakeGateway) *Session {
	t.Helper()
	s := New("t1", testConfig(), store.NewMemory(), func(configstore.Config) Gateway { return gw }, testOptions())
	t.Cleanup(s.Close)
	return s
}

// recorder collects events and checks the QR invariant on every one of them.
type recorder struct {
	mu        sync.Mutex
	events    []eventbus.Event
	statuses  []Status
	violation string
}

func record(t *testing.T, s *Session) *recorder {
	rec := &recorder{}
	unsubscribe := s.Bus().Subscribe(func(evt eventbus.Event) {
		snap := s.Snapshot()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, evt)
		if change, ok := evt.Data.(StatusChange); ok {
			rec.statuses = append(rec.statuses, change.To)
		}
		if (snap.QRCode != "") != (snap.Status == StatusQRReady) {
			rec.violation = string(snap.Status) + " with qr " + snap.QRCode
		}
	})
	t.Cleanup(unsubscribe)
	return rec
}

func (r *recorder) seen() ([]eventbus.Event, []Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...), append([]Status(nil), r.statuses...), r.violation
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAlreadyOpenSkipsQR(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := newTestSession(t, gw)
	rec := record(t, s)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Status(); got != StatusConnected {
		t.Fatalf("status %s", got)
	}
	eventually(t, "first sync", func() bool { return gw.count("chats") > 0 })

	_, statuses, violation := rec.seen()
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusConnected {
		t.Fatalf("status sequence %v", statuses)
	}
	if violation != "" {
		t.Fatal(violation)
	}
	if gw.count("create") != 0 || gw.count("connect") != 0 {
		t.Fatal("an open instance must not be created or paired again")
	}
}

func TestConnectQRThenOpen(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{State: gateway.StateClosed, QRCode: "ABC123"}
	s := newTestSession(t, gw)
	rec := record(t, s)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Status != StatusQRReady || snap.QRCode != "ABC123" {
		t.Fatalf("snapshot %+v", snap)
	}

	gw.setState(gateway.StateOpen)
	eventually(t, "connected", func() bool { return s.Status() == StatusConnected })
	if qr := s.QRCode(); qr != "" {
		t.Fatalf("QR not cleared: %q", qr)
	}

	_, statuses, violation := rec.seen()
	want := []Status{StatusConnecting, StatusQRReady, StatusConnected}
	if len(statuses) != len(want) {
		t.Fatalf("status sequence %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status sequence %v", statuses)
		}
	}
	if violation != "" {
		t.Fatal(violation)
	}
}

func TestConnectIsNoOpWhileActive(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{QRCode: "ABC123"}
	s := newTestSession(t, gw)

	for i := 0; i < 3; i++ {
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := gw.count("create"); n != 1 {
		t.Fatalf("instance created %d times", n)
	}
}

func TestQRScanMovesToAuthenticating(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{QRCode: "ABC123"}
	s := newTestSession(t, gw)
	rec := record(t, s)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	gw.setState(gateway.StateConnecting)
	eventually(t, "authenticating", func() bool { return s.Status() == StatusAuthenticating })
	gw.setState(gateway.StateOpen)
	eventually(t, "connected", func() bool { return s.Status() == StatusConnected })

	if _, _, violation := rec.seen(); violation != "" {
		t.Fatal(violation)
	}
}

func TestQRExpires(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{QRCode: "ABC123"}
	opts := testOptions()
	opts.QRRefreshTicks = 1
	opts.QRMaxRefreshes = 2
	s := New("t1", testConfig(), store.NewMemory(), func(configstore.Config) Gateway { return gw }, opts)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "QR expiry", func() bool { return s.Status() == StatusDisconnected })
	if s.QRCode() != "" {
		t.Fatal("QR kept after expiry")
	}
	if n := gw.count("connect"); n != 3 {
		t.Fatalf("expected the initial request plus 2 refreshes, got %d", n)
	}
}

func TestConnectGatewayUnreachable(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.createErr = &gateway.TransportError{Op: "create instance", Err: errors.New("dial tcp: connection refused")}
	s := newTestSession(t, gw)
	rec := record(t, s)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Status(); got != StatusGatewayUnreachable {
		t.Fatalf("status %s", got)
	}
	if n := gw.count("create"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	degraded := false
	for _, line := range s.Logs() {
		if strings.Contains(line.Message, "degraded") {
			degraded = true
		}
	}
	if !degraded {
		t.Fatalf("no degraded log line in %+v", s.Logs())
	}
	_, statuses, _ := rec.seen()
	for _, st := range statuses {
		if st == StatusConnected {
			t.Fatal("unreachable gateway reported as connected")
		}
	}
	if _, err := s.Send(context.Background(), "5511999999999", "hi"); !IsNotConnected(err) {
		t.Fatalf("send while unreachable: %v", err)
	}

	// a later explicit connect is allowed again
	gw.mu.Lock()
	gw.createErr = nil
	gw.connect = gateway.ConnectResult{QRCode: "XYZ"}
	gw.mu.Unlock()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusQRReady {
		t.Fatalf("status %s", s.Status())
	}
}

func TestConnectAuthErrorDisconnects(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.createErr = &gateway.AuthError{Op: "create instance", Status: 401, Message: "Unauthorized"}
	s := newTestSession(t, gw)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusDisconnected {
		t.Fatalf("status %s", s.Status())
	}
	if gw.count("create") != 1 {
		t.Fatal("auth errors must not be retried")
	}
	if s.Snapshot().LastError == "" {
		t.Fatal("auth failure not reported")
	}
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := New("t1", configstore.Config{InstanceName: "acme"}, store.NewMemory(), func(configstore.Config) Gateway { return gw }, testOptions())
	defer s.Close()
	if err := s.Connect(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if gw.count("state") != 0 {
		t.Fatal("gateway called with an invalid configuration")
	}
}

func TestSendRefusedUnlessConnected(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{QRCode: "ABC123"}
	s := newTestSession(t, gw)

	_, err := s.Send(context.Background(), "5511999999999", "hi")
	var nc *NotConnectedError
	if !errors.As(err, &nc) || nc.Status != StatusDisconnected {
		t.Fatalf("got %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), "5511999999999", "hi"); !IsNotConnected(err) {
		t.Fatalf("send in qr_ready: %v", err)
	}
	if gw.count("send") != 0 {
		t.Fatal("gateway called while not connected")
	}
}

func TestSendSchedulesResync(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := s.Send(context.Background(), "+55 11 99999-9999", "Olá")
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != "OUT1" {
		t.Fatalf("result %+v", res)
	}
	eventually(t, "targeted resync", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		for _, chat := range gw.chatsAsked {
			if chat == "5511999999999@s.whatsapp.net" {
				return true
			}
		}
		return false
	})

	if _, err := s.Send(context.Background(), "12", "hi"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("short number accepted: %v", err)
	}
}

func TestSendAuthErrorDisconnects(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	gw.sendErr = &gateway.AuthError{Op: "send text", Status: 403}
	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), "5511999999999", "hi"); !gateway.IsAuth(err) {
		t.Fatalf("got %v", err)
	}
	if s.Status() != StatusDisconnected {
		t.Fatalf("status %s", s.Status())
	}
}

func TestDisconnectSilencesLoops(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "message loop", func() bool { return gw.count("chats") > 1 })

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := record(t, s)
	before := gw.count("state")
	time.Sleep(60 * time.Millisecond)

	if events, _, _ := rec.seen(); len(events) != 0 {
		t.Fatalf("events after disconnect: %+v", events)
	}
	if after := gw.count("state"); after > before+1 {
		t.Fatalf("polling continued after disconnect: %d -> %d", before, after)
	}
	snap := s.Snapshot()
	if snap.Status != StatusDisconnected || snap.QRCode != "" || snap.Running != "" {
		t.Fatalf("snapshot %+v", snap)
	}
	if gw.count("logout") != 1 || gw.count("delete") != 1 {
		t.Fatal("gateway cleanup not attempted")
	}
}

func TestConfigChangeResetsWithoutReconnect(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	if tr := s.ApplyConfig(cfg); tr.Reset || len(tr.Changed) != 0 {
		t.Fatalf("unchanged config produced %+v", tr)
	}

	cfg.InstanceName = "acme-2"
	tr := s.ApplyConfig(cfg)
	if !tr.Reset || tr.From != StatusConnected || tr.To != StatusDisconnected {
		t.Fatalf("transition %+v", tr)
	}
	if s.Status() != StatusDisconnected || s.QRCode() != "" {
		t.Fatalf("snapshot %+v", s.Snapshot())
	}
	before := gw.count("state")
	time.Sleep(40 * time.Millisecond)
	if s.Status() != StatusDisconnected {
		t.Fatal("session reconnected on its own")
	}
	if after := gw.count("state"); after > before+1 {
		t.Fatalf("gateway still polled: %d -> %d", before, after)
	}
	if s.Instance() != "acme-2" {
		t.Fatalf("instance %s", s.Instance())
	}
}

func TestHeartbeatMissesDisconnect(t *testing.T) {
	gw := newFakeGateway(gateway.StateOpen)
	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	gw.setState(gateway.StateClosed)
	eventually(t, "connection loss", func() bool { return s.Status() == StatusDisconnected })
}

func TestWebhookObservations(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	gw.connect = gateway.ConnectResult{QRCode: "ABC123"}
	s := newTestSession(t, gw)
	rec := record(t, s)

	s.ObserveQR("IGNORED")
	if s.Status() != StatusDisconnected {
		t.Fatal("QR push accepted while disconnected")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.ObserveQR("NEWQR")
	if s.QRCode() != "NEWQR" {
		t.Fatalf("qr %q", s.QRCode())
	}
	// The gateway still reports the instance closed, so a pushed open is not trusted.
	s.ObserveGatewayState(context.Background(), gateway.StateOpen)
	if s.Status() != StatusQRReady {
		t.Fatalf("unconfirmed open applied: %+v", s.Snapshot())
	}
	gw.setState(gateway.StateOpen)
	s.ObserveGatewayState(context.Background(), gateway.StateOpen)
	if s.Status() != StatusConnected || s.QRCode() != "" {
		t.Fatalf("snapshot %+v", s.Snapshot())
	}
	s.ObserveGatewayState(context.Background(), gateway.StateClosed)
	if s.Status() != StatusDisconnected {
		t.Fatalf("status %s", s.Status())
	}
	if _, _, violation := rec.seen(); violation != "" {
		t.Fatal(violation)
	}
}

func TestIngestPublishesMessages(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	s := newTestSession(t, gw)
	rec := record(t, s)

	payload := json.RawMessage(`{"key":{"id":"W1","remoteJid":"5511999999999@s.whatsapp.net","fromMe":false},"pushName":"Maria","message":{"conversation":"Oi"},"messageTimestamp":1714564800}`)
	res := s.Ingest(context.Background(), []json.RawMessage{payload, payload})
	if res.MessagesInserted != 1 || res.MessagesSkipped != 1 {
		t.Fatalf("result %s", res)
	}
	events, _, _ := rec.seen()
	messages := 0
	for _, evt := range events {
		if evt.Kind == eventbus.KindMessage {
			messages++
			if evt.Data.(MessageEvent).Message.Content != "Oi" {
				t.Fatalf("event %+v", evt)
			}
		}
	}
	if messages != 1 {
		t.Fatalf("%d message events", messages)
	}
}

func TestLogsAreBounded(t *testing.T) {
	gw := newFakeGateway(gateway.StateClosed)
	s := newTestSession(t, gw)
	for i := 0; i < 120; i++ {
		s.logf(nil, logrus.InfoLevel, "line %d", i)
	}
	logs := s.Logs()
	if len(logs) != 50 || logs[49].Message != "line 119" {
		t.Fatalf("%d lines, last %+v", len(logs), logs[len(logs)-1])
	}
}
