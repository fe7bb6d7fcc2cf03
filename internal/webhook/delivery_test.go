package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
)

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int
	hits     int32
}

func (c *capture) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&c.hits, 1))
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := http.StatusOK
		if n <= len(c.statuses) {
			status = c.statuses[n-1]
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEngine(t *testing.T, opts Options) (*Engine, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	opts.Enabled = true
	opts.Workers = 1
	opts.AllowPrivate = true
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Millisecond
	}
	opts.Timeout = time.Second
	e := NewEngine(NewStore(repo), opts)
	t.Cleanup(e.Shutdown)
	return e, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusEvent() WebhookEvent {
	return WebhookEvent{
		Event:     eventbus.KindStatus,
		TenantID:  "t1",
		Instance:  "acme",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"from": "connecting", "to": "connected"},
	}
}

func TestDeliverSignsPayload(t *testing.T) {
	var got capture
	srv := got.server(t)
	e, repo := testEngine(t, Options{RetryLimit: 1})

	hook, err := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "s3cret", nil)
	if err != nil {
		t.Fatal(err)
	}
	e.Dispatch("t1", statusEvent())

	waitFor(t, "delivery log", func() bool {
		logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
		return len(logs) == 1
	})

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.bodies) != 1 {
		t.Fatalf("requests = %d", len(got.bodies))
	}
	h := got.headers[0]
	if want := Sign(got.bodies[0], "s3cret"); h.Get("X-Webhook-Signature") != want || h.Get("X-Hub-Signature-256") != want {
		t.Fatalf("signature %q, want %q", h.Get("X-Webhook-Signature"), want)
	}
	if h.Get("X-Webhook-Event") != "status" || h.Get("X-Webhook-Delivery") == "" {
		t.Fatalf("headers %v", h)
	}
	var body WebhookEvent
	if err := json.Unmarshal(got.bodies[0], &body); err != nil {
		t.Fatal(err)
	}
	if body.Instance != "acme" || body.TenantID != "t1" {
		t.Fatalf("body %+v", body)
	}
	logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
	if logs[0].Status != DeliverySuccess || logs[0].AttemptCount != 1 {
		t.Fatalf("log %+v", logs[0])
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	got := capture{statuses: []int{http.StatusBadGateway, http.StatusTooManyRequests}}
	srv := got.server(t)
	e, repo := testEngine(t, Options{RetryLimit: 3})

	hook, _ := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "", nil)
	e.Dispatch("t1", statusEvent())

	waitFor(t, "delivery log", func() bool {
		logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
		return len(logs) == 1
	})
	logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
	if logs[0].Status != DeliverySuccess || logs[0].AttemptCount != 3 {
		t.Fatalf("log %+v", logs[0])
	}
	if atomic.LoadInt32(&got.hits) != 3 {
		t.Fatalf("hits = %d", got.hits)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	got := capture{statuses: []int{http.StatusBadRequest}}
	srv := got.server(t)
	e, repo := testEngine(t, Options{RetryLimit: 3})

	hook, _ := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "", nil)
	e.Dispatch("t1", statusEvent())

	waitFor(t, "delivery log", func() bool {
		logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
		return len(logs) == 1
	})
	logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
	if logs[0].Status != DeliveryFailed || logs[0].LastError == "" {
		t.Fatalf("log %+v", logs[0])
	}
	if atomic.LoadInt32(&got.hits) != 1 {
		t.Fatalf("hits = %d", got.hits)
	}
	if e.Stats().Failed != 1 {
		t.Fatalf("stats %+v", e.Stats())
	}
}

func TestDeliverFiltersEvents(t *testing.T) {
	var got capture
	srv := got.server(t)
	e, repo := testEngine(t, Options{RetryLimit: 1})

	qrOnly, _ := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "", []string{"qr"})
	all, _ := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "", nil)
	e.Dispatch("t1", statusEvent())

	waitFor(t, "delivery log", func() bool {
		logs, _ := repo.DeliveryLogs(context.Background(), all.ID, 10)
		return len(logs) == 1
	})
	if logs, _ := repo.DeliveryLogs(context.Background(), qrOnly.ID, 10); len(logs) != 0 {
		t.Fatalf("qr-only target got %d deliveries", len(logs))
	}
}

func TestGlobalRelayReceivesEveryTenant(t *testing.T) {
	var got capture
	srv := got.server(t)
	e, _ := testEngine(t, Options{RetryLimit: 1, RelayURL: srv.URL, RelaySecret: "global"})

	e.Dispatch("t1", statusEvent())
	other := statusEvent()
	other.TenantID = "t2"
	e.Dispatch("t2", other)

	waitFor(t, "two relayed events", func() bool { return atomic.LoadInt32(&got.hits) == 2 })
	waitFor(t, "stats", func() bool { return e.Stats().Delivered == 2 })
}

func TestPrivateTargetsRefused(t *testing.T) {
	var got capture
	srv := got.server(t)
	repo := NewMemoryRepository()
	e := NewEngine(NewStore(repo), Options{Enabled: true, Workers: 1, RetryLimit: 1, RetryWait: time.Millisecond, Timeout: time.Second})
	t.Cleanup(e.Shutdown)

	hook, _ := e.Store().CreateWebhook(context.Background(), "t1", srv.URL, "", nil)
	e.Dispatch("t1", statusEvent())

	waitFor(t, "delivery log", func() bool {
		logs, _ := repo.DeliveryLogs(context.Background(), hook.ID, 10)
		return len(logs) == 1
	})
	if atomic.LoadInt32(&got.hits) != 0 {
		t.Fatal("private target was called")
	}
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	e := &Engine{queue: make(chan *deliveryTask, 1), opts: Options{Enabled: true}, ctx: context.Background()}

	e.Dispatch("t1", statusEvent())
	e.Dispatch("t1", statusEvent())
	if st := e.Stats(); st.Queued != 1 || st.Dropped != 1 {
		t.Fatalf("stats %+v", st)
	}
}
