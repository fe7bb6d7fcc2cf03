package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

func newTestApp(t *testing.T, allowPrivate bool) *fiber.App {
	t.Helper()
	engine := webhook.NewEngine(webhook.NewStore(webhook.NewMemoryRepository()), webhook.Options{
		Enabled:      true,
		Workers:      1,
		RetryLimit:   1,
		RetryWait:    time.Millisecond,
		Timeout:      time.Second,
		AllowPrivate: allowPrivate,
	})
	t.Cleanup(engine.Shutdown)

	h := NewHandler(engine)
	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	grp := app.Group("/instance/webhooks", func(c *fiber.Ctx) error {
		c.Locals("tenant_id", utils.CopyString(c.Get("X-Test-Tenant")))
		return c.Next()
	})
	grp.Get("/", h.ListWebhooks)
	grp.Post("/", h.CreateWebhook)
	grp.Get("/:webhook_id", h.GetWebhook)
	grp.Put("/:webhook_id", h.UpdateWebhook)
	grp.Delete("/:webhook_id", h.DeleteWebhook)
	grp.Get("/:webhook_id/deliveries", h.GetDeliveries)
	grp.Post("/:webhook_id/test", h.TestWebhook)
	return app
}

func call(t *testing.T, app *fiber.App, tenant, method, path, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Tenant", tenant)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp.StatusCode, envelope.Data
}

func TestWebhookLifecycle(t *testing.T) {
	app := newTestApp(t, false)

	code, data := call(t, app, "t1", http.MethodPost, "/instance/webhooks", `{"url":"https://hooks.example.com/wa","events":["status","QR"]}`)
	if code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	var created webhook.WebhookConfig
	if err := json.Unmarshal(data["webhook"], &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 || len(created.Secret) != 64 || len(created.Events) != 2 || !created.Active {
		t.Fatalf("created %+v", created)
	}

	_, data = call(t, app, "t1", http.MethodGet, "/instance/webhooks", "")
	var listed []webhook.WebhookConfig
	_ = json.Unmarshal(data["webhooks"], &listed)
	if len(listed) != 1 || listed[0].Secret != "" {
		t.Fatalf("listed %+v", listed)
	}

	if code, _ := call(t, app, "t2", http.MethodGet, "/instance/webhooks/1", ""); code != http.StatusNotFound {
		t.Fatalf("other tenant read status %d", code)
	}

	if code, _ := call(t, app, "t1", http.MethodPut, "/instance/webhooks/1", `{"active":false,"events":[]}`); code != http.StatusOK {
		t.Fatalf("update status %d", code)
	}
	_, data = call(t, app, "t1", http.MethodGet, "/instance/webhooks/1", "")
	var updated webhook.WebhookConfig
	_ = json.Unmarshal(data["webhook"], &updated)
	if updated.Active || len(updated.Events) != 0 || updated.URL != created.URL {
		t.Fatalf("updated %+v", updated)
	}

	if code, _ := call(t, app, "t1", http.MethodDelete, "/instance/webhooks/1", ""); code != http.StatusOK {
		t.Fatalf("delete status %d", code)
	}
	if code, _ := call(t, app, "t1", http.MethodDelete, "/instance/webhooks/1", ""); code != http.StatusNotFound {
		t.Fatalf("second delete status %d", code)
	}
}

func TestCreateWebhookValidation(t *testing.T) {
	app := newTestApp(t, false)
	cases := map[string]string{
		"missing url":   `{"events":["status"]}`,
		"plain http":    `{"url":"http://hooks.example.com"}`,
		"loopback":      `{"url":"https://127.0.0.1/hook"}`,
		"unknown event": `{"url":"https://hooks.example.com","events":["presence"]}`,
		"bad json":      `{"url":`,
	}
	for name, body := range cases {
		if code, _ := call(t, app, "t1", http.MethodPost, "/instance/webhooks", body); code != http.StatusBadRequest {
			t.Errorf("%s: status %d", name, code)
		}
	}
	if code, _ := call(t, app, "t1", http.MethodGet, "/instance/webhooks/abc", ""); code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", code)
	}
}

func TestPingRecordsDelivery(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Webhook-Signature")
	}))
	t.Cleanup(srv.Close)
	app := newTestApp(t, true)

	if code, _ := call(t, app, "t1", http.MethodPost, "/instance/webhooks", `{"url":"`+srv.URL+`"}`); code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if code, _ := call(t, app, "t1", http.MethodPost, "/instance/webhooks/1/test", ""); code != http.StatusOK {
		t.Fatalf("ping status %d", code)
	}
	if !strings.HasPrefix(signature, "sha256=") {
		t.Fatalf("signature %q", signature)
	}

	_, data := call(t, app, "t1", http.MethodGet, "/instance/webhooks/1/deliveries", "")
	var logs []webhook.DeliveryLog
	_ = json.Unmarshal(data["deliveries"], &logs)
	if len(logs) != 1 || logs[0].Event != "ping" || logs[0].Status != webhook.DeliverySuccess {
		t.Fatalf("deliveries %+v", logs)
	}
}
