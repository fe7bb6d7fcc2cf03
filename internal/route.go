package internal

import (
	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"
	"github.com/jmoiron/sqlx"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/outbound"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"

	ctlAdmin "github.com/gdbrns/go-whatsapp-session-manager/internal/admin"
	ctlContacts "github.com/gdbrns/go-whatsapp-session-manager/internal/contacts"
	ctlIndex "github.com/gdbrns/go-whatsapp-session-manager/internal/index"
	ctlInstance "github.com/gdbrns/go-whatsapp-session-manager/internal/instance"
	ctlWebhooks "github.com/gdbrns/go-whatsapp-session-manager/internal/webhooks"
)

// Deps are the long lived services the controllers are built from.
type Deps struct {
	Sessions *session.Manager
	Store    store.Store
	Relay    *webhook.Engine
	Queue    *outbound.Queue
	// DB is nil when running on the in-memory stores.
	DB *sqlx.DB
}

func Routes(app *fiber.App, deps Deps) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/swagger.yaml", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.yaml")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	admin := ctlAdmin.NewHandler(deps.Sessions, deps.Relay, deps.Queue, deps.DB)
	adminMiddleware := auth.AdminAuth()

	app.Get(router.BaseURL+"/admin/health", adminMiddleware, admin.GetHealth)
	app.Get(router.BaseURL+"/admin/sessions", adminMiddleware, admin.ListSessions)
	app.Get(router.BaseURL+"/admin/sessions/:tenant_id", adminMiddleware, admin.GetSession)
	app.Post(router.BaseURL+"/admin/tenants/:tenant_id/token", adminMiddleware, admin.CreateTenantToken)

	// ============================================================
	// GATEWAY CALLBACKS (instance name + apikey header or payload field)
	// ============================================================
	receiver := webhook.NewReceiver(deps.Sessions)
	app.Post(router.BaseURL+"/webhooks/gateway", receiver.GatewayEvents)

	// ============================================================
	// TENANT ROUTES (Bearer JWT carrying tenant_id)
	// ============================================================
	tenantMiddleware := auth.TenantAuth()
	instance := ctlInstance.NewHandler(deps.Sessions, deps.Queue)

	app.Get(router.BaseURL+"/instance/config", tenantMiddleware, instance.GetConfig)
	app.Put(router.BaseURL+"/instance/config", tenantMiddleware, instance.PutConfig)
	app.Post(router.BaseURL+"/instance/connect", tenantMiddleware, instance.Connect)
	app.Post(router.BaseURL+"/instance/disconnect", tenantMiddleware, instance.Disconnect)
	app.Get(router.BaseURL+"/instance/status", tenantMiddleware, instance.GetStatus)
	app.Get(router.BaseURL+"/instance/qr", tenantMiddleware, instance.GetQR)
	app.Get(router.BaseURL+"/instance/logs", tenantMiddleware, instance.GetLogs)
	app.Get(router.BaseURL+"/instance/events", tenantMiddleware, instance.GetEvents)
	app.Post(router.BaseURL+"/instance/sync", tenantMiddleware, instance.Sync)
	app.Post(router.BaseURL+"/instance/sync/:chat_id", tenantMiddleware, instance.SyncChat)

	app.Post(router.BaseURL+"/messages", tenantMiddleware, instance.SendMessage)
	app.Post(router.BaseURL+"/messages/queue", tenantMiddleware, instance.QueueMessage)
	app.Get(router.BaseURL+"/messages/queue/:job_id", tenantMiddleware, instance.GetQueuedMessage)

	contacts := ctlContacts.NewHandler(deps.Store)
	app.Get(router.BaseURL+"/contacts", tenantMiddleware, contacts.ListContacts)
	app.Get(router.BaseURL+"/contacts/phone/:phone", tenantMiddleware, contacts.GetContactByPhone)
	app.Get(router.BaseURL+"/contacts/:contact_id/messages", tenantMiddleware, contacts.ListMessages)

	webhooks := ctlWebhooks.NewHandler(deps.Relay)
	app.Get(router.BaseURL+"/instance/webhooks", tenantMiddleware, webhooks.ListWebhooks)
	app.Post(router.BaseURL+"/instance/webhooks", tenantMiddleware, webhooks.CreateWebhook)
	app.Get(router.BaseURL+"/instance/webhooks/:webhook_id", tenantMiddleware, webhooks.GetWebhook)
	app.Put(router.BaseURL+"/instance/webhooks/:webhook_id", tenantMiddleware, webhooks.UpdateWebhook)
	app.Delete(router.BaseURL+"/instance/webhooks/:webhook_id", tenantMiddleware, webhooks.DeleteWebhook)
	app.Get(router.BaseURL+"/instance/webhooks/:webhook_id/deliveries", tenantMiddleware, webhooks.GetDeliveries)
	app.Post(router.BaseURL+"/instance/webhooks/:webhook_id/test", tenantMiddleware, webhooks.TestWebhook)
}
