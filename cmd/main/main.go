package main

// @title WhatsApp Session Manager REST API
// @version 1.0.0
// @description Multi-tenant connection and session manager for an HTTP WhatsApp gateway: QR pairing, health polling, contact and message sync, sending and event relay

// @contact.name gdbrns
// @contact.url https://github.com/gdbrns/go-whatsapp-session-manager

// @license.name MIT
// @license.url https://github.com/gdbrns/go-whatsapp-session-manager/blob/main/LICENSE

// @host localhost:7001
// @BasePath /

// @securityDefinitions.apikey AdminAuth
// @in header
// @name X-Admin-Secret
// @description Admin secret key for operator endpoints

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token carrying the tenant id

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/jmoiron/sqlx"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/outbound"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/datastore"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"

	"github.com/gdbrns/go-whatsapp-session-manager/internal"
)

type Server struct {
	Address string
	Port    string
}

type backends struct {
	db       *sqlx.DB
	store    store.Store
	kv       configstore.KV
	webhooks webhook.Repository
}

// openBackends uses Postgres when WHATSAPP_DATASTORE_URI is set and the in-memory
// adapters otherwise.
func openBackends(ctx context.Context) (backends, error) {
	db, err := datastore.OpenFromEnv(ctx)
	if errors.Is(err, datastore.ErrNotConfigured) {
		log.Print(nil).Warn("WHATSAPP_DATASTORE_URI not set, contacts, messages and settings are kept in memory")
		return backends{
			store:    store.NewMemory(),
			kv:       configstore.NewMemoryKV(),
			webhooks: webhook.NewMemoryRepository(),
		}, nil
	}
	if err != nil {
		return backends{}, err
	}

	b := backends{db: db}
	if b.store, err = store.NewPostgres(ctx, db); err != nil {
		return backends{}, err
	}
	if b.kv, err = configstore.NewPostgresKV(ctx, db); err != nil {
		return backends{}, err
	}
	if b.webhooks, err = webhook.NewPostgresRepository(ctx, db); err != nil {
		return backends{}, err
	}
	return b, nil
}

func main() {
	var err error

	auth.Configure(env.MustGetEnvString("ADMIN_SECRET_KEY"), env.MustGetEnvString("JWT_SECRET_KEY"))

	ctx := context.Background()
	be, err := openBackends(ctx)
	if err != nil {
		log.Print(nil).Fatal("Failed to open datastore: " + err.Error())
	}

	configs := configstore.New(be.kv, configstore.DefaultsFromEnv())
	gatewayTimeout := env.GetEnvDurationOrDefault("GATEWAY_TIMEOUT", 10*time.Second)
	sessions := session.NewManager(configs, be.store, session.HTTPGateway(gatewayTimeout), session.OptionsFromEnv())
	relay := webhook.NewEngine(webhook.NewStore(be.webhooks), webhook.OptionsFromEnv())
	queue := outbound.New(sessions, outbound.OptionsFromEnv())

	deps := internal.Deps{
		Sessions: sessions,
		Store:    be.store,
		Relay:    relay,
		Queue:    queue,
		DB:       be.db,
	}

	// Intialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler:   router.HttpErrorHandler,
		BodyLimit:      router.BodyLimitBytes(),
		ReadBufferSize: 8192,
	})

	// Request ID + panic recovery (structured JSON)
	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	// Router Compression, the event stream must not be buffered
	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
		Next: func(c *fiber.Ctx) bool {
			return strings.Contains(c.Path(), "docs") || strings.HasSuffix(c.Path(), "/instance/events")
		},
	}))

	// Router CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Secret",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	// Router Security
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router Cache
	app.Use(router.HttpCacheInMemory(
		router.CacheTTLSeconds,
		router.BaseURL+"/",
		router.BaseURL+"/docs/swagger.json",
	))

	// Router RealIP + request context enrichment
	app.Use(router.HttpRealIP())

	// Router Default Handler
	app.Get("/favicon.ico", router.ResponseNoContent)

	// Load Internal Routes
	internal.Routes(app, deps)

	// Running Startup Tasks
	internal.Startup(ctx, deps)

	// Running Routines Tasks
	internal.Routines(c, deps)

	// Get Server Configuration with defaults
	var serverConfig Server
	serverConfig.Address = env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0")
	serverConfig.Port = env.GetEnvStringOrDefault("SERVER_PORT", "7001")

	// Start Server
	go func() {
		if err := app.Listen(serverConfig.Address + ":" + serverConfig.Port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown
	// Wait 5 Seconds Before Graceful Shutdown
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Try To Shutdown Server
	err = app.ShutdownWithContext(ctxShutdown)
	if err != nil {
		log.Print(nil).Error(err.Error())
	}

	// Try To Shutdown Cron
	<-c.Stop().Done()

	// Stop accepting queued sends before the sessions go away, gateway instances stay as they are
	queue.Shutdown()
	sessions.Shutdown()
	relay.Shutdown()

	if be.db != nil {
		_ = be.db.Close()
	}
}
