package log

import (
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.SetOutput(os.Stdout)
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		ForceColors:     strings.ToLower(os.Getenv("LOG_FORMAT")) != "plain",
	}
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		logger.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	}
	if level, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		logger.SetLevel(level)
	}
}

// Logger exposes the shared logrus instance, mainly so tests can silence it.
func Logger() *logrus.Logger {
	return logger
}

// Print returns a request scoped entry. A nil context yields a bare entry for background work.
func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if id, ok := c.Locals("request_id").(string); ok && id != "" {
		fields["request_id"] = id
	}
	if tenant, ok := c.Locals("tenant_id").(string); ok && tenant != "" {
		fields["tenant_id"] = tenant
	}
	return logger.WithFields(fields)
}

// Session returns an entry tagged with the tenant and gateway instance it belongs to.
func Session(tenantID, instance string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"instance":  instance,
	})
}

// Component tags background workers (relay, queue, cron).
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// WebhookOp tags relay target management and delivery.
func WebhookOp(tenantID, op string, webhookID int64) *logrus.Entry {
	fields := logrus.Fields{
		"tenant_id": tenantID,
		"op":        op,
	}
	if webhookID != 0 {
		fields["webhook_id"] = webhookID
	}
	return logger.WithFields(fields)
}
