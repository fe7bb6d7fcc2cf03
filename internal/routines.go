package internal

import (
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// Routines schedules the periodic health report. Sessions watch their own connection;
// this only surfaces the ones that need an operator.
func Routines(c *cron.Cron, deps Deps) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("SESSION_HEALTH_CHECK_CRON", true) {
		spec := strings.TrimSpace(env.GetEnvStringOrDefault("SESSION_HEALTH_CHECK_CRON_SPEC", "0 */5 * * * *"))
		_, err := c.AddFunc(spec, func() { healthReport(deps) })
		if err != nil {
			log.Print(nil).WithField("spec", spec).WithError(err).Error("Failed to add session health cron job")
		} else {
			log.Print(nil).WithField("spec", spec).Info("Session health cron enabled")
		}
	} else {
		log.Print(nil).Info("Session health cron disabled")
	}

	c.Start()
}

func healthReport(deps Deps) {
	counts := map[session.Status]int{}
	deps.Sessions.Range(func(s *session.Session) bool {
		snap := s.Snapshot()
		counts[snap.Status]++
		switch snap.Status {
		case session.StatusGatewayUnreachable:
			log.Session(snap.TenantID, snap.Instance).WithField("last_error", snap.LastError).Warn("Session degraded: gateway unreachable")
		case session.StatusConnected:
			if !snap.LastSyncAt.IsZero() {
				log.Session(snap.TenantID, snap.Instance).WithField("last_sync_at", snap.LastSyncAt).Debug("Session healthy")
			}
		}
		return true
	})
	if len(counts) == 0 {
		return
	}

	entry := log.Component("health")
	for status, n := range counts {
		entry = entry.WithField(string(status), n)
	}
	if deps.Relay != nil {
		st := deps.Relay.Stats()
		entry = entry.WithField("relay_delivered", st.Delivered).WithField("relay_failed", st.Failed).WithField("relay_dropped", st.Dropped)
	}
	if deps.Queue != nil {
		entry = entry.WithField("queue_pending", deps.Queue.Pending())
	}
	entry.Info("Session health report")
}
