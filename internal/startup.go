package internal

import (
	"context"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// Startup attaches the relay to every session and resumes the instances the gateway
// still reports open. Nothing is reconnected that was not open before the restart.
func Startup(ctx context.Context, deps Deps) {
	log.Print(nil).Info("Running Startup Tasks")

	if deps.Relay != nil {
		deps.Sessions.OnSession(deps.Relay.Attach)
	}

	timeout := env.GetEnvDurationOrDefault("SESSION_RESTORE_TIMEOUT", 2*time.Minute)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	if err := deps.Sessions.Restore(ctx); err != nil {
		log.Print(nil).WithError(err).Error("Failed to restore sessions")
		return
	}

	var restored, connected int
	deps.Sessions.Range(func(s *session.Session) bool {
		restored++
		if s.Status() == session.StatusConnected {
			connected++
		}
		return true
	})
	log.Print(nil).
		WithField("restored", restored).
		WithField("connected", connected).
		WithField("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Info("Startup restore pass complete")
}
