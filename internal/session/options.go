package session

import (
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/syncer"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

type Options struct {
	StatusInterval  time.Duration
	MessageInterval time.Duration
	// QRRefreshTicks is the number of status ticks between QR refreshes.
	QRRefreshTicks int
	// QRMaxRefreshes bounds how long a QR pairing may wait before the session gives up.
	QRMaxRefreshes int
	// HeartbeatMisses is the number of consecutive non-open states tolerated while connected.
	HeartbeatMisses int
	ConnectAttempts int
	ConnectBackoff  time.Duration
	MaxBackoff      time.Duration
	ResyncDelay     time.Duration
	LogCapacity     int
	Sync            syncer.Options
}

func DefaultOptions() Options {
	return Options{
		StatusInterval:  3 * time.Second,
		MessageInterval: 10 * time.Second,
		QRRefreshTicks:  10,
		QRMaxRefreshes:  5,
		HeartbeatMisses: 3,
		ConnectAttempts: 3,
		ConnectBackoff:  time.Second,
		MaxBackoff:      15 * time.Second,
		ResyncDelay:     1500 * time.Millisecond,
		LogCapacity:     200,
		Sync:            syncer.Options{Window: syncer.DefaultWindow, Concurrency: 4, EagerOnActivity: true},
	}
}

func OptionsFromEnv() Options {
	d := DefaultOptions()
	return Options{
		StatusInterval:  env.GetEnvDurationOrDefault("SESSION_STATUS_INTERVAL", d.StatusInterval),
		MessageInterval: env.GetEnvDurationOrDefault("SESSION_MESSAGE_INTERVAL", d.MessageInterval),
		QRRefreshTicks:  env.GetEnvIntOrDefault("SESSION_QR_REFRESH_TICKS", d.QRRefreshTicks, 1),
		QRMaxRefreshes:  env.GetEnvIntOrDefault("SESSION_QR_MAX_REFRESHES", d.QRMaxRefreshes, 1),
		HeartbeatMisses: env.GetEnvIntOrDefault("SESSION_HEARTBEAT_MISSES", d.HeartbeatMisses, 1),
		ConnectAttempts: env.GetEnvIntOrDefault("SESSION_CONNECT_ATTEMPTS", d.ConnectAttempts, 1),
		ConnectBackoff:  env.GetEnvDurationOrDefault("SESSION_CONNECT_BACKOFF", d.ConnectBackoff),
		MaxBackoff:      env.GetEnvDurationOrDefault("SESSION_MAX_BACKOFF", d.MaxBackoff),
		ResyncDelay:     env.GetEnvDurationOrDefault("SESSION_RESYNC_DELAY", d.ResyncDelay),
		LogCapacity:     env.GetEnvIntOrDefault("SESSION_LOG_CAPACITY", d.LogCapacity, 10),
		Sync:            syncer.OptionsFromEnv(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StatusInterval <= 0 {
		o.StatusInterval = d.StatusInterval
	}
	if o.MessageInterval <= 0 {
		o.MessageInterval = d.MessageInterval
	}
	if o.QRRefreshTicks <= 0 {
		o.QRRefreshTicks = d.QRRefreshTicks
	}
	if o.QRMaxRefreshes <= 0 {
		o.QRMaxRefreshes = d.QRMaxRefreshes
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = d.HeartbeatMisses
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = d.ConnectAttempts
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = d.ConnectBackoff
	}
	if o.MaxBackoff < o.ConnectBackoff {
		o.MaxBackoff = o.ConnectBackoff
	}
	if o.ResyncDelay < 0 {
		o.ResyncDelay = 0
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = d.LogCapacity
	}
	return o
}
