package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
)

func (s *Session) connectLoop(r *run) {
	defer close(r.settled)
	gw, instance := s.client()

	state, err := gw.ConnectionState(r.ctx, instance)
	if r.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.fail(r, StatusDisconnected, "gateway rejected the API key: %v", err)
		return
	}
	if state == gateway.StateOpen {
		s.mutate(r, func() []eventbus.Event {
			events := s.moveLocked(StatusConnected, "", runMessages)
			return append(events, s.logLocked(logrus.InfoLevel, "instance %s is already open", instance))
		})
		return
	}

	res, ok := s.openInstance(r, gw, instance)
	if !ok {
		return
	}
	s.mutate(r, func() []eventbus.Event {
		return s.applyConnectLocked(res, instance)
	})
}

// openInstance creates the instance and requests a QR code, retrying transient failures
// with exponential backoff. On failure the run has already been ended.
func (s *Session) openInstance(r *run, gw Gateway, instance string) (gateway.ConnectResult, bool) {
	backoff := s.opts.ConnectBackoff
	for attempt := 1; ; attempt++ {
		res, err := requestQR(r.ctx, gw, instance)
		if err == nil {
			return res, true
		}
		if r.ctx.Err() != nil {
			return res, false
		}

		switch {
		case gateway.IsAuth(err):
			s.fail(r, StatusDisconnected, "gateway rejected the API key: %v", err)
			return res, false
		case !gateway.Retryable(err):
			s.fail(r, StatusDisconnected, "gateway refused to connect instance %s: %v", instance, err)
			return res, false
		case attempt >= s.opts.ConnectAttempts:
			s.fail(r, StatusGatewayUnreachable,
				"gateway unreachable after %d attempts (%v); session is in degraded state %s and refuses sends until a connect succeeds",
				attempt, err, StatusGatewayUnreachable)
			return res, false
		}

		wait := jitter(backoff)
		s.logf(r, logrus.WarnLevel, "connect attempt %d/%d failed: %v; retrying in %s", attempt, s.opts.ConnectAttempts, err, wait.Round(time.Millisecond))
		if !sleep(r.ctx, wait) {
			return res, false
		}
		if backoff *= 2; backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

func requestQR(ctx context.Context, gw Gateway, instance string) (gateway.ConnectResult, error) {
	if err := gw.CreateInstance(ctx, instance); err != nil {
		return gateway.ConnectResult{}, err
	}
	return gw.RequestConnect(ctx, instance)
}

func (s *Session) applyConnectLocked(res gateway.ConnectResult, instance string) []eventbus.Event {
	switch {
	case res.State == gateway.StateOpen:
		events := s.moveLocked(StatusConnected, "", runMessages)
		return append(events, s.logLocked(logrus.InfoLevel, "instance %s connected", instance))
	case res.QRCode != "":
		events := s.moveLocked(StatusQRReady, res.QRCode, runStatus)
		return append(events, s.logLocked(logrus.InfoLevel, "QR code ready, waiting for scan"))
	case res.PairingCode != "":
		events := s.moveLocked(StatusConnecting, "", runStatus)
		return append(events, s.logLocked(logrus.InfoLevel, "pairing code %s issued, waiting for the instance to open", res.PairingCode))
	default:
		events := s.moveLocked(StatusConnecting, "", runStatus)
		return append(events, s.logLocked(logrus.InfoLevel, "gateway returned no QR code, waiting for the instance to open"))
	}
}

// statusLoop polls the connection state while pairing. It refreshes the QR code every
// QRRefreshTicks ticks and gives up after QRMaxRefreshes refreshes.
func (s *Session) statusLoop(r *run) {
	defer close(r.settled)
	gw, instance := s.client()
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	ticks, refreshes, misses := 0, 0, 0
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := gw.ConnectionState(r.ctx, instance)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			if gateway.IsAuth(err) {
				s.fail(r, StatusDisconnected, "gateway rejected the API key: %v", err)
				return
			}
			s.logf(r, logrus.WarnLevel, "state check failed: %v", err)
			continue
		}

		current := s.Status()
		if state == gateway.StateOpen {
			s.mutate(r, func() []eventbus.Event {
				events := s.moveLocked(StatusConnected, "", runMessages)
				return append(events, s.logLocked(logrus.InfoLevel, "instance %s connected", instance))
			})
			return
		}
		if state == gateway.StateConnecting && current == StatusQRReady {
			s.mutate(r, func() []eventbus.Event {
				events := s.moveLocked(StatusAuthenticating, "", runKeep)
				return append(events, s.logLocked(logrus.InfoLevel, "QR code scanned, authenticating"))
			})
			continue
		}
		if current == StatusAuthenticating {
			if state == gateway.StateConnecting {
				misses = 0
				continue
			}
			if misses++; misses >= s.opts.HeartbeatMisses {
				s.fail(r, StatusDisconnected, "authentication did not complete, gateway reports the instance %s", state)
				return
			}
			continue
		}

		if ticks++; ticks%s.opts.QRRefreshTicks != 0 {
			continue
		}
		if refreshes++; refreshes > s.opts.QRMaxRefreshes {
			s.fail(r, StatusDisconnected, "QR code expired without being scanned; connect again for a new one")
			return
		}
		res, err := gw.RequestConnect(r.ctx, instance)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			if gateway.IsAuth(err) {
				s.fail(r, StatusDisconnected, "gateway rejected the API key: %v", err)
				return
			}
			s.logf(r, logrus.WarnLevel, "QR refresh failed: %v", err)
			continue
		}
		if res.State == gateway.StateOpen {
			s.mutate(r, func() []eventbus.Event {
				events := s.moveLocked(StatusConnected, "", runMessages)
				return append(events, s.logLocked(logrus.InfoLevel, "instance %s connected", instance))
			})
			return
		}
		if res.QRCode != "" {
			s.mutate(r, func() []eventbus.Event {
				if res.QRCode == s.qr {
					return nil
				}
				events := s.moveLocked(StatusQRReady, res.QRCode, runKeep)
				return append(events, s.logLocked(logrus.InfoLevel, "QR code refreshed (%d/%d)", refreshes, s.opts.QRMaxRefreshes))
			})
		}
	}
}

// messageLoop syncs on every tick while connected, checking the connection state first.
func (s *Session) messageLoop(r *run) {
	defer close(r.settled)
	gw, instance := s.client()

	if !s.syncPass(r, gw, instance) {
		return
	}
	ticker := time.NewTicker(s.opts.MessageInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		if s.Status() != StatusConnected {
			return
		}

		state, err := gw.ConnectionState(r.ctx, instance)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil && gateway.IsAuth(err) {
			s.fail(r, StatusDisconnected, "gateway rejected the API key: %v", err)
			return
		}
		if err != nil || state != gateway.StateOpen {
			if err != nil {
				state = "unreachable"
			}
			if misses++; misses >= s.opts.HeartbeatMisses {
				s.fail(r, StatusDisconnected, "connection lost, gateway reported the instance %s on %d consecutive checks", state, misses)
				return
			}
			s.logf(r, logrus.WarnLevel, "gateway reports the instance %s (%d/%d)", state, misses, s.opts.HeartbeatMisses)
			continue
		}
		misses = 0
		if !s.syncPass(r, gw, instance) {
			return
		}
	}
}

func (s *Session) syncPass(r *run, gw Gateway, instance string) bool {
	res, err := s.engine.SyncAll(r.ctx, s.target(r, gw, instance))
	if r.ctx.Err() != nil {
		return false
	}
	if err != nil {
		if gateway.IsAuth(err) {
			s.fail(r, StatusDisconnected, "sync rejected by gateway: %v", err)
			return false
		}
		s.logf(r, logrus.WarnLevel, "sync failed: %v", err)
		return true
	}
	return s.mutate(r, func() []eventbus.Event {
		s.lastSync = time.Now().UTC()
		if res.ContactsCreated == 0 && res.MessagesInserted == 0 && res.StatusUpdated == 0 {
			return nil
		}
		return []eventbus.Event{s.logLocked(logrus.InfoLevel, "sync: %s", res)}
	})
}

// jitter spreads d over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
