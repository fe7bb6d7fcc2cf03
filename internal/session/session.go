package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/syncer"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

type runKind int

const (
	runNone runKind = iota
	runKeep
	runConnect
	runStatus
	runMessages
)

func (k runKind) String() string {
	switch k {
	case runConnect:
		return "connect"
	case runStatus:
		return "status_poll"
	case runMessages:
		return "message_poll"
	}
	return ""
}

// run is the handle of the single background task a session may own.
type run struct {
	kind    runKind
	ctx     context.Context
	cancel  context.CancelFunc
	settled chan struct{}
}

type Session struct {
	tenant  string
	opts    Options
	factory GatewayFactory
	engine  *syncer.Engine
	bus     *eventbus.Bus

	base context.Context
	stop context.CancelFunc

	// emitMu orders state changes together with the events they publish.
	emitMu sync.Mutex

	mu        sync.Mutex
	status    Status
	qr        string
	cfg       configstore.Config
	gw        Gateway
	run       *run
	logs      []LogLine
	lastError string
	lastSync  time.Time
	updatedAt time.Time
	closed    bool
}

func New(tenantID string, cfg configstore.Config, st store.Store, factory GatewayFactory, opts Options) *Session {
	opts = opts.withDefaults()
	base, stop := context.WithCancel(context.Background())
	s := &Session{
		tenant:    tenantID,
		opts:      opts,
		factory:   factory,
		engine:    syncer.New(st, tenantID, opts.Sync),
		bus:       eventbus.New(),
		base:      base,
		stop:      stop,
		status:    StatusDisconnected,
		cfg:       cfg,
		gw:        factory(cfg),
		updatedAt: time.Now().UTC(),
	}
	s.bus.OnPanic(func(evt eventbus.Event, recovered interface{}) {
		log.Session(tenantID, s.Instance()).WithField("kind", evt.Kind).Errorf("event subscriber panicked: %v", recovered)
	})
	return s
}

// mutate runs fn under the state lock and then publishes the events fn returned.
// With a non-nil r, fn only runs while r is still the current run, so cancelled loops
// can neither change state nor emit anything.
func (s *Session) mutate(r *run, fn func() []eventbus.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if r != nil && s.run != r {
		s.mu.Unlock()
		return false
	}
	events := fn()
	s.mu.Unlock()

	for _, evt := range events {
		s.bus.Publish(evt)
	}
	return true
}

// moveLocked sets the status and QR code and swaps the background run in one step.
// The QR code is kept only in qr_ready.
func (s *Session) moveLocked(to Status, qr string, next runKind) []eventbus.Event {
	if to != StatusQRReady {
		qr = ""
	}

	var installed *run
	if next != runKeep {
		if s.run != nil {
			s.run.cancel()
			s.run = nil
		}
		if next != runNone && !s.closed {
			ctx, cancel := context.WithCancel(s.base)
			installed = &run{kind: next, ctx: ctx, cancel: cancel, settled: make(chan struct{})}
			s.run = installed
		}
	}

	var events []eventbus.Event
	if from := s.status; from != to {
		s.status = to
		events = append(events, s.eventLocked(eventbus.KindStatus, StatusChange{Instance: s.cfg.InstanceName, From: from, To: to}))
	}
	if qr != s.qr {
		s.qr = qr
		events = append(events, s.eventLocked(eventbus.KindQR, QRChange{Instance: s.cfg.InstanceName, QRCode: qr}))
	}
	if to == StatusConnected {
		s.lastError = ""
	}
	s.updatedAt = time.Now().UTC()

	if installed != nil {
		switch installed.kind {
		case runConnect:
			go s.connectLoop(installed)
		case runStatus:
			go s.statusLoop(installed)
		case runMessages:
			go s.messageLoop(installed)
		}
	}
	return events
}

func (s *Session) eventLocked(kind eventbus.Kind, data interface{}) eventbus.Event {
	return eventbus.Event{Kind: kind, Tenant: s.tenant, Time: time.Now().UTC(), Data: data}
}

// logLocked appends a line to the bounded session log and mirrors it to logrus.
func (s *Session) logLocked(level logrus.Level, format string, args ...interface{}) eventbus.Event {
	line := LogLine{Time: time.Now().UTC(), Level: level.String(), Message: fmt.Sprintf(format, args...)}
	s.logs = append(s.logs, line)
	if over := len(s.logs) - s.opts.LogCapacity; over > 0 {
		s.logs = append([]LogLine(nil), s.logs[over:]...)
	}
	if level <= logrus.WarnLevel {
		s.lastError = line.Message
	}
	log.Session(s.tenant, s.cfg.InstanceName).Log(level, line.Message)
	return s.eventLocked(eventbus.KindLog, line)
}

func (s *Session) logf(r *run, level logrus.Level, format string, args ...interface{}) {
	s.mutate(r, func() []eventbus.Event {
		return []eventbus.Event{s.logLocked(level, format, args...)}
	})
}

// fail ends r with a transition to status and a warning explaining why.
func (s *Session) fail(r *run, status Status, format string, args ...interface{}) {
	s.mutate(r, func() []eventbus.Event {
		events := s.moveLocked(status, "", runNone)
		return append(events, s.logLocked(logrus.WarnLevel, format, args...))
	})
}

func (s *Session) client() (Gateway, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gw, s.cfg.InstanceName
}

func (s *Session) target(r *run, gw Gateway, instance string) syncer.Target {
	return syncer.Target{
		Source:   gw,
		Instance: instance,
		Hooks: syncer.Hooks{
			OnMessage: func(msg store.Message, contact store.Contact) {
				s.mutate(r, func() []eventbus.Event {
					return []eventbus.Event{s.eventLocked(eventbus.KindMessage, MessageEvent{Instance: instance, Message: msg, Contact: contact})}
				})
			},
			Logf: func(format string, args ...interface{}) {
				s.logf(r, logrus.InfoLevel, format, args...)
			},
		},
	}
}

// Connect starts a connection attempt and waits until it settles on connected, qr_ready
// or a failure status. It is a no-op while a connection is active or in progress.
// Gateway failures are reported through status and logs, not as errors.
func (s *Session) Connect(ctx context.Context) error {
	var (
		r   *run
		err error
	)
	s.mutate(nil, func() []eventbus.Event {
		if s.closed {
			err = ErrClosed
			return nil
		}
		if s.status.Active() {
			return nil
		}
		if verr := s.cfg.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, verr)
			return nil
		}
		s.logs = nil
		s.lastError = ""
		events := s.moveLocked(StatusConnecting, "", runConnect)
		r = s.run
		return append(events, s.logLocked(logrus.InfoLevel, "connecting instance %s at %s", s.cfg.InstanceName, s.cfg.GatewayURL))
	})
	if err != nil || r == nil {
		return err
	}

	select {
	case <-r.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops every loop, clears the QR code and then logs the instance out of the
// gateway. Gateway cleanup failures are logged only.
func (s *Session) Disconnect(ctx context.Context) error {
	var (
		gw       Gateway
		instance string
		valid    bool
	)
	s.mutate(nil, func() []eventbus.Event {
		gw, instance = s.gw, s.cfg.InstanceName
		valid = s.cfg.Validate() == nil
		events := s.moveLocked(StatusDisconnected, "", runNone)
		return append(events, s.logLocked(logrus.InfoLevel, "disconnected"))
	})
	if !valid || gw == nil {
		return nil
	}

	if err := gw.Logout(ctx, instance); err != nil && !gateway.IsNotFound(err) {
		s.logf(nil, logrus.WarnLevel, "gateway logout failed: %v", err)
	}
	if err := gw.DeleteInstance(ctx, instance); err != nil && !gateway.IsNotFound(err) {
		s.logf(nil, logrus.WarnLevel, "gateway instance cleanup failed: %v", err)
	}
	return nil
}

// ApplyConfig installs cfg. Any change tears the session down to disconnected; the caller
// has to connect again.
func (s *Session) ApplyConfig(cfg configstore.Config) Transition {
	var t Transition
	s.mutate(nil, func() []eventbus.Event {
		t.From, t.To = s.status, s.status
		t.Changed = s.cfg.Diff(cfg)
		if len(t.Changed) == 0 {
			return nil
		}
		s.cfg = cfg
		s.gw = s.factory(cfg)
		t.Reset = s.status != StatusDisconnected
		t.To = StatusDisconnected
		events := s.moveLocked(StatusDisconnected, "", runNone)
		return append(events, s.logLocked(logrus.InfoLevel, "configuration changed (%s); connect again to use it", strings.Join(t.Changed, ", ")))
	})
	return t
}

// Send delivers a text message. It refuses without touching the gateway unless the
// session is connected.
func (s *Session) Send(ctx context.Context, to, text string) (gateway.SendResult, error) {
	s.mu.Lock()
	status, gw, instance, r := s.status, s.gw, s.cfg.InstanceName, s.run
	s.mu.Unlock()

	if status != StatusConnected {
		return gateway.SendResult{}, &NotConnectedError{Status: status}
	}
	phone := validation.NormalizePhone(to)
	if err := validation.ValidatePhone(phone); err != nil {
		return gateway.SendResult{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if strings.TrimSpace(text) == "" {
		return gateway.SendResult{}, fmt.Errorf("%w: empty message", ErrInvalidRecipient)
	}

	res, err := gw.SendText(ctx, instance, phone, text)
	if err != nil {
		if gateway.IsAuth(err) {
			s.fail(r, StatusDisconnected, "send rejected by gateway: %v", err)
		} else {
			s.logf(r, logrus.WarnLevel, "send to %s failed: %v", phone, err)
		}
		return res, err
	}
	s.logf(r, logrus.InfoLevel, "message sent to %s", phone)
	s.scheduleResync(r, gw, instance, phone)
	return res, nil
}

func (s *Session) scheduleResync(r *run, gw Gateway, instance, phone string) {
	if r == nil || r.kind != runMessages {
		return
	}
	go func() {
		if !sleep(r.ctx, s.opts.ResyncDelay) {
			return
		}
		_, err := s.engine.SyncChat(r.ctx, s.target(r, gw, instance), phone)
		if err == nil || r.ctx.Err() != nil {
			return
		}
		if gateway.IsAuth(err) {
			s.fail(r, StatusDisconnected, "sync rejected by gateway: %v", err)
			return
		}
		s.logf(r, logrus.WarnLevel, "resync of %s failed: %v", phone, err)
	}()
}

// Resume adopts an instance the gateway already reports open, typically after a restart.
// It never creates instances or requests QR codes.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	s.mu.Lock()
	status, cfg, gw := s.status, s.cfg, s.gw
	s.mu.Unlock()
	if status != StatusDisconnected || cfg.Validate() != nil {
		return false, nil
	}

	state, err := gw.ConnectionState(ctx, cfg.InstanceName)
	if err != nil {
		s.logf(nil, logrus.WarnLevel, "resume skipped: %v", err)
		return false, err
	}
	if state != gateway.StateOpen {
		return false, nil
	}

	resumed := false
	s.mutate(nil, func() []eventbus.Event {
		if s.closed || s.status != StatusDisconnected || !s.cfg.Equal(cfg) {
			return nil
		}
		resumed = true
		events := s.moveLocked(StatusConnected, "", runMessages)
		return append(events, s.logLocked(logrus.InfoLevel, "resumed open instance %s", cfg.InstanceName))
	})
	return resumed, nil
}

// ObserveGatewayState applies a connection state pushed by the gateway webhook. A pushed
// open state is only adopted once the gateway confirms it when asked directly.
func (s *Session) ObserveGatewayState(ctx context.Context, state gateway.State) {
	if state == gateway.StateOpen {
		s.mu.Lock()
		pending := s.status.Active() && s.status != StatusConnected
		s.mu.Unlock()
		if !pending {
			return
		}
		gw, instance := s.client()
		confirmed, err := gw.ConnectionState(ctx, instance)
		if err != nil || confirmed != gateway.StateOpen {
			s.logf(nil, logrus.WarnLevel, "pushed open state not confirmed by gateway (state=%s err=%v)", confirmed, err)
			return
		}
	}
	s.mutate(nil, func() []eventbus.Event {
		switch {
		case state == gateway.StateOpen && s.status.Active() && s.status != StatusConnected:
			events := s.moveLocked(StatusConnected, "", runMessages)
			return append(events, s.logLocked(logrus.InfoLevel, "gateway reported instance %s open", s.cfg.InstanceName))
		case state == gateway.StateConnecting && s.status == StatusQRReady:
			events := s.moveLocked(StatusAuthenticating, "", runKeep)
			return append(events, s.logLocked(logrus.InfoLevel, "QR code scanned, authenticating"))
		case state == gateway.StateClosed && s.status == StatusConnected:
			events := s.moveLocked(StatusDisconnected, "", runNone)
			return append(events, s.logLocked(logrus.WarnLevel, "gateway reported the connection closed"))
		}
		return nil
	})
}

// ObserveQR applies a QR code pushed by the gateway webhook while pairing.
func (s *Session) ObserveQR(qr string) {
	qr = strings.TrimSpace(qr)
	if qr == "" {
		return
	}
	s.mutate(nil, func() []eventbus.Event {
		if s.status != StatusConnecting && s.status != StatusQRReady {
			return nil
		}
		if qr == s.qr {
			return nil
		}
		next := runKeep
		if s.run == nil || s.run.kind != runStatus {
			next = runStatus
		}
		events := s.moveLocked(StatusQRReady, qr, next)
		return append(events, s.logLocked(logrus.InfoLevel, "QR code updated by gateway"))
	})
}

// Ingest stores messages pushed by the gateway webhook.
func (s *Session) Ingest(ctx context.Context, raws []json.RawMessage) syncer.Result {
	gw, instance := s.client()
	return s.engine.Ingest(ctx, s.target(nil, gw, instance), raws)
}

// IngestStatus applies delivery updates pushed by the gateway webhook.
func (s *Session) IngestStatus(ctx context.Context, raws []json.RawMessage) syncer.Result {
	gw, instance := s.client()
	return s.engine.ApplyStatus(ctx, s.target(nil, gw, instance), raws)
}

// SyncNow runs a full sync pass outside the polling schedule.
func (s *Session) SyncNow(ctx context.Context) (syncer.Result, error) {
	r, gw, instance, err := s.connectedRun()
	if err != nil {
		return syncer.Result{}, err
	}
	res, err := s.engine.SyncAll(ctx, s.target(r, gw, instance))
	return res, s.afterSync(r, err)
}

// SyncChat syncs one conversation, addressed by chat JID or phone number.
func (s *Session) SyncChat(ctx context.Context, chatID string) (syncer.Result, error) {
	r, gw, instance, err := s.connectedRun()
	if err != nil {
		return syncer.Result{}, err
	}
	res, err := s.engine.SyncChat(ctx, s.target(r, gw, instance), chatID)
	return res, s.afterSync(r, err)
}

func (s *Session) connectedRun() (*run, Gateway, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected {
		return nil, nil, "", &NotConnectedError{Status: s.status}
	}
	return s.run, s.gw, s.cfg.InstanceName, nil
}

func (s *Session) afterSync(r *run, err error) error {
	if err != nil {
		if gateway.IsAuth(err) {
			s.fail(r, StatusDisconnected, "sync rejected by gateway: %v", err)
		}
		return err
	}
	s.mutate(r, func() []eventbus.Event {
		s.lastSync = time.Now().UTC()
		return nil
	})
	return nil
}

// Close cancels the background run without touching the gateway. A closed session
// cannot connect again.
func (s *Session) Close() {
	s.mutate(nil, func() []eventbus.Event {
		s.closed = true
		if s.run != nil {
			s.run.cancel()
			s.run = nil
		}
		return nil
	})
	s.stop()
}

func (s *Session) TenantID() string {
	return s.tenant
}

func (s *Session) Bus() *eventbus.Bus {
	return s.bus
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) QRCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Session) Instance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.InstanceName
}

func (s *Session) Config() configstore.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) Logs() []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogLine(nil), s.logs...)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		TenantID:   s.tenant,
		Instance:   s.cfg.InstanceName,
		Status:     s.status,
		QRCode:     s.qr,
		Config:     s.cfg.Redacted(),
		LastError:  s.lastError,
		LastSyncAt: s.lastSync,
		UpdatedAt:  s.updatedAt,
	}
	if s.run != nil {
		snap.Running = s.run.kind.String()
	}
	return snap
}
