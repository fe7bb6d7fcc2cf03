package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

type Options struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RetryLimit int
	RetryWait  time.Duration
	Timeout    time.Duration
	// AllowPrivate permits plain HTTP and private network targets.
	AllowPrivate bool
	// RelayURL is an operator wide target that receives the events of every tenant.
	RelayURL    string
	RelaySecret string
	RelayEvents []string
}

func OptionsFromEnv() Options {
	var events []string
	for _, evt := range strings.Split(env.GetEnvStringOrDefault("WEBHOOK_RELAY_EVENTS", "status,qr,message"), ",") {
		if evt = strings.TrimSpace(evt); evt != "" {
			events = append(events, evt)
		}
	}
	return Options{
		Enabled:      env.GetEnvBoolOrDefault("WEBHOOKS_ENABLED", true),
		Workers:      env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 4, 1),
		QueueSize:    env.GetEnvIntOrDefault("WEBHOOK_QUEUE_SIZE", 1000, 1),
		RetryLimit:   env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3, 1),
		RetryWait:    env.GetEnvDurationOrDefault("WEBHOOK_RETRY_WAIT", 2*time.Second),
		Timeout:      env.GetEnvDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
		AllowPrivate: env.GetEnvBoolOrDefault("WEBHOOK_ALLOW_PRIVATE_URLS", false),
		RelayURL:     env.GetEnvStringOrDefault("WEBHOOK_RELAY_URL", ""),
		RelaySecret:  env.GetEnvStringOrDefault("WEBHOOK_RELAY_SECRET", ""),
		RelayEvents:  events,
	}
}

// Stats counts deliveries since start.
type Stats struct {
	Queued    int   `json:"queued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Engine delivers session events to relay targets from a bounded worker pool.
type Engine struct {
	store *Store
	http  *resty.Client
	queue chan *deliveryTask
	opts  Options
	relay *WebhookConfig

	delivered int64
	failed    int64
	dropped   int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type deliveryTask struct {
	tenantID string
	event    WebhookEvent
}

func NewEngine(store *Store, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryLimit-1).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4*opts.RetryWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "go-whatsapp-session-manager/1.0").
		SetLogger(log.Component("webhook")).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:  store,
		http:   httpClient,
		queue:  make(chan *deliveryTask, opts.QueueSize),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.RelayURL != "" {
		events, err := ParseEvents(opts.RelayEvents)
		if err != nil {
			log.Component("webhook").WithError(err).Warn("relay events ignored, relaying every event")
			events = nil
		}
		e.relay = &WebhookConfig{URL: opts.RelayURL, Secret: opts.RelaySecret, Events: events, Active: true}
	}

	if opts.Enabled {
		for i := 0; i < opts.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	}
	return e
}

func (e *Engine) Store() *Store {
	return e.store
}

// Shutdown stops the workers; queued events are discarded.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// Attach relays every event of s. Delivery never blocks the session.
func (e *Engine) Attach(s *session.Session) {
	tenantID := s.TenantID()
	s.Bus().Subscribe(func(evt eventbus.Event) {
		e.Dispatch(tenantID, WebhookEvent{
			Event:     evt.Kind,
			TenantID:  tenantID,
			Instance:  s.Instance(),
			Timestamp: evt.Time,
			Data:      evt.Data,
		})
	})
}

func (e *Engine) Dispatch(tenantID string, event WebhookEvent) {
	if !e.opts.Enabled || e.ctx.Err() != nil {
		return
	}
	select {
	case e.queue <- &deliveryTask{tenantID: tenantID, event: event}:
	default:
		atomic.AddInt64(&e.dropped, 1)
		log.Component("webhook").WithField("tenant_id", tenantID).WithField("event", event.Event).Warn("webhook queue full, event dropped")
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Queued:    len(e.queue),
		Delivered: atomic.LoadInt64(&e.delivered),
		Failed:    atomic.LoadInt64(&e.failed),
		Dropped:   atomic.LoadInt64(&e.dropped),
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case task := <-e.queue:
			e.process(task)
		}
	}
}

func (e *Engine) process(task *deliveryTask) {
	targets, err := e.store.GetActiveWebhooks(e.ctx, task.tenantID)
	if err != nil {
		log.Component("webhook").WithField("tenant_id", task.tenantID).WithError(err).Error("failed to load webhooks")
		targets = nil
	}
	if e.relay != nil {
		targets = append(targets[:len(targets):len(targets)], *e.relay)
	}
	for _, target := range targets {
		if target.Wants(task.event.Event) {
			e.deliver(target, task.event)
		}
	}
}

func (e *Engine) deliver(target WebhookConfig, event WebhookEvent) {
	entry := log.WebhookOp(event.TenantID, "Deliver", target.ID).WithField("event", event.Event)

	attempts, err := e.post(target, event)
	status := DeliverySuccess
	if err != nil {
		status = DeliveryFailed
		atomic.AddInt64(&e.failed, 1)
		entry.WithField("attempts", attempts).WithError(err).Warn("webhook delivery failed")
	} else {
		atomic.AddInt64(&e.delivered, 1)
		entry.WithField("attempts", attempts).Debug("webhook delivered")
	}

	if target.ID == 0 {
		return
	}
	d := DeliveryLog{WebhookID: target.ID, Event: string(event.Event), Status: status, AttemptCount: attempts}
	if err != nil {
		d.LastError = err.Error()
	}
	if lerr := e.store.LogDelivery(context.Background(), d); lerr != nil {
		entry.WithError(lerr).Warn("failed to record webhook delivery")
	}
}

func (e *Engine) post(target WebhookConfig, event WebhookEvent) (int, error) {
	if err := e.ValidateURL(target.URL); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	signature := Sign(payload, target.Secret)

	resp, err := e.http.R().
		SetContext(e.ctx).
		SetHeader("X-Webhook-Signature", signature).
		SetHeader("X-Hub-Signature-256", signature).
		SetHeader("X-Webhook-Event", string(event.Event)).
		SetHeader("X-Webhook-Delivery", uuid.NewString()).
		SetBody(payload).
		Post(target.URL)

	attempts := 1
	if resp != nil && resp.Request != nil && resp.Request.Attempt > 0 {
		attempts = resp.Request.Attempt
	}
	if err != nil {
		return attempts, err
	}
	if !resp.IsSuccess() {
		return attempts, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), truncate(string(resp.Body()), 200))
	}
	return attempts, nil
}

// ValidateURL checks a relay target against the engine's network policy.
func (e *Engine) ValidateURL(raw string) error {
	if !e.opts.AllowPrivate {
		return validation.ValidateRelayURL(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

// Ping posts a ping event to target right away and records the outcome.
func (e *Engine) Ping(target WebhookConfig) error {
	event := WebhookEvent{
		Event:     EventPing,
		TenantID:  target.TenantID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"message": "test webhook delivery"},
	}
	attempts, err := e.post(target, event)
	d := DeliveryLog{WebhookID: target.ID, Event: string(EventPing), Status: DeliverySuccess, AttemptCount: attempts}
	if err != nil {
		d.Status, d.LastError = DeliveryFailed, err.Error()
	}
	if lerr := e.store.LogDelivery(context.Background(), d); lerr != nil {
		log.WebhookOp(target.TenantID, "Ping", target.ID).WithError(lerr).Warn("failed to record webhook delivery")
	}
	return err
}

// Sign returns the "sha256=<hex>" HMAC of payload, as sent in X-Webhook-Signature.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
