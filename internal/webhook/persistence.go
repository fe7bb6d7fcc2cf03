package webhook

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/patrickmn/go-cache"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/datastore"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

var ErrWebhookNotFound = errors.New("webhook not found")

// Repository persists relay targets and their delivery logs.
type Repository interface {
	ListWebhooks(ctx context.Context, tenantID string, activeOnly bool) ([]WebhookConfig, error)
	GetWebhook(ctx context.Context, webhookID int64, tenantID string) (WebhookConfig, error)
	CreateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error)
	UpdateWebhook(ctx context.Context, w WebhookConfig) error
	DeleteWebhook(ctx context.Context, webhookID int64, tenantID string) error
	LogDelivery(ctx context.Context, d DeliveryLog) error
	DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error)
}

// Store caches the active targets of each tenant in front of a Repository.
type Store struct {
	repo  Repository
	cache *cache.Cache
}

func NewStore(repo Repository) *Store {
	ttl := env.GetEnvDurationOrDefault("WEBHOOK_CACHE_TTL_SECONDS", 15*time.Second)
	return &Store{repo: repo, cache: cache.New(ttl, 2*ttl)}
}

func (s *Store) GetAllWebhooks(ctx context.Context, tenantID string) ([]WebhookConfig, error) {
	return s.repo.ListWebhooks(ctx, tenantID, false)
}

func (s *Store) GetActiveWebhooks(ctx context.Context, tenantID string) ([]WebhookConfig, error) {
	if cached, ok := s.cache.Get(tenantID); ok {
		return cached.([]WebhookConfig), nil
	}
	webhooks, err := s.repo.ListWebhooks(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}
	s.cache.Set(tenantID, webhooks, cache.DefaultExpiration)
	return webhooks, nil
}

func (s *Store) GetWebhook(ctx context.Context, webhookID int64, tenantID string) (WebhookConfig, error) {
	return s.repo.GetWebhook(ctx, webhookID, tenantID)
}

func (s *Store) CreateWebhook(ctx context.Context, tenantID, url, secret string, events []string) (WebhookConfig, error) {
	w, err := s.repo.CreateWebhook(ctx, WebhookConfig{TenantID: tenantID, URL: url, Secret: secret, Events: events, Active: true})
	if err == nil {
		s.cache.Delete(tenantID)
	}
	return w, err
}

func (s *Store) UpdateWebhook(ctx context.Context, w WebhookConfig) error {
	err := s.repo.UpdateWebhook(ctx, w)
	if err == nil {
		s.cache.Delete(w.TenantID)
	}
	return err
}

func (s *Store) DeleteWebhook(ctx context.Context, webhookID int64, tenantID string) error {
	err := s.repo.DeleteWebhook(ctx, webhookID, tenantID)
	if err == nil {
		s.cache.Delete(tenantID)
	}
	return err
}

func (s *Store) LogDelivery(ctx context.Context, d DeliveryLog) error {
	return s.repo.LogDelivery(ctx, d)
}

func (s *Store) GetDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	return s.repo.DeliveryLogs(ctx, webhookID, limit)
}

type webhookRow struct {
	ID        int64          `db:"id"`
	TenantID  string         `db:"tenant_id"`
	URL       string         `db:"url"`
	Secret    string         `db:"secret"`
	Events    pq.StringArray `db:"events"`
	Active    bool           `db:"active"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r webhookRow) config() WebhookConfig {
	return WebhookConfig{
		ID:        r.ID,
		TenantID:  r.TenantID,
		URL:       r.URL,
		Secret:    r.Secret,
		Events:    []string(r.Events),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type deliveryRow struct {
	ID           int64     `db:"id"`
	WebhookID    int64     `db:"webhook_id"`
	Event        string    `db:"event_type"`
	Status       string    `db:"status"`
	AttemptCount int       `db:"attempt_count"`
	LastError    string    `db:"last_error"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const webhookColumns = `id, tenant_id, url, secret, events, active, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(ctx context.Context, db *sqlx.DB) (*PostgresRepository, error) {
	err := datastore.Migrate(ctx, db,
		`CREATE TABLE IF NOT EXISTS wa_webhooks (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wa_webhooks_tenant ON wa_webhooks (tenant_id)`,
		`CREATE TABLE IF NOT EXISTS wa_webhook_deliveries (
			id BIGSERIAL PRIMARY KEY,
			webhook_id BIGINT NOT NULL REFERENCES wa_webhooks (id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wa_webhook_deliveries_webhook ON wa_webhook_deliveries (webhook_id, created_at DESC)`,
	)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) ListWebhooks(ctx context.Context, tenantID string, activeOnly bool) ([]WebhookConfig, error) {
	query := `SELECT ` + webhookColumns + ` FROM wa_webhooks WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY id`

	var rows []webhookRow
	if err := p.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, err
	}
	webhooks := make([]WebhookConfig, 0, len(rows))
	for _, r := range rows {
		webhooks = append(webhooks, r.config())
	}
	return webhooks, nil
}

func (p *PostgresRepository) GetWebhook(ctx context.Context, webhookID int64, tenantID string) (WebhookConfig, error) {
	var row webhookRow
	err := p.db.GetContext(ctx, &row, `SELECT `+webhookColumns+` FROM wa_webhooks WHERE id = $1 AND tenant_id = $2`, webhookID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookConfig{}, ErrWebhookNotFound
	}
	if err != nil {
		return WebhookConfig{}, err
	}
	return row.config(), nil
}

func (p *PostgresRepository) CreateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error) {
	var row webhookRow
	err := p.db.GetContext(ctx, &row, `
		INSERT INTO wa_webhooks (tenant_id, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING `+webhookColumns,
		w.TenantID, w.URL, w.Secret, eventsArray(w.Events), w.Active)
	if err != nil {
		return WebhookConfig{}, err
	}
	return row.config(), nil
}

func (p *PostgresRepository) UpdateWebhook(ctx context.Context, w WebhookConfig) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wa_webhooks
		SET url = $1, secret = $2, events = $3, active = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND tenant_id = $6`,
		w.URL, w.Secret, eventsArray(w.Events), w.Active, w.ID, w.TenantID)
	return affected(res, err)
}

func (p *PostgresRepository) DeleteWebhook(ctx context.Context, webhookID int64, tenantID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM wa_webhooks WHERE id = $1 AND tenant_id = $2`, webhookID, tenantID)
	return affected(res, err)
}

func eventsArray(events []string) pq.StringArray {
	if events == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(events)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (p *PostgresRepository) LogDelivery(ctx context.Context, d DeliveryLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wa_webhook_deliveries (webhook_id, event_type, status, attempt_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		d.WebhookID, d.Event, string(d.Status), d.AttemptCount, d.LastError)
	return err
}

func (p *PostgresRepository) DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	var rows []deliveryRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, webhook_id, event_type, status, attempt_count, last_error, created_at, updated_at
		FROM wa_webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	logs := make([]DeliveryLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, DeliveryLog{
			ID:           r.ID,
			WebhookID:    r.WebhookID,
			Event:        r.Event,
			Status:       DeliveryStatus(r.Status),
			AttemptCount: r.AttemptCount,
			LastError:    r.LastError,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return logs, nil
}

// MemoryRepository is used when no datastore is configured.
type MemoryRepository struct {
	mu         sync.Mutex
	nextID     int64
	webhooks   map[int64]WebhookConfig
	deliveries []DeliveryLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{webhooks: make(map[int64]WebhookConfig)}
}

func (m *MemoryRepository) ListWebhooks(_ context.Context, tenantID string, activeOnly bool) ([]WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WebhookConfig
	for _, w := range m.webhooks {
		if w.TenantID == tenantID && (!activeOnly || w.Active) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetWebhook(_ context.Context, webhookID int64, tenantID string) (WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[webhookID]
	if !ok || w.TenantID != tenantID {
		return WebhookConfig{}, ErrWebhookNotFound
	}
	return w, nil
}

func (m *MemoryRepository) CreateWebhook(_ context.Context, w WebhookConfig) (WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	w.ID, w.CreatedAt, w.UpdatedAt = m.nextID, now, now
	m.webhooks[w.ID] = w
	return w, nil
}

func (m *MemoryRepository) UpdateWebhook(_ context.Context, w WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.webhooks[w.ID]
	if !ok || existing.TenantID != w.TenantID {
		return ErrWebhookNotFound
	}
	w.CreatedAt, w.UpdatedAt = existing.CreatedAt, time.Now().UTC()
	m.webhooks[w.ID] = w
	return nil
}

func (m *MemoryRepository) DeleteWebhook(_ context.Context, webhookID int64, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.webhooks[webhookID]
	if !ok || existing.TenantID != tenantID {
		return ErrWebhookNotFound
	}
	delete(m.webhooks, webhookID)
	return nil
}

func (m *MemoryRepository) LogDelivery(_ context.Context, d DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	d.ID, d.CreatedAt, d.UpdatedAt = int64(len(m.deliveries)+1), now, now
	m.deliveries = append(m.deliveries, d)
	if len(m.deliveries) > 1000 {
		m.deliveries = append([]DeliveryLog(nil), m.deliveries[len(m.deliveries)-1000:]...)
	}
	return nil
}

func (m *MemoryRepository) DeliveryLogs(_ context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryLog
	for i := len(m.deliveries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.deliveries[i].WebhookID == webhookID {
			out = append(out, m.deliveries[i])
		}
	}
	return out, nil
}
