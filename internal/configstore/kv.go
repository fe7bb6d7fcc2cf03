package configstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/datastore"
)

var ErrNotFound = errors.New("configuration not found")

// KV is the persistence layer: a flat set of string values per tenant.
type KV interface {
	Get(ctx context.Context, tenantID string) (map[string]string, error)
	Put(ctx context.Context, tenantID string, values map[string]string) error
	Tenants(ctx context.Context) ([]string, error)
}

type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, tenantID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values, ok := m.data[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryKV) Put(_ context.Context, tenantID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.data[tenantID]
	if !ok {
		current = make(map[string]string, len(values))
		m.data[tenantID] = current
	}
	for k, v := range values {
		current[k] = v
	}
	return nil
}

func (m *MemoryKV) Tenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for tenant := range m.data {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

// PostgresKV keeps the values in wa_instance_settings, one row per tenant and key.
type PostgresKV struct {
	db *sqlx.DB
}

func NewPostgresKV(ctx context.Context, db *sqlx.DB) (*PostgresKV, error) {
	err := datastore.Migrate(ctx, db, `CREATE TABLE IF NOT EXISTS wa_instance_settings (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, key)
	)`)
	if err != nil {
		return nil, err
	}
	return &PostgresKV{db: db}, nil
}

func (p *PostgresKV) Get(ctx context.Context, tenantID string) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := p.db.SelectContext(ctx, &rows, `SELECT key, value FROM wa_instance_settings WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (p *PostgresKV) Put(ctx context.Context, tenantID string, values map[string]string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for key, value := range values {
		_, err := tx.ExecContext(ctx, `INSERT INTO wa_instance_settings (tenant_id, key, value, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			tenantID, key, value, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresKV) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := p.db.SelectContext(ctx, &tenants, `SELECT DISTINCT tenant_id FROM wa_instance_settings ORDER BY tenant_id`)
	return tenants, err
}
