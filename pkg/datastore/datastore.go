package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

// ErrNotConfigured is returned by OpenFromEnv when no datastore is configured.
var ErrNotConfigured = errors.New("datastore not configured")

// Open connects to Postgres through the pgx stdlib driver and applies the pool settings.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	driver = NormalizeDriver(driver)
	if driver != "pgx" {
		return nil, fmt.Errorf("unsupported datastore driver %s", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrNotConfigured
	}

	db, err := sqlx.Open(driver, NormalizeDSN(driver, dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(env.GetEnvIntOrDefault("WHATSAPP_DATASTORE_MAX_OPEN_CONNS", 25, 1))
	db.SetMaxIdleConns(env.GetEnvIntOrDefault("WHATSAPP_DATASTORE_MAX_IDLE_CONNS", 10, 0))
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenFromEnv reads WHATSAPP_DATASTORE_TYPE/URI. An empty URI yields ErrNotConfigured.
func OpenFromEnv(ctx context.Context) (*sqlx.DB, error) {
	dsn := env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_URI", "")
	if dsn == "" {
		return nil, ErrNotConfigured
	}
	return Open(ctx, env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "postgres"), dsn)
}

// Migrate runs idempotent DDL statements in order.
func Migrate(ctx context.Context, db *sqlx.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func NormalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgresql", "postgres", "pgx", "":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

// NormalizeDSN forces the simple protocol so the pool works behind pgbouncer.
func NormalizeDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}
