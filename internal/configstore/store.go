package configstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

// Store is the sole writer of tenant configuration. Reads go through a short lived cache.
type Store struct {
	kv       KV
	cache    *cache.Cache
	defaults Config
	mu       sync.Mutex
}

func New(kv KV, defaults Config) *Store {
	ttl := env.GetEnvDurationOrDefault("CONFIG_CACHE_TTL", 30*time.Second)
	return &Store{
		kv:       kv,
		cache:    cache.New(ttl, 2*ttl),
		defaults: defaults,
	}
}

// DefaultsFromEnv reads GATEWAY_URL and GATEWAY_API_KEY; they fill fields a tenant never set.
func DefaultsFromEnv() Config {
	return Config{
		GatewayURL: env.GetEnvStringOrDefault("GATEWAY_URL", ""),
		APIKey:     env.GetEnvStringOrDefault("GATEWAY_API_KEY", ""),
	}
}

// DefaultInstanceName derives an instance name from the tenant id.
func DefaultInstanceName(tenantID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := "tenant-" + b.String()
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// Load returns the tenant configuration with defaults applied. It never fails for an
// unknown tenant; the result may not validate.
func (s *Store) Load(ctx context.Context, tenantID string) (Config, error) {
	if cached, ok := s.cache.Get(tenantID); ok {
		return cached.(Config), nil
	}
	values, err := s.kv.Get(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Config{}, err
	}
	cfg := s.withDefaults(tenantID, fromValues(values))
	s.cache.Set(tenantID, cfg, cache.DefaultExpiration)
	return cfg, nil
}

func (s *Store) withDefaults(tenantID string, cfg Config) Config {
	defaults := s.defaults
	defaults.InstanceName = DefaultInstanceName(tenantID)
	return defaults.Merge(cfg)
}

// Save persists cfg and returns the configuration it replaced.
func (s *Store) Save(ctx context.Context, tenantID string, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.Load(ctx, tenantID)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayURL = strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if err := s.kv.Put(ctx, tenantID, cfg.values()); err != nil {
		return Config{}, err
	}
	s.cache.Set(tenantID, cfg, cache.DefaultExpiration)
	return prev, nil
}

func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	return s.kv.Tenants(ctx)
}

// TenantByInstance resolves the tenant that owns a gateway instance name.
func (s *Store) TenantByInstance(ctx context.Context, instance string) (string, bool, error) {
	tenants, err := s.kv.Tenants(ctx)
	if err != nil {
		return "", false, err
	}
	for _, tenant := range tenants {
		cfg, err := s.Load(ctx, tenant)
		if err != nil {
			return "", false, err
		}
		if cfg.InstanceName == instance {
			return tenant, true, nil
		}
	}
	return "", false, nil
}

// Invalidate drops the cached configuration of a tenant.
func (s *Store) Invalidate(tenantID string) {
	s.cache.Delete(tenantID)
}
