package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/configstore"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

var (
	ErrTenantRequired  = errors.New("tenant id is required")
	ErrUnknownInstance = errors.New("unknown gateway instance")
	ErrInstanceTaken   = errors.New("instance name is used by another tenant")
)

// Manager is the registry of tenant sessions. Sessions are created lazily from the
// stored configuration and live until Shutdown.
type Manager struct {
	configs *configstore.Store
	store   store.Store
	factory GatewayFactory
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*Session
	hooks    []func(*Session)
	closed   bool
}

func NewManager(configs *configstore.Store, st store.Store, factory GatewayFactory, opts Options) *Manager {
	return &Manager{
		configs:  configs,
		store:    st,
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// OnSession registers fn for every session, the existing ones included.
func (m *Manager) OnSession(fn func(*Session)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	existing := m.listLocked()
	m.mu.Unlock()

	for _, s := range existing {
		fn(s)
	}
}

// Session returns the session of tenantID, creating it on first use.
func (m *Manager) Session(ctx context.Context, tenantID string) (*Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if s, ok := m.Lookup(tenantID); ok {
		return s, nil
	}

	cfg, err := m.configs.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load configuration of %s: %w", tenantID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[tenantID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := New(tenantID, cfg, m.store, m.factory, m.opts)
	m.sessions[tenantID] = s
	hooks := append([]func(*Session){}, m.hooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return s, nil
}

func (m *Manager) Lookup(tenantID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tenantID]
	return s, ok
}

// ByInstance resolves the session owning a gateway instance name.
func (m *Manager) ByInstance(ctx context.Context, instance string) (*Session, error) {
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.Instance() == instance {
			m.mu.RUnlock()
			return s, nil
		}
	}
	m.mu.RUnlock()

	tenant, ok, err := m.configs.TenantByInstance(ctx, instance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownInstance
	}
	return m.Session(ctx, tenant)
}

// UpdateConfig merges patch into the stored configuration, persists it and applies it to
// the tenant's session.
func (m *Manager) UpdateConfig(ctx context.Context, tenantID string, patch configstore.Config) (configstore.Config, Transition, error) {
	s, err := m.Session(ctx, tenantID)
	if err != nil {
		return configstore.Config{}, Transition{}, err
	}
	current, err := m.configs.Load(ctx, tenantID)
	if err != nil {
		return configstore.Config{}, Transition{}, err
	}
	next := current.Merge(patch)
	next.GatewayURL = strings.TrimRight(next.GatewayURL, "/")
	if err := next.Validate(); err != nil {
		return configstore.Config{}, Transition{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if owner, ok, err := m.configs.TenantByInstance(ctx, next.InstanceName); err != nil {
		return configstore.Config{}, Transition{}, err
	} else if ok && owner != tenantID {
		return configstore.Config{}, Transition{}, fmt.Errorf("%w: %s", ErrInstanceTaken, next.InstanceName)
	}

	if _, err := m.configs.Save(ctx, tenantID, next); err != nil {
		return configstore.Config{}, Transition{}, err
	}
	return next, s.ApplyConfig(next), nil
}

// Send is the primitive used by the outbound queue.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) (gateway.SendResult, error) {
	s, ok := m.Lookup(tenantID)
	if !ok {
		return gateway.SendResult{}, &NotConnectedError{Status: StatusDisconnected}
	}
	return s.Send(ctx, to, text)
}

// Range calls fn for every session in tenant order until fn returns false.
func (m *Manager) Range(fn func(*Session) bool) {
	m.mu.RLock()
	list := m.listLocked()
	m.mu.RUnlock()
	for _, s := range list {
		if !fn(s) {
			return
		}
	}
}

func (m *Manager) listLocked() []*Session {
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].tenant < list[j].tenant })
	return list
}

// Restore creates a session for every configured tenant and resumes the instances the
// gateway still reports open.
func (m *Manager) Restore(ctx context.Context) error {
	tenants, err := m.configs.Tenants(ctx)
	if err != nil {
		return err
	}
	concurrency := env.GetEnvIntOrDefault("SESSION_RESTORE_CONCURRENCY", 4, 1)
	spread := env.GetEnvDurationOrDefault("SESSION_RESTORE_JITTER", 500*time.Millisecond)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, tenant := range tenants {
		g.Go(func() error {
			if spread > 0 && !sleep(ctx, time.Duration(rand.Int63n(int64(spread)))) {
				return ctx.Err()
			}
			s, err := m.Session(ctx, tenant)
			if err != nil {
				log.Session(tenant, "").WithError(err).Warn("session not restored")
				return nil
			}
			resumed, err := s.Resume(ctx)
			if err != nil {
				log.Session(tenant, s.Instance()).WithError(err).Warn("session not resumed")
				return nil
			}
			if resumed {
				log.Session(tenant, s.Instance()).Info("session resumed")
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown closes every session. Gateway instances are left as they are.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	list := m.listLocked()
	m.mu.Unlock()
	for _, s := range list {
		s.Close()
	}
}
