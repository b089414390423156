package multitenantengine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/tenant"
)

// CacheFactory builds the rules cache for one tenant's engine.
type CacheFactory func(tenant.ID) rules.RulesCache

// TenantEngine wraps a rules.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID tenant.ID
	Engine   *rules.Engine
	LoadedAt time.Time
}

// MultiTenantEngineManager manages engines for all tenants. Engines are
// built on first use and live until invalidated.
type MultiTenantEngineManager struct {
	engines   map[tenant.ID]*TenantEngine
	provider  rules.Provider
	validator rules.TemplateValidator
	caches    CacheFactory
	mu        sync.RWMutex
}

// NewMultiTenantEngineManager creates a new manager instance
func NewMultiTenantEngineManager(provider rules.Provider, validator rules.TemplateValidator) *MultiTenantEngineManager {
	return &MultiTenantEngineManager{
		engines:   make(map[tenant.ID]*TenantEngine),
		provider:  provider,
		validator: validator,
		caches: func(tenant.ID) rules.RulesCache {
			return rules.NewInMemoryRulesCache(rules.DefaultCacheConfig())
		},
	}
}

// WithCacheFactory sets how per-tenant rule caches are built. It only
// affects engines created afterwards.
func (m *MultiTenantEngineManager) WithCacheFactory(f CacheFactory) *MultiTenantEngineManager {
	m.mu.Lock()
	m.caches = f
	m.mu.Unlock()
	return m
}

// CreateTenant builds a fresh engine for the tenant and swaps it in.
func (m *MultiTenantEngineManager) CreateTenant(tenantID tenant.ID) (*rules.Engine, error) {
	store, err := m.provider.ForTenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	m.mu.RLock()
	caches := m.caches
	m.mu.RUnlock()

	engine, err := rules.NewEngine(tenantID, store, caches(tenantID), m.validator)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.engines[tenantID] = &TenantEngine{
		TenantID: tenantID,
		Engine:   engine,
		LoadedAt: time.Now(),
	}
	m.mu.Unlock()

	return engine, nil
}

// GetEngine retrieves the engine for a specific tenant, creating it on
// first use.
func (m *MultiTenantEngineManager) GetEngine(tenantID tenant.ID) (*rules.Engine, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	te, exists := m.engines[tenantID]
	m.mu.RUnlock()
	if exists {
		return te.Engine, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if te, exists := m.engines[tenantID]; exists {
		return te.Engine, nil
	}

	store, err := m.provider.ForTenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}
	engine, err := rules.NewEngine(tenantID, store, m.caches(tenantID), m.validator)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	m.engines[tenantID] = &TenantEngine{TenantID: tenantID, Engine: engine, LoadedAt: time.Now()}
	return engine, nil
}

// Invalidate drops a tenant's engine so the next GetEngine rebuilds it.
func (m *MultiTenantEngineManager) Invalidate(tenantID tenant.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, tenantID)
}

// ListTenants returns all loaded tenant IDs, sorted.
func (m *MultiTenantEngineManager) ListTenants() []tenant.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]tenant.ID, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].String() < tenants[j].String() })
	return tenants
}

// DeleteTenant removes a tenant's engine from the cache
// Note: This does not delete the tenant's rules from the store
func (m *MultiTenantEngineManager) DeleteTenant(tenantID tenant.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s not found", tenantID)
	}

	delete(m.engines, tenantID)
	return nil
}
