package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/automation/tenant"
)

// RuleStore manages one tenant's rules. Implementations are bound to a
// tenant at construction, so no method can reach another tenant's rows.
type RuleStore interface {
	// Add stores a new rule. Returns ErrDuplicateRule when the ID is taken.
	Add(ctx context.Context, rule *Rule) error

	// Get returns a rule by ID or ErrRuleNotFound.
	Get(ctx context.Context, id string) (*Rule, error)

	// List returns every rule in definition order.
	List(ctx context.Context) ([]*Rule, error)

	// ListForEvent returns rules whose EventType equals eventType, enabled or
	// not, in definition order (created_at, then id).
	ListForEvent(ctx context.Context, eventType string) ([]*Rule, error)

	// Update merges patch into the stored rule, bumps Version and UpdatedAt,
	// and returns the new state. check runs on the merged rule before it is
	// written; a non-nil error aborts the update.
	Update(ctx context.Context, id string, patch Patch, check func(*Rule) error) (*Rule, error)

	// Delete removes a rule.
	Delete(ctx context.Context, id string) error
}

// Provider hands out tenant-bound RuleStores.
type Provider interface {
	ForTenant(id tenant.ID) (RuleStore, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Insertion order is definition order.
type InMemoryRuleStore struct {
	tenantID tenant.ID
	rules    map[string]*Rule
	order    []string
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store for one tenant.
func NewInMemoryRuleStore(tenantID tenant.ID) *InMemoryRuleStore {
	return &InMemoryRuleStore{
		tenantID: tenantID,
		rules:    make(map[string]*Rule),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add adds a new rule to the store and stamps its timestamps and version.
func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	if err := s.tenantID.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}

	now := s.now()
	rule.TenantID = s.tenantID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.list(func(*Rule) bool { return true }), nil
}

func (s *InMemoryRuleStore) ListForEvent(ctx context.Context, eventType string) ([]*Rule, error) {
	if eventType == "" {
		return []*Rule{}, nil
	}
	return s.list(func(r *Rule) bool { return r.EventType == eventType }), nil
}

func (s *InMemoryRuleStore) list(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		if r := s.rules[id]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Update applies patch to an existing rule. CreatedAt is preserved.
func (s *InMemoryRuleStore) Update(ctx context.Context, id string, patch Patch, check func(*Rule) error) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	updated := existing.Clone()
	patch.Apply(updated)
	if check != nil {
		if err := check(updated); err != nil {
			return nil, err
		}
	}
	updated.Version = existing.Version + 1
	updated.UpdatedAt = s.now()
	s.rules[id] = updated
	return updated.Clone(), nil
}

// Delete removes a rule from the store.
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// MemoryProvider keeps one InMemoryRuleStore per tenant.
type MemoryProvider struct {
	mu     sync.Mutex
	stores map[tenant.ID]*InMemoryRuleStore
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{stores: make(map[tenant.ID]*InMemoryRuleStore)}
}

func (p *MemoryProvider) ForTenant(id tenant.ID) (RuleStore, error) {
	if err := id.Check(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[id]
	if !ok {
		s = NewInMemoryRuleStore(id)
		p.stores[id] = s
	}
	return s, nil
}
