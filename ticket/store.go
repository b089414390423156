package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/automation/tenant"
)

// ErrEngineerNotFound is returned when an engineer does not exist for the
// tenant.
var ErrEngineerNotFound = errors.New("engineer not found")

// MutateFunc changes a ticket in place and returns the activity it produced.
// Returning no activity means nothing changed and nothing is written.
type MutateFunc func(t *Ticket) ([]ActivityLog, error)

// Store persists tickets and their activity. Every method is scoped to one
// tenant.
type Store interface {
	// Create inserts a new ticket together with its initial activity.
	Create(ctx context.Context, t *Ticket, activity ...ActivityLog) error

	// Get returns a copy of the ticket.
	Get(ctx context.Context, tenantID tenant.ID, id string) (*Ticket, error)

	// Mutate runs fn with exclusive access to the ticket and persists the
	// result and its activity together.
	Mutate(ctx context.Context, tenantID tenant.ID, id string, fn MutateFunc) (*Ticket, error)

	// ListOpen returns tickets not in a terminal state, oldest first.
	ListOpen(ctx context.Context, tenantID tenant.ID) ([]*Ticket, error)

	// OpenTenants returns the tenants that have at least one open ticket.
	// It is the only cross-tenant read and feeds the breach sweeper.
	OpenTenants(ctx context.Context) ([]tenant.ID, error)

	// Activity returns a ticket's activity, oldest first.
	Activity(ctx context.Context, tenantID tenant.ID, ticketID string) ([]ActivityLog, error)

	// NextNumber allocates the next ticket sequence number for the tenant
	// and year, starting at 1.
	NextNumber(ctx context.Context, tenantID tenant.ID, year int) (int64, error)
}

// PolicyStore holds SLA policies.
type PolicyStore interface {
	Put(ctx context.Context, p SLAPolicy) error
	Get(ctx context.Context, tenantID tenant.ID, id string) (SLAPolicy, error)
	List(ctx context.Context, tenantID tenant.ID) ([]SLAPolicy, error)
	// Resolve selects the policy for a priority and impact level, or
	// returns ErrNoPolicy.
	Resolve(ctx context.Context, tenantID tenant.ID, priority, impact string) (SLAPolicy, error)
}

// EngineerStore holds engineer profiles.
type EngineerStore interface {
	Put(ctx context.Context, e EngineerProfile) error
	List(ctx context.Context, tenantID tenant.ID) ([]EngineerProfile, error)
	// AdjustLoad adds delta to an engineer's current load, never going
	// below zero.
	AdjustLoad(ctx context.Context, tenantID tenant.ID, id string, delta int) error
}

type ticketKey struct {
	tenant tenant.ID
	id     string
}

type sequenceKey struct {
	tenant tenant.ID
	year   int
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.Mutex
	tickets   map[ticketKey]*Ticket
	order     []ticketKey
	activity  map[ticketKey][]ActivityLog
	sequences map[sequenceKey]int64
}

// NewMemoryStore creates an empty in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:   make(map[ticketKey]*Ticket),
		activity:  make(map[ticketKey][]ActivityLog),
		sequences: make(map[sequenceKey]int64),
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Ticket, activity ...ActivityLog) error {
	if err := t.TenantID.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{t.TenantID, t.ID}
	if _, exists := s.tickets[key]; exists {
		return fmt.Errorf("ticket with ID %s already exists", t.ID)
	}
	s.tickets[key] = t.Clone()
	s.order = append(s.order, key)
	s.activity[key] = append(s.activity[key], activity...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID tenant.ID, id string) (*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketKey{tenantID, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Mutate(_ context.Context, tenantID tenant.ID, id string, fn MutateFunc) (*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{tenantID, id}
	current, ok := s.tickets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	working := current.Clone()
	logs, err := fn(working)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return current.Clone(), nil
	}
	s.tickets[key] = working.Clone()
	s.activity[key] = append(s.activity[key], logs...)
	return working, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, tenantID tenant.ID) ([]*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Ticket
	for _, key := range s.order {
		if key.tenant != tenantID {
			continue
		}
		if t := s.tickets[key]; !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenTenants(_ context.Context) ([]tenant.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[tenant.ID]bool)
	var out []tenant.ID
	for _, key := range s.order {
		if seen[key.tenant] || s.tickets[key].Status.Terminal() {
			continue
		}
		seen[key.tenant] = true
		out = append(out, key.tenant)
	}
	return out, nil
}

func (s *MemoryStore) Activity(_ context.Context, tenantID tenant.ID, ticketID string) ([]ActivityLog, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{tenantID, ticketID}
	if _, ok := s.tickets[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	out := make([]ActivityLog, len(s.activity[key]))
	copy(out, s.activity[key])
	return out, nil
}

func (s *MemoryStore) NextNumber(_ context.Context, tenantID tenant.ID, year int) (int64, error) {
	if err := tenantID.Check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sequenceKey{tenantID, year}
	s.sequences[key]++
	return s.sequences[key], nil
}

// MemoryPolicyStore is an in-memory PolicyStore. Policies keep insertion
// order so priority-only fallback is deterministic.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[tenant.ID][]SLAPolicy
}

// NewMemoryPolicyStore creates an empty policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[tenant.ID][]SLAPolicy)}
}

func (s *MemoryPolicyStore) Put(_ context.Context, p SLAPolicy) error {
	if err := p.TenantID.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.policies[p.TenantID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return nil
		}
	}
	s.policies[p.TenantID] = append(list, p)
	return nil
}

func (s *MemoryPolicyStore) Get(_ context.Context, tenantID tenant.ID, id string) (SLAPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies[tenantID] {
		if p.ID == id {
			return p, nil
		}
	}
	return SLAPolicy{}, fmt.Errorf("%w: policy %s", ErrNoPolicy, id)
}

func (s *MemoryPolicyStore) List(_ context.Context, tenantID tenant.ID) ([]SLAPolicy, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SLAPolicy, len(s.policies[tenantID]))
	copy(out, s.policies[tenantID])
	return out, nil
}

func (s *MemoryPolicyStore) Resolve(ctx context.Context, tenantID tenant.ID, priority, impact string) (SLAPolicy, error) {
	list, err := s.List(ctx, tenantID)
	if err != nil {
		return SLAPolicy{}, err
	}
	p, ok := SelectPolicy(list, priority, impact)
	if !ok {
		return SLAPolicy{}, fmt.Errorf("%w: priority=%s impact=%s", ErrNoPolicy, priority, impact)
	}
	return p, nil
}

// MemoryEngineerStore is an in-memory EngineerStore.
type MemoryEngineerStore struct {
	mu        sync.RWMutex
	engineers map[tenant.ID]map[string]EngineerProfile
	order     map[tenant.ID][]string
}

// NewMemoryEngineerStore creates an empty engineer store.
func NewMemoryEngineerStore() *MemoryEngineerStore {
	return &MemoryEngineerStore{
		engineers: make(map[tenant.ID]map[string]EngineerProfile),
		order:     make(map[tenant.ID][]string),
	}
}

func (s *MemoryEngineerStore) Put(_ context.Context, e EngineerProfile) error {
	if err := e.TenantID.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.engineers[e.TenantID]
	if !ok {
		byID = make(map[string]EngineerProfile)
		s.engineers[e.TenantID] = byID
	}
	if _, exists := byID[e.ID]; !exists {
		s.order[e.TenantID] = append(s.order[e.TenantID], e.ID)
	}
	byID[e.ID] = e
	return nil
}

// List returns engineers in insertion order.
func (s *MemoryEngineerStore) List(_ context.Context, tenantID tenant.ID) ([]EngineerProfile, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[tenantID]
	out := make([]EngineerProfile, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.engineers[tenantID][id])
	}
	return out, nil
}

func (s *MemoryEngineerStore) AdjustLoad(_ context.Context, tenantID tenant.ID, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engineers[tenantID][id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEngineerNotFound, id)
	}
	e.CurrentLoad += delta
	if e.CurrentLoad < 0 {
		e.CurrentLoad = 0
	}
	s.engineers[tenantID][id] = e
	return nil
}
