package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. A single mutex makes ClaimBatch
// atomic, which is all the exclusivity the in-process case needs.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := e.TenantID.Check(); err != nil {
			return err
		}
		if e.ID == "" {
			return fmt.Errorf("enqueue: entry id is required")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		if _, exists := q.entries[e.ID]; exists {
			return fmt.Errorf("enqueue: entry %s already exists", e.ID)
		}
	}
	for _, e := range entries {
		stored := e
		if stored.Status == "" {
			stored.Status = StatusPending
		}
		q.entries[e.ID] = &stored
	}
	return nil
}

func (q *MemoryQueue) ClaimBatch(ctx context.Context, req ClaimRequest) ([]Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*Entry, 0)
	for _, e := range q.entries {
		if e.Status != StatusPending || e.AttemptCount >= req.MaxAttempts {
			continue
		}
		if e.ScheduledFor.After(req.Now) || !req.Scope.matches(e.TenantID) {
			continue
		}
		candidates = append(candidates, e)
	}
	sortClaimOrder(candidates)
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	until := req.Now.Add(req.Lease)
	claimed := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		e.Status = StatusProcessing
		e.LeasedBy = req.WorkerID
		leased := until
		e.LeasedUntil = &leased
		e.UpdatedAt = req.Now
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (q *MemoryQueue) MarkStatus(ctx context.Context, id string, upd StatusUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	if upd.LeasedBy != "" && (e.Status != StatusProcessing || e.LeasedBy != upd.LeasedBy) {
		return ErrLeaseLost
	}
	applyUpdate(e, upd)
	return nil
}

func applyUpdate(e *Entry, upd StatusUpdate) {
	e.Status = upd.Status
	e.Error = upd.Error
	if upd.IncrementAttempt {
		e.AttemptCount++
	}
	if !upd.ScheduledFor.IsZero() {
		e.ScheduledFor = upd.ScheduledFor
	}
	if upd.Status != StatusProcessing {
		e.LeasedBy = ""
		e.LeasedUntil = nil
	} else if !upd.LeasedUntil.IsZero() {
		until := upd.LeasedUntil
		e.LeasedUntil = &until
	}
	if !upd.Now.IsZero() {
		e.UpdatedAt = upd.Now
	}
}

func (q *MemoryQueue) ReclaimExpired(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, e := range q.entries {
		if e.Status != StatusProcessing || e.LeasedUntil == nil || !e.LeasedUntil.Before(now) {
			continue
		}
		status := StatusPending
		if e.AttemptCount+1 >= maxAttempts {
			status = StatusFailed
		}
		applyUpdate(e, StatusUpdate{
			Status:           status,
			Error:            leaseExpiredError,
			IncrementAttempt: true,
			Now:              now,
		})
		count++
	}
	return count, nil
}

func (q *MemoryQueue) ListPending(ctx context.Context, f Filter) ([]Entry, error) {
	if err := f.Scope.Check(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range q.entries {
		if e.Status != StatusPending || !f.Scope.matches(e.TenantID) {
			continue
		}
		if f.MaxAttempts > 0 && e.AttemptCount >= f.MaxAttempts {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *MemoryQueue) Get(ctx context.Context, scope Scope, id string) (Entry, error) {
	if err := scope.Check(); err != nil {
		return Entry{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || !scope.matches(e.TenantID) {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// sortClaimOrder orders by priority descending, then creation ascending.
func sortClaimOrder(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
