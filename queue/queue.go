// Package queue is the durable action queue. Entries move
// pending -> processing -> completed, back to pending on a transient
// failure, or to failed once attempts run out. Rows are never deleted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/tenant"
)

var (
	// ErrNotFound is returned when an entry does not exist in scope.
	ErrNotFound = errors.New("queue entry not found")
	// ErrLeaseLost is returned when a worker reports on an entry it no
	// longer holds, usually because its lease expired and was reclaimed.
	ErrLeaseLost = errors.New("queue entry lease lost")
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is one queued action instance.
type Entry struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"ruleId"`
	TenantID     tenant.ID      `json:"tenantId"`
	ActionType   action.Type    `json:"actionType"`
	Payload      action.Payload `json:"payload"`
	TargetModule string         `json:"targetModule,omitempty"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	AttemptCount int            `json:"attemptCount"`
	ScheduledFor time.Time      `json:"scheduledFor"`
	Error        string         `json:"error,omitempty"`
	LeasedBy     string         `json:"leasedBy,omitempty"`
	LeasedUntil  *time.Time     `json:"leasedUntil,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewEntry materializes a matched rule's action template into a pending
// entry that is immediately claimable.
func NewEntry(tenantID tenant.ID, ruleID string, tmpl action.Template, payload action.Payload, now time.Time) Entry {
	return Entry{
		ID:           uuid.New().String(),
		RuleID:       ruleID,
		TenantID:     tenantID,
		ActionType:   tmpl.Type,
		Payload:      payload,
		TargetModule: tmpl.TargetModule,
		Priority:     tmpl.Priority,
		Status:       StatusPending,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Request converts a claimed entry into a handler request.
func (e Entry) Request() action.Request {
	return action.Request{
		EntryID:      e.ID,
		TenantID:     e.TenantID,
		RuleID:       e.RuleID,
		Type:         e.ActionType,
		TargetModule: e.TargetModule,
		Payload:      e.Payload,
		Attempt:      e.AttemptCount + 1,
	}
}

// Scope selects which tenants a queue operation sees. The zero Scope is
// invalid, so a cross-tenant operation has to be asked for by name.
type Scope struct {
	tenant tenant.ID
	all    bool
}

// ForTenant restricts an operation to one tenant.
func ForTenant(id tenant.ID) Scope { return Scope{tenant: id} }

// AllTenants is used by workers and operators that serve every tenant.
func AllTenants() Scope { return Scope{all: true} }

// Check rejects the zero Scope.
func (s Scope) Check() error {
	if s.all {
		return nil
	}
	return s.tenant.Check()
}

// Tenant returns the tenant filter, if any.
func (s Scope) Tenant() (tenant.ID, bool) {
	return s.tenant, !s.all
}

func (s Scope) matches(id tenant.ID) bool {
	return s.all || s.tenant == id
}

func (s Scope) String() string {
	if s.all {
		return "*"
	}
	return s.tenant.String()
}

// ClaimRequest parameterizes ClaimBatch.
type ClaimRequest struct {
	Scope       Scope
	WorkerID    string
	Limit       int
	MaxAttempts int
	Lease       time.Duration
	Now         time.Time
}

func (r ClaimRequest) validate() error {
	if err := r.Scope.Check(); err != nil {
		return err
	}
	if r.WorkerID == "" {
		return fmt.Errorf("claim: worker id is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("claim: limit must be positive, got %d", r.Limit)
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("claim: maxAttempts must be positive, got %d", r.MaxAttempts)
	}
	if r.Lease <= 0 {
		return fmt.Errorf("claim: lease must be positive, got %s", r.Lease)
	}
	return nil
}

// StatusUpdate is applied by MarkStatus. When LeasedBy is set the update
// only applies while that worker still holds the entry.
type StatusUpdate struct {
	Status           Status
	Error            string
	IncrementAttempt bool
	ScheduledFor     time.Time
	LeasedBy         string
	// LeasedUntil extends the lease of an entry that stays processing.
	LeasedUntil time.Time
	Now         time.Time
}

// Filter selects entries for ListPending.
type Filter struct {
	Scope       Scope
	Limit       int
	MaxAttempts int
}

// Queue is the durable action queue.
type Queue interface {
	// Enqueue stores new pending entries.
	Enqueue(ctx context.Context, entries ...Entry) error

	// ClaimBatch atomically moves up to Limit claimable entries to
	// processing and returns only the ones this caller won. Claimable means
	// pending, under MaxAttempts and scheduled at or before Now. Higher
	// priority first, then oldest first.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]Entry, error)

	// MarkStatus applies a status change to one entry.
	MarkStatus(ctx context.Context, id string, upd StatusUpdate) error

	// ReclaimExpired returns processing entries whose lease ended before now
	// to pending with one more attempt, or fails them once maxAttempts is
	// reached. It reports how many entries it touched.
	ReclaimExpired(ctx context.Context, now time.Time, maxAttempts int) (int, error)

	// ListPending returns pending entries under MaxAttempts, oldest first.
	ListPending(ctx context.Context, f Filter) ([]Entry, error)

	// Get returns one entry.
	Get(ctx context.Context, scope Scope, id string) (Entry, error)
}

// RetryPolicy bounds attempts and spaces retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}
}

// Backoff returns the delay before the given attempt number (1-based) may
// run again: BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Renew extends the lease on a claimed entry to now+lease. It fails with
// ErrLeaseLost once the entry has been reclaimed or claimed by another
// worker, in which case the caller must not run it.
func Renew(ctx context.Context, q Queue, e Entry, lease time.Duration, now time.Time) (Entry, error) {
	until := now.Add(lease)
	err := q.MarkStatus(ctx, e.ID, StatusUpdate{
		Status:      StatusProcessing,
		Error:       e.Error,
		LeasedBy:    e.LeasedBy,
		LeasedUntil: until,
		Now:         now,
	})
	if err != nil {
		return e, err
	}
	e.LeasedUntil = &until
	e.UpdatedAt = now
	return e, nil
}

// Complete marks a claimed entry as done.
func Complete(ctx context.Context, q Queue, e Entry, now time.Time) error {
	return q.MarkStatus(ctx, e.ID, StatusUpdate{
		Status:   StatusCompleted,
		LeasedBy: e.LeasedBy,
		Now:      now,
	})
}

// FailureUpdate decides what a failed attempt turns into. Permanent errors
// and the last allowed attempt fail the entry; anything else goes back to
// pending after the backoff delay.
func FailureUpdate(e Entry, cause error, policy RetryPolicy, now time.Time) StatusUpdate {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	upd := StatusUpdate{
		Status:           StatusFailed,
		Error:            msg,
		IncrementAttempt: true,
		LeasedBy:         e.LeasedBy,
		Now:              now,
	}
	if action.IsPermanent(cause) || e.AttemptCount+1 >= policy.MaxAttempts {
		return upd
	}
	upd.Status = StatusPending
	upd.ScheduledFor = now.Add(policy.Backoff(e.AttemptCount + 1))
	return upd
}

// Fail records a failed attempt and returns the resulting status.
func Fail(ctx context.Context, q Queue, e Entry, cause error, policy RetryPolicy, now time.Time) (Status, error) {
	upd := FailureUpdate(e, cause, policy, now)
	if err := q.MarkStatus(ctx, e.ID, upd); err != nil {
		return "", err
	}
	return upd.Status, nil
}

// leaseExpiredError is recorded on entries reclaimed after a worker died.
const leaseExpiredError = "lease expired before the worker reported a result"
