// Package audit records one entry per rule evaluation: the triggering event,
// whether the rule matched, and the full condition trace.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/tenant"
)

// Record is one rule evaluation. Records are append-only. RuleVersion and
// Condition pin the rule definition that was evaluated, so a record still
// explains the decision after the rule is edited or deleted.
type Record struct {
	ID           string              `json:"id"`
	TenantID     tenant.ID           `json:"tenantId"`
	RuleID       string              `json:"ruleId"`
	RuleVersion  int                 `json:"ruleVersion"`
	Condition    condition.Condition `json:"condition"`
	TriggerEvent event.Event         `json:"triggerEvent"`
	Matched      bool                `json:"matched"`
	Trace        condition.Trace     `json:"trace"`
	Actor        string              `json:"actor,omitempty"`
	Simulation   bool                `json:"simulation,omitempty"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// NewRecord builds a record for ruleID evaluated against ev.
func NewRecord(ruleID string, ev event.Event, matched bool, trace condition.Trace, now time.Time) Record {
	return Record{
		ID:           uuid.New().String(),
		TenantID:     ev.TenantID,
		RuleID:       ruleID,
		TriggerEvent: ev,
		Matched:      matched,
		Trace:        trace,
		Actor:        ev.Actor,
		CreatedAt:    now,
	}
}

// ListOptions bounds List results.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 1000 {
		return 100
	}
	return o.Limit
}

// Log stores audit records. Every read is tenant-scoped.
type Log interface {
	Append(ctx context.Context, records ...Record) error
	// List returns a tenant's records, newest first.
	List(ctx context.Context, tenantID tenant.ID, opts ListOptions) ([]Record, error)
	// ListForRule returns one rule's records, newest first.
	ListForRule(ctx context.Context, tenantID tenant.ID, ruleID string, opts ListOptions) ([]Record, error)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, records ...Record) error {
	for _, r := range records {
		if err := r.TenantID.Check(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

func (l *MemoryLog) List(ctx context.Context, tenantID tenant.ID, opts ListOptions) ([]Record, error) {
	return l.list(tenantID, "", opts)
}

func (l *MemoryLog) ListForRule(ctx context.Context, tenantID tenant.ID, ruleID string, opts ListOptions) ([]Record, error) {
	return l.list(tenantID, ruleID, opts)
}

func (l *MemoryLog) list(tenantID tenant.ID, ruleID string, opts ListOptions) ([]Record, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.TenantID != tenantID || (ruleID != "" && r.RuleID != ruleID) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset >= len(out) {
		return []Record{}, nil
	}
	out = out[opts.Offset:]
	if n := opts.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// PostgresLog implements Log backed by the rule_audits table.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a PostgreSQL-backed audit log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := AppendTx(ctx, tx, records...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit records: %w", err)
	}
	return nil
}

// AppendTx inserts records inside a caller-owned transaction.
func AppendTx(ctx context.Context, tx *sql.Tx, records ...Record) error {
	for _, r := range records {
		if err := r.TenantID.Check(); err != nil {
			return err
		}
		evJSON, err := json.Marshal(r.TriggerEvent)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger event: %w", err)
		}
		traceJSON, err := json.Marshal(r.Trace)
		if err != nil {
			return fmt.Errorf("failed to marshal trace: %w", err)
		}
		condJSON, err := json.Marshal(r.Condition)
		if err != nil {
			return fmt.Errorf("failed to marshal rule condition: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_audits (id, tenant_id, rule_id, rule_version, rule_condition, trigger_event, matched, trace, actor, simulation, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, r.ID, r.TenantID, r.RuleID, r.RuleVersion, condJSON, evJSON, r.Matched, traceJSON, r.Actor, r.Simulation, r.Error, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}
	return nil
}

func (l *PostgresLog) List(ctx context.Context, tenantID tenant.ID, opts ListOptions) ([]Record, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	return l.query(ctx, `
		SELECT id, tenant_id, rule_id, rule_version, rule_condition, trigger_event, matched, trace, actor, simulation, error, created_at
		FROM rule_audits
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, opts.limit(), opts.Offset)
}

func (l *PostgresLog) ListForRule(ctx context.Context, tenantID tenant.ID, ruleID string, opts ListOptions) ([]Record, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	return l.query(ctx, `
		SELECT id, tenant_id, rule_id, rule_version, rule_condition, trigger_event, matched, trace, actor, simulation, error, created_at
		FROM rule_audits
		WHERE tenant_id = $1 AND rule_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, ruleID, opts.limit(), opts.Offset)
}

func (l *PostgresLog) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		var condJSON, evJSON, traceJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.RuleID, &r.RuleVersion, &condJSON, &evJSON, &r.Matched, &traceJSON,
			&r.Actor, &r.Simulation, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := json.Unmarshal(condJSON, &r.Condition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule condition: %w", err)
		}
		if err := json.Unmarshal(evJSON, &r.TriggerEvent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger event: %w", err)
		}
		if err := json.Unmarshal(traceJSON, &r.Trace); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
