package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
)

const entryColumns = `id, tenant_id, rule_id, action_type, payload, target_module, priority, status,
	attempt_count, scheduled_for, error, leased_by, leased_until, created_at, updated_at`

// PostgresQueue implements Queue backed by the action_queue table.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var payload []byte
	var leasedUntil sql.NullTime
	err := row.Scan(
		&e.ID, &e.TenantID, &e.RuleID, &e.ActionType, &payload, &e.TargetModule, &e.Priority, &e.Status,
		&e.AttemptCount, &e.ScheduledFor, &e.Error, &e.LeasedBy, &leasedUntil, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal payload of entry %s: %w", e.ID, err)
	}
	if leasedUntil.Valid {
		v := leasedUntil.Time
		e.LeasedUntil = &v
	}
	return e, nil
}

// scopeArg is '' for every tenant. Queries compare with ($n = '' OR tenant_id = $n).
func scopeArg(s Scope) string {
	if id, ok := s.Tenant(); ok {
		return id.String()
	}
	return ""
}

func (q *PostgresQueue) Enqueue(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := EnqueueTx(ctx, tx, entries...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// EnqueueTx inserts entries inside a caller-owned transaction so they commit
// or roll back together with the audit records of the same evaluation.
func EnqueueTx(ctx context.Context, tx *sql.Tx, entries ...Entry) error {
	return insertEntries(ctx, tx, entries)
}

func insertEntries(ctx context.Context, ex execer, entries []Entry) error {
	for _, e := range entries {
		if err := e.TenantID.Check(); err != nil {
			return err
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		status := e.Status
		if status == "" {
			status = StatusPending
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO action_queue (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, e.ID, e.TenantID, e.RuleID, string(e.ActionType), payload, e.TargetModule, e.Priority, string(status),
			e.AttemptCount, e.ScheduledFor, e.Error, e.LeasedBy, nullTime(e.LeasedUntil), e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// ClaimBatch selects claimable rows with FOR UPDATE SKIP LOCKED and leases
// them in the same transaction. Rows locked by another worker are skipped,
// so concurrent claimers always receive disjoint sets.
func (q *PostgresQueue) ClaimBatch(ctx context.Context, req ClaimRequest) ([]Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM action_queue
		WHERE status = 'pending'
		  AND attempt_count < $1
		  AND scheduled_for <= $2
		  AND ($3 = '' OR tenant_id = $3)
		ORDER BY priority DESC, created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, req.MaxAttempts, req.Now, scopeArg(req.Scope), req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable entries: %w", err)
	}
	ids := make([]string, 0, req.Limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return []Entry{}, tx.Commit()
	}

	leased, err := tx.QueryContext(ctx, `
		UPDATE action_queue
		SET status = 'processing', leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = ANY($4)
		RETURNING `+entryColumns,
		req.WorkerID, req.Now.Add(req.Lease), req.Now, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lease entries: %w", err)
	}
	claimed := make([]Entry, 0, len(ids))
	for leased.Next() {
		e, err := scanEntry(leased)
		if err != nil {
			leased.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	if err := leased.Err(); err != nil {
		leased.Close()
		return nil, err
	}
	leased.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	// RETURNING does not preserve the SELECT order.
	sort.SliceStable(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return claimed, nil
}

func (q *PostgresQueue) MarkStatus(ctx context.Context, id string, upd StatusUpdate) error {
	now := upd.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var scheduled, leasedUntil sql.NullTime
	if !upd.ScheduledFor.IsZero() {
		scheduled = sql.NullTime{Time: upd.ScheduledFor, Valid: true}
	}
	if !upd.LeasedUntil.IsZero() {
		leasedUntil = sql.NullTime{Time: upd.LeasedUntil, Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE action_queue
		SET status = $1,
		    error = $2,
		    attempt_count = attempt_count + $3,
		    scheduled_for = COALESCE($4, scheduled_for),
		    leased_by = CASE WHEN $1 = 'processing' THEN leased_by ELSE '' END,
		    leased_until = CASE WHEN $1 = 'processing' THEN COALESCE($8, leased_until) ELSE NULL END,
		    updated_at = $5
		WHERE id = $6
		  AND ($7 = '' OR (status = 'processing' AND leased_by = $7))
	`, string(upd.Status), upd.Error, boolToInt(upd.IncrementAttempt), scheduled, now, id, upd.LeasedBy, leasedUntil)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM action_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check entry %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseLost
}

func (q *PostgresQueue) ReclaimExpired(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE action_queue
		SET status = CASE WHEN attempt_count + 1 >= $1 THEN 'failed' ELSE 'pending' END,
		    attempt_count = attempt_count + 1,
		    error = $2,
		    leased_by = '',
		    leased_until = NULL,
		    updated_at = $3
		WHERE status = 'processing' AND leased_until < $3
	`, maxAttempts, leaseExpiredError, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (q *PostgresQueue) ListPending(ctx context.Context, f Filter) ([]Entry, error) {
	if err := f.Scope.Check(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM action_queue
		WHERE status = 'pending'
		  AND attempt_count < $1
		  AND ($2 = '' OR tenant_id = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, maxAttempts, scopeArg(f.Scope), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Get(ctx context.Context, scope Scope, id string) (Entry, error) {
	if err := scope.Check(); err != nil {
		return Entry{}, err
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM action_queue
		WHERE id = $1 AND ($2 = '' OR tenant_id = $2)
	`, id, scopeArg(scope))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	return e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
