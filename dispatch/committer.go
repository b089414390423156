package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/queue"
)

// Committer persists the audit records and queue entries produced by one
// event as a single unit: either all of them are stored or none are.
type Committer interface {
	Commit(ctx context.Context, records []audit.Record, entries []queue.Entry) error
}

// PostgresCommitter writes audits and entries in one transaction.
type PostgresCommitter struct {
	db *sql.DB
}

// NewPostgresCommitter creates a committer over db.
func NewPostgresCommitter(db *sql.DB) *PostgresCommitter {
	return &PostgresCommitter{db: db}
}

func (c *PostgresCommitter) Commit(ctx context.Context, records []audit.Record, entries []queue.Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := audit.AppendTx(ctx, tx, records...); err != nil {
		return err
	}
	if err := queue.EnqueueTx(ctx, tx, entries...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispatch: %w", err)
	}
	return nil
}

// MemoryCommitter serializes commits against in-process stores. Inputs are
// checked up front so a rejected commit leaves both stores untouched.
type MemoryCommitter struct {
	mu    sync.Mutex
	log   audit.Log
	queue queue.Queue
}

// NewMemoryCommitter creates a committer over in-process stores.
func NewMemoryCommitter(log audit.Log, q queue.Queue) *MemoryCommitter {
	return &MemoryCommitter{log: log, queue: q}
}

func (c *MemoryCommitter) Commit(ctx context.Context, records []audit.Record, entries []queue.Entry) error {
	for _, r := range records {
		if err := r.TenantID.Check(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := e.TenantID.Check(); err != nil {
			return err
		}
		if e.ID == "" {
			return fmt.Errorf("commit: entry id is required")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.queue.Enqueue(ctx, entries...); err != nil {
		return err
	}
	return c.log.Append(ctx, records...)
}
