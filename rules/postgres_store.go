package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/automation/tenant"
)

const ruleColumns = `id, tenant_id, name, event_type, condition, actions, enabled, simulation_only, version, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID tenant.ID
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID tenant.ID) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var condJSON, actionsJSON []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.EventType, &condJSON, &actionsJSON,
		&r.Enabled, &r.SimulationOnly, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condJSON, &r.Condition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actionsJSON, &r.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeRule(r *Rule) (condJSON, actionsJSON []byte, err error) {
	condJSON, err = json.Marshal(r.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal condition: %w", err)
	}
	if r.Actions == nil {
		actionsJSON = []byte("[]")
		return condJSON, actionsJSON, nil
	}
	actionsJSON, err = json.Marshal(r.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return condJSON, actionsJSON, nil
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	if err := s.tenantID.Check(); err != nil {
		return err
	}
	condJSON, actionsJSON, err := encodeRule(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.TenantID = s.tenantID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, s.tenantID, rule.Name, rule.EventType, condJSON, actionsJSON,
		rule.Enabled, rule.SimulationOnly, rule.Version, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules for the tenant in definition order
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
}

// ListForEvent returns the tenant's rules for one event type in definition order
func (s *PostgresRuleStore) ListForEvent(ctx context.Context, eventType string) ([]*Rule, error) {
	if eventType == "" {
		return []*Rule{}, nil
	}
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND event_type = $2
		ORDER BY created_at ASC, id ASC
	`, s.tenantID, eventType)
}

func (s *PostgresRuleStore) query(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rulesList := make([]*Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update merges patch into the stored rule under a row lock
func (s *PostgresRuleStore) Update(ctx context.Context, id string, patch Patch, check func(*Rule) error) (*Rule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, id, s.tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}

	patch.Apply(rule)
	if check != nil {
		if err := check(rule); err != nil {
			return nil, err
		}
	}
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()

	condJSON, actionsJSON, err := encodeRule(rule)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, event_type = $2, condition = $3, actions = $4, enabled = $5,
		    simulation_only = $6, version = $7, updated_at = $8
		WHERE id = $9 AND tenant_id = $10
	`, rule.Name, rule.EventType, condJSON, actionsJSON, rule.Enabled,
		rule.SimulationOnly, rule.Version, rule.UpdatedAt, id, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule update: %w", err)
	}
	return rule, nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// PostgresProvider hands out PostgresRuleStores sharing one pool.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates a provider over db.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) ForTenant(id tenant.ID) (RuleStore, error) {
	if err := id.Check(); err != nil {
		return nil, err
	}
	return NewPostgresRuleStore(p.db, id), nil
}
