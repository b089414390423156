package ticket

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

const ticketColumns = `id, tenant_id, number, title, description, status, priority, impact_level,
	region, required_skills, sla_policy_id, assigned_engineer_id, backup_engineer_id,
	escalation_level, tags, response_due_at, resolution_due_at, first_response_at,
	sla_breached_at, acknowledged_at, diagnosing_at, in_progress_at, awaiting_customer_at,
	awaiting_dependency_at, resolved_at, closed_at, reopened_at, created_at, updated_at`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var skills, tags pq.StringArray
	var responseDue, resolutionDue, firstResponse, breached sql.NullTime
	var ack, diag, inProg, awaitCust, awaitDep, resolved, closed, reopened sql.NullTime

	err := row.Scan(
		&t.ID, &t.TenantID, &t.Number, &t.Title, &t.Description, &t.Status, &t.Priority, &t.ImpactLevel,
		&t.Region, &skills, &t.SLAPolicyID, &t.AssignedEngineerID, &t.BackupEngineerID,
		&t.EscalationLevel, &tags, &responseDue, &resolutionDue, &firstResponse,
		&breached, &ack, &diag, &inProg, &awaitCust,
		&awaitDep, &resolved, &closed, &reopened, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RequiredSkills = []string(skills)
	t.Tags = []string(tags)
	t.ResponseDueAt = timePtr(responseDue)
	t.ResolutionDueAt = timePtr(resolutionDue)
	t.FirstResponseAt = timePtr(firstResponse)
	t.SLABreachedAt = timePtr(breached)
	t.AcknowledgedAt = timePtr(ack)
	t.DiagnosingAt = timePtr(diag)
	t.InProgressAt = timePtr(inProg)
	t.AwaitingCustomerAt = timePtr(awaitCust)
	t.AwaitingDependencyAt = timePtr(awaitDep)
	t.ResolvedAt = timePtr(resolved)
	t.ClosedAt = timePtr(closed)
	t.ReopenedAt = timePtr(reopened)
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Create inserts the ticket and its initial activity in one transaction.
func (s *PostgresStore) Create(ctx context.Context, t *Ticket, activity ...ActivityLog) error {
	if err := t.TenantID.Check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`, ticketArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ticket: %w", err)
	}
	return nil
}

func ticketArgs(t *Ticket) []any {
	return []any{
		t.ID, t.TenantID, t.Number, t.Title, t.Description, string(t.Status), t.Priority, t.ImpactLevel,
		t.Region, pq.Array(nonNil(t.RequiredSkills)), t.SLAPolicyID, t.AssignedEngineerID, t.BackupEngineerID,
		t.EscalationLevel, pq.Array(nonNil(t.Tags)), nullTime(t.ResponseDueAt), nullTime(t.ResolutionDueAt), nullTime(t.FirstResponseAt),
		nullTime(t.SLABreachedAt), nullTime(t.AcknowledgedAt), nullTime(t.DiagnosingAt), nullTime(t.InProgressAt), nullTime(t.AwaitingCustomerAt),
		nullTime(t.AwaitingDependencyAt), nullTime(t.ResolvedAt), nullTime(t.ClosedAt), nullTime(t.ReopenedAt), t.CreatedAt, t.UpdatedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func insertActivity(ctx context.Context, tx *sql.Tx, logs []ActivityLog) error {
	for _, l := range logs {
		var detail []byte
		if l.Detail != nil {
			var err error
			detail, err = json.Marshal(l.Detail)
			if err != nil {
				return fmt.Errorf("failed to marshal activity detail: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_activity (id, tenant_id, ticket_id, kind, from_value, to_value, actor, detail, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, l.ID, l.TenantID, l.TicketID, string(l.Kind), l.From, l.To, l.Actor, detail, l.At)
		if err != nil {
			return fmt.Errorf("failed to insert ticket activity: %w", err)
		}
	}
	return nil
}

// Get retrieves a ticket by ID
func (s *PostgresStore) Get(ctx context.Context, tenantID tenant.ID, id string) (*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// Mutate locks the ticket row for the duration of fn.
func (s *PostgresStore) Mutate(ctx context.Context, tenantID tenant.ID, id string, fn MutateFunc) (*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, id, tenantID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket: %w", err)
	}

	logs, err := fn(t)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return t, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET
			status = $3, assigned_engineer_id = $4, backup_engineer_id = $5,
			escalation_level = $6, tags = $7, first_response_at = $8, sla_breached_at = $9,
			acknowledged_at = $10, diagnosing_at = $11, in_progress_at = $12,
			awaiting_customer_at = $13, awaiting_dependency_at = $14, resolved_at = $15,
			closed_at = $16, reopened_at = $17, updated_at = $18
		WHERE id = $1 AND tenant_id = $2
	`, t.ID, tenantID, string(t.Status), t.AssignedEngineerID, t.BackupEngineerID,
		t.EscalationLevel, pq.Array(nonNil(t.Tags)), nullTime(t.FirstResponseAt), nullTime(t.SLABreachedAt),
		nullTime(t.AcknowledgedAt), nullTime(t.DiagnosingAt), nullTime(t.InProgressAt),
		nullTime(t.AwaitingCustomerAt), nullTime(t.AwaitingDependencyAt), nullTime(t.ResolvedAt),
		nullTime(t.ClosedAt), nullTime(t.ReopenedAt), t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	if err := insertActivity(ctx, tx, logs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ticket: %w", err)
	}
	return t, nil
}

// ListOpen returns non-terminal tickets for the tenant
func (s *PostgresStore) ListOpen(ctx context.Context, tenantID tenant.ID) ([]*Ticket, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = $1 AND status NOT IN ('resolved', 'closed')
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return out, nil
}

// OpenTenants lists tenants with non-terminal tickets
func (s *PostgresStore) OpenTenants(ctx context.Context) ([]tenant.ID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id
		FROM tickets
		WHERE status NOT IN ('resolved', 'closed')
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants with open tickets: %w", err)
	}
	defer rows.Close()

	var out []tenant.ID
	for rows.Next() {
		var id tenant.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Activity returns the ticket's activity log
func (s *PostgresStore) Activity(ctx context.Context, tenantID tenant.ID, ticketID string) ([]ActivityLog, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, ticket_id, kind, from_value, to_value, actor, detail, at
		FROM ticket_activity
		WHERE tenant_id = $1 AND ticket_id = $2
		ORDER BY at ASC, id ASC
	`, tenantID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityLog
	for rows.Next() {
		var l ActivityLog
		var detail []byte
		if err := rows.Scan(&l.ID, &l.TenantID, &l.TicketID, &l.Kind, &l.From, &l.To, &l.Actor, &detail, &l.At); err != nil {
			return nil, fmt.Errorf("failed to scan ticket activity: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &l.Detail); err != nil {
				return nil, fmt.Errorf("corrupt activity detail: %w", err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticket activity: %w", err)
	}
	return out, nil
}

// NextNumber increments the per-tenant, per-year sequence atomically.
func (s *PostgresStore) NextNumber(ctx context.Context, tenantID tenant.ID, year int) (int64, error) {
	if err := tenantID.Check(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ticket_sequences (tenant_id, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year)
		DO UPDATE SET last_value = ticket_sequences.last_value + 1
		RETURNING last_value
	`, tenantID, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ticket number: %w", err)
	}
	return n, nil
}

// PostgresPolicyStore implements PolicyStore backed by PostgreSQL.
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore creates a PostgreSQL-backed policy store.
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

const policyColumns = `id, tenant_id, priority, impact_level, response_minutes, resolution_minutes, escalation_chain, auto_escalate`

func scanPolicy(row rowScanner) (SLAPolicy, error) {
	var p SLAPolicy
	var chain pq.StringArray
	err := row.Scan(&p.ID, &p.TenantID, &p.Priority, &p.ImpactLevel, &p.ResponseMinutes, &p.ResolutionMinutes, &chain, &p.AutoEscalate)
	p.EscalationChain = []string(chain)
	return p, err
}

func (s *PostgresPolicyStore) Put(ctx context.Context, p SLAPolicy) error {
	if err := p.TenantID.Check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority, impact_level = EXCLUDED.impact_level,
			response_minutes = EXCLUDED.response_minutes, resolution_minutes = EXCLUDED.resolution_minutes,
			escalation_chain = EXCLUDED.escalation_chain, auto_escalate = EXCLUDED.auto_escalate
		WHERE sla_policies.tenant_id = EXCLUDED.tenant_id
	`, p.ID, p.TenantID, p.Priority, p.ImpactLevel, p.ResponseMinutes, p.ResolutionMinutes,
		pq.Array(nonNil(p.EscalationChain)), p.AutoEscalate)
	if err != nil {
		return fmt.Errorf("failed to save SLA policy: %w", err)
	}
	return nil
}

func (s *PostgresPolicyStore) Get(ctx context.Context, tenantID tenant.ID, id string) (SLAPolicy, error) {
	if err := tenantID.Check(); err != nil {
		return SLAPolicy{}, err
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM sla_policies WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return SLAPolicy{}, fmt.Errorf("%w: policy %s", ErrNoPolicy, id)
	}
	if err != nil {
		return SLAPolicy{}, fmt.Errorf("failed to get SLA policy: %w", err)
	}
	return p, nil
}

func (s *PostgresPolicyStore) List(ctx context.Context, tenantID tenant.ID) ([]SLAPolicy, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM sla_policies
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list SLA policies: %w", err)
	}
	defer rows.Close()

	var out []SLAPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan SLA policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve prefers an exact (priority, impact) row, then the priority-only row.
func (s *PostgresPolicyStore) Resolve(ctx context.Context, tenantID tenant.ID, priority, impact string) (SLAPolicy, error) {
	if err := tenantID.Check(); err != nil {
		return SLAPolicy{}, err
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM sla_policies
		WHERE tenant_id = $1 AND priority = $2 AND (impact_level = $3 OR impact_level = '')
		ORDER BY (impact_level = $3 AND $3 <> '') DESC
		LIMIT 1
	`, tenantID, priority, impact))
	if errors.Is(err, sql.ErrNoRows) {
		return SLAPolicy{}, fmt.Errorf("%w: priority=%s impact=%s", ErrNoPolicy, priority, impact)
	}
	if err != nil {
		return SLAPolicy{}, fmt.Errorf("failed to resolve SLA policy: %w", err)
	}
	return p, nil
}

// PostgresEngineerStore implements EngineerStore backed by PostgreSQL.
type PostgresEngineerStore struct {
	db *sql.DB
}

// NewPostgresEngineerStore creates a PostgreSQL-backed engineer store.
func NewPostgresEngineerStore(db *sql.DB) *PostgresEngineerStore {
	return &PostgresEngineerStore{db: db}
}

func (s *PostgresEngineerStore) Put(ctx context.Context, e EngineerProfile) error {
	if err := e.TenantID.Check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engineers (id, tenant_id, name, skills, region, on_duty, current_load, max_load, performance_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name, skills = EXCLUDED.skills, region = EXCLUDED.region,
			on_duty = EXCLUDED.on_duty, current_load = EXCLUDED.current_load,
			max_load = EXCLUDED.max_load, performance_score = EXCLUDED.performance_score
	`, e.ID, e.TenantID, e.Name, pq.Array(nonNil(e.Skills)), e.Region, e.OnDuty, e.CurrentLoad, e.MaxLoad, e.PerformanceScore)
	if err != nil {
		return fmt.Errorf("failed to save engineer: %w", err)
	}
	return nil
}

func (s *PostgresEngineerStore) List(ctx context.Context, tenantID tenant.ID) ([]EngineerProfile, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, skills, region, on_duty, current_load, max_load, performance_score
		FROM engineers
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list engineers: %w", err)
	}
	defer rows.Close()

	var out []EngineerProfile
	for rows.Next() {
		var e EngineerProfile
		var skills pq.StringArray
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Name, &skills, &e.Region, &e.OnDuty, &e.CurrentLoad, &e.MaxLoad, &e.PerformanceScore); err != nil {
			return nil, fmt.Errorf("failed to scan engineer: %w", err)
		}
		e.Skills = []string(skills)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresEngineerStore) AdjustLoad(ctx context.Context, tenantID tenant.ID, id string, delta int) error {
	if err := tenantID.Check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE engineers
		SET current_load = GREATEST(current_load + $3, 0)
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust engineer load: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEngineerNotFound, id)
	}
	return nil
}
