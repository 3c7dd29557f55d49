package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateTenant(ctx context.Context, in catalog.CreateTenantInput) (catalog.Tenant, error) {
	query := `
INSERT INTO tenant (tenant_id, name)
VALUES ($1, $2)
RETURNING created_at`
	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query, in.TenantID, in.Name).Scan(&createdAt); err != nil {
		return catalog.Tenant{}, fmt.Errorf("create tenant: %w", mapWriteError(err))
	}
	return catalog.Tenant{TenantID: in.TenantID, Name: in.Name, CreatedAt: createdAt}, nil
}

func (r *Repository) GetTenant(ctx context.Context, tenantID string) (catalog.Tenant, error) {
	query := `
SELECT tenant_id, name, created_at
FROM tenant
WHERE tenant_id = $1`

	var tenant catalog.Tenant
	if err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&tenant.TenantID, &tenant.Name, &tenant.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Tenant{}, catalog.ErrNotFound
		}
		return catalog.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return tenant, nil
}

func (r *Repository) UpsertMembership(ctx context.Context, in catalog.Membership) (catalog.Membership, error) {
	if !in.Role.Valid() {
		return catalog.Membership{}, fmt.Errorf("invalid membership role %q", in.Role)
	}
	query := `
INSERT INTO membership (tenant_id, principal_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, principal_id)
DO UPDATE SET role = EXCLUDED.role
RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, in.TenantID, in.PrincipalID, string(in.Role)).Scan(&in.CreatedAt); err != nil {
		return catalog.Membership{}, fmt.Errorf("upsert membership: %w", err)
	}
	return in, nil
}

func (r *Repository) GetMembership(ctx context.Context, tenantID, principalID string) (catalog.Membership, error) {
	query := `
SELECT tenant_id, principal_id, role, created_at
FROM membership
WHERE tenant_id = $1 AND principal_id = $2`

	var (
		membership catalog.Membership
		role       string
	)
	if err := r.db.QueryRowContext(ctx, query, tenantID, principalID).Scan(
		&membership.TenantID,
		&membership.PrincipalID,
		&role,
		&membership.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Membership{}, catalog.ErrNotFound
		}
		return catalog.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	membership.Role = catalog.Role(role)
	return membership, nil
}

func (r *Repository) CreateConnection(ctx context.Context, in catalog.CreateConnectionInput) (catalog.Connection, error) {
	options, err := marshalOptions(in.Options)
	if err != nil {
		return catalog.Connection{}, err
	}
	query := `
INSERT INTO connection (connection_id, tenant_id, name, driver, host, port, database_name, username, secret_ciphertext, options, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
RETURNING created_at, updated_at`

	conn := catalog.Connection{
		ConnectionID:        in.ConnectionID,
		TenantID:            in.TenantID,
		Name:                in.Name,
		Driver:              in.Driver,
		Host:                in.Host,
		Port:                in.Port,
		Database:            in.Database,
		Username:            in.Username,
		SecretCiphertext:    in.SecretCiphertext,
		Options:             in.Options,
		Active:              true,
		CreatedBy:           in.CreatedBy,
		IntrospectionStatus: catalog.IntrospectionNever,
	}
	if err := r.db.QueryRowContext(ctx, query,
		in.ConnectionID,
		in.TenantID,
		in.Name,
		string(in.Driver),
		in.Host,
		in.Port,
		in.Database,
		in.Username,
		in.SecretCiphertext,
		options,
		in.CreatedBy,
	).Scan(&conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return catalog.Connection{}, fmt.Errorf("create connection: %w", mapWriteError(err))
	}
	return conn, nil
}

const connectionColumns = `connection_id, tenant_id, name, driver, host, port, database_name, username, secret_ciphertext,
       options, active, created_by, introspection_status, introspection_error, introspected_at, created_at, updated_at`

func (r *Repository) GetConnection(ctx context.Context, tenantID, connectionID string) (catalog.Connection, error) {
	query := `
SELECT ` + connectionColumns + `
FROM connection
WHERE tenant_id = $1 AND connection_id = $2`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, tenantID, connectionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Connection{}, catalog.ErrNotFound
		}
		return catalog.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *Repository) ListConnections(ctx context.Context, tenantID string) ([]catalog.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+connectionColumns+`
FROM connection
WHERE tenant_id = $1
ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	connections := make([]catalog.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}
	return connections, nil
}

func (r *Repository) DeactivateConnection(ctx context.Context, tenantID, connectionID string) error {
	query := `
UPDATE connection
SET active = FALSE, updated_at = NOW()
WHERE tenant_id = $1 AND connection_id = $2`
	result, err := r.db.ExecContext(ctx, query, tenantID, connectionID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return requireAffected(result, "deactivate connection")
}

func (r *Repository) RecordIntrospection(ctx context.Context, in catalog.IntrospectionOutcome) error {
	query := `
UPDATE connection
SET introspection_status = $3, introspection_error = $4, introspected_at = NOW(), updated_at = NOW()
WHERE tenant_id = $1 AND connection_id = $2`
	result, err := r.db.ExecContext(ctx, query, in.TenantID, in.ConnectionID, string(in.Status), in.ErrorText)
	if err != nil {
		return fmt.Errorf("record introspection: %w", err)
	}
	return requireAffected(result, "record introspection")
}

// UpsertSchemaSnapshot replaces the single snapshot row of a connection. The
// tenant predicate on the conflict update keeps a mismatched tenant from
// overwriting another tenant's snapshot.
func (r *Repository) UpsertSchemaSnapshot(ctx context.Context, in catalog.SchemaSnapshot) (catalog.SchemaSnapshot, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("marshal schema payload: %w", err)
	}
	graph, err := json.Marshal(in.Graph)
	if err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("marshal schema graph: %w", err)
	}

	query := `
INSERT INTO schema_snapshot (connection_id, tenant_id, payload, graph, content_hash, refreshed_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, NOW())
ON CONFLICT (connection_id)
DO UPDATE SET payload = EXCLUDED.payload, graph = EXCLUDED.graph, content_hash = EXCLUDED.content_hash, refreshed_at = EXCLUDED.refreshed_at
WHERE schema_snapshot.tenant_id = EXCLUDED.tenant_id
RETURNING refreshed_at`
	if err := r.db.QueryRowContext(ctx, query, in.ConnectionID, in.TenantID, string(payload), string(graph), in.ContentHash).Scan(&in.RefreshedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.SchemaSnapshot{}, catalog.ErrNotFound
		}
		return catalog.SchemaSnapshot{}, fmt.Errorf("upsert schema snapshot: %w", err)
	}
	return in, nil
}

func (r *Repository) GetSchemaSnapshot(ctx context.Context, tenantID, connectionID string) (catalog.SchemaSnapshot, error) {
	query := `
SELECT connection_id, tenant_id, payload, graph, content_hash, refreshed_at
FROM schema_snapshot
WHERE tenant_id = $1 AND connection_id = $2`

	var (
		snapshot catalog.SchemaSnapshot
		payload  []byte
		graph    []byte
	)
	if err := r.db.QueryRowContext(ctx, query, tenantID, connectionID).Scan(
		&snapshot.ConnectionID,
		&snapshot.TenantID,
		&payload,
		&graph,
		&snapshot.ContentHash,
		&snapshot.RefreshedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.SchemaSnapshot{}, catalog.ErrNotFound
		}
		return catalog.SchemaSnapshot{}, fmt.Errorf("get schema snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snapshot.Payload); err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("decode schema payload: %w", err)
	}
	if err := json.Unmarshal(graph, &snapshot.Graph); err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("decode schema graph: %w", err)
	}
	return snapshot, nil
}

func (r *Repository) CreatePromptExample(ctx context.Context, in catalog.CreatePromptExampleInput) (catalog.PromptExample, error) {
	query := `
INSERT INTO prompt_example (tenant_id, connection_id, question, sql_text)
VALUES ($1, $2, $3, $4)
RETURNING example_id, created_at`

	example := catalog.PromptExample{
		TenantID:     in.TenantID,
		ConnectionID: in.ConnectionID,
		Question:     in.Question,
		SQL:          in.SQL,
	}
	if err := r.db.QueryRowContext(ctx, query, in.TenantID, in.ConnectionID, in.Question, in.SQL).Scan(&example.ExampleID, &example.CreatedAt); err != nil {
		return catalog.PromptExample{}, fmt.Errorf("create prompt example: %w", err)
	}
	return example, nil
}

func (r *Repository) ListPromptExamples(ctx context.Context, tenantID, connectionID string, limit int) ([]catalog.PromptExample, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT example_id, tenant_id, connection_id, question, sql_text, created_at
FROM prompt_example
WHERE tenant_id = $1 AND connection_id = $2
ORDER BY example_id DESC
LIMIT $3`, tenantID, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list prompt examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	examples := make([]catalog.PromptExample, 0)
	for rows.Next() {
		var example catalog.PromptExample
		if err := rows.Scan(
			&example.ExampleID,
			&example.TenantID,
			&example.ConnectionID,
			&example.Question,
			&example.SQL,
			&example.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prompt example row: %w", err)
		}
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt example rows: %w", err)
	}
	return examples, nil
}

func (r *Repository) CreateQueryHistory(ctx context.Context, in catalog.CreateQueryHistoryInput) (catalog.QueryHistory, error) {
	status := in.Status
	if status == "" {
		status = catalog.StatusPending
	}
	query := `
INSERT INTO query_history (history_id, tenant_id, connection_id, principal_id, prompt, generated_sql, status, error_text, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CASE WHEN $7 = 'pending' THEN NULL ELSE NOW() END)
RETURNING created_at`

	history := catalog.QueryHistory{
		HistoryID:    in.HistoryID,
		TenantID:     in.TenantID,
		ConnectionID: in.ConnectionID,
		PrincipalID:  in.PrincipalID,
		Prompt:       in.Prompt,
		GeneratedSQL: in.GeneratedSQL,
		Status:       status,
		ErrorText:    in.ErrorText,
	}
	if err := r.db.QueryRowContext(ctx, query,
		in.HistoryID,
		in.TenantID,
		in.ConnectionID,
		in.PrincipalID,
		in.Prompt,
		in.GeneratedSQL,
		string(status),
		in.ErrorText,
	).Scan(&history.CreatedAt); err != nil {
		return catalog.QueryHistory{}, fmt.Errorf("create query history: %w", mapWriteError(err))
	}
	return history, nil
}

const historyColumns = `history_id, tenant_id, connection_id, principal_id, prompt, generated_sql, status, row_count,
       duration_ms, error_text, result_path, created_at, started_at, finished_at`

func (r *Repository) GetQueryHistory(ctx context.Context, tenantID, historyID string) (catalog.QueryHistory, error) {
	query := `
SELECT ` + historyColumns + `
FROM query_history
WHERE tenant_id = $1 AND history_id = $2`

	history, err := scanHistory(r.db.QueryRowContext(ctx, query, tenantID, historyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.QueryHistory{}, catalog.ErrNotFound
		}
		return catalog.QueryHistory{}, fmt.Errorf("get query history: %w", err)
	}
	return history, nil
}

func (r *Repository) ListQueryHistory(ctx context.Context, tenantID string, filter catalog.HistoryFilter) ([]catalog.QueryHistory, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM query_history
WHERE tenant_id = $1
  AND ($2 = '' OR connection_id = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC
LIMIT $4`, tenantID, filter.ConnectionID, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	return collectHistory(rows)
}

// ClaimQueryHistory marks a pending row as started. It reports false when the
// row is missing, already started, or already finalized, so a redelivered job
// never runs the statement a second time.
func (r *Repository) ClaimQueryHistory(ctx context.Context, tenantID, historyID string) (bool, error) {
	query := `
UPDATE query_history
SET started_at = NOW()
WHERE tenant_id = $1 AND history_id = $2 AND status = 'pending' AND started_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, tenantID, historyID)
	if err != nil {
		return false, fmt.Errorf("claim query history: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim query history rows affected: %w", err)
	}
	return affected == 1, nil
}

// FinalizeQueryHistory moves a pending row to a terminal status exactly once.
func (r *Repository) FinalizeQueryHistory(ctx context.Context, in catalog.FinalizeQueryInput) (bool, error) {
	if !in.Status.Terminal() {
		return false, fmt.Errorf("finalize query history: status %q is not terminal", in.Status)
	}
	query := `
UPDATE query_history
SET status = $3, row_count = $4, duration_ms = $5, error_text = $6, result_path = $7, finished_at = NOW()
WHERE tenant_id = $1 AND history_id = $2 AND status = 'pending'`
	result, err := r.db.ExecContext(ctx, query,
		in.TenantID,
		in.HistoryID,
		string(in.Status),
		in.RowCount,
		in.DurationMS,
		in.ErrorText,
		in.ResultPath,
	)
	if err != nil {
		return false, fmt.Errorf("finalize query history: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize query history rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *Repository) RecordAudit(ctx context.Context, in catalog.AuditEvent) error {
	metadata := []byte("{}")
	if len(in.Metadata) > 0 {
		encoded, err := json.Marshal(in.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = encoded
	}
	query := `
INSERT INTO audit_event (tenant_id, principal_id, action, target, metadata)
VALUES ($1, $2, $3, $4, $5::jsonb)`
	if _, err := r.db.ExecContext(ctx, query, in.TenantID, in.PrincipalID, in.Action, in.Target, string(metadata)); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// ListAbandonedQueries returns rows that were claimed by an executor but never
// finalized, across all tenants. Used only by maintenance.
func (r *Repository) ListAbandonedQueries(ctx context.Context, startedBefore time.Time, limit int) ([]catalog.QueryHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM query_history
WHERE status = 'pending' AND started_at IS NOT NULL AND started_at < $1
ORDER BY started_at ASC
LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned queries: %w", err)
	}
	return collectHistory(rows)
}

func (r *Repository) ListExpiredResults(ctx context.Context, finishedBefore time.Time, limit int) ([]catalog.QueryHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM query_history
WHERE result_path <> '' AND finished_at < $1
ORDER BY finished_at ASC
LIMIT $2`, finishedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired results: %w", err)
	}
	return collectHistory(rows)
}

func (r *Repository) ClearResultPath(ctx context.Context, tenantID, historyID string) error {
	query := `
UPDATE query_history
SET result_path = ''
WHERE tenant_id = $1 AND history_id = $2`
	if _, err := r.db.ExecContext(ctx, query, tenantID, historyID); err != nil {
		return fmt.Errorf("clear result path: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (catalog.Connection, error) {
	var (
		conn          catalog.Connection
		driver        string
		options       []byte
		status        string
		introspectErr sql.NullString
	)
	if err := row.Scan(
		&conn.ConnectionID,
		&conn.TenantID,
		&conn.Name,
		&driver,
		&conn.Host,
		&conn.Port,
		&conn.Database,
		&conn.Username,
		&conn.SecretCiphertext,
		&options,
		&conn.Active,
		&conn.CreatedBy,
		&status,
		&introspectErr,
		&conn.IntrospectedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return catalog.Connection{}, err
	}
	conn.Driver = catalog.DriverName(driver)
	conn.IntrospectionStatus = catalog.IntrospectionStatus(status)
	conn.IntrospectionError = introspectErr.String
	if len(options) > 0 {
		if err := json.Unmarshal(options, &conn.Options); err != nil {
			return catalog.Connection{}, fmt.Errorf("decode connection options: %w", err)
		}
	}
	return conn, nil
}

func scanHistory(row rowScanner) (catalog.QueryHistory, error) {
	var (
		history catalog.QueryHistory
		status  string
	)
	if err := row.Scan(
		&history.HistoryID,
		&history.TenantID,
		&history.ConnectionID,
		&history.PrincipalID,
		&history.Prompt,
		&history.GeneratedSQL,
		&status,
		&history.RowCount,
		&history.DurationMS,
		&history.ErrorText,
		&history.ResultPath,
		&history.CreatedAt,
		&history.StartedAt,
		&history.FinishedAt,
	); err != nil {
		return catalog.QueryHistory{}, err
	}
	history.Status = catalog.QueryStatus(status)
	return history, nil
}

func collectHistory(rows *sql.Rows) ([]catalog.QueryHistory, error) {
	defer func() { _ = rows.Close() }()
	out := make([]catalog.QueryHistory, 0)
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query history row: %w", err)
		}
		out = append(out, history)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query history rows: %w", err)
	}
	return out, nil
}

func marshalOptions(options map[string]string) (string, error) {
	if len(options) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("marshal connection options: %w", err)
	}
	return string(encoded), nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return catalog.ErrConflict
	}
	return err
}
