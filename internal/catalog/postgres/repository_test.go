package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

func TestCreateTenant(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO tenant (tenant_id, name)
VALUES ($1, $2)
RETURNING created_at`)).
		WithArgs("tenant-1", "Tenant One").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	tenant, err := repo.CreateTenant(context.Background(), catalog.CreateTenantInput{TenantID: "tenant-1", Name: "Tenant One"})
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if tenant.TenantID != "tenant-1" || !tenant.CreatedAt.Equal(now) {
		t.Fatalf("tenant = %#v", tenant)
	}
	assertSQLMock(t, mock)
}

func TestCreateConnectionDuplicateNameReturnsConflict(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO connection`)).
		WithArgs("conn-1", "tenant-1", "warehouse", "postgres", "db.internal", 5432, "analytics", "reader", "v1:token", "{}", "alice").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.CreateConnection(context.Background(), catalog.CreateConnectionInput{
		ConnectionID:     "conn-1",
		TenantID:         "tenant-1",
		Name:             "warehouse",
		Driver:           catalog.DriverPostgres,
		Host:             "db.internal",
		Port:             5432,
		Database:         "analytics",
		Username:         "reader",
		SecretCiphertext: "v1:token",
		CreatedBy:        "alice",
	})
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("CreateConnection() error = %v, want ErrConflict", err)
	}
	assertSQLMock(t, mock)
}

func TestGetConnectionFiltersByTenant(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
FROM connection
WHERE tenant_id = $1 AND connection_id = $2`)).
		WithArgs("tenant-b", "conn-of-a").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetConnection(context.Background(), "tenant-b", "conn-of-a")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetConnection() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetConnectionDecodesRow(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM connection`)).
		WithArgs("tenant-1", "conn-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"connection_id", "tenant_id", "name", "driver", "host", "port", "database_name", "username", "secret_ciphertext",
			"options", "active", "created_by", "introspection_status", "introspection_error", "introspected_at", "created_at", "updated_at",
		}).AddRow("conn-1", "tenant-1", "warehouse", "mysql", "db", 3306, "shop", "ro", "v1:x",
			[]byte(`{"tls":"true"}`), true, "alice", "ok", nil, now, now, now))

	conn, err := repo.GetConnection(context.Background(), "tenant-1", "conn-1")
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if conn.Driver != catalog.DriverMySQL || conn.Port != 3306 || conn.Options["tls"] != "true" {
		t.Fatalf("connection = %#v", conn)
	}
	if conn.IntrospectionStatus != catalog.IntrospectionOK || conn.IntrospectedAt == nil {
		t.Fatalf("introspection fields = %q %v", conn.IntrospectionStatus, conn.IntrospectedAt)
	}
	assertSQLMock(t, mock)
}

func TestUpsertSchemaSnapshotConflictsOnConnection(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO schema_snapshot (connection_id, tenant_id, payload, graph, content_hash, refreshed_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, NOW())
ON CONFLICT (connection_id)`)).
		WithArgs("conn-1", "tenant-1",
			`{"tables":[{"name":"users","columns":[],"primary_keys":[],"foreign_keys":[]}]}`,
			`{"nodes":[{"id":"users","label":"users"}],"edges":[]}`,
			"abc").
		WillReturnRows(sqlmock.NewRows([]string{"refreshed_at"}).AddRow(now))

	snapshot, err := repo.UpsertSchemaSnapshot(context.Background(), catalog.SchemaSnapshot{
		ConnectionID: "conn-1",
		TenantID:     "tenant-1",
		Payload: catalog.SchemaPayload{Tables: []catalog.TableSchema{{
			Name:        "users",
			Columns:     []catalog.ColumnSchema{},
			PrimaryKeys: []string{},
			ForeignKeys: []catalog.ForeignKey{},
		}}},
		Graph: catalog.SchemaGraph{
			Nodes: []catalog.GraphNode{{ID: "users", Label: "users"}},
			Edges: []catalog.GraphEdge{},
		},
		ContentHash: "abc",
	})
	if err != nil {
		t.Fatalf("UpsertSchemaSnapshot() error = %v", err)
	}
	if !snapshot.RefreshedAt.Equal(now) {
		t.Fatalf("RefreshedAt = %v", snapshot.RefreshedAt)
	}
	assertSQLMock(t, mock)
}

func TestClaimQueryHistoryOnlyOnce(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	claim := regexp.QuoteMeta(`
UPDATE query_history
SET started_at = NOW()
WHERE tenant_id = $1 AND history_id = $2 AND status = 'pending' AND started_at IS NULL`)

	mock.ExpectExec(claim).WithArgs("tenant-1", "h-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs("tenant-1", "h-1").WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.ClaimQueryHistory(context.Background(), "tenant-1", "h-1")
	if err != nil || !first {
		t.Fatalf("first ClaimQueryHistory() = %v, %v", first, err)
	}
	second, err := repo.ClaimQueryHistory(context.Background(), "tenant-1", "h-1")
	if err != nil || second {
		t.Fatalf("second ClaimQueryHistory() = %v, %v", second, err)
	}
	assertSQLMock(t, mock)
}

func TestFinalizeQueryHistoryRequiresPendingAndTerminalStatus(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	if _, err := repo.FinalizeQueryHistory(context.Background(), catalog.FinalizeQueryInput{
		TenantID: "tenant-1", HistoryID: "h-1", Status: catalog.StatusPending,
	}); err == nil {
		t.Fatal("expected error finalizing to pending")
	}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE tenant_id = $1 AND history_id = $2 AND status = 'pending'`)).
		WithArgs("tenant-1", "h-1", "timeout", int64(0), int64(30000), "statement timed out", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := repo.FinalizeQueryHistory(context.Background(), catalog.FinalizeQueryInput{
		TenantID:   "tenant-1",
		HistoryID:  "h-1",
		Status:     catalog.StatusTimeout,
		DurationMS: 30000,
		ErrorText:  "statement timed out",
	})
	if err != nil {
		t.Fatalf("FinalizeQueryHistory() error = %v", err)
	}
	if updated {
		t.Fatal("expected no update for an already finalized row")
	}
	assertSQLMock(t, mock)
}

func TestGetMembershipReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT tenant_id, principal_id, role, created_at
FROM membership
WHERE tenant_id = $1 AND principal_id = $2`)).
		WithArgs("tenant-1", "mallory").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetMembership(context.Background(), "tenant-1", "mallory")
	if err != catalog.ErrNotFound {
		t.Fatalf("error = %v, want %v", err, catalog.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestRecordIntrospectionMissingConnection(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE connection`)).
		WithArgs("tenant-1", "conn-x", "error", "unreachable").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RecordIntrospection(context.Background(), catalog.IntrospectionOutcome{
		TenantID: "tenant-1", ConnectionID: "conn-x", Status: catalog.IntrospectionError, ErrorText: "unreachable",
	})
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("RecordIntrospection() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestRecordAuditEncodesMetadata(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO audit_event (tenant_id, principal_id, action, target, metadata)
VALUES ($1, $2, $3, $4, $5::jsonb)`)).
		WithArgs("tenant-1", "alice", "query.ask", "h-1", `{"status":"pending"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.RecordAudit(context.Background(), catalog.AuditEvent{
		TenantID:    "tenant-1",
		PrincipalID: "alice",
		Action:      "query.ask",
		Target:      "h-1",
		Metadata:    map[string]any{"status": "pending"},
	}); err != nil {
		t.Fatalf("RecordAudit() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
