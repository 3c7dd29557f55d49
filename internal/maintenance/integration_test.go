//go:build integration

package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nlqgate/nlqgate/internal/catalog"
	catalogpostgres "github.com/nlqgate/nlqgate/internal/catalog/postgres"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	jobspostgres "github.com/nlqgate/nlqgate/internal/jobs/postgres"
	"github.com/nlqgate/nlqgate/internal/migrations"
)

func TestJanitorReapsAbandonedExecutionAndRequeuesLease(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("NLQGATE_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("NLQGATE_TEST_CATALOG_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	repo := catalogpostgres.NewRepository(db)
	queue := jobspostgres.NewQueue(db)

	if _, err := repo.CreateTenant(ctx, catalog.CreateTenantInput{TenantID: "tenant-a", Name: "Tenant A"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if _, err := repo.CreateConnection(ctx, catalog.CreateConnectionInput{
		ConnectionID:     "conn-1",
		TenantID:         "tenant-a",
		Name:             "warehouse",
		Driver:           catalog.DriverPostgres,
		Host:             "db.internal",
		Port:             5432,
		Database:         "sales",
		Username:         "reader",
		SecretCiphertext: "v1:opaque",
		CreatedBy:        "alice",
	}); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	if _, err := repo.CreateQueryHistory(ctx, catalog.CreateQueryHistoryInput{
		HistoryID:    "h-1",
		TenantID:     "tenant-a",
		ConnectionID: "conn-1",
		PrincipalID:  "alice",
		Prompt:       "how many orders",
		GeneratedSQL: "SELECT count(*) FROM orders",
		Status:       catalog.StatusPending,
	}); err != nil {
		t.Fatalf("CreateQueryHistory() error = %v", err)
	}
	claimed, err := repo.ClaimQueryHistory(ctx, "tenant-a", "h-1")
	if err != nil || !claimed {
		t.Fatalf("ClaimQueryHistory() = %v, %v", claimed, err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE query_history SET started_at = NOW() - INTERVAL '1 hour' WHERE history_id = 'h-1'`); err != nil {
		t.Fatalf("backdate started_at error = %v", err)
	}

	job, err := jobs.NewExecuteJob("tenant-a", "h-1")
	if err != nil {
		t.Fatalf("NewExecuteJob() error = %v", err)
	}
	handle, err := queue.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := queue.ClaimBatch(ctx, "dead-worker", 1, 10); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE job SET lease_until = NOW() - INTERVAL '5 second' WHERE job_id = $1`, handle.JobID); err != nil {
		t.Fatalf("force lease expiry error = %v", err)
	}

	svc := &Service{
		Catalog: repo,
		Queue:   queue,
		Config:  config.MaintenanceConfig{AbandonedAfter: 10 * time.Minute, BatchSize: 10},
	}
	summary, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.JobsRequeued != 1 || summary.QueriesReaped != 1 {
		t.Fatalf("summary = %#v", summary)
	}

	row, err := repo.GetQueryHistory(ctx, "tenant-a", "h-1")
	if err != nil {
		t.Fatalf("GetQueryHistory() error = %v", err)
	}
	if row.Status != catalog.StatusTimeout || row.ErrorText != abandonedMessage {
		t.Fatalf("row = %#v", row)
	}

	updated, err := repo.FinalizeQueryHistory(ctx, catalog.FinalizeQueryInput{
		HistoryID: "h-1",
		TenantID:  "tenant-a",
		Status:    catalog.StatusOK,
		RowCount:  3,
	})
	if err != nil {
		t.Fatalf("FinalizeQueryHistory() error = %v", err)
	}
	if updated {
		t.Fatal("late worker result overwrote reaped execution")
	}
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("nlqgate_it_maintenance_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testURL.String(), cleanup
}
