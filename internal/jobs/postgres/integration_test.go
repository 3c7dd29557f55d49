//go:build integration

package postgres

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

	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/migrations"
)

func TestQueueSubmitClaimAckAndRequeue(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("NLQGATE_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("NLQGATE_TEST_CATALOG_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db := openDB(t, testDSN)
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	queue := NewQueue(db)
	first := mustSubmit(t, queue, mustJob(jobs.NewIntrospectJob("tenant-a", "conn-1")))
	second := mustSubmit(t, queue, mustJob(jobs.NewExecuteJob("tenant-a", "h-1")))
	dup := mustSubmit(t, queue, mustJob(jobs.NewIntrospectJob("tenant-a", "conn-1")))
	if first.Duplicate || second.Duplicate {
		t.Fatal("first two submissions should be inserted")
	}
	if !dup.Duplicate || dup.JobID != first.JobID {
		t.Fatalf("duplicate handle = %#v, want job %d", dup, first.JobID)
	}

	claimed, err := queue.ClaimBatch(ctx, "worker-1", 10, 10)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("len(claimed) = %d, want 2", len(claimed))
	}
	for _, job := range claimed {
		if err := queue.Ack(ctx, job.JobID, "worker-1"); err != nil {
			t.Fatalf("Ack(%d) error = %v", job.JobID, err)
		}
	}
	assertJobState(t, db, first.JobID, "done")

	again := mustSubmit(t, queue, mustJob(jobs.NewIntrospectJob("tenant-a", "conn-1")))
	if again.Duplicate {
		t.Fatal("resubmission after completion should queue a new job")
	}
	if _, err := queue.ClaimBatch(ctx, "worker-2", 10, 10); err != nil {
		t.Fatalf("ClaimBatch(second) error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE job SET lease_until = NOW() - INTERVAL '5 second' WHERE job_id = $1`, again.JobID); err != nil {
		t.Fatalf("force lease expiry error = %v", err)
	}
	requeued, err := queue.RequeueExpired(ctx, 10)
	if err != nil {
		t.Fatalf("RequeueExpired() error = %v", err)
	}
	if requeued != 1 {
		t.Fatalf("RequeueExpired() = %d, want 1", requeued)
	}
	assertJobState(t, db, again.JobID, "accepted")
}

func mustJob(job jobs.Job, err error) jobs.Job {
	if err != nil {
		panic(err)
	}
	return job
}

func mustSubmit(t *testing.T, queue *Queue, job jobs.Job) jobs.Handle {
	t.Helper()
	handle, err := queue.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return handle
}

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	return db
}

func assertJobState(t *testing.T, db *sql.DB, jobID int64, expectedState string) {
	t.Helper()
	var state string
	if err := db.QueryRow(`SELECT state FROM job WHERE job_id = $1`, jobID).Scan(&state); err != nil {
		t.Fatalf("query job state error = %v", err)
	}
	if state != expectedState {
		t.Fatalf("job %d state = %s, want %s", jobID, state, expectedState)
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

	name := fmt.Sprintf("nlqgate_it_jobs_%d", time.Now().UnixNano())
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
