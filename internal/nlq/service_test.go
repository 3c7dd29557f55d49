package nlq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/catalog/catalogtest"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/jobs/jobstest"
	"github.com/nlqgate/nlqgate/internal/nl2sql"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	"github.com/nlqgate/nlqgate/internal/storage"
	"github.com/nlqgate/nlqgate/internal/tenancy"
	"github.com/nlqgate/nlqgate/internal/vault"
)

var (
	alice = tenancy.Principal{ID: "alice", Authenticated: true}
	bob   = tenancy.Principal{ID: "bob", Authenticated: true}
)

type fixture struct {
	svc     *Service
	repo    *catalogtest.Memory
	queue   *jobstest.Memory
	vault   *vault.Vault
	model   *scriptedModel
	results *memoryStore
}

type scriptedModel struct {
	mu      sync.Mutex
	sql     string
	err     error
	systems []string
}

func (m *scriptedModel) Complete(_ context.Context, system, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems = append(m.systems, system)
	return m.sql, m.err
}

func (m *scriptedModel) lastSystem() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.systems) == 0 {
		return ""
	}
	return m.systems[len(m.systems)-1]
}

type memoryStore struct {
	objects map[string][]byte
}

func (s *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New("test-platform-secret")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	f := &fixture{
		repo:    catalogtest.NewMemory(),
		queue:   jobstest.NewMemory(),
		vault:   v,
		model:   &scriptedModel{sql: "SELECT id, email FROM users"},
		results: &memoryStore{objects: map[string][]byte{}},
	}
	var mu sync.Mutex
	next := 0
	f.svc = NewService(f.repo, v, sqlguard.New(sqlguard.FunctionPolicy{}), f.queue, Options{
		Model:   f.model,
		Prompts: nl2sql.PromptContextBuilder{MaxExamples: 5},
		Results: f.results,
		Query:   config.QueryConfig{ConnectTimeout: 2 * time.Second},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("id-%d", next)
		},
	})
	return f
}

func (f *fixture) tenantScope(t *testing.T, principal tenancy.Principal, tenantID string) tenancy.Scope {
	t.Helper()
	ctx := context.Background()
	if _, err := f.repo.GetTenant(ctx, tenantID); errors.Is(err, catalog.ErrNotFound) {
		if _, err := f.svc.CreateTenant(ctx, principal, tenantID, "Tenant "+tenantID); err != nil {
			t.Fatalf("CreateTenant() error = %v", err)
		}
	}
	scope, err := f.svc.Authorize(ctx, principal, tenantID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return scope
}

func (f *fixture) connection(t *testing.T, scope tenancy.Scope) catalog.Connection {
	t.Helper()
	conn, err := f.svc.CreateConnection(context.Background(), scope, ConnectionInput{
		Name:     "warehouse",
		Driver:   catalog.DriverSQLite,
		Database: "/data/warehouse.db",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	return conn
}

func (f *fixture) jobsOfKind(kind jobs.Kind) []jobs.Job {
	out := make([]jobs.Job, 0)
	for _, job := range f.queue.Jobs() {
		if job.Kind == kind {
			out = append(out, job)
		}
	}
	return out
}

func TestAskAcceptedQueuesExecution(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)

	result, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "  which users signed up?  ")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Rejection != nil || result.SQL != "SELECT id, email FROM users" {
		t.Fatalf("result = %#v", result)
	}

	history, err := f.svc.GetHistory(context.Background(), scope, result.HistoryID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if history.Status != catalog.StatusPending || history.Prompt != "which users signed up?" || history.PrincipalID != "alice" {
		t.Fatalf("history = %#v", history)
	}

	executes := f.jobsOfKind(jobs.KindExecute)
	if len(executes) != 1 || executes[0].DedupeKey != "execute:"+result.HistoryID || executes[0].TenantID != "tenant-a" {
		t.Fatalf("execute jobs = %#v", executes)
	}
	if result.Job.JobID != executes[0].JobID {
		t.Fatalf("handle = %#v", result.Job)
	}
}

func TestAskRejectionIsRecordedAndNotQueued(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	f.model.sql = "```sql\nDELETE FROM users\n```"

	result, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "remove everyone")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Rejection == nil || result.Rejection.Reason != sqlguard.ReasonMutation {
		t.Fatalf("rejection = %#v", result.Rejection)
	}
	history, err := f.svc.GetHistory(context.Background(), scope, result.HistoryID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if history.Status != catalog.StatusError || !strings.HasPrefix(history.ErrorText, "validation: ") {
		t.Fatalf("history = %#v", history)
	}
	if history.GeneratedSQL != "DELETE FROM users" {
		t.Fatalf("GeneratedSQL = %q", history.GeneratedSQL)
	}
	if got := f.jobsOfKind(jobs.KindExecute); len(got) != 0 {
		t.Fatalf("rejected SQL was queued: %#v", got)
	}
}

func TestAskBuildsPromptFromSnapshotAndExamples(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	ctx := context.Background()

	if _, err := f.repo.UpsertSchemaSnapshot(ctx, catalog.SchemaSnapshot{
		ConnectionID: conn.ConnectionID,
		TenantID:     "tenant-a",
		Payload: catalog.SchemaPayload{Tables: []catalog.TableSchema{{
			Name:    "users",
			Columns: []catalog.ColumnSchema{{Name: "id", Type: "INTEGER"}, {Name: "email", Type: "TEXT"}},
		}}},
		ContentHash: "h",
	}); err != nil {
		t.Fatalf("UpsertSchemaSnapshot() error = %v", err)
	}
	if _, err := f.svc.AddPromptExample(ctx, scope, conn.ConnectionID, "count users", "SELECT COUNT(*) FROM users"); err != nil {
		t.Fatalf("AddPromptExample() error = %v", err)
	}

	if _, err := f.svc.Ask(ctx, scope, conn.ConnectionID, "list emails"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	system := f.model.lastSystem()
	for _, want := range []string{"sqlite", "Table users: (id INTEGER, email TEXT)", "Question: count users"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
}

func TestAskWithoutSnapshotStillGenerates(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)

	if _, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "anything"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if strings.Contains(f.model.lastSystem(), "Database Schema") {
		t.Fatalf("unexpected schema section:\n%s", f.model.lastSystem())
	}
}

func TestCrossTenantAccessIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeA := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scopeA)
	asked, err := f.svc.Ask(ctx, scopeA, conn.ConnectionID, "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	if _, err := f.svc.Authorize(ctx, bob, "tenant-a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Authorize(bob, tenant-a) error = %v, want not found", err)
	}

	scopeB := f.tenantScope(t, bob, "tenant-b")
	if _, err := f.svc.Ask(ctx, scopeB, conn.ConnectionID, "q"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Ask() error = %v, want not found", err)
	}
	if _, err := f.svc.GetConnection(ctx, scopeB, conn.ConnectionID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetConnection() error = %v, want not found", err)
	}
	if _, err := f.svc.GetSchema(ctx, scopeB, conn.ConnectionID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetSchema() error = %v, want not found", err)
	}
	if _, err := f.svc.GetHistory(ctx, scopeB, asked.HistoryID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetHistory() error = %v, want not found", err)
	}
	if _, err := f.svc.RefreshSchema(ctx, scopeB, conn.ConnectionID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("RefreshSchema() error = %v, want not found", err)
	}
	listed, err := f.svc.ListHistory(ctx, scopeB, catalog.HistoryFilter{})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("tenant-b sees history: %#v", listed)
	}
}

func TestCreateConnectionEncryptsSecretAndQueuesIntrospection(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)

	if !strings.HasPrefix(conn.SecretCiphertext, "v1:") || strings.Contains(conn.SecretCiphertext, "hunter2") {
		t.Fatalf("SecretCiphertext = %q", conn.SecretCiphertext)
	}
	if got := f.vault.Decrypt(conn.SecretCiphertext); got != "hunter2" {
		t.Fatalf("Decrypt() = %q", got)
	}
	introspections := f.jobsOfKind(jobs.KindIntrospect)
	if len(introspections) != 1 || introspections[0].DedupeKey != "introspect:"+conn.ConnectionID {
		t.Fatalf("introspect jobs = %#v", introspections)
	}

	handle, err := f.svc.RefreshSchema(context.Background(), scope, conn.ConnectionID)
	if err != nil {
		t.Fatalf("RefreshSchema() error = %v", err)
	}
	if !handle.Duplicate || handle.JobID != introspections[0].JobID {
		t.Fatalf("handle = %#v, want duplicate of %d", handle, introspections[0].JobID)
	}
}

func TestCreateConnectionValidatesInput(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	tests := []ConnectionInput{
		{Driver: catalog.DriverPostgres, Database: "db"},
		{Name: "x", Driver: "oracle", Database: "db"},
		{Name: "x", Driver: catalog.DriverPostgres},
		{Name: "x", Driver: catalog.DriverPostgres, Database: "db", Port: 70000},
	}
	for _, in := range tests {
		if _, err := f.svc.CreateConnection(context.Background(), scope, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateConnection(%#v) error = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestDeactivatedConnectionCannotBeAsked(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	if err := f.svc.DeactivateConnection(context.Background(), scope, conn.ConnectionID); err != nil {
		t.Fatalf("DeactivateConnection() error = %v", err)
	}
	if _, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "q"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Ask() error = %v, want not found", err)
	}
}

func TestAddPromptExampleRejectsUnsafeSQL(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	_, err := f.svc.AddPromptExample(context.Background(), scope, conn.ConnectionID, "wipe", "DROP TABLE users")
	if _, ok := sqlguard.AsRejection(err); !ok {
		t.Fatalf("AddPromptExample() error = %v, want rejection", err)
	}
}

func TestAddMembershipRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminScope := f.tenantScope(t, alice, "tenant-a")
	if _, err := f.svc.AddMembership(ctx, adminScope, "bob", catalog.RoleUser); err != nil {
		t.Fatalf("AddMembership() error = %v", err)
	}
	bobScope, err := f.svc.Authorize(ctx, bob, "tenant-a")
	if err != nil {
		t.Fatalf("Authorize(bob) error = %v", err)
	}
	if _, err := f.svc.AddMembership(ctx, bobScope, "carol", catalog.RoleAdmin); !errors.Is(err, tenancy.ErrForbidden) {
		t.Fatalf("AddMembership() by user error = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.AddMembership(ctx, adminScope, "carol", "owner"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("AddMembership() bad role error = %v", err)
	}
}

func TestAskWithoutModel(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	f.svc.model = nil
	result, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "q")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("Ask() error = %v, want ErrModelUnavailable", err)
	}
	assertModelFailureRecorded(t, f, scope, result.HistoryID)
}

func TestAskModelFailure(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	f.model.err = errors.New("upstream 500")
	result, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "q")
	if !errors.Is(err, ErrModelFailed) {
		t.Fatalf("Ask() error = %v, want ErrModelFailed", err)
	}
	history := assertModelFailureRecorded(t, f, scope, result.HistoryID)
	if !strings.Contains(history.ErrorText, "upstream 500") {
		t.Fatalf("ErrorText = %q", history.ErrorText)
	}
	for _, job := range f.queue.Jobs() {
		if job.Kind == jobs.KindExecute {
			t.Fatalf("job = %#v, want no execution queued", job)
		}
	}
}

func assertModelFailureRecorded(t *testing.T, f *fixture, scope tenancy.Scope, historyID string) catalog.QueryHistory {
	t.Helper()
	if historyID == "" {
		t.Fatal("expected a history id for the failed question")
	}
	history, err := f.svc.GetHistory(context.Background(), scope, historyID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if history.Status != catalog.StatusError || history.Prompt != "q" || history.GeneratedSQL != "" {
		t.Fatalf("history = %#v", history)
	}
	return history
}

func TestAskEnqueueFailureFinalizesHistory(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	f.queue.SubmitErr = errors.New("queue down")

	if _, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "q"); err == nil {
		t.Fatal("Ask() expected error")
	}
	rows, err := f.svc.ListHistory(context.Background(), scope, catalog.HistoryFilter{})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Status != catalog.StatusError {
		t.Fatalf("history = %#v", rows)
	}
}

func TestListHistoryRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	if _, err := f.svc.ListHistory(context.Background(), scope, catalog.HistoryFilter{Status: "weird"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ListHistory() error = %v", err)
	}
}

func TestOpenResult(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	f.repo.PutHistory(catalog.QueryHistory{HistoryID: "h-done", TenantID: "tenant-a", Status: catalog.StatusOK, ResultPath: "results/h-done.parquet"})
	f.repo.PutHistory(catalog.QueryHistory{HistoryID: "h-none", TenantID: "tenant-a", Status: catalog.StatusOK})
	f.results.objects["results/h-done.parquet"] = []byte("PAR1")

	body, err := f.svc.OpenResult(context.Background(), scope, "h-done")
	if err != nil {
		t.Fatalf("OpenResult() error = %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "PAR1" {
		t.Fatalf("body = %q", data)
	}
	if _, err := f.svc.OpenResult(context.Background(), scope, "h-none"); !errors.Is(err, ErrNoResult) {
		t.Fatalf("OpenResult() error = %v, want ErrNoResult", err)
	}
}

func TestAuditFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	scope := f.tenantScope(t, alice, "tenant-a")
	conn := f.connection(t, scope)
	f.repo.FailAudit = true
	if _, err := f.svc.Ask(context.Background(), scope, conn.ConnectionID, "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
}
