// Package nlq wires the request path: authorize, build prompt context, ask
// the model, gate the candidate SQL, record history and enqueue execution.
package nlq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/nl2sql"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	"github.com/nlqgate/nlqgate/internal/storage"
	"github.com/nlqgate/nlqgate/internal/target"
	"github.com/nlqgate/nlqgate/internal/tenancy"
)

var (
	ErrInvalidInput     = errors.New("nlq: invalid input")
	ErrModelUnavailable = errors.New("nlq: language model is not configured")
	ErrModelFailed      = errors.New("nlq: language model request failed")
	ErrNoResult         = errors.New("nlq: no result artifact")
)

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) string
}

type Options struct {
	Model   nl2sql.Model
	Prompts nl2sql.PromptContextBuilder
	Results storage.ObjectStore
	Query   config.QueryConfig
	Targets config.TargetConfig
	NewID   func() string
	Logger  *slog.Logger
}

type Service struct {
	repo      catalog.Repository
	guard     *tenancy.Guard
	vault     Encrypter
	validator *sqlguard.Validator
	queue     jobs.Queue
	model     nl2sql.Model
	prompts   nl2sql.PromptContextBuilder
	results   storage.ObjectStore
	query     config.QueryConfig
	targets   config.TargetConfig
	newID     func() string
	logger    *slog.Logger
}

func NewService(repo catalog.Repository, vault Encrypter, validator *sqlguard.Validator, queue jobs.Queue, opts Options) *Service {
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		repo:      repo,
		guard:     tenancy.NewGuard(repo),
		vault:     vault,
		validator: validator,
		queue:     queue,
		model:     opts.Model,
		prompts:   opts.Prompts,
		results:   opts.Results,
		query:     opts.Query,
		targets:   opts.Targets,
		newID:     newID,
		logger:    logger,
	}
}

func (s *Service) Authorize(ctx context.Context, principal tenancy.Principal, tenantID string) (tenancy.Scope, error) {
	return s.guard.Authorize(ctx, principal, tenantID)
}

// CreateTenant registers a tenant and makes its creator an admin member.
func (s *Service) CreateTenant(ctx context.Context, principal tenancy.Principal, tenantID, name string) (catalog.Tenant, error) {
	if !principal.Authenticated || strings.TrimSpace(principal.ID) == "" {
		return catalog.Tenant{}, tenancy.ErrUnauthenticated
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = s.newID()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return catalog.Tenant{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	tenant, err := s.repo.CreateTenant(ctx, catalog.CreateTenantInput{TenantID: tenantID, Name: name})
	if err != nil {
		return catalog.Tenant{}, err
	}
	if _, err := s.repo.UpsertMembership(ctx, catalog.Membership{TenantID: tenantID, PrincipalID: principal.ID, Role: catalog.RoleAdmin}); err != nil {
		return catalog.Tenant{}, fmt.Errorf("create creator membership: %w", err)
	}
	s.audit(ctx, catalog.AuditEvent{TenantID: tenantID, PrincipalID: principal.ID, Action: "tenant.create", Target: tenantID})
	return tenant, nil
}

func (s *Service) AddMembership(ctx context.Context, scope tenancy.Scope, principalID string, role catalog.Role) (catalog.Membership, error) {
	if err := scope.RequireAdmin(); err != nil {
		return catalog.Membership{}, err
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" || !role.Valid() {
		return catalog.Membership{}, fmt.Errorf("%w: principal_id and role (admin|user) are required", ErrInvalidInput)
	}
	membership, err := s.repo.UpsertMembership(ctx, catalog.Membership{TenantID: scope.TenantID(), PrincipalID: principalID, Role: role})
	if err != nil {
		return catalog.Membership{}, err
	}
	s.audit(ctx, catalog.AuditEvent{
		TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "membership.upsert", Target: principalID,
		Metadata: map[string]any{"role": string(role)},
	})
	return membership, nil
}

type ConnectionInput struct {
	Name     string
	Driver   catalog.DriverName
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Options  map[string]string
}

func (in ConnectionInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !target.Supported(in.Driver) {
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidInput, in.Driver)
	}
	if strings.TrimSpace(in.Database) == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidInput)
	}
	if in.Port < 0 || in.Port > 65535 {
		return fmt.Errorf("%w: port out of range", ErrInvalidInput)
	}
	return nil
}

// CreateConnection stores the descriptor with its password encrypted and
// queues a first introspection.
func (s *Service) CreateConnection(ctx context.Context, scope tenancy.Scope, in ConnectionInput) (catalog.Connection, error) {
	if err := in.validate(); err != nil {
		return catalog.Connection{}, err
	}
	ciphertext, err := s.vault.Encrypt(in.Password)
	if err != nil {
		return catalog.Connection{}, fmt.Errorf("encrypt connection secret: %w", err)
	}
	conn, err := s.repo.CreateConnection(ctx, catalog.CreateConnectionInput{
		ConnectionID:     s.newID(),
		TenantID:         scope.TenantID(),
		Name:             strings.TrimSpace(in.Name),
		Driver:           in.Driver,
		Host:             strings.TrimSpace(in.Host),
		Port:             in.Port,
		Database:         strings.TrimSpace(in.Database),
		Username:         strings.TrimSpace(in.Username),
		SecretCiphertext: ciphertext,
		Options:          in.Options,
		CreatedBy:        scope.PrincipalID(),
	})
	if err != nil {
		return catalog.Connection{}, err
	}
	if _, err := s.submitIntrospection(ctx, scope, conn.ConnectionID); err != nil {
		observability.WithTrace(ctx, s.logger).WarnContext(ctx, "initial introspection not queued",
			slog.String("connection_id", conn.ConnectionID),
			slog.Any("error", err),
		)
	}
	s.audit(ctx, catalog.AuditEvent{
		TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "connection.create", Target: conn.ConnectionID,
		Metadata: map[string]any{"driver": string(conn.Driver)},
	})
	return conn, nil
}

// TestConnection opens and closes a session without storing anything.
func (s *Service) TestConnection(ctx context.Context, scope tenancy.Scope, in ConnectionInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	driver, err := target.Lookup(in.Driver)
	if err != nil {
		return err
	}
	t, err := driver.BuildTarget(catalog.Connection{
		TenantID: scope.TenantID(), Driver: in.Driver, Host: in.Host, Port: in.Port, Database: in.Database, Username: in.Username, Options: in.Options,
	}, in.Password, target.NewOptions(s.targets, s.query.ConnectTimeout))
	if err != nil {
		return target.AsConnectivity(err, in.Password)
	}
	session, err := target.Open(ctx, driver, t, s.query.ConnectTimeout)
	if err != nil {
		return err
	}
	return session.Close()
}

func (s *Service) GetConnection(ctx context.Context, scope tenancy.Scope, connectionID string) (catalog.Connection, error) {
	return s.repo.GetConnection(ctx, scope.TenantID(), connectionID)
}

func (s *Service) ListConnections(ctx context.Context, scope tenancy.Scope) ([]catalog.Connection, error) {
	return s.repo.ListConnections(ctx, scope.TenantID())
}

func (s *Service) DeactivateConnection(ctx context.Context, scope tenancy.Scope, connectionID string) error {
	if err := s.repo.DeactivateConnection(ctx, scope.TenantID(), connectionID); err != nil {
		return err
	}
	s.audit(ctx, catalog.AuditEvent{TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "connection.deactivate", Target: connectionID})
	return nil
}

func (s *Service) RefreshSchema(ctx context.Context, scope tenancy.Scope, connectionID string) (jobs.Handle, error) {
	conn, err := s.activeConnection(ctx, scope, connectionID)
	if err != nil {
		return jobs.Handle{}, err
	}
	return s.submitIntrospection(ctx, scope, conn.ConnectionID)
}

func (s *Service) submitIntrospection(ctx context.Context, scope tenancy.Scope, connectionID string) (jobs.Handle, error) {
	job, err := jobs.NewIntrospectJob(scope.TenantID(), connectionID)
	if err != nil {
		return jobs.Handle{}, err
	}
	return s.queue.Submit(ctx, job)
}

func (s *Service) GetSchema(ctx context.Context, scope tenancy.Scope, connectionID string) (catalog.SchemaSnapshot, error) {
	if _, err := s.repo.GetConnection(ctx, scope.TenantID(), connectionID); err != nil {
		return catalog.SchemaSnapshot{}, err
	}
	return s.repo.GetSchemaSnapshot(ctx, scope.TenantID(), connectionID)
}

// AddPromptExample stores a few-shot example. Its SQL has to pass the same
// gate as generated SQL so examples cannot teach the model unsafe statements.
func (s *Service) AddPromptExample(ctx context.Context, scope tenancy.Scope, connectionID, question, sqlText string) (catalog.PromptExample, error) {
	conn, err := s.activeConnection(ctx, scope, connectionID)
	if err != nil {
		return catalog.PromptExample{}, err
	}
	if strings.TrimSpace(question) == "" || strings.TrimSpace(sqlText) == "" {
		return catalog.PromptExample{}, fmt.Errorf("%w: question and sql are required", ErrInvalidInput)
	}
	driver, err := target.Lookup(conn.Driver)
	if err != nil {
		return catalog.PromptExample{}, err
	}
	if err := s.validator.Validate(sqlText, driver.Dialect()); err != nil {
		return catalog.PromptExample{}, err
	}
	return s.repo.CreatePromptExample(ctx, catalog.CreatePromptExampleInput{
		TenantID: scope.TenantID(), ConnectionID: connectionID, Question: strings.TrimSpace(question), SQL: strings.TrimSpace(sqlText),
	})
}

func (s *Service) ListPromptExamples(ctx context.Context, scope tenancy.Scope, connectionID string) ([]catalog.PromptExample, error) {
	if _, err := s.repo.GetConnection(ctx, scope.TenantID(), connectionID); err != nil {
		return nil, err
	}
	return s.repo.ListPromptExamples(ctx, scope.TenantID(), connectionID, 0)
}

type AskResult struct {
	HistoryID string
	SQL       string
	Job       jobs.Handle
	// Rejection is set when the candidate failed validation. The history
	// row exists with status error and nothing was queued.
	Rejection *sqlguard.Rejection
}

func (s *Service) Ask(ctx context.Context, scope tenancy.Scope, connectionID, question string) (AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	conn, err := s.activeConnection(ctx, scope, connectionID)
	if err != nil {
		return AskResult{}, err
	}
	driver, err := target.Lookup(conn.Driver)
	if err != nil {
		return AskResult{}, err
	}
	logger := observability.WithTrace(ctx, s.logger).With(
		slog.String("tenant_id", scope.TenantID()),
		slog.String("connection_id", conn.ConnectionID),
	)
	historyID := s.newID()
	if s.model == nil {
		return s.recordModelFailure(ctx, logger, scope, conn, historyID, question, ErrModelUnavailable)
	}

	req, err := s.promptRequest(ctx, scope, conn, driver, question)
	if err != nil {
		return AskResult{}, err
	}
	candidate, err := nl2sql.Generate(ctx, s.model, s.prompts, req)
	if err != nil {
		return s.recordModelFailure(ctx, logger, scope, conn, historyID, question, fmt.Errorf("%w: %v", ErrModelFailed, err))
	}

	if err := s.validator.Validate(candidate, driver.Dialect()); err != nil {
		rejection, ok := sqlguard.AsRejection(err)
		if !ok {
			return AskResult{}, err
		}
		if _, err := s.repo.CreateQueryHistory(ctx, catalog.CreateQueryHistoryInput{
			HistoryID: historyID, TenantID: scope.TenantID(), ConnectionID: conn.ConnectionID, PrincipalID: scope.PrincipalID(),
			Prompt: question, GeneratedSQL: candidate, Status: catalog.StatusError, ErrorText: "validation: " + rejection.Error(),
		}); err != nil {
			return AskResult{}, fmt.Errorf("record rejected query: %w", err)
		}
		logger.InfoContext(ctx, "generated sql rejected",
			slog.String("history_id", historyID),
			slog.String("reason", string(rejection.Reason)),
		)
		s.audit(ctx, catalog.AuditEvent{
			TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "query.ask", Target: historyID,
			Metadata: map[string]any{"status": string(catalog.StatusError), "reason": string(rejection.Reason)},
		})
		return AskResult{HistoryID: historyID, SQL: candidate, Rejection: rejection}, nil
	}

	if _, err := s.repo.CreateQueryHistory(ctx, catalog.CreateQueryHistoryInput{
		HistoryID: historyID, TenantID: scope.TenantID(), ConnectionID: conn.ConnectionID, PrincipalID: scope.PrincipalID(),
		Prompt: question, GeneratedSQL: candidate, Status: catalog.StatusPending,
	}); err != nil {
		return AskResult{}, fmt.Errorf("record query: %w", err)
	}

	handle, err := s.enqueue(ctx, scope, historyID)
	if err != nil {
		if _, finalizeErr := s.repo.FinalizeQueryHistory(ctx, catalog.FinalizeQueryInput{
			HistoryID: historyID, TenantID: scope.TenantID(), Status: catalog.StatusError, ErrorText: "execution could not be queued",
		}); finalizeErr != nil {
			logger.ErrorContext(ctx, "finalize unqueued query failed", slog.String("history_id", historyID), slog.Any("error", finalizeErr))
		}
		return AskResult{}, fmt.Errorf("enqueue execution: %w", err)
	}
	logger.InfoContext(ctx, "query accepted",
		slog.String("history_id", historyID),
		slog.Int64("job_id", handle.JobID),
	)
	s.audit(ctx, catalog.AuditEvent{
		TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "query.ask", Target: historyID,
		Metadata: map[string]any{"status": string(catalog.StatusPending)},
	})
	return AskResult{HistoryID: historyID, SQL: candidate, Job: handle}, nil
}

// recordModelFailure keeps an error row for a question the model never
// answered, then returns cause.
func (s *Service) recordModelFailure(ctx context.Context, logger *slog.Logger, scope tenancy.Scope, conn catalog.Connection, historyID, question string, cause error) (AskResult, error) {
	if _, err := s.repo.CreateQueryHistory(ctx, catalog.CreateQueryHistoryInput{
		HistoryID: historyID, TenantID: scope.TenantID(), ConnectionID: conn.ConnectionID, PrincipalID: scope.PrincipalID(),
		Prompt: question, Status: catalog.StatusError, ErrorText: "model: " + cause.Error(),
	}); err != nil {
		logger.ErrorContext(ctx, "record model failure", slog.String("history_id", historyID), slog.Any("error", err))
		return AskResult{}, cause
	}
	logger.WarnContext(ctx, "sql generation failed", slog.String("history_id", historyID), slog.Any("error", cause))
	s.audit(ctx, catalog.AuditEvent{
		TenantID: scope.TenantID(), PrincipalID: scope.PrincipalID(), Action: "query.ask", Target: historyID,
		Metadata: map[string]any{"status": string(catalog.StatusError), "reason": "model"},
	})
	return AskResult{HistoryID: historyID}, cause
}

func (s *Service) promptRequest(ctx context.Context, scope tenancy.Scope, conn catalog.Connection, driver target.Driver, question string) (nl2sql.Request, error) {
	req := nl2sql.Request{Dialect: string(driver.Dialect()), Question: question}
	snapshot, err := s.repo.GetSchemaSnapshot(ctx, scope.TenantID(), conn.ConnectionID)
	switch {
	case err == nil:
		req.Schema = &snapshot.Payload
	case !errors.Is(err, catalog.ErrNotFound):
		return nl2sql.Request{}, fmt.Errorf("load schema snapshot: %w", err)
	}
	examples, err := s.repo.ListPromptExamples(ctx, scope.TenantID(), conn.ConnectionID, s.prompts.MaxExamples)
	if err != nil {
		return nl2sql.Request{}, fmt.Errorf("load prompt examples: %w", err)
	}
	for _, example := range examples {
		req.Examples = append(req.Examples, nl2sql.Example{Question: example.Question, SQL: example.SQL})
	}
	return req, nil
}

func (s *Service) enqueue(ctx context.Context, scope tenancy.Scope, historyID string) (jobs.Handle, error) {
	job, err := jobs.NewExecuteJob(scope.TenantID(), historyID)
	if err != nil {
		return jobs.Handle{}, err
	}
	return s.queue.Submit(ctx, job)
}

func (s *Service) GetHistory(ctx context.Context, scope tenancy.Scope, historyID string) (catalog.QueryHistory, error) {
	return s.repo.GetQueryHistory(ctx, scope.TenantID(), historyID)
}

func (s *Service) ListHistory(ctx context.Context, scope tenancy.Scope, filter catalog.HistoryFilter) ([]catalog.QueryHistory, error) {
	if filter.Status != "" && filter.Status != catalog.StatusPending && !filter.Status.Terminal() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.repo.ListQueryHistory(ctx, scope.TenantID(), filter)
}

// OpenResult streams the Parquet artifact of a finished query.
func (s *Service) OpenResult(ctx context.Context, scope tenancy.Scope, historyID string) (io.ReadCloser, error) {
	history, err := s.repo.GetQueryHistory(ctx, scope.TenantID(), historyID)
	if err != nil {
		return nil, err
	}
	if s.results == nil || history.ResultPath == "" {
		return nil, ErrNoResult
	}
	body, err := s.results.Get(ctx, history.ResultPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, ErrNoResult
	}
	return body, err
}

func (s *Service) activeConnection(ctx context.Context, scope tenancy.Scope, connectionID string) (catalog.Connection, error) {
	conn, err := s.repo.GetConnection(ctx, scope.TenantID(), connectionID)
	if err != nil {
		return catalog.Connection{}, err
	}
	if !conn.Active {
		return catalog.Connection{}, catalog.ErrNotFound
	}
	return conn, nil
}

func (s *Service) audit(ctx context.Context, event catalog.AuditEvent) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.repo.RecordAudit(auditCtx, event); err != nil {
		observability.WithTrace(ctx, s.logger).WarnContext(ctx, "audit event not recorded",
			slog.String("action", event.Action),
			slog.Any("error", err),
		)
	}
}
