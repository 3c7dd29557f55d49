package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	"github.com/nlqgate/nlqgate/internal/target"
)

type Engine struct {
	store     Store
	vault     Decrypter
	validator *sqlguard.Validator
	sink      ResultSink
	cfg       config.QueryConfig
	targets   config.TargetConfig
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine builds an engine. sink may be nil, in which case results are
// counted but not persisted.
func NewEngine(store Store, vault Decrypter, validator *sqlguard.Validator, sink ResultSink, cfg config.QueryConfig, targets config.TargetConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		vault:     vault,
		validator: validator,
		sink:      sink,
		cfg:       cfg,
		targets:   targets,
		logger:    logger,
		clock:     time.Now,
	}
}

// Execute runs the SQL of one pending history row exactly once. Execution
// failures are written to the row; only catalog failures are returned.
func (e *Engine) Execute(ctx context.Context, tenantID, historyID string) error {
	logger := observability.WithTrace(ctx, e.logger).With(
		slog.String("tenant_id", tenantID),
		slog.String("history_id", historyID),
	)

	history, err := e.store.GetQueryHistory(ctx, tenantID, historyID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if history.Status != catalog.StatusPending {
		logger.DebugContext(ctx, "history already finalized", slog.String("status", string(history.Status)))
		return nil
	}
	claimed, err := e.store.ClaimQueryHistory(ctx, tenantID, historyID)
	if err != nil {
		return fmt.Errorf("claim history: %w", err)
	}
	if !claimed {
		logger.InfoContext(ctx, "history already claimed, skipping duplicate delivery")
		return nil
	}

	started := e.clock()
	driverName, result, runErr := e.run(ctx, history)
	elapsed := e.clock().Sub(started)

	in := catalog.FinalizeQueryInput{
		HistoryID:  historyID,
		TenantID:   tenantID,
		Status:     catalog.StatusOK,
		DurationMS: elapsed.Milliseconds(),
	}
	switch {
	case runErr == nil:
		in.RowCount = int64(len(result.Rows))
		in.ResultPath = e.save(ctx, logger, history, result)
	case errors.Is(runErr, target.ErrTimeout):
		in.Status = catalog.StatusTimeout
		in.ErrorText = runErr.Error()
	default:
		in.Status = catalog.StatusError
		in.ErrorText = runErr.Error()
	}

	updated, err := e.store.FinalizeQueryHistory(ctx, in)
	if err != nil {
		return fmt.Errorf("finalize history: %w", err)
	}
	if !updated {
		logger.WarnContext(ctx, "history was finalized concurrently", slog.String("status", string(in.Status)))
	}

	observability.ObserveQueryExecution(driverName, string(in.Status), in.RowCount, elapsed)
	attrs := []any{
		slog.String("status", string(in.Status)),
		slog.Int64("row_count", in.RowCount),
		slog.Int64("duration_ms", in.DurationMS),
	}
	if runErr != nil {
		logger.WarnContext(ctx, "query execution failed", append(attrs, slog.String("error", in.ErrorText))...)
	} else {
		logger.InfoContext(ctx, "query executed", append(attrs, slog.Bool("truncated", result.Truncated))...)
	}
	return nil
}

// run returns errors whose text is already free of secrets.
func (e *Engine) run(ctx context.Context, history catalog.QueryHistory) (string, Result, error) {
	conn, err := e.store.GetConnection(ctx, history.TenantID, history.ConnectionID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return "", Result{}, fmt.Errorf("connection %s not found", history.ConnectionID)
		}
		return "", Result{}, fmt.Errorf("load connection: %w", err)
	}
	driverName := string(conn.Driver)
	if !conn.Active {
		return driverName, Result{}, fmt.Errorf("connection %s is inactive", conn.ConnectionID)
	}
	driver, err := target.Lookup(conn.Driver)
	if err != nil {
		return driverName, Result{}, err
	}

	stmt, err := e.validator.Check(history.GeneratedSQL, driver.Dialect())
	if err != nil {
		return driverName, Result{}, err
	}

	secret := e.vault.Decrypt(conn.SecretCiphertext)
	t, err := driver.BuildTarget(conn, secret, target.NewOptions(e.targets, e.cfg.ConnectTimeout))
	if err != nil {
		return driverName, Result{}, target.AsConnectivity(err, secret)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.WallClockBudget)
	defer cancel()

	session, err := target.Open(execCtx, driver, t, e.cfg.ConnectTimeout)
	if err != nil {
		return driverName, Result{}, err
	}
	defer func() { _ = session.Close() }()

	if driver.SupportsStatementTimeout() {
		if err := driver.ApplyTimeout(execCtx, session.Conn, e.cfg.StatementTimeout); err != nil {
			return driverName, Result{}, classifyExec(execCtx, driver, t, err)
		}
	}
	sqlText := history.GeneratedSQL
	if !stmt.HasLimit() {
		if sqlText, err = driver.CapRows(execCtx, session.Conn, sqlText, e.cfg.MaxRows); err != nil {
			return driverName, Result{}, classifyExec(execCtx, driver, t, err)
		}
	}

	result, err := e.scan(execCtx, session, sqlText)
	if err != nil {
		return driverName, Result{}, classifyExec(execCtx, driver, t, err)
	}
	return driverName, result, nil
}

func (e *Engine) scan(ctx context.Context, session *target.Session, sqlText string) (Result, error) {
	started := e.clock()
	rows, err := session.Conn.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	result := Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(result.Rows) >= e.cfg.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{}, err
		}
		for i := range values {
			values[i] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	result.Duration = e.clock().Sub(started)
	return result, nil
}

func (e *Engine) save(ctx context.Context, logger *slog.Logger, history catalog.QueryHistory, result Result) string {
	if e.sink == nil {
		return ""
	}
	path, err := e.sink.Save(ctx, history, result)
	if err != nil {
		logger.WarnContext(ctx, "store result artifact", slog.Any("error", err))
		return ""
	}
	return path
}

func classifyExec(ctx context.Context, driver target.Driver, t target.Target, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || driver.IsStatementTimeout(err) {
		return &target.ConnectivityError{Kind: target.ErrTimeout, Detail: "query exceeded its time budget"}
	}
	return fmt.Errorf("execute: %s", t.Sanitize(err.Error()))
}

// HandleJob runs an execute job.
func (e *Engine) HandleJob(ctx context.Context, job jobs.Job) error {
	var payload jobs.ExecutePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return e.Execute(ctx, job.TenantID, payload.HistoryID)
}
