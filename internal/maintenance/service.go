// Package maintenance is the janitor: it requeues expired job leases, reaps
// executions whose worker died, and expires result artifacts.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/storage"
)

const abandonedMessage = "execution abandoned"

type Catalog interface {
	ListAbandonedQueries(ctx context.Context, startedBefore time.Time, limit int) ([]catalog.QueryHistory, error)
	FinalizeQueryHistory(ctx context.Context, in catalog.FinalizeQueryInput) (bool, error)
	ListExpiredResults(ctx context.Context, finishedBefore time.Time, limit int) ([]catalog.QueryHistory, error)
	ClearResultPath(ctx context.Context, tenantID, historyID string) error
}

type Service struct {
	Catalog     Catalog
	Queue       jobs.Queue
	ObjectStore storage.ObjectStore
	Config      config.MaintenanceConfig
	Results     config.ResultsConfig
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Summary struct {
	JobsRequeued   int `json:"jobs_requeued"`
	QueriesReaped  int `json:"queries_reaped"`
	ResultsDeleted int `json:"results_deleted"`
	Failures       int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		summary, err := s.RunOnce(ctx)
		if s.Logger != nil {
			if err != nil {
				s.Logger.ErrorContext(ctx, "maintenance cycle failed", slog.Any("error", err), slog.Any("summary", summary))
			} else if summary != (Summary{}) {
				s.Logger.InfoContext(ctx, "maintenance cycle completed", slog.Any("summary", summary))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs every task once. A failing task does not stop the others.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	var summary Summary
	var errs []error

	requeued, err := s.RequeueExpiredOnce(ctx)
	summary.JobsRequeued = requeued
	if err != nil {
		summary.Failures++
		errs = append(errs, err)
	}

	reaped, err := s.ReapAbandonedOnce(ctx)
	summary.QueriesReaped = reaped
	if err != nil {
		summary.Failures++
		errs = append(errs, err)
	}

	deleted, err := s.ExpireResultsOnce(ctx)
	summary.ResultsDeleted = deleted
	if err != nil {
		summary.Failures++
		errs = append(errs, err)
	}

	return summary, errors.Join(errs...)
}

func (s *Service) RequeueExpiredOnce(ctx context.Context) (int, error) {
	s.ensureDefaults()
	if s.Queue == nil {
		return 0, nil
	}
	moved, err := s.Queue.RequeueExpired(ctx, s.Config.BatchSize)
	observeRun("requeue", err)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	jobsRequeuedTotal.Add(float64(moved))
	return moved, nil
}

// ReapAbandonedOnce finalizes executions that were claimed but never
// finished within AbandonedAfter. Finalization is conditional on the row
// still being pending, so a late worker result and the reaper cannot both win.
func (s *Service) ReapAbandonedOnce(ctx context.Context) (int, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return 0, fmt.Errorf("catalog is required")
	}
	now := s.Clock()
	rows, err := s.Catalog.ListAbandonedQueries(ctx, now.Add(-s.Config.AbandonedAfter), s.Config.BatchSize)
	if err != nil {
		observeRun("reap", err)
		return 0, fmt.Errorf("list abandoned queries: %w", err)
	}

	reaped := 0
	failures := make([]string, 0)
	for _, row := range rows {
		var durationMS int64
		if row.StartedAt != nil {
			durationMS = now.Sub(*row.StartedAt).Milliseconds()
		}
		updated, err := s.Catalog.FinalizeQueryHistory(ctx, catalog.FinalizeQueryInput{
			HistoryID:  row.HistoryID,
			TenantID:   row.TenantID,
			Status:     catalog.StatusTimeout,
			DurationMS: durationMS,
			ErrorText:  abandonedMessage,
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("history %s: %v", row.HistoryID, err))
			continue
		}
		if updated {
			reaped++
			if s.Logger != nil {
				s.Logger.WarnContext(ctx, "reaped abandoned execution",
					slog.String("tenant_id", row.TenantID),
					slog.String("history_id", row.HistoryID),
					slog.Int64("duration_ms", durationMS),
				)
			}
		}
	}
	queriesReapedTotal.Add(float64(reaped))

	if len(failures) > 0 {
		err := fmt.Errorf("reap encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
		observeRun("reap", err)
		return reaped, err
	}
	observeRun("reap", nil)
	return reaped, nil
}

// ExpireResultsOnce deletes artifacts older than the result retention and
// clears their history pointer. Object deletion is idempotent, so a crash
// between the two steps is repaired on the next run.
func (s *Service) ExpireResultsOnce(ctx context.Context) (int, error) {
	s.ensureDefaults()
	if s.ObjectStore == nil || s.Results.Retention <= 0 {
		return 0, nil
	}
	if s.Catalog == nil {
		return 0, fmt.Errorf("catalog is required")
	}
	rows, err := s.Catalog.ListExpiredResults(ctx, s.Clock().Add(-s.Results.Retention), s.Config.BatchSize)
	if err != nil {
		observeRun("results", err)
		return 0, fmt.Errorf("list expired results: %w", err)
	}

	deleted := 0
	failures := make([]string, 0)
	for _, row := range rows {
		if err := s.ObjectStore.Delete(ctx, row.ResultPath); err != nil {
			failures = append(failures, fmt.Sprintf("delete object %s: %v", row.ResultPath, err))
			continue
		}
		if err := s.Catalog.ClearResultPath(ctx, row.TenantID, row.HistoryID); err != nil {
			failures = append(failures, fmt.Sprintf("clear history %s: %v", row.HistoryID, err))
			continue
		}
		deleted++
	}
	resultsDeletedTotal.Add(float64(deleted))

	if len(failures) > 0 {
		err := fmt.Errorf("result retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
		observeRun("results", err)
		return deleted, err
	}
	observeRun("results", nil)
	return deleted, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Minute
	}
	if s.Config.AbandonedAfter <= 0 {
		s.Config.AbandonedAfter = 10 * time.Minute
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 100
	}
}
