// Package worker claims queued jobs and dispatches them by kind with bounded
// concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/observability"
)

type Service struct {
	Queue    jobs.Queue
	Handlers map[jobs.Kind]jobs.Handler
	Config   config.WorkerConfig
	Logger   *slog.Logger
}

type Summary struct {
	Claimed int
	Acked   int
	Failed  int
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		summary, err := s.ProcessOnce(ctx)
		if err != nil && s.Logger != nil {
			s.Logger.ErrorContext(ctx, "worker process cycle failed", slog.Any("error", err))
		}

		// A full batch means more work is likely waiting.
		if err == nil && summary.Claimed >= s.Config.ClaimLimit {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch and waits for every job in it to settle.
func (s *Service) ProcessOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	claimed, err := s.Queue.ClaimBatch(ctx, s.Config.ConsumerID, s.Config.ClaimLimit, s.Config.LeaseSeconds)
	if err != nil {
		return Summary{}, fmt.Errorf("claim batch: %w", err)
	}
	if len(claimed) == 0 {
		return Summary{}, nil
	}

	var acked, failed atomic.Int64
	var group errgroup.Group
	group.SetLimit(s.Config.Concurrency)
	for _, job := range claimed {
		group.Go(func() error {
			if s.process(ctx, job) {
				acked.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	return Summary{Claimed: len(claimed), Acked: int(acked.Load()), Failed: int(failed.Load())}, nil
}

func (s *Service) process(ctx context.Context, job jobs.Job) bool {
	logger := s.logger(ctx).With(
		slog.Int64("job_id", job.JobID),
		slog.String("kind", string(job.Kind)),
		slog.String("tenant_id", job.TenantID),
		slog.Int("attempt", job.Attempts),
	)

	handlerErr := s.dispatch(ctx, job)
	if handlerErr == nil {
		if err := s.Queue.Ack(ctx, job.JobID, s.Config.ConsumerID); err != nil {
			s.logSettleFailure(ctx, logger, "ack", err)
		}
		observability.ObserveJob(string(job.Kind), "done")
		return true
	}

	logger.WarnContext(ctx, "job failed", slog.Any("error", handlerErr))
	if err := s.Queue.Nack(ctx, job.JobID, s.Config.ConsumerID, handlerErr.Error()); err != nil {
		s.logSettleFailure(ctx, logger, "nack", err)
	}
	observability.ObserveJob(string(job.Kind), "failed")
	return false
}

func (s *Service) dispatch(ctx context.Context, job jobs.Job) (err error) {
	handler, ok := s.Handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, job)
}

func (s *Service) logSettleFailure(ctx context.Context, logger *slog.Logger, op string, err error) {
	if errors.Is(err, jobs.ErrLeaseLost) {
		logger.WarnContext(ctx, "job lease lost before "+op, slog.Any("error", err))
		return
	}
	logger.ErrorContext(ctx, "job "+op+" failed", slog.Any("error", err))
}

func (s *Service) logger(ctx context.Context) *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return observability.WithTrace(ctx, s.Logger)
}

func (s *Service) ensureDefaults() {
	if s.Config.ClaimLimit <= 0 {
		s.Config.ClaimLimit = 16
	}
	if s.Config.LeaseSeconds <= 0 {
		s.Config.LeaseSeconds = 60
	}
	if s.Config.PollInterval <= 0 {
		s.Config.PollInterval = 500 * time.Millisecond
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = 4
	}
	if s.Config.ConsumerID == "" {
		s.Config.ConsumerID = DefaultConsumerID()
	}
}

// DefaultConsumerID is unique per process, so a replica acknowledging after
// its lease was re-claimed gets ErrLeaseLost.
func DefaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "nlqgate-worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
