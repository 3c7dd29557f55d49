package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/jobs"
)

type Queue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db, clock: time.Now}
}

// Submit enqueues job unless an accepted or claimed job with the same dedupe
// key exists, in which case the existing job id is returned as a duplicate.
func (q *Queue) Submit(ctx context.Context, job jobs.Job) (jobs.Handle, error) {
	if strings.TrimSpace(job.DedupeKey) == "" {
		return jobs.Handle{}, fmt.Errorf("dedupe key is required")
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var handle jobs.Handle
	var inserted bool
	if err := q.db.QueryRowContext(ctx, `
INSERT INTO job (kind, tenant_id, dedupe_key, payload, state)
VALUES ($1, $2, $3, $4::jsonb, 'accepted')
ON CONFLICT (dedupe_key) WHERE state IN ('accepted', 'claimed')
DO UPDATE SET dedupe_key = job.dedupe_key
RETURNING job_id, (xmax = 0) AS inserted`,
		string(job.Kind),
		job.TenantID,
		job.DedupeKey,
		string(payload),
	).Scan(&handle.JobID, &inserted); err != nil {
		return jobs.Handle{}, fmt.Errorf("submit %s job %q: %w", job.Kind, job.DedupeKey, err)
	}
	handle.Duplicate = !inserted
	return handle, nil
}

func (q *Queue) ClaimBatch(ctx context.Context, consumerID string, limit int, leaseSeconds int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 16
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}

	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT job_id, kind, tenant_id, dedupe_key, payload, attempts
FROM job
WHERE state = 'accepted'
ORDER BY job_id ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}

	selected := make([]jobs.Job, 0, limit)
	for rows.Next() {
		var (
			job     jobs.Job
			kind    string
			payload []byte
		)
		if err := rows.Scan(&job.JobID, &kind, &job.TenantID, &job.DedupeKey, &payload, &job.Attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		job.Kind = jobs.Kind(kind)
		job.Payload = payload
		selected = append(selected, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate claim candidates: %w", err)
	}
	_ = rows.Close()

	if len(selected) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim tx: %w", err)
		}
		return []jobs.Job{}, nil
	}

	leaseUntil := q.clock().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	for i := range selected {
		if _, err := tx.ExecContext(ctx, `
UPDATE job
SET state = 'claimed', lease_owner = $1, lease_until = $2, attempts = attempts + 1, updated_at = NOW()
WHERE job_id = $3`, consumerID, leaseUntil, selected[i].JobID); err != nil {
			return nil, fmt.Errorf("claim job %d: %w", selected[i].JobID, err)
		}
		selected[i].Attempts++
		selected[i].LeaseOwner = consumerID
		selected[i].LeaseUntil = leaseUntil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return selected, nil
}

func (q *Queue) Ack(ctx context.Context, jobID int64, consumerID string) error {
	return q.finish(ctx, jobID, consumerID, jobs.StateDone, "")
}

func (q *Queue) Nack(ctx context.Context, jobID int64, consumerID string, reason string) error {
	return q.finish(ctx, jobID, consumerID, jobs.StateFailed, reason)
}

func (q *Queue) finish(ctx context.Context, jobID int64, consumerID string, state jobs.State, reason string) error {
	result, err := q.db.ExecContext(ctx, `
UPDATE job
SET state = $3, last_error = $4, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
WHERE job_id = $1 AND lease_owner = $2 AND state = 'claimed'`, jobID, consumerID, string(state), reason)
	if err != nil {
		return fmt.Errorf("mark job %d %s: %w", jobID, state, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark job %d %s rows affected: %w", jobID, state, err)
	}
	if affected == 0 {
		return fmt.Errorf("mark job %d %s: %w", jobID, state, jobs.ErrLeaseLost)
	}
	return nil
}

// RequeueExpired returns claimed jobs whose lease has passed to the accepted
// state so another worker can pick them up.
func (q *Queue) RequeueExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var count int
	if err := q.db.QueryRowContext(ctx, `
WITH moved AS (
    UPDATE job
    SET state = 'accepted', lease_owner = NULL, lease_until = NULL, updated_at = NOW()
    WHERE job_id IN (
        SELECT job_id FROM job
        WHERE state = 'claimed' AND lease_until IS NOT NULL AND lease_until < NOW()
        ORDER BY job_id
        FOR UPDATE SKIP LOCKED
        LIMIT $1
    )
    RETURNING job_id
)
SELECT COUNT(*) FROM moved`, limit).Scan(&count); err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return count, nil
}
