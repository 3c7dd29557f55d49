// Package jobstest provides an in-memory jobs.Queue with the same dedupe and
// lease rules as the Postgres queue.
package jobstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nlqgate/nlqgate/internal/jobs"
)

type entry struct {
	job       jobs.Job
	state     jobs.State
	lastError string
}

type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	items  map[int64]*entry
	// SubmitErr, when set, is returned by Submit.
	SubmitErr error
}

var _ jobs.Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{now: time.Now, items: map[int64]*entry{}}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Submit(_ context.Context, job jobs.Job) (jobs.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return jobs.Handle{}, m.SubmitErr
	}
	for id, existing := range m.items {
		if existing.job.DedupeKey == job.DedupeKey && inflight(existing.state) {
			return jobs.Handle{JobID: id, Duplicate: true}, nil
		}
	}
	m.nextID++
	job.JobID = m.nextID
	m.items[job.JobID] = &entry{job: job, state: jobs.StateAccepted}
	return jobs.Handle{JobID: job.JobID}, nil
}

func (m *Memory) ClaimBatch(_ context.Context, consumerID string, limit int, leaseSeconds int) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 16
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	ids := make([]int64, 0, len(m.items))
	for id, item := range m.items {
		if item.state == jobs.StateAccepted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	until := m.now().Add(time.Duration(leaseSeconds) * time.Second)
	claimed := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		item := m.items[id]
		item.state = jobs.StateClaimed
		item.job.Attempts++
		item.job.LeaseOwner = consumerID
		item.job.LeaseUntil = until
		claimed = append(claimed, item.job)
	}
	return claimed, nil
}

func (m *Memory) Ack(_ context.Context, jobID int64, consumerID string) error {
	return m.finish(jobID, consumerID, jobs.StateDone, "")
}

func (m *Memory) Nack(_ context.Context, jobID int64, consumerID string, reason string) error {
	return m.finish(jobID, consumerID, jobs.StateFailed, reason)
}

func (m *Memory) finish(jobID int64, consumerID string, state jobs.State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[jobID]
	if !ok || item.state != jobs.StateClaimed || item.job.LeaseOwner != consumerID {
		return jobs.ErrLeaseLost
	}
	item.state = state
	item.lastError = reason
	return nil
}

func (m *Memory) RequeueExpired(_ context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for _, item := range m.items {
		if limit > 0 && count >= limit {
			break
		}
		if item.state == jobs.StateClaimed && item.job.LeaseUntil.Before(now) {
			item.state = jobs.StateAccepted
			item.job.LeaseOwner = ""
			item.job.LeaseUntil = time.Time{}
			count++
		}
	}
	return count, nil
}

// State reports the state and last error of a submitted job.
func (m *Memory) State(jobID int64) (jobs.State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[jobID]
	if !ok {
		return "", ""
	}
	return item.state, item.lastError
}

// Jobs returns every submitted job ordered by id.
func (m *Memory) Jobs() []jobs.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]jobs.Job, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func inflight(state jobs.State) bool {
	return state == jobs.StateAccepted || state == jobs.StateClaimed
}
