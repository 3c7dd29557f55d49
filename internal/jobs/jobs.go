// Package jobs is the at-least-once queue that carries introspection and
// execution work from the request path to workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is returned by Ack and Nack when the job is no longer claimed
// by the caller, typically because its lease expired and it was requeued.
var ErrLeaseLost = errors.New("jobs: lease lost")

type Kind string

const (
	KindIntrospect Kind = "introspect"
	KindExecute    Kind = "execute"
)

type State string

const (
	StateAccepted State = "accepted"
	StateClaimed  State = "claimed"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

type Job struct {
	JobID      int64
	Kind       Kind
	TenantID   string
	DedupeKey  string
	Payload    json.RawMessage
	Attempts   int
	LeaseOwner string
	LeaseUntil time.Time
}

// Handle identifies a submitted job. Duplicate is set when an in-flight job
// with the same dedupe key already existed and no new row was queued.
type Handle struct {
	JobID     int64 `json:"job_id"`
	Duplicate bool  `json:"duplicate"`
}

type Queue interface {
	Submit(ctx context.Context, job Job) (Handle, error)
	ClaimBatch(ctx context.Context, consumerID string, limit int, leaseSeconds int) ([]Job, error)
	Ack(ctx context.Context, jobID int64, consumerID string) error
	Nack(ctx context.Context, jobID int64, consumerID string, reason string) error
	RequeueExpired(ctx context.Context, limit int) (int, error)
}

// Handler processes one delivered job. A nil return acks the job; an error
// marks it failed without redelivery.
type Handler func(ctx context.Context, job Job) error

type IntrospectPayload struct {
	ConnectionID string `json:"connection_id"`
}

type ExecutePayload struct {
	HistoryID string `json:"history_id"`
}

func NewIntrospectJob(tenantID, connectionID string) (Job, error) {
	return newJob(KindIntrospect, tenantID, "introspect:"+connectionID, IntrospectPayload{ConnectionID: connectionID})
}

func NewExecuteJob(tenantID, historyID string) (Job, error) {
	return newJob(KindExecute, tenantID, "execute:"+historyID, ExecutePayload{HistoryID: historyID})
}

func newJob(kind Kind, tenantID, dedupeKey string, payload any) (Job, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Job{Kind: kind, TenantID: tenantID, DedupeKey: dedupeKey, Payload: encoded}, nil
}

// Decode unmarshals the job payload into out.
func (j Job) Decode(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("decode %s job %d payload: %w", j.Kind, j.JobID, err)
	}
	return nil
}
