// Package query runs validated SQL against tenant databases under row and
// time bounds and records the outcome on the history row.
package query

import (
	"context"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

type Store interface {
	GetQueryHistory(ctx context.Context, tenantID, historyID string) (catalog.QueryHistory, error)
	ClaimQueryHistory(ctx context.Context, tenantID, historyID string) (bool, error)
	GetConnection(ctx context.Context, tenantID, connectionID string) (catalog.Connection, error)
	FinalizeQueryHistory(ctx context.Context, in catalog.FinalizeQueryInput) (bool, error)
}

type Decrypter interface {
	Decrypt(token string) string
}

// Result is the bounded row set of one execution. Values are normalized to
// nil, string, int64, float64 or bool.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// ResultSink persists a successful result and returns its object path.
type ResultSink interface {
	Save(ctx context.Context, history catalog.QueryHistory, result Result) (string, error)
}
