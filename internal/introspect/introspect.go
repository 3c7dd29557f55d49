// Package introspect reads the structure of a tenant database and caches it
// as a hash-versioned schema snapshot.
package introspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/jobs"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/target"
)

type Store interface {
	GetConnection(ctx context.Context, tenantID, connectionID string) (catalog.Connection, error)
	GetSchemaSnapshot(ctx context.Context, tenantID, connectionID string) (catalog.SchemaSnapshot, error)
	UpsertSchemaSnapshot(ctx context.Context, in catalog.SchemaSnapshot) (catalog.SchemaSnapshot, error)
	RecordIntrospection(ctx context.Context, in catalog.IntrospectionOutcome) error
}

type Decrypter interface {
	Decrypt(token string) string
}

type Introspector struct {
	store          Store
	vault          Decrypter
	connectTimeout time.Duration
	budget         time.Duration
	targets        config.TargetConfig
	logger         *slog.Logger
}

func New(store Store, vault Decrypter, cfg config.IntrospectionConfig, targets config.TargetConfig, logger *slog.Logger) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{
		store:          store,
		vault:          vault,
		connectTimeout: cfg.ConnectTimeout,
		budget:         cfg.Budget,
		targets:        targets,
		logger:         logger,
	}
}

// Introspect refreshes the snapshot of one connection. Connectivity failures
// are recorded on the connection row and returned.
func (i *Introspector) Introspect(ctx context.Context, tenantID, connectionID string) (catalog.SchemaSnapshot, error) {
	conn, err := i.store.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("load connection: %w", err)
	}
	if !conn.Active {
		return catalog.SchemaSnapshot{}, fmt.Errorf("connection %s is inactive: %w", connectionID, catalog.ErrNotFound)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, i.budget)
	defer cancel()

	tables, err := i.read(budgetCtx, conn)
	if err != nil {
		if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, target.ErrTimeout) {
			err = &target.ConnectivityError{Kind: target.ErrTimeout, Detail: "introspection budget exceeded"}
		}
		i.recordFailure(ctx, conn, err)
		return catalog.SchemaSnapshot{}, err
	}

	payload, graph := Build(tables)
	hash, err := ContentHash(payload)
	if err != nil {
		return catalog.SchemaSnapshot{}, err
	}

	changed := true
	previous, err := i.store.GetSchemaSnapshot(ctx, tenantID, connectionID)
	switch {
	case err == nil:
		changed = previous.ContentHash != hash
	case !errors.Is(err, catalog.ErrNotFound):
		return catalog.SchemaSnapshot{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	snapshot, err := i.store.UpsertSchemaSnapshot(ctx, catalog.SchemaSnapshot{
		ConnectionID: connectionID,
		TenantID:     tenantID,
		Payload:      payload,
		Graph:        graph,
		ContentHash:  hash,
	})
	if err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	if err := i.store.RecordIntrospection(ctx, catalog.IntrospectionOutcome{
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Status:       catalog.IntrospectionOK,
	}); err != nil {
		return catalog.SchemaSnapshot{}, fmt.Errorf("record introspection: %w", err)
	}

	observability.ObserveIntrospection(string(conn.Driver), string(catalog.IntrospectionOK), changed)
	observability.WithTrace(ctx, i.logger).InfoContext(ctx, "schema introspected",
		slog.String("tenant_id", tenantID),
		slog.String("connection_id", connectionID),
		slog.Int("tables", len(payload.Tables)),
		slog.Bool("changed", changed),
	)
	return snapshot, nil
}

func (i *Introspector) read(ctx context.Context, conn catalog.Connection) ([]catalog.TableSchema, error) {
	driver, err := target.Lookup(conn.Driver)
	if err != nil {
		return nil, err
	}
	secret := i.vault.Decrypt(conn.SecretCiphertext)
	t, err := driver.BuildTarget(conn, secret, target.NewOptions(i.targets, i.connectTimeout))
	if err != nil {
		return nil, target.AsConnectivity(err, secret)
	}
	session, err := target.Open(ctx, driver, t, i.connectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()

	tables, err := driver.ReadSchema(ctx, session.Conn, conn.Options)
	if err != nil {
		return nil, &target.ConnectivityError{Kind: target.ErrUnreachable, Detail: t.Sanitize(err.Error())}
	}
	return tables, nil
}

func (i *Introspector) recordFailure(ctx context.Context, conn catalog.Connection, cause error) {
	status := catalog.IntrospectionError
	if errors.Is(cause, target.ErrTimeout) {
		status = catalog.IntrospectionTimeout
	}
	observability.ObserveIntrospection(string(conn.Driver), string(status), false)

	logger := observability.WithTrace(ctx, i.logger)
	if err := i.store.RecordIntrospection(ctx, catalog.IntrospectionOutcome{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ConnectionID,
		Status:       status,
		ErrorText:    cause.Error(),
	}); err != nil {
		logger.ErrorContext(ctx, "record introspection failure", slog.String("connection_id", conn.ConnectionID), slog.Any("error", err))
	}
	logger.WarnContext(ctx, "schema introspection failed",
		slog.String("tenant_id", conn.TenantID),
		slog.String("connection_id", conn.ConnectionID),
		slog.String("status", string(status)),
		slog.Any("error", cause),
	)
}

// HandleJob runs an introspect job. Connectivity failures are already
// persisted by Introspect, so they do not fail the job.
func (i *Introspector) HandleJob(ctx context.Context, job jobs.Job) error {
	var payload jobs.IntrospectPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := i.Introspect(ctx, job.TenantID, payload.ConnectionID)
	var connErr *target.ConnectivityError
	if errors.As(err, &connErr) || errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	return err
}

// Build turns an enumeration into the snapshot payload and its ERD graph.
// Tables are ordered by name and foreign keys by constrained columns, so
// equal schemas always produce equal output.
func Build(tables []catalog.TableSchema) (catalog.SchemaPayload, catalog.SchemaGraph) {
	sorted := make([]catalog.TableSchema, 0, len(tables))
	for _, table := range tables {
		sorted = append(sorted, normalizeTable(table))
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Name < sorted[b].Name })

	graph := catalog.SchemaGraph{
		Nodes: make([]catalog.GraphNode, 0, len(sorted)),
		Edges: []catalog.GraphEdge{},
	}
	for _, table := range sorted {
		graph.Nodes = append(graph.Nodes, catalog.GraphNode{ID: table.Name, Label: table.Name})
		for _, fk := range table.ForeignKeys {
			graph.Edges = append(graph.Edges, catalog.GraphEdge{
				Source: table.Name,
				Target: fk.ReferredTable,
				Label:  strings.Join(fk.ConstrainedColumns, ",") + " -> " + strings.Join(fk.ReferredColumns, ","),
			})
		}
	}
	return catalog.SchemaPayload{Tables: sorted}, graph
}

func normalizeTable(table catalog.TableSchema) catalog.TableSchema {
	out := catalog.TableSchema{
		Name:        table.Name,
		Columns:     append([]catalog.ColumnSchema{}, table.Columns...),
		PrimaryKeys: append([]string{}, table.PrimaryKeys...),
		ForeignKeys: make([]catalog.ForeignKey, 0, len(table.ForeignKeys)),
	}
	for _, fk := range table.ForeignKeys {
		out.ForeignKeys = append(out.ForeignKeys, catalog.ForeignKey{
			ConstrainedColumns: append([]string{}, fk.ConstrainedColumns...),
			ReferredTable:      fk.ReferredTable,
			ReferredColumns:    append([]string{}, fk.ReferredColumns...),
		})
	}
	sort.SliceStable(out.ForeignKeys, func(a, b int) bool {
		left := strings.Join(out.ForeignKeys[a].ConstrainedColumns, ",")
		right := strings.Join(out.ForeignKeys[b].ConstrainedColumns, ",")
		if left != right {
			return left < right
		}
		return out.ForeignKeys[a].ReferredTable < out.ForeignKeys[b].ReferredTable
	})
	return out
}

// ContentHash is the hex SHA-256 of the payload's JSON encoding. Struct field
// order is fixed, so the encoding is canonical for a normalized payload.
func ContentHash(payload catalog.SchemaPayload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode schema payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
