// Package catalogtest provides an in-memory catalog.Repository for tests of
// packages that sit above the catalog.
package catalogtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	tenants     map[string]catalog.Tenant
	memberships map[string]catalog.Membership
	connections map[string]catalog.Connection
	snapshots   map[string]catalog.SchemaSnapshot
	examples    []catalog.PromptExample
	history     map[string]catalog.QueryHistory
	audit       []catalog.AuditEvent
	// FailAudit makes RecordAudit return an error.
	FailAudit bool
}

var _ catalog.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:         func() time.Time { return time.Now().UTC() },
		tenants:     map[string]catalog.Tenant{},
		memberships: map[string]catalog.Membership{},
		connections: map[string]catalog.Connection{},
		snapshots:   map[string]catalog.SchemaSnapshot{},
		history:     map[string]catalog.QueryHistory{},
	}
}

// SetClock replaces the time source used for created/started/finished stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

func (m *Memory) CreateTenant(_ context.Context, in catalog.CreateTenantInput) (catalog.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[in.TenantID]; ok {
		return catalog.Tenant{}, catalog.ErrConflict
	}
	tenant := catalog.Tenant{TenantID: in.TenantID, Name: in.Name, CreatedAt: m.now()}
	m.tenants[in.TenantID] = tenant
	return tenant, nil
}

func (m *Memory) GetTenant(_ context.Context, tenantID string) (catalog.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.tenants[tenantID]
	if !ok {
		return catalog.Tenant{}, catalog.ErrNotFound
	}
	return tenant, nil
}

func (m *Memory) UpsertMembership(_ context.Context, in catalog.Membership) (catalog.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[in.TenantID]; !ok {
		return catalog.Membership{}, catalog.ErrNotFound
	}
	key := in.TenantID + "/" + in.PrincipalID
	if existing, ok := m.memberships[key]; ok {
		in.CreatedAt = existing.CreatedAt
	} else {
		in.CreatedAt = m.now()
	}
	m.memberships[key] = in
	return in, nil
}

func (m *Memory) GetMembership(_ context.Context, tenantID, principalID string) (catalog.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership, ok := m.memberships[tenantID+"/"+principalID]
	if !ok {
		return catalog.Membership{}, catalog.ErrNotFound
	}
	return membership, nil
}

func (m *Memory) CreateConnection(_ context.Context, in catalog.CreateConnectionInput) (catalog.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.connections {
		if existing.TenantID == in.TenantID && existing.Name == in.Name {
			return catalog.Connection{}, catalog.ErrConflict
		}
	}
	now := m.now()
	options := map[string]string{}
	for k, v := range in.Options {
		options[k] = v
	}
	conn := catalog.Connection{
		ConnectionID:        in.ConnectionID,
		TenantID:            in.TenantID,
		Name:                in.Name,
		Driver:              in.Driver,
		Host:                in.Host,
		Port:                in.Port,
		Database:            in.Database,
		Username:            in.Username,
		SecretCiphertext:    in.SecretCiphertext,
		Options:             options,
		Active:              true,
		CreatedBy:           in.CreatedBy,
		IntrospectionStatus: catalog.IntrospectionNever,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.connections[in.ConnectionID] = conn
	return conn, nil
}

func (m *Memory) GetConnection(_ context.Context, tenantID, connectionID string) (catalog.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok || conn.TenantID != tenantID {
		return catalog.Connection{}, catalog.ErrNotFound
	}
	return conn, nil
}

func (m *Memory) ListConnections(_ context.Context, tenantID string) ([]catalog.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.Connection, 0)
	for _, conn := range m.connections {
		if conn.TenantID == tenantID {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeactivateConnection(_ context.Context, tenantID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok || conn.TenantID != tenantID {
		return catalog.ErrNotFound
	}
	conn.Active = false
	conn.UpdatedAt = m.now()
	m.connections[connectionID] = conn
	return nil
}

func (m *Memory) RecordIntrospection(_ context.Context, in catalog.IntrospectionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[in.ConnectionID]
	if !ok || conn.TenantID != in.TenantID {
		return catalog.ErrNotFound
	}
	now := m.now()
	conn.IntrospectionStatus = in.Status
	conn.IntrospectionError = in.ErrorText
	conn.IntrospectedAt = &now
	m.connections[in.ConnectionID] = conn
	return nil
}

func (m *Memory) UpsertSchemaSnapshot(_ context.Context, in catalog.SchemaSnapshot) (catalog.SchemaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in.RefreshedAt = m.now()
	m.snapshots[in.ConnectionID] = in
	return in, nil
}

func (m *Memory) GetSchemaSnapshot(_ context.Context, tenantID, connectionID string) (catalog.SchemaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[connectionID]
	if !ok || snapshot.TenantID != tenantID {
		return catalog.SchemaSnapshot{}, catalog.ErrNotFound
	}
	return snapshot, nil
}

func (m *Memory) CreatePromptExample(_ context.Context, in catalog.CreatePromptExampleInput) (catalog.PromptExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	example := catalog.PromptExample{
		ExampleID:    int64(len(m.examples) + 1),
		TenantID:     in.TenantID,
		ConnectionID: in.ConnectionID,
		Question:     in.Question,
		SQL:          in.SQL,
		CreatedAt:    m.now(),
	}
	m.examples = append(m.examples, example)
	return example, nil
}

func (m *Memory) ListPromptExamples(_ context.Context, tenantID, connectionID string, limit int) ([]catalog.PromptExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]catalog.PromptExample, 0)
	for i := len(m.examples) - 1; i >= 0 && len(out) < limit; i-- {
		example := m.examples[i]
		if example.TenantID == tenantID && example.ConnectionID == connectionID {
			out = append(out, example)
		}
	}
	return out, nil
}

func (m *Memory) CreateQueryHistory(_ context.Context, in catalog.CreateQueryHistoryInput) (catalog.QueryHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[in.HistoryID]; ok {
		return catalog.QueryHistory{}, catalog.ErrConflict
	}
	now := m.now()
	row := catalog.QueryHistory{
		HistoryID:    in.HistoryID,
		TenantID:     in.TenantID,
		ConnectionID: in.ConnectionID,
		PrincipalID:  in.PrincipalID,
		Prompt:       in.Prompt,
		GeneratedSQL: in.GeneratedSQL,
		Status:       in.Status,
		ErrorText:    in.ErrorText,
		CreatedAt:    now,
	}
	if in.Status.Terminal() {
		row.FinishedAt = &now
	}
	m.history[in.HistoryID] = row
	return row, nil
}

func (m *Memory) GetQueryHistory(_ context.Context, tenantID, historyID string) (catalog.QueryHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.history[historyID]
	if !ok || row.TenantID != tenantID {
		return catalog.QueryHistory{}, catalog.ErrNotFound
	}
	return row, nil
}

func (m *Memory) ListQueryHistory(_ context.Context, tenantID string, filter catalog.HistoryFilter) ([]catalog.QueryHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := make([]catalog.QueryHistory, 0)
	for _, row := range m.history {
		if row.TenantID != tenantID {
			continue
		}
		if filter.ConnectionID != "" && row.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].HistoryID > out[j].HistoryID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimQueryHistory(_ context.Context, tenantID, historyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.history[historyID]
	if !ok || row.TenantID != tenantID || row.Status != catalog.StatusPending || row.StartedAt != nil {
		return false, nil
	}
	now := m.now()
	row.StartedAt = &now
	m.history[historyID] = row
	return true, nil
}

func (m *Memory) FinalizeQueryHistory(_ context.Context, in catalog.FinalizeQueryInput) (bool, error) {
	if !in.Status.Terminal() {
		return false, fmt.Errorf("finalize query history: status %q is not terminal", in.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.history[in.HistoryID]
	if !ok || row.TenantID != in.TenantID || row.Status != catalog.StatusPending {
		return false, nil
	}
	now := m.now()
	row.Status = in.Status
	row.RowCount = in.RowCount
	row.DurationMS = in.DurationMS
	row.ErrorText = in.ErrorText
	row.ResultPath = in.ResultPath
	row.FinishedAt = &now
	m.history[in.HistoryID] = row
	return true, nil
}

func (m *Memory) RecordAudit(_ context.Context, in catalog.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAudit {
		return fmt.Errorf("record audit event: unavailable")
	}
	in.CreatedAt = m.now()
	m.audit = append(m.audit, in)
	return nil
}

func (m *Memory) ListAbandonedQueries(_ context.Context, startedBefore time.Time, limit int) ([]catalog.QueryHistory, error) {
	return m.scanHistory(limit, func(row catalog.QueryHistory) bool {
		return row.Status == catalog.StatusPending && row.StartedAt != nil && row.StartedAt.Before(startedBefore)
	}), nil
}

func (m *Memory) ListExpiredResults(_ context.Context, finishedBefore time.Time, limit int) ([]catalog.QueryHistory, error) {
	return m.scanHistory(limit, func(row catalog.QueryHistory) bool {
		return row.ResultPath != "" && row.FinishedAt != nil && row.FinishedAt.Before(finishedBefore)
	}), nil
}

func (m *Memory) ClearResultPath(_ context.Context, tenantID, historyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.history[historyID]
	if ok && row.TenantID == tenantID {
		row.ResultPath = ""
		m.history[historyID] = row
	}
	return nil
}

func (m *Memory) scanHistory(limit int, match func(catalog.QueryHistory) bool) []catalog.QueryHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.QueryHistory, 0)
	for _, row := range m.history {
		if match(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HistoryID < out[j].HistoryID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PutHistory stores row as-is, bypassing status rules.
func (m *Memory) PutHistory(row catalog.QueryHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[row.HistoryID] = row
}

func (m *Memory) AuditEvents() []catalog.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]catalog.AuditEvent(nil), m.audit...)
}
