package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("catalog: not found")
	ErrConflict = errors.New("catalog: already exists")
)

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateTenant(ctx context.Context, in CreateTenantInput) (Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	UpsertMembership(ctx context.Context, in Membership) (Membership, error)
	GetMembership(ctx context.Context, tenantID, principalID string) (Membership, error)
	CreateConnection(ctx context.Context, in CreateConnectionInput) (Connection, error)
	GetConnection(ctx context.Context, tenantID, connectionID string) (Connection, error)
	ListConnections(ctx context.Context, tenantID string) ([]Connection, error)
	DeactivateConnection(ctx context.Context, tenantID, connectionID string) error
	RecordIntrospection(ctx context.Context, in IntrospectionOutcome) error
	UpsertSchemaSnapshot(ctx context.Context, in SchemaSnapshot) (SchemaSnapshot, error)
	GetSchemaSnapshot(ctx context.Context, tenantID, connectionID string) (SchemaSnapshot, error)
	CreatePromptExample(ctx context.Context, in CreatePromptExampleInput) (PromptExample, error)
	ListPromptExamples(ctx context.Context, tenantID, connectionID string, limit int) ([]PromptExample, error)
	CreateQueryHistory(ctx context.Context, in CreateQueryHistoryInput) (QueryHistory, error)
	GetQueryHistory(ctx context.Context, tenantID, historyID string) (QueryHistory, error)
	ListQueryHistory(ctx context.Context, tenantID string, filter HistoryFilter) ([]QueryHistory, error)
	ClaimQueryHistory(ctx context.Context, tenantID, historyID string) (bool, error)
	FinalizeQueryHistory(ctx context.Context, in FinalizeQueryInput) (bool, error)
	RecordAudit(ctx context.Context, in AuditEvent) error
}

type DriverName string

const (
	DriverPostgres DriverName = "postgres"
	DriverMySQL    DriverName = "mysql"
	DriverSQLite   DriverName = "sqlite"
	DriverMSSQL    DriverName = "mssql"
	DriverDuckDB   DriverName = "duckdb"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

type QueryStatus string

const (
	StatusPending QueryStatus = "pending"
	StatusOK      QueryStatus = "ok"
	StatusError   QueryStatus = "error"
	StatusTimeout QueryStatus = "timeout"
)

func (s QueryStatus) Terminal() bool {
	return s == StatusOK || s == StatusError || s == StatusTimeout
}

type IntrospectionStatus string

const (
	IntrospectionNever   IntrospectionStatus = "never"
	IntrospectionOK      IntrospectionStatus = "ok"
	IntrospectionError   IntrospectionStatus = "error"
	IntrospectionTimeout IntrospectionStatus = "timeout"
)

type Tenant struct {
	TenantID  string
	Name      string
	CreatedAt time.Time
}

type Membership struct {
	TenantID    string
	PrincipalID string
	Role        Role
	CreatedAt   time.Time
}

// Connection is a registered external database. SecretCiphertext is a vault
// token and is never decrypted outside the target package.
type Connection struct {
	ConnectionID        string
	TenantID            string
	Name                string
	Driver              DriverName
	Host                string
	Port                int
	Database            string
	Username            string
	SecretCiphertext    string
	Options             map[string]string
	Active              bool
	CreatedBy           string
	IntrospectionStatus IntrospectionStatus
	IntrospectionError  string
	IntrospectedAt      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type SchemaPayload struct {
	Tables []TableSchema `json:"tables"`
}

type TableSchema struct {
	Name        string         `json:"name"`
	Columns     []ColumnSchema `json:"columns"`
	PrimaryKeys []string       `json:"primary_keys"`
	ForeignKeys []ForeignKey   `json:"foreign_keys"`
}

type ColumnSchema struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default"`
}

type ForeignKey struct {
	ConstrainedColumns []string `json:"constrained_columns"`
	ReferredTable      string   `json:"referred_table"`
	ReferredColumns    []string `json:"referred_columns"`
}

type SchemaGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

type SchemaSnapshot struct {
	ConnectionID string        `json:"connection_id"`
	TenantID     string        `json:"-"`
	Payload      SchemaPayload `json:"payload"`
	Graph        SchemaGraph   `json:"graph"`
	ContentHash  string        `json:"hash"`
	RefreshedAt  time.Time     `json:"refreshed_at"`
}

type PromptExample struct {
	ExampleID    int64
	TenantID     string
	ConnectionID string
	Question     string
	SQL          string
	CreatedAt    time.Time
}

type QueryHistory struct {
	HistoryID    string
	TenantID     string
	ConnectionID string
	PrincipalID  string
	Prompt       string
	GeneratedSQL string
	Status       QueryStatus
	RowCount     int64
	DurationMS   int64
	ErrorText    string
	ResultPath   string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

type AuditEvent struct {
	TenantID    string
	PrincipalID string
	Action      string
	Target      string
	Metadata    map[string]any
	CreatedAt   time.Time
}

type CreateTenantInput struct {
	TenantID string
	Name     string
}

type CreateConnectionInput struct {
	ConnectionID     string
	TenantID         string
	Name             string
	Driver           DriverName
	Host             string
	Port             int
	Database         string
	Username         string
	SecretCiphertext string
	Options          map[string]string
	CreatedBy        string
}

type IntrospectionOutcome struct {
	TenantID     string
	ConnectionID string
	Status       IntrospectionStatus
	ErrorText    string
}

type CreatePromptExampleInput struct {
	TenantID     string
	ConnectionID string
	Question     string
	SQL          string
}

type CreateQueryHistoryInput struct {
	HistoryID    string
	TenantID     string
	ConnectionID string
	PrincipalID  string
	Prompt       string
	GeneratedSQL string
	Status       QueryStatus
	ErrorText    string
}

type FinalizeQueryInput struct {
	HistoryID  string
	TenantID   string
	Status     QueryStatus
	RowCount   int64
	DurationMS int64
	ErrorText  string
	ResultPath string
}

type HistoryFilter struct {
	ConnectionID string
	Status       QueryStatus
	Limit        int
}
