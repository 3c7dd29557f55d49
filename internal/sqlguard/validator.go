// Package sqlguard decides whether machine-generated SQL may run against a
// tenant database. Only a single read statement that calls no denied function
// is accepted.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nlqgate/nlqgate/internal/observability"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectMSSQL    Dialect = "mssql"
	DialectDuckDB   Dialect = "duckdb"
)

type Reason string

const (
	ReasonSyntax            Reason = "syntax"
	ReasonMutation          Reason = "mutation"
	ReasonNotSelect         Reason = "not-a-select"
	ReasonForbiddenFunction Reason = "forbidden-function"
)

type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "sql rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("sql rejected: %s: %s", r.Reason, r.Detail)
}

// AsRejection reports whether err carries a validator rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindCreate
	KindDrop
	KindAlter
)

var kindNames = map[Kind]string{
	KindOther:    "other",
	KindSelect:   "select",
	KindInsert:   "insert",
	KindUpdate:   "update",
	KindDelete:   "delete",
	KindTruncate: "truncate",
	KindCreate:   "create",
	KindDrop:     "drop",
	KindAlter:    "alter",
}

func (k Kind) String() string {
	return kindNames[k]
}

func (k Kind) Mutating() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindTruncate, KindCreate, KindDrop, KindAlter:
		return true
	default:
		return false
	}
}

// Statement is the parser-independent view the policy works on.
type Statement interface {
	// Kind is the effective kind. A read that embeds a write (data-modifying
	// CTE, SELECT INTO) reports the write.
	Kind() Kind
	// Functions lists every called function, lowercased, qualified names
	// joined with ".".
	Functions() []string
	HasLimit() bool
}

type Parser interface {
	// Parse must fail unless sql holds exactly one statement.
	Parse(sql string) (Statement, error)
}

type UnknownFunctionMode string

const (
	UnknownAllow UnknownFunctionMode = "allow"
	UnknownDeny  UnknownFunctionMode = "deny"
)

type FunctionPolicy struct {
	Unknown UnknownFunctionMode
	// Allowed is consulted only in deny mode.
	Allowed []string
	// Denied extends the built-in deny-list.
	Denied []string
}

var builtinDenied = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"sleep", "benchmark", "waitfor",
	"xp_cmdshell", "sp_executesql",
	"load_file", "pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"lo_import", "lo_export",
	"dblink", "dblink_exec", "dblink_connect",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf", "set_config",
	"openrowset", "opendatasource", "openquery",
	"get_lock", "release_lock",
	"load_extension", "readfile", "writefile", "edit", "system",
}

// duckdbDenied reaches the host filesystem or other databases. Any function
// named read_* or *_scan is denied for duckdb as well.
var duckdbDenied = []string{
	"glob", "sniff_csv", "getenv",
	"parquet_metadata", "parquet_schema", "parquet_file_metadata", "parquet_kv_metadata",
	"query_table", "query", "duckdb_secrets",
}

type Validator struct {
	parsers map[Dialect]Parser
	denied  map[string]struct{}
	// dialectDenied extends denied for one dialect.
	dialectDenied map[Dialect]map[string]struct{}
	allowed       map[string]struct{}
	unknown       UnknownFunctionMode
}

func New(policy FunctionPolicy) *Validator {
	v := &Validator{
		parsers: map[Dialect]Parser{
			DialectPostgres: postgresParser{},
			DialectDuckDB:   postgresParser{},
			DialectSQLite:   postgresParser{},
			DialectMySQL:    mysqlParser{},
			DialectMSSQL:    mssqlParser{},
		},
		denied: toSet(builtinDenied, policy.Denied),
		dialectDenied: map[Dialect]map[string]struct{}{
			DialectDuckDB: toSet(duckdbDenied),
		},
		allowed: toSet(policy.Allowed),
		unknown: policy.Unknown,
	}
	if v.unknown == "" {
		v.unknown = UnknownAllow
	}
	return v
}

// WithParser overrides the parser used for a dialect.
func (v *Validator) WithParser(dialect Dialect, parser Parser) *Validator {
	v.parsers[dialect] = parser
	return v
}

// Validate returns nil when sql may be executed, otherwise a *Rejection.
func (v *Validator) Validate(sql string, dialect Dialect) error {
	_, err := v.Check(sql, dialect)
	return err
}

// Check applies the gates in order (syntax, mutation, read-only, functions)
// and returns the parsed statement on success.
func (v *Validator) Check(sql string, dialect Dialect) (Statement, error) {
	stmt, err := v.check(sql, dialect)
	outcome := "ok"
	if rejection, ok := AsRejection(err); ok {
		outcome = string(rejection.Reason)
	}
	observability.ObserveValidation(string(dialect), outcome)
	return stmt, err
}

func (v *Validator) check(sql string, dialect Dialect) (Statement, error) {
	parser, ok := v.parsers[dialect]
	if !ok {
		return nil, &Rejection{Reason: ReasonSyntax, Detail: fmt.Sprintf("unsupported dialect %q", dialect)}
	}
	if strings.TrimSpace(sql) == "" {
		return nil, &Rejection{Reason: ReasonSyntax, Detail: "empty statement"}
	}

	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, &Rejection{Reason: ReasonSyntax, Detail: err.Error()}
	}
	if kind := stmt.Kind(); kind.Mutating() {
		return nil, &Rejection{Reason: ReasonMutation, Detail: kind.String() + " statement"}
	}
	if stmt.Kind() != KindSelect {
		return nil, &Rejection{Reason: ReasonNotSelect, Detail: stmt.Kind().String() + " statement"}
	}
	for _, name := range stmt.Functions() {
		if !v.functionAllowed(name, dialect) {
			return nil, &Rejection{Reason: ReasonForbiddenFunction, Detail: name}
		}
	}
	return stmt, nil
}

func (v *Validator) functionAllowed(name string, dialect Dialect) bool {
	name = strings.ToLower(name)
	base := name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		base = name[idx+1:]
	}
	for _, denied := range []map[string]struct{}{v.denied, v.dialectDenied[dialect]} {
		if _, ok := denied[base]; ok {
			return false
		}
		if _, ok := denied[name]; ok {
			return false
		}
	}
	if dialect == DialectDuckDB && (strings.HasPrefix(base, "read_") || strings.HasSuffix(base, "_scan")) {
		return false
	}
	if v.unknown == UnknownAllow {
		return true
	}
	_, okBase := v.allowed[base]
	_, okName := v.allowed[name]
	return okBase || okName
}

func toSet(lists ...[]string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, list := range lists {
		for _, item := range list {
			item = strings.ToLower(strings.TrimSpace(item))
			if item != "" {
				out[item] = struct{}{}
			}
		}
	}
	return out
}

type parsedStatement struct {
	kind      Kind
	functions []string
	hasLimit  bool
}

func (s parsedStatement) Kind() Kind          { return s.kind }
func (s parsedStatement) Functions() []string { return s.functions }
func (s parsedStatement) HasLimit() bool      { return s.hasLimit }
