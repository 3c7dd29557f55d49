package target

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

// duckdbSettings open the file read-only with external access off, so table
// functions and replacement scans cannot read other host files.
// lock_configuration stops a statement from SETting them back.
var duckdbSettings = []string{
	"access_mode=read_only",
	"enable_external_access=false",
	"autoinstall_known_extensions=false",
	"autoload_known_extensions=false",
	"lock_configuration=true",
}

// duckdbDriver opens a DuckDB database file with duckdbSettings.
type duckdbDriver struct{ limitWrapper }

func (duckdbDriver) Name() catalog.DriverName  { return catalog.DriverDuckDB }
func (duckdbDriver) Dialect() sqlguard.Dialect { return sqlguard.DialectDuckDB }

func (duckdbDriver) BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error) {
	path, err := localPath(conn, opts)
	if err != nil {
		return Target{}, err
	}
	return Target{DriverName: "duckdb", DSN: path + "?" + strings.Join(duckdbSettings, "&"), secrets: []string{secret}}, nil
}

func (duckdbDriver) SupportsStatementTimeout() bool { return false }

func (duckdbDriver) ApplyTimeout(context.Context, *sql.Conn, time.Duration) error { return nil }

func (duckdbDriver) ReadSchema(ctx context.Context, conn *sql.Conn, options map[string]string) ([]catalog.TableSchema, error) {
	return readSchema(ctx, conn, schemaQueries{
		columns: `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default
FROM information_schema.columns c
JOIN information_schema.tables t ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = ? AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`,
		primaryKeys: `
SELECT table_name, column_name
FROM (
  SELECT table_name,
         UNNEST(constraint_column_names) AS column_name,
         UNNEST(generate_series(1, len(constraint_column_names))) AS position
  FROM duckdb_constraints()
  WHERE schema_name = ? AND constraint_type = 'PRIMARY KEY'
)
ORDER BY table_name, position`,
		foreignKeys: `
SELECT constraint_key, table_name, column_name, referenced_table, referenced_column
FROM (
  SELECT CAST(constraint_index AS VARCHAR) AS constraint_key,
         table_name,
         referenced_table,
         UNNEST(constraint_column_names) AS column_name,
         UNNEST(referenced_column_names) AS referenced_column,
         UNNEST(generate_series(1, len(constraint_column_names))) AS position
  FROM duckdb_constraints()
  WHERE schema_name = ? AND constraint_type = 'FOREIGN KEY'
)
ORDER BY table_name, constraint_key, position`,
		args: []any{option(options, "schema", "main")},
	})
}

func (duckdbDriver) IsAuthError(error) bool        { return false }
func (duckdbDriver) IsStatementTimeout(error) bool { return false }
