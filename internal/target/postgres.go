package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

type postgresDriver struct{ limitWrapper }

func (postgresDriver) Name() catalog.DriverName  { return catalog.DriverPostgres }
func (postgresDriver) Dialect() sqlguard.Dialect { return sqlguard.DialectPostgres }

func (postgresDriver) BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error) {
	if conn.Host == "" || conn.Database == "" {
		return Target{}, fmt.Errorf("postgres connection requires host and database")
	}
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	query := url.Values{}
	query.Set("sslmode", option(conn.Options, "sslmode", "prefer"))
	query.Set("connect_timeout", strconv.Itoa(timeoutSeconds(opts.ConnectTimeout)))
	query.Set("application_name", "nlqgate")
	query.Set("default_transaction_read_only", "on")

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conn.Username, secret),
		Host:     net.JoinHostPort(conn.Host, strconv.Itoa(port)),
		Path:     "/" + conn.Database,
		RawQuery: query.Encode(),
	}
	return Target{DriverName: "pgx", DSN: dsn.String(), secrets: []string{secret}}, nil
}

func (postgresDriver) SupportsStatementTimeout() bool { return true }

func (postgresDriver) ApplyTimeout(ctx context.Context, conn *sql.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("set statement_timeout: %w", err)
	}
	return nil
}

func (postgresDriver) ReadSchema(ctx context.Context, conn *sql.Conn, options map[string]string) ([]catalog.TableSchema, error) {
	return readSchema(ctx, conn, schemaQueries{
		columns: `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default
FROM information_schema.columns c
JOIN information_schema.tables t ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`,
		primaryKeys: `
SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name AND kcu.table_name = tc.table_name
WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.table_name, kcu.ordinal_position`,
		foreignKeys: `
SELECT kcu.constraint_name, kcu.table_name, kcu.column_name, rk.table_name, rk.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = rc.constraint_schema AND kcu.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage rk
  ON rk.constraint_schema = rc.unique_constraint_schema AND rk.constraint_name = rc.unique_constraint_name
 AND rk.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = $1
ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`,
		args: []any{option(options, "schema", "public")},
	})
}

func (postgresDriver) IsAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// invalid_authorization_specification, invalid_password
	return pgErr.Code == "28000" || pgErr.Code == "28P01"
}

func (postgresDriver) IsStatementTimeout(err error) bool {
	var pgErr *pgconn.PgError
	// query_canceled
	return errors.As(err, &pgErr) && pgErr.Code == "57014"
}

func timeoutSeconds(d time.Duration) int {
	seconds := int(d / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
