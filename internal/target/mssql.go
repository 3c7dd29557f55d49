package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

// mssqlDriver has no session-level statement timeout; the engine's wall-clock
// budget cancels the request through the context.
type mssqlDriver struct{}

func (mssqlDriver) Name() catalog.DriverName  { return catalog.DriverMSSQL }
func (mssqlDriver) Dialect() sqlguard.Dialect { return sqlguard.DialectMSSQL }

func (mssqlDriver) BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error) {
	if conn.Host == "" || conn.Database == "" {
		return Target{}, fmt.Errorf("mssql connection requires host and database")
	}
	port := conn.Port
	if port == 0 {
		port = 1433
	}
	query := url.Values{}
	query.Set("database", conn.Database)
	query.Set("encrypt", option(conn.Options, "encrypt", "true"))
	query.Set("TrustServerCertificate", option(conn.Options, "trust_server_certificate", "false"))
	query.Set("connection timeout", strconv.Itoa(timeoutSeconds(opts.ConnectTimeout)))
	query.Set("app name", "nlqgate")
	query.Set("ApplicationIntent", "ReadOnly")

	dsn := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(conn.Username, secret),
		Host:     net.JoinHostPort(conn.Host, strconv.Itoa(port)),
		RawQuery: query.Encode(),
	}
	return Target{DriverName: "sqlserver", DSN: dsn.String(), secrets: []string{secret}}, nil
}

func (mssqlDriver) SupportsStatementTimeout() bool { return false }

func (mssqlDriver) ApplyTimeout(context.Context, *sql.Conn, time.Duration) error { return nil }

// CapRows bounds the session with SET ROWCOUNT. T-SQL rejects ORDER BY in a
// derived table without TOP, so the statement text is left alone.
func (mssqlDriver) CapRows(ctx context.Context, conn *sql.Conn, sqlText string, limit int) (string, error) {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET ROWCOUNT %d", limit)); err != nil {
		return "", fmt.Errorf("set rowcount: %w", err)
	}
	return stripTrailingSemicolons(sqlText), nil
}

func (mssqlDriver) ReadSchema(ctx context.Context, conn *sql.Conn, options map[string]string) ([]catalog.TableSchema, error) {
	return readSchema(ctx, conn, schemaQueries{
		columns: `
SELECT c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE, c.COLUMN_DEFAULT
FROM INFORMATION_SCHEMA.COLUMNS c
JOIN INFORMATION_SCHEMA.TABLES t ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = @p1 AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`,
		primaryKeys: `
SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
  ON kcu.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA AND kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
WHERE tc.TABLE_SCHEMA = @p1 AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
ORDER BY kcu.TABLE_NAME, kcu.ORDINAL_POSITION`,
		foreignKeys: `
SELECT kcu.CONSTRAINT_NAME, kcu.TABLE_NAME, kcu.COLUMN_NAME, rk.TABLE_NAME, rk.COLUMN_NAME
FROM INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
  ON kcu.CONSTRAINT_SCHEMA = rc.CONSTRAINT_SCHEMA AND kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE rk
  ON rk.CONSTRAINT_SCHEMA = rc.UNIQUE_CONSTRAINT_SCHEMA AND rk.CONSTRAINT_NAME = rc.UNIQUE_CONSTRAINT_NAME
 AND rk.ORDINAL_POSITION = kcu.ORDINAL_POSITION
WHERE kcu.TABLE_SCHEMA = @p1
ORDER BY kcu.TABLE_NAME, kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`,
		args: []any{option(options, "schema", "dbo")},
	})
}

func (mssqlDriver) IsAuthError(err error) bool {
	// Login failed for user.
	const loginFailed = 18456
	var value mssql.Error
	if errors.As(err, &value) {
		return value.Number == loginFailed
	}
	var ptr *mssql.Error
	if errors.As(err, &ptr) {
		return ptr.Number == loginFailed
	}
	return strings.Contains(err.Error(), "Login failed")
}

func (mssqlDriver) IsStatementTimeout(error) bool { return false }
