package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

type mysqlDriver struct{ limitWrapper }

func (mysqlDriver) Name() catalog.DriverName  { return catalog.DriverMySQL }
func (mysqlDriver) Dialect() sqlguard.Dialect { return sqlguard.DialectMySQL }

func (mysqlDriver) BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error) {
	if conn.Host == "" || conn.Database == "" {
		return Target{}, fmt.Errorf("mysql connection requires host and database")
	}
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = secret
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(port))
	cfg.DBName = conn.Database
	cfg.Timeout = opts.ConnectTimeout
	cfg.ParseTime = true
	cfg.TLSConfig = option(conn.Options, "tls", "preferred")
	return Target{DriverName: "mysql", DSN: cfg.FormatDSN(), secrets: []string{secret}}, nil
}

func (mysqlDriver) SupportsStatementTimeout() bool { return true }

// ApplyTimeout sets max_execution_time, which MySQL enforces for read-only SELECT.
func (mysqlDriver) ApplyTimeout(ctx context.Context, conn *sql.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("set max_execution_time: %w", err)
	}
	return nil
}

func (mysqlDriver) ReadSchema(ctx context.Context, conn *sql.Conn, _ map[string]string) ([]catalog.TableSchema, error) {
	return readSchema(ctx, conn, schemaQueries{
		columns: `
SELECT c.TABLE_NAME, c.COLUMN_NAME, c.COLUMN_TYPE, c.IS_NULLABLE, c.COLUMN_DEFAULT
FROM information_schema.COLUMNS c
JOIN information_schema.TABLES t ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = DATABASE() AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`,
		primaryKeys: `
SELECT TABLE_NAME, COLUMN_NAME
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = DATABASE() AND CONSTRAINT_NAME = 'PRIMARY'
ORDER BY TABLE_NAME, ORDINAL_POSITION`,
		foreignKeys: `
SELECT CONSTRAINT_NAME, TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY TABLE_NAME, CONSTRAINT_NAME, ORDINAL_POSITION`,
	})
}

func (mysqlDriver) IsAuthError(err error) bool {
	var myErr *mysql.MySQLError
	// ER_ACCESS_DENIED_ERROR, ER_DBACCESS_DENIED_ERROR
	return errors.As(err, &myErr) && (myErr.Number == 1045 || myErr.Number == 1044)
}

func (mysqlDriver) IsStatementTimeout(err error) bool {
	var myErr *mysql.MySQLError
	// ER_QUERY_TIMEOUT
	return errors.As(err, &myErr) && myErr.Number == 3024
}
