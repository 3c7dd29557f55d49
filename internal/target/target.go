// Package target opens short-lived connections to tenant databases. Each
// vendor is one Driver variant; callers never branch on the vendor.
package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

var (
	ErrUnreachable       = errors.New("unreachable")
	ErrAuthFailed        = errors.New("auth-failed")
	ErrUnsupportedDriver = errors.New("unsupported-driver")
	ErrTimeout           = errors.New("timeout")
)

// ConnectivityError carries one of the sentinels above plus a message that
// has already been scrubbed of secrets.
type ConnectivityError struct {
	Kind   error
	Detail string
}

func (e *ConnectivityError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *ConnectivityError) Unwrap() error {
	return e.Kind
}

// Target is a ready-to-open driver name and DSN. The DSN embeds the decrypted
// secret, so a Target must never be logged or persisted.
type Target struct {
	DriverName string
	DSN        string
	secrets    []string
}

// Sanitize scrubs every secret that went into this target from msg.
func (t Target) Sanitize(msg string) string {
	return Sanitize(msg, append([]string{t.DSN}, t.secrets...)...)
}

// Options are the deployment settings a driver needs to build a Target.
type Options struct {
	ConnectTimeout time.Duration
	// LocalRoot confines file-backed databases to LocalRoot/<tenant_id>.
	LocalRoot string
	// RequireLocalRoot refuses file-backed databases while LocalRoot is empty.
	RequireLocalRoot bool
}

func NewOptions(cfg config.TargetConfig, connectTimeout time.Duration) Options {
	return Options{
		ConnectTimeout:   connectTimeout,
		LocalRoot:        cfg.LocalRoot,
		RequireLocalRoot: cfg.RequireLocalRoot,
	}
}

type Driver interface {
	Name() catalog.DriverName
	Dialect() sqlguard.Dialect
	BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error)
	SupportsStatementTimeout() bool
	ApplyTimeout(ctx context.Context, conn *sql.Conn, timeout time.Duration) error
	// CapRows bounds the result size of a statement that has no limit clause,
	// either by rewriting it or by configuring the session. It returns the
	// text to execute.
	CapRows(ctx context.Context, conn *sql.Conn, sqlText string, limit int) (string, error)
	ReadSchema(ctx context.Context, conn *sql.Conn, options map[string]string) ([]catalog.TableSchema, error)
	// IsAuthError and IsStatementTimeout inspect vendor error codes.
	IsAuthError(err error) bool
	IsStatementTimeout(err error) bool
}

var drivers = map[catalog.DriverName]Driver{
	catalog.DriverPostgres: postgresDriver{},
	catalog.DriverMySQL:    mysqlDriver{},
	catalog.DriverSQLite:   sqliteDriver{},
	catalog.DriverMSSQL:    mssqlDriver{},
	catalog.DriverDuckDB:   duckdbDriver{},
}

// AsConnectivity classifies a BuildTarget failure. Errors that carry no kind
// are reported as unreachable, with secrets scrubbed.
func AsConnectivity(err error, secrets ...string) error {
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return connErr
	}
	return &ConnectivityError{Kind: ErrUnreachable, Detail: Sanitize(err.Error(), secrets...)}
}

func Lookup(name catalog.DriverName) (Driver, error) {
	driver, ok := drivers[name]
	if !ok {
		return nil, &ConnectivityError{Kind: ErrUnsupportedDriver, Detail: fmt.Sprintf("driver %q", name)}
	}
	return driver, nil
}

func Supported(name catalog.DriverName) bool {
	_, ok := drivers[name]
	return ok
}

// Session is one dedicated connection. It is never shared between jobs.
type Session struct {
	db   *sql.DB
	Conn *sql.Conn
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var connErr error
	if s.Conn != nil {
		connErr = s.Conn.Close()
	}
	return errors.Join(connErr, s.db.Close())
}

// Open connects under connectTimeout and classifies failures into the
// connectivity taxonomy.
func Open(ctx context.Context, driver Driver, t Target, connectTimeout time.Duration) (*Session, error) {
	db, err := sql.Open(t.DriverName, t.DSN)
	if err != nil {
		return nil, &ConnectivityError{Kind: ErrUnreachable, Detail: t.Sanitize(err.Error())}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := db.Conn(connectCtx)
	if err == nil {
		err = conn.PingContext(connectCtx)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, classifyConnect(driver, t, err, connectCtx.Err())
	}
	return &Session{db: db, Conn: conn}, nil
}

func classifyConnect(driver Driver, t Target, err, ctxErr error) error {
	detail := t.Sanitize(err.Error())
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &ConnectivityError{Kind: ErrTimeout, Detail: "connect timed out"}
	case driver.IsAuthError(err):
		return &ConnectivityError{Kind: ErrAuthFailed, Detail: detail}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectivityError{Kind: ErrTimeout, Detail: detail}
	}
	return &ConnectivityError{Kind: ErrUnreachable, Detail: detail}
}

var (
	urlCredentialPattern = regexp.MustCompile(`://([^:/@\s]+):([^@\s]*)@`)
	kvPasswordPattern    = regexp.MustCompile(`(?i)\b(password|pwd|passwd)=([^;&\s]*)`)
)

const redacted = "[redacted]"

// Sanitize removes each secret, in raw and URL-escaped form, plus anything
// that looks like an inline credential.
func Sanitize(msg string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		for _, form := range []string{secret, url.QueryEscape(secret), url.PathEscape(secret), url.UserPassword("", secret).String()[1:]} {
			if form != "" {
				msg = strings.ReplaceAll(msg, form, redacted)
			}
		}
	}
	msg = urlCredentialPattern.ReplaceAllString(msg, "://$1:"+redacted+"@")
	msg = kvPasswordPattern.ReplaceAllString(msg, "$1="+redacted)
	return msg
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func wrapLimit(sqlText string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", stripTrailingSemicolons(sqlText), limit)
}

// limitWrapper is the CapRows of drivers whose dialect accepts LIMIT on a
// derived table.
type limitWrapper struct{}

func (limitWrapper) CapRows(_ context.Context, _ *sql.Conn, sqlText string, limit int) (string, error) {
	return wrapLimit(sqlText, limit), nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func option(options map[string]string, key, fallback string) string {
	if value := strings.TrimSpace(options[key]); value != "" {
		return value
	}
	return fallback
}
