// Package migrations applies the embedded catalog schema. Runs are serialized
// across processes with a Postgres advisory lock, and every applied version
// records a checksum of its up script so edits to shipped files are caught.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "nlqgate_schema_migrations"
	// lockKey is "nlqg" as a big-endian int.
	lockKey int64 = 0x6e6c7167
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

var ErrChecksumMismatch = errors.New("migration source changed after it was applied")

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

type session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type appliedVersion struct {
	Checksum  string
	AppliedAt time.Time
}

func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	plan, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	return withLock(ctx, db, func(conn session) (int, error) {
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return 0, err
		}
		runCount := 0
		for _, item := range plan {
			if record, ok := applied[item.Version]; ok {
				if record.Checksum != item.Checksum {
					return runCount, fmt.Errorf("migration %d (%s): %w", item.Version, item.Name, ErrChecksumMismatch)
				}
				continue
			}
			if steps > 0 && runCount >= steps {
				break
			}
			if err := applyMigration(ctx, conn, item); err != nil {
				return runCount, err
			}
			runCount++
		}
		return runCount, nil
	})
}

// Down rolls back the newest applied versions. steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	plan, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(plan))
	for _, item := range plan {
		byVersion[item.Version] = item
	}

	return withLock(ctx, db, func(conn session) (int, error) {
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return 0, err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

		runCount := 0
		for _, version := range versions {
			if runCount >= steps {
				break
			}
			item, ok := byVersion[version]
			if !ok {
				return runCount, fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := rollbackMigration(ctx, conn, item); err != nil {
				return runCount, err
			}
			runCount++
		}
		return runCount, nil
	})
}

// Status reports every known version, applied or not.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	plan, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := listApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(plan))
	for _, item := range plan {
		status := Status{Version: item.Version, Name: item.Name}
		if record, ok := applied[item.Version]; ok {
			status.Applied = true
			status.AppliedAt = record.AppliedAt
			status.Drifted = record.Checksum != item.Checksum
		}
		out = append(out, status)
	}
	return out, nil
}

// Pending lists source versions that have not been applied yet.
func (r *Runner) Pending(ctx context.Context, db *sql.DB) ([]int64, error) {
	statuses, err := r.Status(ctx, db)
	if err != nil {
		return nil, err
	}
	pending := make([]int64, 0)
	for _, status := range statuses {
		if !status.Applied {
			pending = append(pending, status.Version)
		}
	}
	return pending, nil
}

func withLock(ctx context.Context, db *sql.DB, fn func(session) (int, error)) (int, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return 0, err
	}
	return fn(conn)
}

func ensureMigrationTable(ctx context.Context, conn session) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, conn session, item migration) error {
	return inTx(ctx, conn, item.Version, "apply", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, item.UpSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
			item.Version, item.Name, item.Checksum,
		)
		return err
	})
}

func rollbackMigration(ctx context.Context, conn session, item migration) error {
	return inTx(ctx, conn, item.Version, "rollback", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, item.DownSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version)
		return err
	})
}

func inTx(ctx context.Context, conn session, version int64, op string, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s migration %d: begin tx: %w", op, version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s migration %d: %w", op, version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s migration %d: commit: %w", op, version, err)
	}
	return nil
}

func listApplied(ctx context.Context, conn session) (map[int64]appliedVersion, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int64]appliedVersion)
	for rows.Next() {
		var version int64
		var record appliedVersion
		if err := rows.Scan(&version, &record.Checksum, &record.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	plan := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		sum := sha256.Sum256([]byte(item.UpSQL))
		item.Checksum = hex.EncodeToString(sum[:])
		plan = append(plan, *item)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}
