package target

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
)

// sqliteDriver opens the file named by Connection.Database read-only. Host,
// port and credentials are ignored.
type sqliteDriver struct{ limitWrapper }

func (sqliteDriver) Name() catalog.DriverName  { return catalog.DriverSQLite }
func (sqliteDriver) Dialect() sqlguard.Dialect { return sqlguard.DialectSQLite }

func (sqliteDriver) BuildTarget(conn catalog.Connection, secret string, opts Options) (Target, error) {
	path, err := localPath(conn, opts)
	if err != nil {
		return Target{}, err
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(%d)", path, opts.ConnectTimeout.Milliseconds())
	return Target{DriverName: "sqlite", DSN: dsn, secrets: []string{secret}}, nil
}

func (sqliteDriver) SupportsStatementTimeout() bool { return false }

func (sqliteDriver) ApplyTimeout(context.Context, *sql.Conn, time.Duration) error { return nil }

func (sqliteDriver) ReadSchema(ctx context.Context, conn *sql.Conn, _ map[string]string) ([]catalog.TableSchema, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names := make([]string, 0)
	err = eachRow(rows, func() error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	out := make([]catalog.TableSchema, 0, len(names))
	for _, name := range names {
		table, err := readSQLiteTable(ctx, conn, name)
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", name, err)
		}
		out = append(out, table)
	}
	return out, nil
}

func readSQLiteTable(ctx context.Context, conn *sql.Conn, name string) (catalog.TableSchema, error) {
	table := newTable(name)

	rows, err := conn.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(name)+")")
	if err != nil {
		return catalog.TableSchema{}, err
	}
	pks := make([]pkColumn, 0)
	err = eachRow(rows, func() error {
		var (
			cid, notNull, pk int
			column, colType  string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &column, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		col := catalog.ColumnSchema{Name: column, Type: colType, Nullable: notNull == 0 && pk == 0}
		if defaultValue.Valid {
			value := defaultValue.String
			col.Default = &value
		}
		table.Columns = append(table.Columns, col)
		if pk > 0 {
			pks = append(pks, pkColumn{name: column, position: pk})
		}
		return nil
	})
	if err != nil {
		return catalog.TableSchema{}, err
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].position < pks[j].position })
	for _, pk := range pks {
		table.PrimaryKeys = append(table.PrimaryKeys, pk.name)
	}

	rows, err = conn.QueryContext(ctx, "PRAGMA foreign_key_list("+quoteIdent(name)+")")
	if err != nil {
		return catalog.TableSchema{}, err
	}
	byID := map[int]*catalog.ForeignKey{}
	ids := make([]int, 0)
	err = eachRow(rows, func() error {
		var (
			id, seq                   int
			referred, from            string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &referred, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return err
		}
		fk, ok := byID[id]
		if !ok {
			fk = &catalog.ForeignKey{ReferredTable: referred}
			byID[id] = fk
			ids = append(ids, id)
		}
		fk.ConstrainedColumns = append(fk.ConstrainedColumns, from)
		fk.ReferredColumns = append(fk.ReferredColumns, to.String)
		return nil
	})
	if err != nil {
		return catalog.TableSchema{}, err
	}
	sort.Ints(ids)
	for _, id := range ids {
		fk := byID[id]
		if err := resolveImplicitReference(ctx, conn, name, pks, fk); err != nil {
			return catalog.TableSchema{}, err
		}
		table.ForeignKeys = append(table.ForeignKeys, *fk)
	}
	return *table, nil
}

// resolveImplicitReference fills the target columns of "REFERENCES parent"
// with parent's primary key, which is what SQLite enforces.
func resolveImplicitReference(ctx context.Context, conn *sql.Conn, table string, tablePKs []pkColumn, fk *catalog.ForeignKey) error {
	for _, column := range fk.ReferredColumns {
		if column != "" {
			return nil
		}
	}
	pks := tablePKs
	if !strings.EqualFold(fk.ReferredTable, table) {
		var err error
		if pks, err = sqlitePrimaryKey(ctx, conn, fk.ReferredTable); err != nil {
			return fmt.Errorf("primary key of %s: %w", fk.ReferredTable, err)
		}
	}
	if len(pks) != len(fk.ConstrainedColumns) {
		return nil
	}
	for i, pk := range pks {
		fk.ReferredColumns[i] = pk.name
	}
	return nil
}

type pkColumn struct {
	name     string
	position int
}

func sqlitePrimaryKey(ctx context.Context, conn *sql.Conn, table string) ([]pkColumn, error) {
	rows, err := conn.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, err
	}
	pks := make([]pkColumn, 0)
	err = eachRow(rows, func() error {
		var (
			cid, notNull, pk int
			column, colType  string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &column, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		if pk > 0 {
			pks = append(pks, pkColumn{name: column, position: pk})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].position < pks[j].position })
	return pks, nil
}

func (sqliteDriver) IsAuthError(error) bool        { return false }
func (sqliteDriver) IsStatementTimeout(error) bool { return false }
