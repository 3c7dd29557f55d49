package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

// schemaQueries reads tables from information_schema style views. Each query
// takes args and must return rows in ordinal order:
//
//	columns:     table, column, type, is_nullable (YES/NO), default
//	primaryKeys: table, column
//	foreignKeys: constraint, table, column, referred table, referred column
type schemaQueries struct {
	columns     string
	primaryKeys string
	foreignKeys string
	args        []any
}

func readSchema(ctx context.Context, conn *sql.Conn, q schemaQueries) ([]catalog.TableSchema, error) {
	tables := map[string]*catalog.TableSchema{}
	order := make([]string, 0)

	rows, err := conn.QueryContext(ctx, q.columns, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	err = eachRow(rows, func() error {
		var (
			table, column, dataType, nullable string
			defaultValue                      sql.NullString
		)
		if err := rows.Scan(&table, &column, &dataType, &nullable, &defaultValue); err != nil {
			return err
		}
		entry, ok := tables[table]
		if !ok {
			entry = newTable(table)
			tables[table] = entry
			order = append(order, table)
		}
		col := catalog.ColumnSchema{
			Name:     column,
			Type:     dataType,
			Nullable: strings.EqualFold(strings.TrimSpace(nullable), "YES"),
		}
		if defaultValue.Valid {
			value := defaultValue.String
			col.Default = &value
		}
		entry.Columns = append(entry.Columns, col)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rows, err = conn.QueryContext(ctx, q.primaryKeys, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	err = eachRow(rows, func() error {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return err
		}
		if entry, ok := tables[table]; ok {
			entry.PrimaryKeys = append(entry.PrimaryKeys, column)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read primary keys: %w", err)
	}

	rows, err = conn.QueryContext(ctx, q.foreignKeys, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	type fkKey struct{ table, constraint string }
	fks := map[fkKey]*catalog.ForeignKey{}
	fkOrder := make([]fkKey, 0)
	err = eachRow(rows, func() error {
		var constraint, table, column, referredTable, referredColumn string
		if err := rows.Scan(&constraint, &table, &column, &referredTable, &referredColumn); err != nil {
			return err
		}
		key := fkKey{table: table, constraint: constraint}
		fk, ok := fks[key]
		if !ok {
			fk = &catalog.ForeignKey{ReferredTable: referredTable}
			fks[key] = fk
			fkOrder = append(fkOrder, key)
		}
		fk.ConstrainedColumns = append(fk.ConstrainedColumns, column)
		fk.ReferredColumns = append(fk.ReferredColumns, referredColumn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read foreign keys: %w", err)
	}
	for _, key := range fkOrder {
		if entry, ok := tables[key.table]; ok {
			entry.ForeignKeys = append(entry.ForeignKeys, *fks[key])
		}
	}

	out := make([]catalog.TableSchema, 0, len(order))
	for _, name := range order {
		out = append(out, *tables[name])
	}
	return out, nil
}

func newTable(name string) *catalog.TableSchema {
	return &catalog.TableSchema{
		Name:        name,
		Columns:     []catalog.ColumnSchema{},
		PrimaryKeys: []string{},
		ForeignKeys: []catalog.ForeignKey{},
	}
}

func eachRow(rows *sql.Rows, fn func() error) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}
