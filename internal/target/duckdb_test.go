package target

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

func TestDuckDBBuildTargetLocksDownFileAccess(t *testing.T) {
	driver, _ := Lookup(catalog.DriverDuckDB)
	target, err := driver.BuildTarget(catalog.Connection{Database: "/srv/shop.duckdb"}, "", Options{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("BuildTarget() error = %v", err)
	}
	if target.DriverName != "duckdb" || !strings.HasPrefix(target.DSN, "/srv/shop.duckdb?") {
		t.Fatalf("target = %#v", target)
	}
	for _, want := range []string{"access_mode=read_only", "enable_external_access=false", "autoload_known_extensions=false", "lock_configuration=true"} {
		if !strings.Contains(target.DSN, want) {
			t.Fatalf("DSN %q missing %q", target.DSN, want)
		}
	}
}

func TestDuckDBReadSchema(t *testing.T) {
	path := writeDuckDBFixture(t,
		`CREATE TABLE regions (id INTEGER, code VARCHAR, name VARCHAR NOT NULL, PRIMARY KEY (id, code))`,
		`CREATE TABLE stores (
			id INTEGER PRIMARY KEY,
			region_id INTEGER,
			region_code VARCHAR,
			opened DATE DEFAULT current_date,
			FOREIGN KEY (region_id, region_code) REFERENCES regions (id, code)
		)`,
	)
	session := openDuckDB(t, path)

	driver, _ := Lookup(catalog.DriverDuckDB)
	tables, err := driver.ReadSchema(context.Background(), session.Conn, nil)
	if err != nil {
		t.Fatalf("ReadSchema() error = %v", err)
	}
	if len(tables) != 2 || tables[0].Name != "regions" || tables[1].Name != "stores" {
		t.Fatalf("tables = %#v", tables)
	}
	regions, stores := tables[0], tables[1]
	if !reflect.DeepEqual(regions.PrimaryKeys, []string{"id", "code"}) {
		t.Fatalf("regions primary keys = %#v", regions.PrimaryKeys)
	}
	if len(regions.Columns) != 3 || regions.Columns[2].Name != "name" || regions.Columns[2].Nullable {
		t.Fatalf("regions columns = %#v", regions.Columns)
	}
	if !reflect.DeepEqual(stores.PrimaryKeys, []string{"id"}) {
		t.Fatalf("stores primary keys = %#v", stores.PrimaryKeys)
	}
	if len(stores.ForeignKeys) != 1 {
		t.Fatalf("stores foreign keys = %#v", stores.ForeignKeys)
	}
	fk := stores.ForeignKeys[0]
	if fk.ReferredTable != "regions" ||
		!reflect.DeepEqual(fk.ConstrainedColumns, []string{"region_id", "region_code"}) ||
		!reflect.DeepEqual(fk.ReferredColumns, []string{"id", "code"}) {
		t.Fatalf("foreign key = %#v", fk)
	}
	if len(regions.ForeignKeys) != 0 {
		t.Fatalf("regions foreign keys = %#v", regions.ForeignKeys)
	}
}

func TestDuckDBSessionCannotReadHostFiles(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "host-secret.txt")
	if err := os.WriteFile(secret, []byte("do not read"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	session := openDuckDB(t, writeDuckDBFixture(t, `CREATE TABLE t (id INTEGER)`))
	ctx := context.Background()

	for _, query := range []string{
		"SELECT content FROM read_text('" + secret + "')",
		"SELECT * FROM read_csv_auto('" + secret + "')",
		"SELECT * FROM '" + secret + "'",
	} {
		rows, err := session.Conn.QueryContext(ctx, query)
		if err == nil {
			for rows.Next() {
			}
			err = rows.Err()
			_ = rows.Close()
		}
		if err == nil {
			t.Fatalf("QueryContext(%q) succeeded, want external access to be refused", query)
		}
	}
	if _, err := session.Conn.ExecContext(ctx, "SET enable_external_access = true"); err == nil {
		t.Fatal("configuration should be locked")
	}
	if _, err := session.Conn.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err == nil {
		t.Fatal("expected write to fail on a read-only session")
	}
}

func writeDuckDBFixture(t *testing.T, statements ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	return path
}

func openDuckDB(t *testing.T, path string) *Session {
	t.Helper()
	driver, _ := Lookup(catalog.DriverDuckDB)
	target, err := driver.BuildTarget(catalog.Connection{Database: path}, "", Options{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("BuildTarget() error = %v", err)
	}
	session, err := Open(context.Background(), driver, target, time.Second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}
