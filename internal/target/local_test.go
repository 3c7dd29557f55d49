package target

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

func TestLocalPathConfinedToTenantDirectory(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"tenant-a", "tenant-b"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
	own := filepath.Join(root, "tenant-a", "shop.db")
	other := filepath.Join(root, "tenant-b", "ledger.db")
	for _, path := range []string{own, other} {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	escape := filepath.Join(root, "tenant-a", "escape.db")
	if err := os.Symlink(other, escape); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	resolvedOwn, err := filepath.EvalSymlinks(own)
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}

	opts := Options{ConnectTimeout: time.Second, LocalRoot: root}
	allowed := []string{"shop.db", own, "sub/../shop.db"}
	for _, database := range allowed {
		got, err := localPath(catalog.Connection{TenantID: "tenant-a", Database: database}, opts)
		if err != nil {
			t.Fatalf("localPath(%q) error = %v", database, err)
		}
		if got != resolvedOwn {
			t.Fatalf("localPath(%q) = %q, want %q", database, got, resolvedOwn)
		}
	}

	denied := []string{other, "../tenant-b/ledger.db", "escape.db", "/etc/passwd", "."}
	for _, database := range denied {
		_, err := localPath(catalog.Connection{TenantID: "tenant-a", Database: database}, opts)
		if !errors.Is(err, ErrLocationDenied) {
			t.Fatalf("localPath(%q) error = %v, want ErrLocationDenied", database, err)
		}
	}
}

func TestLocalPathRejectsUnsafeTenantIDs(t *testing.T) {
	opts := Options{LocalRoot: t.TempDir()}
	for _, tenantID := range []string{"", "..", "a/b", `a\b`} {
		_, err := localPath(catalog.Connection{TenantID: tenantID, Database: "x.db"}, opts)
		if !errors.Is(err, ErrLocationDenied) {
			t.Fatalf("localPath(tenant %q) error = %v, want ErrLocationDenied", tenantID, err)
		}
	}
}

func TestLocalPathWithoutRoot(t *testing.T) {
	conn := catalog.Connection{TenantID: "tenant-a", Database: "/var/lib/app/shop.db"}
	got, err := localPath(conn, Options{})
	if err != nil || got != "/var/lib/app/shop.db" {
		t.Fatalf("localPath() = %q, %v", got, err)
	}
	for _, name := range []catalog.DriverName{catalog.DriverSQLite, catalog.DriverDuckDB} {
		driver, _ := Lookup(name)
		_, err := driver.BuildTarget(conn, "", Options{ConnectTimeout: time.Second, RequireLocalRoot: true})
		if !errors.Is(err, ErrLocationDenied) {
			t.Fatalf("%s BuildTarget() error = %v, want ErrLocationDenied", name, err)
		}
	}
}

func TestAsConnectivityKeepsKind(t *testing.T) {
	_, err := localPath(catalog.Connection{Database: "x.db"}, Options{RequireLocalRoot: true})
	if got := AsConnectivity(err); !errors.Is(got, ErrLocationDenied) {
		t.Fatalf("AsConnectivity() = %v, want ErrLocationDenied", got)
	}
	if got := AsConnectivity(errors.New("dial user:pw@host failed"), "pw"); !errors.Is(got, ErrUnreachable) {
		t.Fatalf("AsConnectivity() = %v, want ErrUnreachable", got)
	}
}
