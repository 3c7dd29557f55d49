package target

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

var ErrLocationDenied = errors.New("location-denied")

// localPath resolves the database file of a file-backed connection. With a
// local root configured, relative paths are taken from LocalRoot/<tenant_id>
// and the resolved file, symlinks included, must stay inside that directory.
func localPath(conn catalog.Connection, opts Options) (string, error) {
	path := strings.TrimSpace(conn.Database)
	if path == "" {
		return "", fmt.Errorf("database path is required")
	}
	if strings.ContainsAny(path, "?#") {
		return "", fmt.Errorf("database path must not contain '?' or '#'")
	}

	root := strings.TrimSpace(opts.LocalRoot)
	if root == "" {
		if opts.RequireLocalRoot {
			return "", &ConnectivityError{Kind: ErrLocationDenied, Detail: "file-backed databases are disabled until NLQGATE_TARGET_LOCAL_ROOT is set"}
		}
		return path, nil
	}

	tenantID := strings.TrimSpace(conn.TenantID)
	if tenantID == "" || tenantID == "." || tenantID == ".." || strings.ContainsAny(tenantID, `/\`) {
		return "", &ConnectivityError{Kind: ErrLocationDenied, Detail: "file-backed databases need a tenant"}
	}
	tenantRoot, err := resolvePath(filepath.Join(root, tenantID))
	if err != nil {
		return "", fmt.Errorf("resolve tenant directory: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(tenantRoot, path)
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	rel, err := filepath.Rel(tenantRoot, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ConnectivityError{Kind: ErrLocationDenied, Detail: "database path is outside the tenant directory"}
	}
	return resolved, nil
}

// resolvePath makes path absolute and evaluates symlinks in the longest
// prefix that exists. Missing trailing elements are kept as written.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	resolvedParent, err := resolvePath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(abs)), nil
}
