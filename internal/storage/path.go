package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildResultPath places the artifact of one history row under its tenant
// and connection, partitioned by the day the query was asked.
func BuildResultPath(tenantID, connectionID, historyID string, askedAt time.Time) (string, error) {
	for _, component := range []struct{ value, field string }{
		{tenantID, "tenant id"},
		{connectionID, "connection id"},
		{historyID, "history id"},
	} {
		if !pathComponentPattern.MatchString(component.value) {
			return "", fmt.Errorf("invalid %s: %q", component.field, component.value)
		}
	}
	day := askedAt.UTC()
	return path.Join(
		"results",
		tenantID,
		connectionID,
		fmt.Sprintf("date=%04d-%02d-%02d", day.Year(), day.Month(), day.Day()),
		historyID+".parquet",
	), nil
}

// CleanKey normalizes an object key and rejects keys that escape the prefix.
func CleanKey(prefix, key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	if prefix = cleanPrefix(prefix); prefix != "" {
		return path.Join(prefix, cleaned), nil
	}
	return cleaned, nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	if prefix = path.Clean(prefix); prefix == "." {
		return ""
	}
	return prefix
}
