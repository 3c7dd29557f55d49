package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/cli/nlqgatectl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("NLQGATE_CLI_TIMEOUT")), 30*time.Second)
	options := nlqgatectl.Options{
		BaseURL:     envOr("NLQGATE_API_URL", "http://localhost:8080"),
		APIKey:      strings.TrimSpace(os.Getenv("NLQGATE_API_KEY")),
		TenantID:    strings.TrimSpace(os.Getenv("NLQGATE_TENANT_ID")),
		PrincipalID: strings.TrimSpace(os.Getenv("NLQGATE_PRINCIPAL_ID")),
		Timeout:     timeout,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}

	code := nlqgatectl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid NLQGATE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
