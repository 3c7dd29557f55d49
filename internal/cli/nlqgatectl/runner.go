package nlqgatectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Options struct {
	BaseURL     string
	APIKey      string
	TenantID    string
	PrincipalID string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Stdout      io.Writer
	Stderr      io.Writer
}

type request struct {
	method string
	path   string
	body   any
	raw    bool
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("nlqgatectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "nlqgate API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "tenant to act in")
	principalID := fs.String("principal", defaults.PrincipalID, "principal header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")
	out := fs.String("out", "", "file to write a downloaded result to (default stdout)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	headers := map[string]string{
		"X-API-Key":      *apiKey,
		"X-Tenant-ID":    *tenantID,
		"X-Principal-ID": *principalID,
	}
	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, headers)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if req.raw {
		if *out == "" {
			_, _ = stdout.Write(responseBody)
			return 0
		}
		if err := os.WriteFile(*out, responseBody, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "write %s: %v\n", *out, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(responseBody), *out)
		return 0
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(args []string) (request, error) {
	command := strings.TrimSpace(args[0])
	rest := args[1:]
	need := func(n int, usage string) error {
		if len(rest) < n {
			return fmt.Errorf("usage: nlqgatectl %s", usage)
		}
		return nil
	}

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "connections":
		return request{method: http.MethodGet, path: "/v1/connections"}, nil
	case "schema":
		if err := need(1, "schema <connection-id>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: "/v1/connections/" + url.PathEscape(rest[0]) + "/schema"}, nil
	case "introspect":
		if err := need(1, "introspect <connection-id>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/connections/" + url.PathEscape(rest[0]) + "/introspect"}, nil
	case "ask":
		if err := need(2, "ask <connection-id> <question>"); err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/connections/" + url.PathEscape(rest[0]) + "/ask",
			body:   map[string]string{"question": strings.Join(rest[1:], " ")},
		}, nil
	case "history":
		if len(rest) == 0 {
			return request{method: http.MethodGet, path: "/v1/history"}, nil
		}
		return request{method: http.MethodGet, path: "/v1/history/" + url.PathEscape(rest[0])}, nil
	case "result":
		if err := need(1, "result <history-id>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: "/v1/history/" + url.PathEscape(rest[0]) + "/result", raw: true}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, in request, endpoint string, headers map[string]string) (int, []byte, error) {
	var body io.Reader
	if in.body != nil {
		raw, err := json.Marshal(in.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	if !in.raw {
		req.Header.Set("Accept", "application/json")
	}
	if in.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, strings.TrimSpace(value))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: nlqgatectl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                      GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                       GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  connections                 GET /v1/connections")
	_, _ = fmt.Fprintln(w, "  schema <conn>               GET /v1/connections/{id}/schema")
	_, _ = fmt.Fprintln(w, "  introspect <conn>           POST /v1/connections/{id}/introspect")
	_, _ = fmt.Fprintln(w, "  ask <conn> <question...>    POST /v1/connections/{id}/ask")
	_, _ = fmt.Fprintln(w, "  history [id]                GET /v1/history[/{id}]")
	_, _ = fmt.Fprintln(w, "  result <id>                 GET /v1/history/{id}/result")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
