package tenancy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nlqgate/nlqgate/internal/observability"
)

const (
	TenantHeader    = "X-Tenant-ID"
	PrincipalHeader = "X-Principal-ID"
)

type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (Principal, bool)
}

// StaticKeyAuthenticator resolves keys from a spec of comma-separated
// key:principal[:superadmin] entries.
type StaticKeyAuthenticator struct {
	keys map[string]Principal
}

func NewStaticKeyAuthenticator(spec string) (*StaticKeyAuthenticator, error) {
	authenticator := &StaticKeyAuthenticator{keys: map[string]Principal{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return authenticator, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:principal[:superadmin]", entry)
		}
		key, principalID := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if key == "" || principalID == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/principal", entry)
		}
		principal := Principal{ID: principalID, Authenticated: true}
		if len(parts) == 3 {
			if strings.TrimSpace(parts[2]) != "superadmin" {
				return nil, fmt.Errorf("invalid static key entry %q: unknown flag %q", entry, parts[2])
			}
			principal.SuperAdmin = true
		}
		authenticator.keys[key] = principal
	}
	return authenticator, nil
}

func (a *StaticKeyAuthenticator) Authenticate(_ context.Context, apiKey string) (Principal, bool) {
	principal, ok := a.keys[apiKey]
	return principal, ok
}

type contextKey string

const principalKey contextKey = "tenancy_principal"

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext returns the request principal, or an unauthenticated
// zero Principal.
func PrincipalFromContext(ctx context.Context) Principal {
	principal, _ := ctx.Value(principalKey).(Principal)
	return principal
}

func TenantFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

// Middleware authenticates the API key of every request.
func Middleware(logger *slog.Logger, authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				writeUnauthorized(w, r, "missing API key")
				return
			}
			principal, ok := authenticator.Authenticate(r.Context(), apiKey)
			if !ok {
				if logger != nil {
					observability.WithTrace(r.Context(), logger).WarnContext(r.Context(), "authentication failed",
						slog.String("path", r.URL.Path),
					)
				}
				writeUnauthorized(w, r, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// DevMiddleware trusts X-Principal-ID without a key and grants super-admin.
// It is only installed when authentication is not required.
func DevMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if id == "" {
			id = "dev"
		}
		principal := Principal{ID: id, Authenticated: true, SuperAdmin: true}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	const bearerPrefix = "Bearer "
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(authorization, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
