package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/nlq"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	"github.com/nlqgate/nlqgate/internal/target"
	"github.com/nlqgate/nlqgate/internal/tenancy"
)

type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Service           *nlq.Service
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	routes := map[string]func(Dependencies, http.ResponseWriter, *http.Request){
		"POST /v1/tenants":                     handleCreateTenant,
		"POST /v1/memberships":                 handleUpsertMembership,
		"POST /v1/connections":                 handleCreateConnection,
		"GET /v1/connections":                  handleListConnections,
		"POST /v1/connections/test":            handleTestConnection,
		"GET /v1/connections/{id}":             handleGetConnection,
		"DELETE /v1/connections/{id}":          handleDeactivateConnection,
		"POST /v1/connections/{id}/introspect": handleIntrospect,
		"GET /v1/connections/{id}/schema":      handleGetSchema,
		"POST /v1/connections/{id}/examples":   handleCreateExample,
		"GET /v1/connections/{id}/examples":    handleListExamples,
		"POST /v1/connections/{id}/ask":        handleAsk,
		"GET /v1/history":                      handleListHistory,
		"GET /v1/history/{id}":                 handleGetHistory,
		"GET /v1/history/{id}/result":          handleDownloadResult,
	}
	for pattern, handle := range routes {
		protected.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if deps.Service == nil {
				writeError(r.Context(), w, http.StatusNotImplemented, "SERVICE_NOT_CONFIGURED", "query service is not configured", false, nil)
				return
			}
			handle(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	} else {
		protectedHandler = tenancy.DevMiddleware(protectedHandler)
	}
	mux.Handle("/v1/", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalogDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Catalog.DSN == "" {
			return errors.New("catalog dsn is not configured")
		}
		return nil
	}
}

func CheckCatalogReachable(repo interface{ HealthCheck(context.Context) error }) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := repo.HealthCheck(ctx); err != nil {
			return fmt.Errorf("catalog unreachable: %w", err)
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Results.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// scopeFromRequest authorizes the request principal for the X-Tenant-ID
// tenant. It writes the error response itself and reports false on failure.
func scopeFromRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (tenancy.Scope, bool) {
	tenantID := tenancy.TenantFromRequest(r)
	if tenantID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "X-Tenant-ID header is required", false, nil)
		return tenancy.Scope{}, false
	}
	scope, err := deps.Service.Authorize(r.Context(), tenancy.PrincipalFromContext(r.Context()), tenantID)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return tenancy.Scope{}, false
	}
	return scope, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// writeServiceError maps domain errors to responses. Unknown errors are
// logged and reported without details.
func writeServiceError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var connectivity *target.ConnectivityError
	switch {
	case errors.Is(err, tenancy.ErrUnauthenticated):
		writeError(ctx, w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", false, nil)
	case errors.Is(err, tenancy.ErrForbidden):
		writeError(ctx, w, http.StatusForbidden, "FORBIDDEN", "admin role required", false, nil)
	case errors.Is(err, catalog.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", "resource not found", false, nil)
	case errors.Is(err, nlq.ErrNoResult):
		writeError(ctx, w, http.StatusNotFound, "RESULT_NOT_AVAILABLE", "no result artifact for this query", false, nil)
	case errors.Is(err, catalog.ErrConflict):
		writeError(ctx, w, http.StatusConflict, "CONFLICT", "resource already exists", false, nil)
	case errors.Is(err, nlq.ErrInvalidInput):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), false, nil)
	case errors.Is(err, nlq.ErrModelUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "MODEL_NOT_CONFIGURED", "language model is not configured", false, nil)
	case errors.Is(err, nlq.ErrModelFailed):
		writeError(ctx, w, http.StatusBadGateway, "MODEL_ERROR", "language model request failed", true, nil)
	case errors.As(err, &connectivity):
		writeError(ctx, w, http.StatusUnprocessableEntity, "CONNECTION_FAILED", connectivity.Error(), errors.Is(err, target.ErrUnreachable) || errors.Is(err, target.ErrTimeout), map[string]any{"kind": connectivity.Kind.Error()})
	default:
		if rejection, ok := sqlguard.AsRejection(err); ok {
			writeError(ctx, w, http.StatusUnprocessableEntity, "SQL_REJECTED", rejection.Error(), false, map[string]any{"reason": string(rejection.Reason)})
			return
		}
		if deps.Logger != nil {
			observability.WithTrace(ctx, deps.Logger).ErrorContext(ctx, "request failed",
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, nil)
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
