package api

import (
	"net/http"
	"strings"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/tenancy"
)

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

func handleCreateTenant(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := deps.Service.CreateTenant(r.Context(), tenancy.PrincipalFromContext(r.Context()), req.TenantID, req.Name)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tenant_id":  tenant.TenantID,
		"name":       tenant.Name,
		"created_at": tenant.CreatedAt,
	})
}

type membershipRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
}

func handleUpsertMembership(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	var req membershipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	membership, err := deps.Service.AddMembership(r.Context(), scope, req.PrincipalID, catalog.Role(strings.ToLower(strings.TrimSpace(req.Role))))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":    membership.TenantID,
		"principal_id": membership.PrincipalID,
		"role":         string(membership.Role),
	})
}
