package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/nlq"
)

type connectionRequest struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Database string            `json:"database"`
	Username string            `json:"username"`
	Password string            `json:"password"`
	Options  map[string]string `json:"options"`
}

func (req connectionRequest) input() nlq.ConnectionInput {
	return nlq.ConnectionInput{
		Name:     req.Name,
		Driver:   catalog.DriverName(strings.ToLower(strings.TrimSpace(req.Driver))),
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		Username: req.Username,
		Password: req.Password,
		Options:  req.Options,
	}
}

type connectionView struct {
	ConnectionID        string            `json:"connection_id"`
	Name                string            `json:"name"`
	Driver              string            `json:"driver"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Database            string            `json:"database"`
	Username            string            `json:"username"`
	Options             map[string]string `json:"options"`
	Active              bool              `json:"active"`
	CreatedBy           string            `json:"created_by"`
	IntrospectionStatus string            `json:"introspection_status"`
	IntrospectionError  string            `json:"introspection_error,omitempty"`
	IntrospectedAt      *time.Time        `json:"introspected_at"`
	CreatedAt           time.Time         `json:"created_at"`
}

// newConnectionView omits SecretCiphertext.
func newConnectionView(conn catalog.Connection) connectionView {
	options := conn.Options
	if options == nil {
		options = map[string]string{}
	}
	return connectionView{
		ConnectionID:        conn.ConnectionID,
		Name:                conn.Name,
		Driver:              string(conn.Driver),
		Host:                conn.Host,
		Port:                conn.Port,
		Database:            conn.Database,
		Username:            conn.Username,
		Options:             options,
		Active:              conn.Active,
		CreatedBy:           conn.CreatedBy,
		IntrospectionStatus: string(conn.IntrospectionStatus),
		IntrospectionError:  conn.IntrospectionError,
		IntrospectedAt:      conn.IntrospectedAt,
		CreatedAt:           conn.CreatedAt,
	}
}

func handleCreateConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	var req connectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conn, err := deps.Service.CreateConnection(r.Context(), scope, req.input())
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConnectionView(conn))
}

func handleTestConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	var req connectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := deps.Service.TestConnection(r.Context(), scope, req.input()); err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func handleListConnections(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	conns, err := deps.Service.ListConnections(r.Context(), scope)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	items := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		items = append(items, newConnectionView(conn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": scope.TenantID(), "connections": items})
}

func handleGetConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	conn, err := deps.Service.GetConnection(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

func handleDeactivateConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	if err := deps.Service.DeactivateConnection(r.Context(), scope, r.PathValue("id")); err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": r.PathValue("id"), "active": false})
}

func handleIntrospect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	handle, err := deps.Service.RefreshSchema(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	snapshot, err := deps.Service.GetSchema(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type exampleRequest struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type exampleView struct {
	ExampleID int64     `json:"example_id"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql"`
	CreatedAt time.Time `json:"created_at"`
}

func handleCreateExample(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	var req exampleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	example, err := deps.Service.AddPromptExample(r.Context(), scope, r.PathValue("id"), req.Question, req.SQL)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exampleView{ExampleID: example.ExampleID, Question: example.Question, SQL: example.SQL, CreatedAt: example.CreatedAt})
}

func handleListExamples(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	examples, err := deps.Service.ListPromptExamples(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	items := make([]exampleView, 0, len(examples))
	for _, example := range examples {
		items = append(items, exampleView{ExampleID: example.ExampleID, Question: example.Question, SQL: example.SQL, CreatedAt: example.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": items})
}
