package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/storage"
)

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := deps.Service.Ask(r.Context(), scope, r.PathValue("id"), req.Question)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	if result.Rejection != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"history_id": result.HistoryID,
			"reason":     string(result.Rejection.Reason),
			"error":      result.Rejection.Error(),
			"sql":        result.SQL,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"history_id": result.HistoryID,
		"job_id":     result.Job.JobID,
		"duplicate":  result.Job.Duplicate,
		"sql":        result.SQL,
	})
}

type historyView struct {
	HistoryID       string     `json:"history_id"`
	ConnectionID    string     `json:"connection_id"`
	PrincipalID     string     `json:"principal_id"`
	Prompt          string     `json:"prompt"`
	GeneratedSQL    string     `json:"generated_sql"`
	Status          string     `json:"status"`
	RowCount        int64      `json:"row_count"`
	DurationMS      int64      `json:"duration_ms"`
	ErrorText       string     `json:"error_text"`
	ResultAvailable bool       `json:"result_available"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

func newHistoryView(row catalog.QueryHistory) historyView {
	return historyView{
		HistoryID:       row.HistoryID,
		ConnectionID:    row.ConnectionID,
		PrincipalID:     row.PrincipalID,
		Prompt:          row.Prompt,
		GeneratedSQL:    row.GeneratedSQL,
		Status:          string(row.Status),
		RowCount:        row.RowCount,
		DurationMS:      row.DurationMS,
		ErrorText:       row.ErrorText,
		ResultAvailable: row.ResultPath != "",
		CreatedAt:       row.CreatedAt,
		StartedAt:       row.StartedAt,
		FinishedAt:      row.FinishedAt,
	}
}

func handleListHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	filter := catalog.HistoryFilter{
		ConnectionID: strings.TrimSpace(r.URL.Query().Get("connection_id")),
		Status:       catalog.QueryStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		filter.Limit = limit
	}
	rows, err := deps.Service.ListHistory(r.Context(), scope, filter)
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	items := make([]historyView, 0, len(rows))
	for _, row := range rows {
		items = append(items, newHistoryView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

func handleGetHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	row, err := deps.Service.GetHistory(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryView(row))
}

func handleDownloadResult(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(deps, w, r)
	if !ok {
		return
	}
	body, err := deps.Service.OpenResult(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	defer func() { _ = body.Close() }()
	w.Header().Set("Content-Type", storage.ParquetContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+r.PathValue("id")+`.parquet"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
