package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stagehand/internal/workflow"
	"github.com/pitabwire/stagehand/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func handleExecutionList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseExecutionFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		list, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"executions": list,
			"limit":      filters.Limit,
			"offset":     filters.Offset,
		})
	}
}

func parseExecutionFilters(r *http.Request) (model.ExecutionFilters, error) {
	q := r.URL.Query()
	filters := model.ExecutionFilters{
		PluginID:   q.Get("plugin_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      defaultListLimit,
	}

	if s := q.Get("status"); s != "" {
		status := model.ExecutionStatus(s)
		if !status.Valid() {
			return filters, model.NewBadRequestError(fmt.Sprintf("unknown status %q", s))
		}
		filters.Status = status
	}

	var err error
	if filters.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil {
		return filters, model.NewBadRequestError("limit must be a non-negative integer")
	}
	if filters.Limit == 0 || filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if filters.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return filters, model.NewBadRequestError("offset must be a non-negative integer")
	}
	return filters, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func handleExecutionGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleExecutionLogs(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := engine.Logs(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if logs == nil {
			logs = []model.LogEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

func handleExecutionCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cancelled, err := engine.Cancel(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"execution_id": id,
			"cancelled":    cancelled,
		})
	}
}

func handleStatistics(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.Statistics(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// cleanupRequest is the optional body of POST /executions/cleanup.
type cleanupRequest struct {
	RetentionDays *int `json:"retention_days"`
}

func handleCleanup(engine *workflow.Engine, defaultDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cleanupRequest
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		days := defaultDays
		if body.RetentionDays != nil {
			days = *body.RetentionDays
		}

		removed, err := engine.Cleanup(r.Context(), days)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"retention_days": days,
			"removed":        removed,
		})
	}
}
