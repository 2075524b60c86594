package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/workflow"
	"github.com/pitabwire/stagehand/model"
)

const maxBodyBytes = 1 << 20

// workflowView is a workflow definition as returned by the API.
type workflowView struct {
	model.WorkflowConfig
	Builtin bool `json:"builtin"`
}

func viewOf(reg *definition.Registry, cfg model.WorkflowConfig) workflowView {
	return workflowView{WorkflowConfig: cfg, Builtin: reg.IsBuiltin(cfg.ID)}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func handleWorkflowList(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		list := reg.List()
		views := make([]workflowView, 0, len(list))
		for _, cfg := range list {
			views = append(views, viewOf(reg, cfg))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"workflows": views})
	}
}

func handleWorkflowGet(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := reg.Get(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(reg, cfg))
	}
}

func handleWorkflowCreate(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg model.WorkflowConfig
		if err := decodeJSON(r, &cfg, false); err != nil {
			WriteError(w, err)
			return
		}
		if cfg.ID == "" {
			WriteBadRequest(w, "id is required")
			return
		}
		if _, err := reg.Get(cfg.ID); err == nil {
			WriteError(w, model.NewConflictError(fmt.Sprintf("workflow %q already exists", cfg.ID)))
			return
		}
		if err := reg.Register(r.Context(), cfg.ID, cfg); err != nil {
			WriteError(w, err)
			return
		}
		saved, err := reg.Get(cfg.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewOf(reg, saved))
	}
}

func handleWorkflowUpdate(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var cfg model.WorkflowConfig
		if err := decodeJSON(r, &cfg, false); err != nil {
			WriteError(w, err)
			return
		}
		if cfg.ID != "" && cfg.ID != id {
			WriteBadRequest(w, fmt.Sprintf("body id %q does not match path id %q", cfg.ID, id))
			return
		}
		if err := reg.Register(r.Context(), id, cfg); err != nil {
			WriteError(w, err)
			return
		}
		saved, err := reg.Get(id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(reg, saved))
	}
}

func handleWorkflowDelete(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// executeRequest is the body of POST /workflows/{id}/execute.
type executeRequest struct {
	PluginID string            `json:"plugin_id"`
	Params   map[string]string `json:"params,omitempty"`
}

// executeResponse acknowledges a started (or replayed) execution.
type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	Replayed    bool   `json:"replayed,omitempty"`
}

func handleWorkflowExecute(d *workflow.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body executeRequest
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if body.PluginID == "" {
			WriteBadRequest(w, "plugin_id is required")
			return
		}

		res, err := d.Submit(r.Context(), workflow.RunRequest{
			WorkflowID:     chi.URLParam(r, "id"),
			PluginID:       body.PluginID,
			Params:         body.Params,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			WriteError(w, err)
			return
		}

		status := http.StatusAccepted
		if res.Replayed {
			status = http.StatusOK
		}
		w.Header().Set("Location", "/executions/"+res.ExecutionID)
		WriteJSON(w, status, executeResponse{ExecutionID: res.ExecutionID, Replayed: res.Replayed})
	}
}
