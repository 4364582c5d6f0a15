package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflow.Spec
	if !decode(w, r, &spec) {
		return
	}
	d, err := h.engine.CreateWorkflow(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d.Summary())
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.ListWorkflows()
	out := make([]workflow.Summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

type startRunRequest struct {
	Input any  `json:"input"`
	Wait  bool `json:"wait,omitempty"`
}

// startRun starts a run in the background, or with wait set blocks until it
// ends and returns the final state.
func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")

	if req.Wait {
		st, err := h.engine.ExecuteWorkflowByName(r.Context(), name, req.Input)
		if err != nil {
			writeError(w, workflowErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	runID, err := h.engine.StartWorkflowByName(r.Context(), name, req.Input)
	if err != nil {
		writeError(w, workflowErrorStatus(err), err.Error())
		return
	}
	h.logger.Info("workflow run started", zap.String("workflow", name), zap.String("run", runID))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": string(workflow.RunRunning)})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListRuns())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if st, ok := h.engine.GetExecutionStatus(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	if h.archive != nil {
		st, err := h.archive.GetRun(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, st)
			return
		}
		h.logger.Debug("archived run lookup failed", zap.String("run", id), zap.Error(err))
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.engine.GetExecutionStatus(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !h.engine.CancelExecution(id) {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "canceling"})
}

func workflowErrorStatus(err error) int {
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
