package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/nuka-conductor/internal/scheduler"
)

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.TaskSpec
	if !decode(w, r, &spec) {
		return
	}
	t, err := h.sched.AddTask(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) readyTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.GetReadyTasks())
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.ListTasks())
}

func (h *Handler) nextTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.sched.GetNextTask()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.sched.GetTask(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// transitionTask applies a lifecycle change and answers with the task.
// Unknown tasks give 404, refused transitions 409.
func (h *Handler) transitionTask(w http.ResponseWriter, r *http.Request, apply func(id string) bool) {
	id := chi.URLParam(r, "id")
	if _, ok := h.sched.GetTask(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !apply(id) {
		t, _ := h.sched.GetTask(id)
		writeError(w, http.StatusConflict, "transition not allowed from "+string(t.Status))
		return
	}
	t, _ := h.sched.GetTask(id)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) scheduleTask(w http.ResponseWriter, r *http.Request) {
	h.transitionTask(w, r, h.sched.ScheduleTask)
}

func (h *Handler) runningTask(w http.ResponseWriter, r *http.Request) {
	h.transitionTask(w, r, h.sched.MarkTaskRunning)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	h.transitionTask(w, r, h.sched.CancelTask)
}

type completeRequest struct {
	Result any `json:"result"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	h.transitionTask(w, r, func(id string) bool { return h.sched.MarkTaskCompleted(id, req.Result) })
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !decode(w, r, &req) {
		return
	}
	h.transitionTask(w, r, func(id string) bool { return h.sched.MarkTaskFailed(id, req.Reason) })
}

type priorityRequest struct {
	Priority scheduler.Priority `json:"priority"`
}

func (h *Handler) updatePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "unknown priority "+string(req.Priority))
		return
	}
	h.transitionTask(w, r, func(id string) bool { return h.sched.UpdateTaskPriority(id, req.Priority) })
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"reweighed": h.sched.RecalculatePriorities()})
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Context())
}

func (h *Handler) adaptContext(w http.ResponseWriter, r *http.Request) {
	var update scheduler.SchedulingContext
	if !decode(w, r, &update) {
		return
	}
	if len(update) == 0 {
		writeError(w, http.StatusBadRequest, "empty context update")
		return
	}
	writeJSON(w, http.StatusOK, h.sched.AdaptToContextChange(update))
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.AuditLog())
}

func (h *Handler) insights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Insights())
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Patterns())
}

func (h *Handler) addPattern(w http.ResponseWriter, r *http.Request) {
	var p scheduler.ContextPattern
	if !decode(w, r, &p) {
		return
	}
	if err := h.sched.AddPattern(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
