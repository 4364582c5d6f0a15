package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/capability"
	"github.com/nidhogg/nuka-conductor/internal/contract"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

// RunArchive looks up runs that are no longer held in memory.
type RunArchive interface {
	GetRun(ctx context.Context, runID string) (*workflow.ExecutionState, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sched     *scheduler.Scheduler
	bus       *bus.Bus
	contracts *contract.Protocol
	engine    *workflow.Engine
	dir       *capability.Directory
	notifier  *notify.Notifier
	archive   RunArchive
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	sched *scheduler.Scheduler,
	b *bus.Bus,
	contracts *contract.Protocol,
	engine *workflow.Engine,
	dir *capability.Directory,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sched:     sched,
		bus:       b,
		contracts: contracts,
		engine:    engine,
		dir:       dir,
		logger:    logger,
	}
}

// SetNotifier exposes recent alerts under /api/alerts.
func (h *Handler) SetNotifier(n *notify.Notifier) { h.notifier = n }

// SetArchive enables run lookups beyond the engine's memory.
func (h *Handler) SetArchive(a RunArchive) { h.archive = a }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Scheduler
		r.Post("/tasks", h.addTask)
		r.Get("/tasks", h.readyTasks)
		r.Get("/tasks/all", h.listTasks)
		r.Get("/tasks/next", h.nextTask)
		r.Post("/tasks/recalculate", h.recalculate)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/schedule", h.scheduleTask)
		r.Post("/tasks/{id}/running", h.runningTask)
		r.Post("/tasks/{id}/complete", h.completeTask)
		r.Post("/tasks/{id}/fail", h.failTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/tasks/{id}/priority", h.updatePriority)
		r.Get("/context", h.getContext)
		r.Post("/context", h.adaptContext)
		r.Get("/context/audit", h.auditLog)
		r.Get("/insights", h.insights)
		r.Get("/patterns", h.listPatterns)
		r.Post("/patterns", h.addPattern)

		// Bus
		r.Post("/messages", h.sendMessage)
		r.Get("/messages", h.messageHistory)
		r.Delete("/messages", h.clearMessages)
		r.Get("/conversations", h.conversations)

		// Contracts
		r.Post("/contracts", h.createContract)
		r.Get("/contracts", h.listContracts)
		r.Get("/contracts/{id}", h.getContract)
		r.Post("/contracts/{id}/offers", h.offerContract)
		r.Get("/contracts/{id}/offers", h.listOffers)
		r.Post("/contracts/{id}/accept", h.acceptContract)
		r.Post("/contracts/{id}/reject", h.rejectContract)
		r.Post("/contracts/{id}/reports", h.reportContract)
		r.Post("/contracts/{id}/complete", h.completeContract)
		r.Post("/contracts/{id}/terminate", h.terminateContract)

		// Workflows
		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows/{name}/runs", h.startRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/cancel", h.cancelRun)

		// Directory and alerts
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Post("/agents/{id}/availability", h.setAvailability)
		r.Get("/alerts", h.listAlerts)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tasks":     len(h.sched.ListTasks()),
		"workflows": len(h.engine.ListWorkflows()),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dir.List())
}

type agentRequest struct {
	capability.Agent
	Available *bool `json:"available"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decode(w, r, &req) {
		return
	}
	a := req.Agent
	if a.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	a.Available = req.Available == nil || *req.Available
	h.dir.Register(a)
	stored, _ := h.dir.Get(a.ID)
	writeJSON(w, http.StatusCreated, stored)
}

type availabilityRequest struct {
	Available bool `json:"available"`
}

func (h *Handler) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.dir.SetAvailable(id, req.Available) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "available": req.Available})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeJSON(w, http.StatusOK, []notify.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, h.notifier.History(queryInt(r, "limit", 0)))
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
