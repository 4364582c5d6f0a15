package capability

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router sends requests to the executor bound to the target agent, trying
// the agent's fallback executors when the primary fails. Router is itself
// an Executor and a StreamExecutor.
type Router struct {
	executors map[string]Executor
	bindings  map[string]string   // agentID -> executor name
	fallbacks map[string][]string // agentID -> fallback executor names
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		executors: make(map[string]Executor),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a named executor. The first one registered becomes the default.
func (r *Router) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
	if r.defaults == "" {
		r.defaults = name
	}
	r.logger.Info("registered executor", zap.String("name", name))
}

// SetDefault sets the executor used by unbound agents.
func (r *Router) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = name
}

// Bind routes an agent's requests to a named executor.
func (r *Router) Bind(agentID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = name
}

// SetFallbacks configures fallback executors for an agent.
func (r *Router) SetFallbacks(agentID string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = names
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	r.mu.RLock()
	primary := r.executorFor(req.AgentID)
	var chain []Executor
	for _, name := range r.fallbacks[req.AgentID] {
		if e, ok := r.executors[name]; ok {
			chain = append(chain, e)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, &Error{Capability: req.Capability, AgentID: req.AgentID, Err: fmt.Errorf("no executor bound")}
	}

	res, err := primary.Execute(ctx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary executor failed, trying fallbacks",
		zap.String("agent", req.AgentID),
		zap.String("capability", req.Capability),
		zap.Error(err))

	for i, fb := range chain {
		res, err = fb.Execute(ctx, req)
		if err == nil {
			return res, nil
		}
		r.logger.Warn("fallback executor failed", zap.Int("fallback", i), zap.Error(err))
	}
	return nil, &Error{Capability: req.Capability, AgentID: req.AgentID, Err: err}
}

// ExecuteStream implements StreamExecutor. Agents whose executor cannot
// stream have their whole output emitted as one token; a nil result or
// output emits nothing.
func (r *Router) ExecuteStream(ctx context.Context, req Request, emit func(string) error) error {
	r.mu.RLock()
	primary := r.executorFor(req.AgentID)
	r.mu.RUnlock()
	if primary == nil {
		return &Error{Capability: req.Capability, AgentID: req.AgentID, Err: fmt.Errorf("no executor bound")}
	}
	if se, ok := primary.(StreamExecutor); ok {
		return se.ExecuteStream(ctx, req, emit)
	}
	res, err := r.Execute(ctx, req)
	if err != nil {
		return err
	}
	if res == nil || res.Output == nil {
		return nil
	}
	return emit(fmt.Sprint(res.Output))
}

func (r *Router) executorFor(agentID string) Executor {
	if name, ok := r.bindings[agentID]; ok {
		if e, ok := r.executors[name]; ok {
			return e
		}
	}
	if e, ok := r.executors[r.defaults]; ok {
		return e
	}
	return nil
}
