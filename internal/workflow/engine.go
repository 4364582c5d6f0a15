package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/capability"
	"github.com/nidhogg/nuka-conductor/internal/contract"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
)

// DefaultBusID is the bus identity the engine dispatches from.
const DefaultBusID = "workflow-engine"

// Options tune the engine. Zero values take defaults.
type Options struct {
	DefaultTimeout  time.Duration
	MaxParallel     int
	MaxStepVisits   int
	ContractTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 2 * time.Minute
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.MaxStepVisits <= 0 {
		o.MaxStepVisits = 10
	}
	if o.ContractTimeout <= 0 {
		o.ContractTimeout = 30 * time.Second
	}
	return o
}

// RunRecorder stores runs once they end.
type RunRecorder interface {
	SaveRun(ctx context.Context, state *ExecutionState) error
}

// Engine registers workflow definitions and executes runs of them.
type Engine struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	byName map[string]string
	runs   map[string]*run

	sched     *scheduler.Scheduler
	bus       *bus.Bus
	dir       *capability.Directory
	exec      capability.Executor
	contracts *contract.Protocol
	recorder  RunRecorder
	opts      Options
	busID     string
	logger    *zap.Logger
}

// NewEngine creates an engine that orders ready steps through sched,
// publishes dispatches on b, picks agents from dir and calls them via exec.
func NewEngine(sched *scheduler.Scheduler, b *bus.Bus, dir *capability.Directory, exec capability.Executor, logger *zap.Logger) *Engine {
	return &Engine{
		defs:   make(map[string]*Definition),
		byName: make(map[string]string),
		runs:   make(map[string]*run),
		sched:  sched,
		bus:    b,
		dir:    dir,
		exec:   exec,
		opts:   Options{}.withDefaults(),
		busID:  DefaultBusID,
		logger: logger,
	}
}

// SetOptions replaces the engine options.
func (e *Engine) SetOptions(o Options) { e.opts = o.withDefaults() }

// SetContracts enables contract negotiation for ViaContract steps.
func (e *Engine) SetContracts(p *contract.Protocol) { e.contracts = p }

// SetRecorder attaches a store that receives finished runs.
func (e *Engine) SetRecorder(r RunRecorder) { e.recorder = r }

// CreateWorkflow compiles spec and registers it.
func (e *Engine) CreateWorkflow(spec Spec) (*Definition, error) {
	d, err := Compile(spec)
	if err != nil {
		return nil, err
	}
	if err := e.RegisterWorkflow(d); err != nil {
		return nil, err
	}
	return d, nil
}

// RegisterWorkflow registers a compiled definition. The most recently
// registered definition of a name answers lookups by that name.
func (e *Engine) RegisterWorkflow(d *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[d.ID]; exists {
		return fmt.Errorf("workflow %s already registered", d.ID)
	}
	e.defs[d.ID] = d
	e.byName[d.Name()] = d.ID
	e.logger.Info("workflow registered",
		zap.String("id", d.ID),
		zap.String("name", d.Name()),
		zap.String("version", d.Version()),
		zap.Int("steps", len(d.order)))
	return nil
}

// GetWorkflow returns a definition by id.
func (e *Engine) GetWorkflow(id string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[id]
	return d, ok
}

// GetWorkflowByName returns the latest definition registered under name.
func (e *Engine) GetWorkflowByName(name string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	return e.defs[id], true
}

// ListWorkflows returns every definition ordered by name, then creation.
func (e *Engine) ListWorkflows() []*Definition {
	e.mu.RLock()
	out := make([]*Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StartWorkflow starts a run of definition id in the background and
// returns its run id. The run outlives ctx's cancellation; use
// CancelExecution to stop it.
func (e *Engine) StartWorkflow(ctx context.Context, id string, input any) (string, error) {
	d, ok := e.GetWorkflow(id)
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrWorkflowNotFound)
	}
	r := e.newRun(context.WithoutCancel(ctx), d, input)
	go r.drive()
	return r.state.RunID, nil
}

// StartWorkflowByName starts a run of the latest definition named name.
func (e *Engine) StartWorkflowByName(ctx context.Context, name string, input any) (string, error) {
	d, ok := e.GetWorkflowByName(name)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrWorkflowNotFound)
	}
	return e.StartWorkflow(ctx, d.ID, input)
}

// ExecuteWorkflowByID runs definition id to completion. Canceling ctx
// cancels the run.
func (e *Engine) ExecuteWorkflowByID(ctx context.Context, id string, input any) (*ExecutionState, error) {
	d, ok := e.GetWorkflow(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrWorkflowNotFound)
	}
	r := e.newRun(ctx, d, input)
	r.drive()
	return r.snapshot(), nil
}

// ExecuteWorkflowByName runs the latest definition named name to completion.
func (e *Engine) ExecuteWorkflowByName(ctx context.Context, name string, input any) (*ExecutionState, error) {
	d, ok := e.GetWorkflowByName(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrWorkflowNotFound)
	}
	return e.ExecuteWorkflowByID(ctx, d.ID, input)
}

// GetExecutionStatus returns a copy of a run's state.
func (e *Engine) GetExecutionStatus(runID string) (*ExecutionState, bool) {
	e.mu.RLock()
	r, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Wait blocks until a run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*ExecutionState, error) {
	e.mu.RLock()
	r, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelExecution cancels a running run. It returns false for unknown or
// already finished runs.
func (e *Engine) CancelExecution(runID string) bool {
	e.mu.RLock()
	r, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	terminal := r.state.Status.Terminal()
	r.mu.Unlock()
	if terminal {
		return false
	}
	r.cancel()
	return true
}

// ListRuns returns copies of every run, newest first.
func (e *Engine) ListRuns() []*ExecutionState {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()
	out := make([]*ExecutionState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (e *Engine) newRun(parent context.Context, d *Definition, input any) *run {
	ctx, cancel := context.WithCancel(parent)
	maxParallel := d.spec.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.opts.MaxParallel
	}
	maxVisits := d.spec.MaxStepVisits
	if maxVisits <= 0 {
		maxVisits = e.opts.MaxStepVisits
	}
	r := &run{
		engine:      e,
		def:         d,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		maxParallel: maxParallel,
		maxVisits:   maxVisits,
		visits:      make(map[string]int),
		arrived:     make(map[string]map[string]bool),
		owned:       make(map[string]*pending),
		results:     make(chan outcome),
		state: &ExecutionState{
			RunID:        uuid.New().String(),
			WorkflowID:   d.ID,
			WorkflowName: d.Name(),
			Version:      d.Version(),
			Status:       RunPending,
			Input:        input,
			Outputs:      make(map[string]any),
			ActiveAgents: []string{},
			Metadata:     make(map[string]any),
			StartedAt:    time.Now(),
			active:       make(map[string]int),
		},
	}
	for k, v := range d.spec.Metadata {
		r.state.Metadata[k] = v
	}
	e.mu.Lock()
	e.runs[r.state.RunID] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) publish(msg bus.Message) bus.Message {
	if e.bus == nil {
		return msg
	}
	return e.bus.SendMessage(context.Background(), msg)
}

func (e *Engine) record(state *ExecutionState) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.recorder.SaveRun(ctx, state); err != nil {
		e.logger.Warn("record run failed", zap.String("run", state.RunID), zap.Error(err))
	}
}
