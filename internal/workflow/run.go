package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
)

// StepError is a step that failed after all its attempts.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// pending is a step visit queued in the scheduler.
type pending struct {
	stepID string
	visit  int
	taskID string
}

type outcome struct {
	p        *pending
	rec      StepRecord
	output   any
	metadata map[string]any
	err      error
}

// run drives one execution. Fields below the state lock are owned by the
// drive goroutine.
type run struct {
	engine      *Engine
	def         *Definition
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	maxParallel int
	maxVisits   int

	mu    sync.Mutex
	state *ExecutionState

	visits   map[string]int
	arrived  map[string]map[string]bool
	owned    map[string]*pending
	tasks    []string
	inflight int
	results  chan outcome
}

func (r *run) snapshot() *ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *run) logger() *zap.Logger {
	return r.engine.logger.With(zap.String("run", r.state.RunID), zap.String("workflow", r.def.Name()))
}

// drive executes the run until no work remains, a step fails without a
// failure edge, or the run is canceled.
func (r *run) drive() {
	defer close(r.done)
	defer r.cancel()
	log := r.logger()

	r.mu.Lock()
	r.state.Status = RunRunning
	r.mu.Unlock()
	log.Info("run started")

	var failErr error
	var failStep string
	canceled := false

	if err := r.enqueue(r.def.StartAt()); err != nil {
		failErr, failStep = err, r.def.StartAt()
	}

loop:
	for failErr == nil {
		r.dispatchReady()
		if r.inflight == 0 {
			if id, err := r.stalled(); err != nil {
				failErr, failStep = err, id
				break
			}
			released, err := r.releaseJoins()
			if err != nil {
				failErr = err
				break
			}
			if released {
				continue
			}
			break
		}
		select {
		case <-r.ctx.Done():
			canceled = true
			break loop
		case out := <-r.results:
			r.inflight--
			if r.ctx.Err() != nil {
				r.discard(out)
				canceled = true
				break loop
			}
			if err := r.handle(out); err != nil {
				failErr, failStep = err, out.p.stepID
			}
		}
	}

	r.cancel()
	for r.inflight > 0 {
		out := <-r.results
		r.inflight--
		r.discard(out)
	}
	for id := range r.owned {
		r.engine.sched.CancelTask(id)
	}
	for _, id := range r.tasks {
		r.engine.sched.RemoveTask(id)
	}
	r.finish(failErr, failStep, canceled)
}

// discard records an outcome that arrived after the run stopped.
func (r *run) discard(out outcome) {
	if out.rec.Status != StepFailed {
		out.rec.Status = StepCanceled
	}
	r.mu.Lock()
	r.state.Steps = append(r.state.Steps, out.rec)
	r.mu.Unlock()
	r.engine.sched.CancelTask(out.p.taskID)
}

func (r *run) finish(failErr error, failStep string, canceled bool) {
	e := r.engine
	r.mu.Lock()
	switch {
	case failErr != nil:
		r.state.Status = RunFailed
		r.state.Error = failErr.Error()
		r.state.FailedStep = failStep
	case canceled:
		r.state.Status = RunCanceled
		r.state.Error = context.Canceled.Error()
	default:
		r.state.Status = RunCompleted
	}
	r.state.CompletedAt = time.Now()
	r.state.active = make(map[string]int)
	r.state.syncActive()
	snap := r.state.clone()
	r.mu.Unlock()

	log := r.logger()
	switch snap.Status {
	case RunFailed:
		log.Error("run failed", zap.String("step", failStep), zap.Error(failErr))
		e.publish(bus.Message{
			Type:     bus.TypeError,
			SenderID: e.busID,
			Priority: bus.PriorityHigh,
			Content: map[string]any{
				"runId":    snap.RunID,
				"workflow": snap.WorkflowName,
				"stepId":   failStep,
				"error":    snap.Error,
			},
			Metadata: bus.WithConversation(snap.RunID, nil),
		})
	case RunCanceled:
		log.Info("run canceled")
	default:
		log.Info("run completed",
			zap.Int("steps", len(snap.Steps)),
			zap.Duration("elapsed", snap.CompletedAt.Sub(snap.StartedAt)))
	}
	e.record(snap)
}

// dispatchReady starts owned ready steps in scheduler order until the
// run's parallelism limit is reached.
func (r *run) dispatchReady() {
	if len(r.owned) == 0 || r.inflight >= r.maxParallel {
		return
	}
	for _, t := range r.engine.sched.GetReadyTasks() {
		if r.inflight >= r.maxParallel {
			return
		}
		p, ok := r.owned[t.ID]
		if !ok {
			continue
		}
		if !r.engine.sched.MarkTaskRunning(t.ID) {
			continue
		}
		delete(r.owned, t.ID)
		input, err := r.resolveInput(p.stepID)
		r.inflight++
		go r.execute(p, input, err)
	}
}

// stalled reports an owned step whose task left the scheduled state
// outside the run, which would otherwise never become ready.
func (r *run) stalled() (string, error) {
	for id, p := range r.owned {
		t, ok := r.engine.sched.GetTask(id)
		if !ok || t.Status != scheduler.TaskScheduled {
			status := "removed"
			if ok {
				status = string(t.Status)
			}
			delete(r.owned, id)
			return p.stepID, fmt.Errorf("step %s task %s was %s outside the run", p.stepID, id, status)
		}
	}
	return "", nil
}

// releaseJoins enqueues joins still waiting on predecessors once nothing
// else can arrive.
func (r *run) releaseJoins() (bool, error) {
	if len(r.arrived) == 0 {
		return false, nil
	}
	var ids []string
	for id := range r.arrived {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.arrived = make(map[string]map[string]bool)
	for _, id := range ids {
		r.logger().Debug("releasing partial join", zap.String("step", id))
		if err := r.enqueue(id); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *run) handle(out outcome) error {
	e := r.engine
	st := r.def.steps[out.p.stepID]

	r.mu.Lock()
	r.state.Steps = append(r.state.Steps, out.rec)
	if out.err == nil {
		r.state.Outputs[out.p.stepID] = out.output
		r.state.mergeMetadata(out.metadata)
	}
	r.mu.Unlock()

	var next []string
	if out.err == nil {
		e.sched.MarkTaskCompleted(out.p.taskID, out.output)
		next = append(next, st.spec.OnSuccess...)
		if len(st.branches) > 0 {
			snap := r.snapshot()
			for _, b := range st.branches {
				if b.test(out.output, snap) {
					if b.then != "" {
						next = append(next, b.then)
					}
				} else if b.els != "" {
					next = append(next, b.els)
				}
			}
		}
	} else {
		e.sched.MarkTaskFailed(out.p.taskID, out.err.Error())
		if len(st.spec.OnFailure) == 0 {
			return out.err
		}
		r.logger().Warn("step failed, following failure edges",
			zap.String("step", out.p.stepID),
			zap.Strings("next", st.spec.OnFailure),
			zap.Error(out.err))
		next = append(next, st.spec.OnFailure...)
	}

	seen := make(map[string]bool, len(next))
	for _, id := range next {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := r.arrive(id, out.p.stepID); err != nil {
			return err
		}
	}
	return nil
}

// arrive delivers an edge from -> target. Targets with several
// predecessors wait until all of them have arrived.
func (r *run) arrive(target, from string) error {
	preds := r.def.steps[target].preds
	if len(preds) <= 1 {
		return r.enqueue(target)
	}
	set := r.arrived[target]
	if set == nil {
		set = make(map[string]bool, len(preds))
		r.arrived[target] = set
	}
	set[from] = true
	if len(set) < len(preds) {
		return nil
	}
	delete(r.arrived, target)
	return r.enqueue(target)
}

// enqueue adds a visit of a step to the scheduler.
func (r *run) enqueue(stepID string) error {
	e := r.engine
	st := r.def.steps[stepID]
	r.visits[stepID]++
	visit := r.visits[stepID]
	if visit > r.maxVisits {
		return fmt.Errorf("step %s exceeded %d visits", stepID, r.maxVisits)
	}

	spec := scheduler.TaskSpec{
		ID:       fmt.Sprintf("%s/%s#%d", r.state.RunID, stepID, visit),
		Name:     r.def.Name() + "/" + stepID,
		Priority: st.spec.Priority,
		Metadata: map[string]any{
			"runId":      r.state.RunID,
			"workflow":   r.def.Name(),
			"stepId":     stepID,
			"capability": st.spec.Capability,
		},
		AutoSchedule: true,
	}
	if st.spec.Timeout > 0 {
		deadline := time.Now().Add(time.Duration(st.spec.Timeout) * time.Duration(st.spec.Retries+1))
		spec.Deadline = &deadline
	}
	if _, err := e.sched.AddTask(spec); err != nil {
		return fmt.Errorf("schedule step %s: %w", stepID, err)
	}
	r.owned[spec.ID] = &pending{stepID: stepID, visit: visit, taskID: spec.ID}
	r.tasks = append(r.tasks, spec.ID)
	return nil
}

// resolveInput computes a step's input: InputFunc, then InputFrom, then a
// static Input. Otherwise a step with one completed predecessor receives
// that output, a join receives a map of its predecessors' outputs, and the
// entry step receives the run input.
func (r *run) resolveInput(stepID string) (any, error) {
	st := r.def.steps[stepID]
	snap := r.snapshot()
	switch {
	case st.spec.InputFunc != nil:
		return st.spec.InputFunc(snap)
	case st.spec.InputFrom == InputRun:
		return snap.Input, nil
	case st.spec.InputFrom != "":
		v, ok := snap.Outputs[st.spec.InputFrom]
		if !ok {
			return nil, fmt.Errorf("step %s has no output yet", st.spec.InputFrom)
		}
		return v, nil
	case st.spec.Input != nil:
		return st.spec.Input, nil
	}

	outputs := make(map[string]any)
	for _, p := range st.preds {
		if v, ok := snap.Outputs[p]; ok {
			outputs[p] = v
		}
	}
	switch len(outputs) {
	case 0:
		return snap.Input, nil
	case 1:
		for _, v := range outputs {
			return v, nil
		}
	}
	return outputs, nil
}
