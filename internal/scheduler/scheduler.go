// Package scheduler keeps a priority queue of tasks whose weights adapt to
// a caller-supplied scheduling context.
package scheduler

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompletionFunc is a one-shot callback fired when a task completes.
type CompletionFunc func(t *Task)

// maxAudit bounds the context-change audit log.
const maxAudit = 1000

// reweighThreshold is the relative weight change that produces an observation.
const reweighThreshold = 0.2

// Scheduler owns the task table. All access goes through its methods.
type Scheduler struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	seq        uint64
	context    SchedulingContext
	version    uint64
	patterns   []*compiledPattern
	insights   []Insight
	audit      []ContextChange
	callbacks  map[string]CompletionFunc
	listeners  map[int]func(Event)
	nextListen int
	insightTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewScheduler creates a scheduler preloaded with DefaultPatterns.
func NewScheduler(logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		tasks:      make(map[string]*Task),
		context:    make(SchedulingContext),
		callbacks:  make(map[string]CompletionFunc),
		listeners:  make(map[int]func(Event)),
		insightTTL: time.Hour,
		now:        time.Now,
		logger:     logger,
	}
	for _, p := range DefaultPatterns() {
		if err := s.AddPattern(p); err != nil {
			logger.Error("default pattern rejected", zap.String("pattern", p.ID), zap.Error(err))
		}
	}
	return s
}

// SetInsightTTL changes how long recommendation insights stay visible.
func (s *Scheduler) SetInsightTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insightTTL = d
}

// AddPattern validates and registers a context pattern. A pattern with an
// existing id replaces the previous one.
func (s *Scheduler) AddPattern(p ContextPattern) error {
	cp, err := compilePattern(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.patterns {
		if existing.ID == p.ID {
			s.patterns[i] = cp
			return nil
		}
	}
	s.patterns = append(s.patterns, cp)
	return nil
}

// Patterns returns the registered patterns.
func (s *Scheduler) Patterns() []ContextPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ContextPattern, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.ContextPattern
	}
	return out
}

// AddTask inserts a task with the default weight for its priority.
func (s *Scheduler) AddTask(spec TaskSpec) (*Task, error) {
	if spec.Priority == "" {
		spec.Priority = PriorityMedium
	}
	if !spec.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", spec.Priority)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	now := s.now()
	s.mu.Lock()
	if _, exists := s.tasks[spec.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s already exists", spec.ID)
	}
	s.seq++
	t := &Task{
		ID:         spec.ID,
		Name:       spec.Name,
		Priority:   spec.Priority,
		Weight:     BaseWeight(spec.Priority),
		Deadline:   spec.Deadline,
		Status:     TaskPending,
		InsertedAt: now,
		seq:        s.seq,
	}
	if spec.Metadata != nil {
		t.Metadata = make(map[string]any, len(spec.Metadata))
		for k, v := range spec.Metadata {
			t.Metadata[k] = v
		}
	}
	s.tasks[t.ID] = t
	events := []Event{{Type: EventTaskAdded, Task: t.clone(), At: now}}
	if spec.AutoSchedule {
		t.Status = TaskScheduled
		t.ScheduledAt = &now
		events = append(events, Event{Type: EventTaskScheduled, Task: t.clone(), At: now})
	}
	out := t.clone()
	s.mu.Unlock()

	s.logger.Debug("task added",
		zap.String("task", t.ID),
		zap.String("priority", string(t.Priority)),
		zap.Float64("weight", out.Weight))
	s.emit(events...)
	return out, nil
}

// GetTask returns a copy of a task.
func (s *Scheduler) GetTask(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// ListTasks returns copies of all tasks in insertion order.
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ScheduleTask moves a pending task to scheduled, making it eligible.
func (s *Scheduler) ScheduleTask(id string) bool {
	return s.transition(id, TaskScheduled, func(t *Task, now time.Time) {
		t.ScheduledAt = &now
	}, EventTaskScheduled)
}

// MarkTaskRunning moves a scheduled task to running.
func (s *Scheduler) MarkTaskRunning(id string) bool {
	return s.transition(id, TaskRunning, func(t *Task, now time.Time) {
		t.StartedAt = &now
	}, EventTaskRunning)
}

// MarkTaskCompleted moves a running task to completed and fires its
// completion callback, if any.
func (s *Scheduler) MarkTaskCompleted(id string, result any) bool {
	now := s.now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !canTransition(t.Status, TaskCompleted) {
		s.mu.Unlock()
		return false
	}
	t.Status = TaskCompleted
	t.Result = result
	t.CompletedAt = &now
	cb := s.callbacks[id]
	delete(s.callbacks, id)
	snap := t.clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskCompleted, Task: snap, At: now})
	if cb != nil {
		cb(snap.clone())
	}
	return true
}

// MarkTaskFailed moves a running task to failed and records a warning insight.
func (s *Scheduler) MarkTaskFailed(id string, reason string) bool {
	now := s.now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !canTransition(t.Status, TaskFailed) {
		s.mu.Unlock()
		return false
	}
	t.Status = TaskFailed
	t.Error = reason
	t.CompletedAt = &now
	delete(s.callbacks, id)
	s.addInsightLocked(Insight{
		Type:    InsightWarning,
		TaskID:  id,
		Message: fmt.Sprintf("task %q failed: %s", t.Name, reason),
	})
	snap := t.clone()
	s.mu.Unlock()

	s.logger.Warn("task failed", zap.String("task", id), zap.String("reason", reason))
	s.emit(Event{Type: EventTaskFailed, Task: snap, At: now})
	return true
}

// CancelTask cancels a non-terminal task. Canceling an already canceled
// task is a no-op that reports true; other terminal tasks report false.
func (s *Scheduler) CancelTask(id string) bool {
	now := s.now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if t.Status == TaskCanceled {
		s.mu.Unlock()
		return true
	}
	if !canTransition(t.Status, TaskCanceled) {
		s.mu.Unlock()
		return false
	}
	t.Status = TaskCanceled
	t.CompletedAt = &now
	delete(s.callbacks, id)
	snap := t.clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskCanceled, Task: snap, At: now})
	return true
}

// RemoveTask drops a terminal task from the table. It returns false for
// unknown tasks and tasks still in flight.
func (s *Scheduler) RemoveTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || !t.Status.Terminal() {
		return false
	}
	delete(s.tasks, id)
	delete(s.callbacks, id)
	return true
}

// OnTaskComplete registers a one-shot callback for a non-terminal task,
// replacing any previous one.
func (s *Scheduler) OnTaskComplete(id string, fn CompletionFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() || fn == nil {
		return false
	}
	s.callbacks[id] = fn
	return true
}

// UpdateTaskPriority changes a non-terminal task's priority and re-evaluates
// its weight against the current context.
func (s *Scheduler) UpdateTaskPriority(id string, p Priority) bool {
	if !p.Valid() {
		return false
	}
	now := s.now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	t.Priority = p
	s.reweighLocked(t, s.context)
	snap := t.clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskReweighed, Task: snap, At: now})
	return true
}

// GetNextTask returns the scheduled task with the highest weight, ties
// resolved by earliest insertion. It does not change any state.
func (s *Scheduler) GetNextTask() (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Task
	for _, t := range s.tasks {
		if t.Status != TaskScheduled {
			continue
		}
		if best == nil || t.Weight > best.Weight || (t.Weight == best.Weight && t.seq < best.seq) {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// GetReadyTasks returns all scheduled tasks in the order GetNextTask would
// return them.
func (s *Scheduler) GetReadyTasks() []*Task {
	s.mu.RLock()
	var ready []*Task
	for _, t := range s.tasks {
		if t.Status == TaskScheduled {
			ready = append(ready, t.clone())
		}
	}
	s.mu.RUnlock()
	sortByWeight(ready)
	return ready
}

func sortByWeight(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Weight != tasks[j].Weight {
			return tasks[i].Weight > tasks[j].Weight
		}
		return tasks[i].seq < tasks[j].seq
	})
}

// EvaluateContext computes a task's weight under ctx without changing it:
// the base weight times every matching pattern's multiplier, floored at MinWeight.
func (s *Scheduler) EvaluateContext(t *Task, ctx SchedulingContext) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, _ := s.evaluateLocked(t, ctx)
	return w
}

func (s *Scheduler) evaluateLocked(t *Task, ctx SchedulingContext) (float64, []string) {
	w := BaseWeight(t.Priority)
	var matched []string
	for _, p := range s.patterns {
		if p.matchesContext(ctx) && p.matchesTask(t) {
			w *= p.Multiplier
			matched = append(matched, p.ID)
		}
	}
	return math.Max(MinWeight, w), matched
}

// reweighLocked applies context evaluation and reports whether the weight changed.
func (s *Scheduler) reweighLocked(t *Task, ctx SchedulingContext) bool {
	old := t.Weight
	w, matched := s.evaluateLocked(t, ctx)
	if w == old {
		return false
	}
	t.Weight = w
	if old > 0 && math.Abs(w-old)/old > reweighThreshold {
		s.addInsightLocked(Insight{
			Type:   InsightObservation,
			TaskID: t.ID,
			Message: fmt.Sprintf("task %q weight changed %.1f -> %.1f (patterns %v)",
				t.Name, old, w, matched),
		})
	}
	return true
}

// AdaptToContextChange merges update into the context (last write wins per
// key), re-evaluates every non-terminal task, emits recommendations for
// matching patterns that carry an action, and records an audit entry.
func (s *Scheduler) AdaptToContextChange(update SchedulingContext) ContextChange {
	now := s.now()
	s.mu.Lock()
	for k, v := range update {
		s.context[k] = v
	}
	s.version++

	var matched []string
	for _, p := range s.patterns {
		if !p.matchesContext(s.context) {
			continue
		}
		matched = append(matched, p.ID)
		if p.Action != "" {
			exp := now.Add(s.insightTTL)
			s.addInsightLocked(Insight{
				Type:      InsightRecommendation,
				PatternID: p.ID,
				Message:   fmt.Sprintf("pattern %s suggests %s", p.ID, p.Action),
				ExpiresAt: &exp,
			})
		}
	}

	events := s.reweighAllLocked(now)
	rec := ContextChange{
		Version:   s.version,
		Update:    update.clone(),
		Matched:   matched,
		Reweighed: len(events),
		At:        now,
	}
	s.audit = append(s.audit, rec)
	if len(s.audit) > maxAudit {
		s.audit = s.audit[len(s.audit)-maxAudit:]
	}
	s.mu.Unlock()

	s.logger.Info("scheduling context adapted",
		zap.Uint64("version", rec.Version),
		zap.Strings("matched", matched),
		zap.Int("reweighed", rec.Reweighed))
	s.emit(events...)
	return rec
}

// RecalculatePriorities re-evaluates every non-terminal task against the
// current context and returns how many weights changed.
func (s *Scheduler) RecalculatePriorities() int {
	now := s.now()
	s.mu.Lock()
	events := s.reweighAllLocked(now)
	s.mu.Unlock()
	s.emit(events...)
	return len(events)
}

func (s *Scheduler) reweighAllLocked(now time.Time) []Event {
	var events []Event
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			continue
		}
		if s.reweighLocked(t, s.context) {
			events = append(events, Event{Type: EventTaskReweighed, Task: t.clone(), At: now})
		}
	}
	return events
}

// Context returns a copy of the current scheduling context.
func (s *Scheduler) Context() SchedulingContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context.clone()
}

// Insights returns unexpired insights, oldest first.
func (s *Scheduler) Insights() []Insight {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Insight, 0, len(s.insights))
	for _, in := range s.insights {
		if in.ExpiresAt != nil && now.After(*in.ExpiresAt) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// AuditLog returns the context-change records, oldest first.
func (s *Scheduler) AuditLog() []ContextChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ContextChange, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Scheduler) addInsightLocked(in Insight) {
	in.ID = uuid.New().String()
	in.CreatedAt = s.now()
	s.insights = append(s.insights, in)
	if len(s.insights) > MaxInsights {
		s.insights = s.insights[len(s.insights)-MaxInsights:]
	}
}

// Subscribe registers a lifecycle listener and returns its unsubscribe func.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) transition(id string, to TaskStatus, apply func(*Task, time.Time), ev EventType) bool {
	now := s.now()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !canTransition(t.Status, to) {
		s.mu.Unlock()
		return false
	}
	t.Status = to
	apply(t, now)
	snap := t.clone()
	s.mu.Unlock()

	s.emit(Event{Type: ev, Task: snap, At: now})
	return true
}

func (s *Scheduler) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}
