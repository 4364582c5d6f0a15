package scheduler

import "time"

// Priority is a task's priority level.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// WeightScale converts priority factors into weights. Weights never drop below MinWeight.
const (
	WeightScale = 100.0
	MinWeight   = 1.0
)

var priorityFactors = map[Priority]float64{
	PriorityCritical:   1.0,
	PriorityHigh:       0.8,
	PriorityMedium:     0.6,
	PriorityLow:        0.4,
	PriorityBackground: 0.2,
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	_, ok := priorityFactors[p]
	return ok
}

// BaseWeight returns the default weight for a priority level.
// Unknown levels are treated as medium.
func BaseWeight(p Priority) float64 {
	f, ok := priorityFactors[p]
	if !ok {
		f = priorityFactors[PriorityMedium]
	}
	return f * WeightScale
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskScheduled, TaskCanceled},
	TaskScheduled: {TaskRunning, TaskCanceled},
	TaskRunning:   {TaskCompleted, TaskFailed, TaskCanceled},
}

func canTransition(from, to TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is a schedulable unit of work.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Priority    Priority       `json:"priority"`
	Weight      float64        `json:"weight"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Status      TaskStatus     `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      any            `json:"result,omitempty"`
	InsertedAt  time.Time      `json:"inserted_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	seq uint64
}

func (t *Task) clone() *Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// TaskSpec describes a task to add.
type TaskSpec struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Priority     Priority       `json:"priority"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	AutoSchedule bool           `json:"auto_schedule,omitempty"`
}

// SchedulingContext is the caller-supplied key/value bag consulted by patterns.
// Values are strings, numbers or booleans.
type SchedulingContext map[string]any

func (c SchedulingContext) clone() SchedulingContext {
	cp := make(SchedulingContext, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// InsightType categorizes a contextual insight.
type InsightType string

const (
	InsightObservation    InsightType = "observation"
	InsightRecommendation InsightType = "recommendation"
	InsightWarning        InsightType = "warning"
	InsightPrediction     InsightType = "prediction"
)

// MaxInsights is the number of retained insights; the oldest are evicted first.
const MaxInsights = 100

// Insight is an advisory observation derived by the scheduler.
type Insight struct {
	ID        string      `json:"id"`
	Type      InsightType `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	PatternID string      `json:"pattern_id,omitempty"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// ContextChange is an audit record of one adaptToContextChange call.
type ContextChange struct {
	Version   uint64            `json:"version"`
	Update    SchedulingContext `json:"update"`
	Matched   []string          `json:"matched_patterns"`
	Reweighed int               `json:"reweighed_tasks"`
	At        time.Time         `json:"at"`
}

// EventType identifies a scheduler lifecycle event.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskScheduled EventType = "task_scheduled"
	EventTaskRunning   EventType = "task_running"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCanceled  EventType = "task_canceled"
	EventTaskReweighed EventType = "task_reweighed"
)

// Event is emitted to subscribers after a task changes.
type Event struct {
	Type EventType `json:"type"`
	Task *Task     `json:"task"`
	At   time.Time `json:"at"`
}
