package scheduler

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/match"
)

// Condition is a single comparison over a context key or a task field.
// Task fields: priority, name, status, hasDeadline, metadata.<key>.
type Condition struct {
	Field    string         `json:"field"`
	Operator match.Operator `json:"operator"`
	Value    any            `json:"value"`
	Upper    any            `json:"upper,omitempty"`
}

// ContextPattern adjusts task weights when its conditions hold.
type ContextPattern struct {
	ID                string      `json:"id"`
	Description       string      `json:"description,omitempty"`
	ContextConditions []Condition `json:"context_conditions"`
	TaskConditions    []Condition `json:"task_conditions,omitempty"`
	Multiplier        float64     `json:"multiplier"`
	Action            string      `json:"action,omitempty"`
	Importance        float64     `json:"importance"`
}

type taskAccessor func(t *Task) any

type compiledCond struct {
	key  string
	get  taskAccessor
	test match.Predicate
}

type compiledPattern struct {
	ContextPattern
	context []compiledCond
	task    []compiledCond
}

func resolveTaskField(field string) (taskAccessor, error) {
	switch field {
	case "priority":
		return func(t *Task) any { return string(t.Priority) }, nil
	case "name":
		return func(t *Task) any { return t.Name }, nil
	case "status":
		return func(t *Task) any { return string(t.Status) }, nil
	case "hasDeadline":
		return func(t *Task) any { return t.Deadline != nil }, nil
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok && key != "" {
		return func(t *Task) any { return t.Metadata[key] }, nil
	}
	return nil, fmt.Errorf("unknown task field %q", field)
}

func compilePattern(p ContextPattern) (*compiledPattern, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("pattern id is required")
	}
	if p.Multiplier <= 0 {
		return nil, fmt.Errorf("pattern %s: multiplier must be positive", p.ID)
	}
	if len(p.ContextConditions) == 0 && len(p.TaskConditions) == 0 {
		return nil, fmt.Errorf("pattern %s: no conditions", p.ID)
	}
	cp := &compiledPattern{ContextPattern: p}
	for _, c := range p.ContextConditions {
		if c.Field == "" {
			return nil, fmt.Errorf("pattern %s: empty context key", p.ID)
		}
		pred, err := match.Compile(c.Operator, c.Value, c.Upper)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: context %s: %w", p.ID, c.Field, err)
		}
		cp.context = append(cp.context, compiledCond{key: c.Field, test: pred})
	}
	for _, c := range p.TaskConditions {
		get, err := resolveTaskField(c.Field)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
		}
		pred, err := match.Compile(c.Operator, c.Value, c.Upper)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: task %s: %w", p.ID, c.Field, err)
		}
		cp.task = append(cp.task, compiledCond{key: c.Field, get: get, test: pred})
	}
	return cp, nil
}

// matchesContext requires every context condition to hold; a missing key fails.
func (p *compiledPattern) matchesContext(ctx SchedulingContext) bool {
	for _, c := range p.context {
		v, ok := ctx[c.key]
		if !ok || !c.test(v) {
			return false
		}
	}
	return true
}

func (p *compiledPattern) matchesTask(t *Task) bool {
	for _, c := range p.task {
		if !c.test(c.get(t)) {
			return false
		}
	}
	return true
}

// DefaultPatterns returns the built-in context patterns.
func DefaultPatterns() []ContextPattern {
	return []ContextPattern{
		{
			ID:                "high-load-background",
			Description:       "defer background work while the system is saturated",
			ContextConditions: []Condition{{Field: "systemLoad", Operator: match.OpGt, Value: 0.8}},
			TaskConditions:    []Condition{{Field: "priority", Operator: match.OpEq, Value: string(PriorityBackground)}},
			Multiplier:        0.5,
			Action:            "defer-background-work",
			Importance:        0.8,
		},
		{
			ID:                "high-load-low",
			Description:       "slightly deprioritize low priority work under load",
			ContextConditions: []Condition{{Field: "systemLoad", Operator: match.OpGt, Value: 0.8}},
			TaskConditions:    []Condition{{Field: "priority", Operator: match.OpEq, Value: string(PriorityLow)}},
			Multiplier:        0.75,
			Importance:        0.5,
		},
		{
			ID:                "urgent-critical",
			Description:       "boost critical work when urgency is high",
			ContextConditions: []Condition{{Field: "urgency", Operator: match.OpGte, Value: 0.7}},
			TaskConditions:    []Condition{{Field: "priority", Operator: match.OpEq, Value: string(PriorityCritical)}},
			Multiplier:        1.5,
			Action:            "expedite-critical-work",
			Importance:        0.9,
		},
		{
			ID:                "deadline-pressure",
			Description:       "boost tasks with deadlines when urgency is high",
			ContextConditions: []Condition{{Field: "urgency", Operator: match.OpGte, Value: 0.7}},
			TaskConditions:    []Condition{{Field: "hasDeadline", Operator: match.OpEq, Value: true}},
			Multiplier:        1.2,
			Importance:        0.6,
		},
	}
}
