// Package workflow runs step graphs. Each step asks an agent holding the
// step's capability for a result; edges on success, failure and branch
// predicates decide which steps run next.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-conductor/internal/match"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
	"github.com/nidhogg/nuka-conductor/internal/stream"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrDuplicateStep    = errors.New("duplicate step id")
	ErrUnknownStep      = errors.New("unknown step")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
)

// InputRun selects the run input in StepSpec.InputFrom.
const InputRun = "$input"

// Duration is a time.Duration that reads "30s" style strings from JSON. A
// bare number is a count of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// StreamingSpec routes a step through a streaming aggregation. Agents is how
// many matching agents contribute; zero means one.
type StreamingSpec struct {
	Strategy stream.Strategy `json:"strategy"`
	Role     stream.Role     `json:"role,omitempty"`
	Agents   int             `json:"agents,omitempty"`
}

// ConditionSpec tests a step output. Field selects a key of a map output;
// empty tests the whole output.
type ConditionSpec struct {
	Field    string         `json:"field,omitempty"`
	Operator match.Operator `json:"operator"`
	Value    any            `json:"value"`
	Upper    any            `json:"upper,omitempty"`
}

// Predicate decides a branch from a step's output and the run state.
type Predicate func(output any, state *ExecutionState) bool

// InputFunc computes a step's input from the run state.
type InputFunc func(state *ExecutionState) (any, error)

// BranchSpec picks Then when its predicate holds, else Else. Either may be
// empty.
type BranchSpec struct {
	Condition *ConditionSpec `json:"condition,omitempty"`
	Predicate Predicate      `json:"-"`
	Then      string         `json:"then,omitempty"`
	Else      string         `json:"else,omitempty"`
}

// StepSpec declares one step. A step without a capability passes its input
// through as its output.
type StepSpec struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Capability  string             `json:"capability,omitempty"`
	Priority    scheduler.Priority `json:"priority,omitempty"`
	Input       any                `json:"input,omitempty"`
	InputFrom   string             `json:"input_from,omitempty"`
	InputFunc   InputFunc          `json:"-"`
	OnSuccess   []string           `json:"on_success,omitempty"`
	OnFailure   []string           `json:"on_failure,omitempty"`
	Branches    []BranchSpec       `json:"branches,omitempty"`
	Retries     int                `json:"retries,omitempty"`
	Timeout     Duration           `json:"timeout,omitempty"`
	Streaming   *StreamingSpec     `json:"streaming,omitempty"`
	ViaContract bool               `json:"via_contract,omitempty"`
}

// Spec declares a workflow.
type Spec struct {
	Name          string         `json:"name"`
	Version       string         `json:"version,omitempty"`
	Description   string         `json:"description,omitempty"`
	StartAt       string         `json:"start_at"`
	Steps         []StepSpec     `json:"steps"`
	MaxParallel   int            `json:"max_parallel,omitempty"`
	MaxStepVisits int            `json:"max_step_visits,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type branch struct {
	then, els string
	test      Predicate
}

type step struct {
	spec     StepSpec
	branches []branch
	preds    []string
}

// Definition is a compiled, immutable workflow.
type Definition struct {
	ID        string
	spec      Spec
	steps     map[string]*step
	order     []string
	CreatedAt time.Time
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.spec.Name }

// Version returns the workflow version.
func (d *Definition) Version() string { return d.spec.Version }

// StartAt returns the entry step id.
func (d *Definition) StartAt() string { return d.spec.StartAt }

// Spec returns a copy of the spec the definition was compiled from.
func (d *Definition) Spec() Spec {
	s := d.spec
	s.Steps = append([]StepSpec(nil), d.spec.Steps...)
	return s
}

// Predecessors returns the distinct steps with an edge into id.
func (d *Definition) Predecessors(id string) []string {
	st, ok := d.steps[id]
	if !ok {
		return nil
	}
	return append([]string(nil), st.preds...)
}

// Summary is the JSON view of a definition.
type Summary struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Description string              `json:"description,omitempty"`
	StartAt     string              `json:"start_at"`
	Steps       []string            `json:"steps"`
	Joins       map[string][]string `json:"joins,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Summary describes the definition.
func (d *Definition) Summary() Summary {
	var joins map[string][]string
	for _, id := range d.order {
		if preds := d.Predecessors(id); len(preds) > 1 {
			if joins == nil {
				joins = make(map[string][]string)
			}
			joins[id] = preds
		}
	}
	return Summary{
		ID:          d.ID,
		Name:        d.spec.Name,
		Version:     d.spec.Version,
		Description: d.spec.Description,
		StartAt:     d.spec.StartAt,
		Steps:       append([]string(nil), d.order...),
		Joins:       joins,
		CreatedAt:   d.CreatedAt,
	}
}

// Compile validates spec and builds a definition.
func Compile(spec Spec) (*Definition, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, spec.Name)
	}
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	if spec.MaxParallel < 0 || spec.MaxStepVisits < 0 {
		return nil, fmt.Errorf("%w: negative limits", ErrInvalidWorkflow)
	}

	d := &Definition{
		ID:        uuid.New().String(),
		steps:     make(map[string]*step, len(spec.Steps)),
		CreatedAt: time.Now(),
	}
	for _, ss := range spec.Steps {
		if ss.ID == "" {
			return nil, fmt.Errorf("%w: step without id", ErrInvalidWorkflow)
		}
		if _, dup := d.steps[ss.ID]; dup {
			return nil, fmt.Errorf("%s: %w", ss.ID, ErrDuplicateStep)
		}
		if ss.Priority == "" {
			ss.Priority = scheduler.PriorityMedium
		}
		if !ss.Priority.Valid() {
			return nil, fmt.Errorf("%w: step %s has priority %q", ErrInvalidWorkflow, ss.ID, ss.Priority)
		}
		if ss.Retries < 0 || ss.Timeout < 0 {
			return nil, fmt.Errorf("%w: step %s has negative retries or timeout", ErrInvalidWorkflow, ss.ID)
		}
		if ss.Streaming != nil {
			sc := *ss.Streaming
			ss.Streaming = &sc
			if ss.Streaming.Strategy == "" {
				ss.Streaming.Strategy = stream.StrategyParallel
			}
			if !ss.Streaming.Strategy.Valid() {
				return nil, fmt.Errorf("%w: step %s has strategy %q", ErrInvalidWorkflow, ss.ID, ss.Streaming.Strategy)
			}
			if ss.Capability == "" {
				return nil, fmt.Errorf("%w: streaming step %s needs a capability", ErrInvalidWorkflow, ss.ID)
			}
		}
		st := &step{spec: ss}
		for i, bs := range ss.Branches {
			b, err := compileBranch(bs)
			if err != nil {
				return nil, fmt.Errorf("%w: step %s branch %d: %v", ErrInvalidWorkflow, ss.ID, i, err)
			}
			st.branches = append(st.branches, b)
		}
		d.steps[ss.ID] = st
		d.order = append(d.order, ss.ID)
	}

	if spec.StartAt == "" {
		spec.StartAt = spec.Steps[0].ID
	}
	if _, ok := d.steps[spec.StartAt]; !ok {
		return nil, fmt.Errorf("start step %s: %w", spec.StartAt, ErrUnknownStep)
	}

	preds := make(map[string]map[string]bool)
	for _, id := range d.order {
		st := d.steps[id]
		for _, target := range st.targets() {
			if _, ok := d.steps[target]; !ok {
				return nil, fmt.Errorf("step %s points to %s: %w", id, target, ErrUnknownStep)
			}
			if preds[target] == nil {
				preds[target] = make(map[string]bool)
			}
			preds[target][id] = true
		}
		if from := st.spec.InputFrom; from != "" && from != InputRun {
			if _, ok := d.steps[from]; !ok {
				return nil, fmt.Errorf("step %s reads input from %s: %w", id, from, ErrUnknownStep)
			}
		}
	}
	for target, set := range preds {
		for p := range set {
			d.steps[target].preds = append(d.steps[target].preds, p)
		}
		sort.Strings(d.steps[target].preds)
	}

	d.spec = spec
	d.spec.Steps = make([]StepSpec, 0, len(d.order))
	for _, id := range d.order {
		d.spec.Steps = append(d.spec.Steps, d.steps[id].spec)
	}
	return d, nil
}

func (s *step) targets() []string {
	out := append([]string(nil), s.spec.OnSuccess...)
	out = append(out, s.spec.OnFailure...)
	for _, b := range s.branches {
		if b.then != "" {
			out = append(out, b.then)
		}
		if b.els != "" {
			out = append(out, b.els)
		}
	}
	return out
}

func compileBranch(bs BranchSpec) (branch, error) {
	b := branch{then: bs.Then, els: bs.Else, test: bs.Predicate}
	if b.then == "" && b.els == "" {
		return b, errors.New("branch has no target")
	}
	if b.test != nil {
		return b, nil
	}
	if bs.Condition == nil {
		return b, errors.New("branch needs a condition or predicate")
	}
	pred, err := match.Compile(bs.Condition.Operator, bs.Condition.Value, bs.Condition.Upper)
	if err != nil {
		return b, err
	}
	field := bs.Condition.Field
	b.test = func(output any, _ *ExecutionState) bool {
		v, ok := lookup(output, field)
		return ok && pred(v)
	}
	return b, nil
}

// lookup reads a dotted path from nested maps.
func lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	for _, key := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return v, true
}
