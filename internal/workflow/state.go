package workflow

import (
	"sort"
	"time"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run has ended.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// StepStatus is the outcome of one step visit.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCanceled  StepStatus = "canceled"
)

// StepRecord records one visit of a step.
type StepRecord struct {
	StepID      string     `json:"step_id"`
	Visit       int        `json:"visit"`
	TaskID      string     `json:"task_id"`
	Capability  string     `json:"capability,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	Agents      []string   `json:"agents,omitempty"`
	Attempts    int        `json:"attempts"`
	Input       any        `json:"input,omitempty"`
	Output      any        `json:"output,omitempty"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	ContractID  string     `json:"contract_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ExecutionState is a run's state. Values handed out by the engine are
// copies.
type ExecutionState struct {
	RunID        string         `json:"run_id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Version      string         `json:"version"`
	Status       RunStatus      `json:"status"`
	Input        any            `json:"input,omitempty"`
	Steps        []StepRecord   `json:"steps"`
	Outputs      map[string]any `json:"outputs"`
	ActiveAgents []string       `json:"active_agents"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`

	active map[string]int
}

// Output returns the latest output of a step.
func (s *ExecutionState) Output(stepID string) (any, bool) {
	v, ok := s.Outputs[stepID]
	return v, ok
}

// Last returns the latest record of a step.
func (s *ExecutionState) Last(stepID string) (StepRecord, bool) {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].StepID == stepID {
			return s.Steps[i], true
		}
	}
	return StepRecord{}, false
}

func (s *ExecutionState) addAgents(ids ...string) {
	for _, id := range ids {
		s.active[id]++
	}
	s.syncActive()
}

func (s *ExecutionState) removeAgents(ids ...string) {
	for _, id := range ids {
		if s.active[id] <= 1 {
			delete(s.active, id)
		} else {
			s.active[id]--
		}
	}
	s.syncActive()
}

func (s *ExecutionState) syncActive() {
	s.ActiveAgents = s.ActiveAgents[:0]
	for id := range s.active {
		s.ActiveAgents = append(s.ActiveAgents, id)
	}
	sort.Strings(s.ActiveAgents)
}

func (s *ExecutionState) mergeMetadata(md map[string]any) {
	if len(md) == 0 {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		s.Metadata[k] = v
	}
}

func (s *ExecutionState) clone() *ExecutionState {
	cp := *s
	cp.Steps = make([]StepRecord, len(s.Steps))
	for i, r := range s.Steps {
		r.Agents = append([]string(nil), r.Agents...)
		cp.Steps[i] = r
	}
	cp.Outputs = make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		cp.Outputs[k] = v
	}
	cp.ActiveAgents = append([]string{}, s.ActiveAgents...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.active = nil
	return &cp
}
