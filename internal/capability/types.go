// Package capability is the boundary to the agents that actually perform
// work. The coordination core only sees the Executor shape: given a
// capability name and input, return an output or fail.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoAgent is returned when no available agent holds a capability.
var ErrNoAgent = errors.New("no agent holds capability")

// Request asks an agent to perform one capability.
type Request struct {
	Capability string         `json:"capability"`
	AgentID    string         `json:"agent_id"`
	Input      any            `json:"input"`
	RunID      string         `json:"run_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Result is a capability's output. Metadata is merged into the caller's
// execution metadata by overwrite.
type Result struct {
	Output   any            `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Executor performs capabilities.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// StreamExecutor performs a capability incrementally, passing each token to
// emit. Returning a non-nil error fails the stream.
type StreamExecutor interface {
	ExecuteStream(ctx context.Context, req Request, emit func(token string) error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Error is a capability-specific failure.
type Error struct {
	Capability string
	AgentID    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %s on agent %s: %v", e.Capability, e.AgentID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
