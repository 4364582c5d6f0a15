package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

// SaveRun upserts a workflow run. It implements workflow.RunRecorder.
func (s *Store) SaveRun(ctx context.Context, st *workflow.ExecutionState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", st.RunID, err)
	}
	var completed *time.Time
	if !st.CompletedAt.IsZero() {
		completed = &st.CompletedAt
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (run_id, workflow_id, workflow_name, status, error, document, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			document = EXCLUDED.document,
			completed_at = EXCLUDED.completed_at`,
		st.RunID, st.WorkflowID, st.WorkflowName, string(st.Status), st.Error, doc, st.StartedAt, completed,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*workflow.ExecutionState, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM workflow_runs WHERE run_id = $1`, runID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var st workflow.ExecutionState
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &st, nil
}

// ListRuns returns the most recent runs of a workflow, newest first. An
// empty name lists every workflow.
func (s *Store) ListRuns(ctx context.Context, workflowName string, limit int) ([]*workflow.ExecutionState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT document FROM workflow_runs
		WHERE $1 = '' OR workflow_name = $1
		ORDER BY started_at DESC
		LIMIT $2`, workflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.ExecutionState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var st workflow.ExecutionState
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
