package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-conductor/internal/contract"
)

// ErrNotFound is returned for missing rows.
var ErrNotFound = errors.New("not found")

// SaveContract upserts a contract. A stored row with the same or a newer
// version is left untouched. It implements contract.Persister.
func (s *Store) SaveContract(ctx context.Context, c *contract.Contract) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contract %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO contracts (id, task_id, status, high_risk, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			high_risk = EXCLUDED.high_risk,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
		WHERE contracts.version < EXCLUDED.version`,
		c.ID, c.TaskID, string(c.Status), c.HighRisk, int64(c.Version), doc, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	return nil
}

// GetContract loads a contract by id.
func (s *Store) GetContract(ctx context.Context, id string) (*contract.Contract, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM contracts WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	var c contract.Contract
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return &c, nil
}

// ListContracts returns stored contracts, optionally filtered by status,
// oldest first.
func (s *Store) ListContracts(ctx context.Context, status contract.Status) ([]*contract.Contract, error) {
	rows, err := s.db.Query(ctx, `
		SELECT document FROM contracts
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []*contract.Contract
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		var c contract.Contract
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decode contract: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
