package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// PipelineExecution is the persisted snapshot of a DAG run, enough to
// resume after a pause or restart.
type PipelineExecution struct {
	ID         string          `db:"id"`
	WorkflowID string          `db:"workflow_id"`
	Status     string          `db:"status"`
	State      json.RawMessage `db:"state"`
}

// SavePipelineExecution inserts or replaces a pipeline run snapshot.
func (s *Store) SavePipelineExecution(ctx context.Context, p *PipelineExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, workflow_id, status, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state,
			updated_at = now()`,
		p.ID, p.WorkflowID, p.Status, []byte(p.State))
	if err != nil {
		return fmt.Errorf("save pipeline execution %s: %w", p.ID, err)
	}
	return nil
}

// GetPipelineExecution loads a pipeline run snapshot.
func (s *Store) GetPipelineExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	var p PipelineExecution
	err := s.db.GetContext(ctx, &p, `
		SELECT id, workflow_id, status, state
		FROM pipeline_executions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
