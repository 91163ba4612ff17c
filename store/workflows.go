package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

// workflowRow is the database shape of a workflow; stage outputs travel as
// raw JSONB.
type workflowRow struct {
	ID           string          `db:"id"`
	Type         string          `db:"type"`
	PlatformID   sql.NullString  `db:"platform_id"`
	Name         string          `db:"name"`
	Description  string          `db:"description"`
	Status       string          `db:"status"`
	CurrentStage string          `db:"current_stage"`
	Progress     int             `db:"progress"`
	StageOutputs []byte          `db:"stage_outputs"`
	Version      int64           `db:"version"`
	Requirements json.RawMessage `db:"requirements"`
	LastError    string          `db:"last_error"`
	CreatedBy    string          `db:"created_by"`
	TraceID      string          `db:"trace_id"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r *workflowRow) toDomain() (*workflow.Workflow, error) {
	w := &workflow.Workflow{
		ID:           r.ID,
		Type:         workflow.Type(r.Type),
		PlatformID:   r.PlatformID.String,
		Name:         r.Name,
		Description:  r.Description,
		Status:       workflow.Status(r.Status),
		CurrentStage: r.CurrentStage,
		Progress:     r.Progress,
		Version:      r.Version,
		Requirements: r.Requirements,
		LastError:    r.LastError,
		CreatedBy:    r.CreatedBy,
		TraceID:      r.TraceID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.StageOutputs) > 0 {
		if err := json.Unmarshal(r.StageOutputs, &w.StageOutputs); err != nil {
			return nil, fmt.Errorf("decode stage_outputs for %s: %w", r.ID, err)
		}
	}
	return w, nil
}

const workflowColumns = `id, type, platform_id, name, description, status,
	current_stage, progress, stage_outputs, version, requirements,
	last_error, created_by, trace_id, created_at, updated_at`

// CreateWorkflow inserts a new workflow row at version 1.
func (s *Store) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	outputs, err := json.Marshal(w.StageOutputs)
	if err != nil {
		return fmt.Errorf("encode stage_outputs: %w", err)
	}
	if w.StageOutputs == nil {
		outputs = []byte(`[]`)
	}
	var platform sql.NullString
	if w.PlatformID != "" {
		platform = sql.NullString{String: w.PlatformID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, type, platform_id, name, description,
			status, current_stage, progress, stage_outputs, version,
			requirements, last_error, created_by, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, string(w.Type), platform, w.Name, w.Description,
		string(w.Status), w.CurrentStage, w.Progress, outputs, w.Version,
		nullableJSON(w.Requirements), w.LastError, w.CreatedBy, w.TraceID)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", w.ID, err)
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain()
}

// ListWorkflowsByStatus returns workflows in the given status, oldest first.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, status workflow.Status) ([]*workflow.Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+workflowColumns+` FROM workflows WHERE status = $1 ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list workflows by status %s: %w", status, err)
	}
	out := make([]*workflow.Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// AdvanceStage performs the compare-and-swap stage update:
//
//	UPDATE ... WHERE id = ? AND current_stage = ? AND version = ?
//
// Zero affected rows means another worker won the race; the caller gets
// workflow.ErrConflict and must stop.
func (s *Store) AdvanceStage(ctx context.Context, id, fromStage, toStage string, fromVersion int64, progress int, status workflow.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET current_stage = $1, version = version + 1, progress = $2,
			status = $3, updated_at = now()
		WHERE id = $4 AND current_stage = $5 AND version = $6`,
		toStage, progress, string(status), id, fromStage, fromVersion)
	if err != nil {
		return fmt.Errorf("advance workflow %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance workflow %s: %w", id, err)
	}
	if n == 0 {
		return workflow.ErrConflict
	}
	return nil
}

// UpdateWorkflowStatus sets the status and last error without touching the
// stage or version.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status workflow.Status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = $1, last_error = $2, updated_at = now()
		WHERE id = $3`,
		string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("update workflow status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// SetStageOutput writes a stage's structured result into stage_outputs,
// replacing any earlier attempt's output for the same stage.
func (s *Store) SetStageOutput(ctx context.Context, id string, out workflow.StageOutput) error {
	element, err := json.Marshal([]workflow.StageOutput{out})
	if err != nil {
		return fmt.Errorf("encode stage output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET stage_outputs = (
			SELECT COALESCE(jsonb_agg(e), '[]'::jsonb)
			FROM jsonb_array_elements(stage_outputs) e
			WHERE e->>'stage' <> $2
		) || $3::jsonb,
			updated_at = now()
		WHERE id = $1`,
		id, out.Stage, element)
	if err != nil {
		return fmt.Errorf("set stage output %s/%s: %w", id, out.Stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
