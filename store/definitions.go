package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/workflow"
)

// GetDefinition loads the stage definition for a (platform, type) pair. A
// missing platform id matches the NULL-platform row. Returns
// workflow.ErrNotFound when no definition exists, which permits the
// caller's legacy fallback.
func (s *Store) GetDefinition(ctx context.Context, platformID string, workflowType workflow.Type) (*workflow.Definition, error) {
	var raw []byte
	var err error
	if platformID == "" {
		err = s.db.GetContext(ctx, &raw, `
			SELECT definition FROM workflow_definitions
			WHERE platform_id IS NULL AND workflow_type = $1`,
			string(workflowType))
	} else {
		err = s.db.GetContext(ctx, &raw, `
			SELECT definition FROM workflow_definitions
			WHERE platform_id = $1 AND workflow_type = $2`,
			platformID, string(workflowType))
	}
	if err != nil {
		return nil, notFound(err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s/%s: %w", platformID, workflowType, err)
	}
	return &def, nil
}

// PutDefinition stores or replaces a definition.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	if errs := def.Validate(); len(errs) > 0 {
		return workflow.NewValidationError("definition", "%v", errors.Join(errs...))
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	var platform sql.NullString
	if def.PlatformID != "" {
		platform = sql.NullString{String: def.PlatformID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, platform_id, workflow_type, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_id, workflow_type)
		DO UPDATE SET definition = EXCLUDED.definition`,
		uuid.New().String(), platform, string(def.WorkflowType), raw)
	if err != nil {
		return fmt.Errorf("upsert definition %s/%s: %w", def.PlatformID, def.WorkflowType, err)
	}
	return nil
}
