package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

type handlerRow struct {
	ID              string          `db:"id"`
	EventName       string          `db:"event_name"`
	HandlerName     string          `db:"handler_name"`
	Enabled         bool            `db:"enabled"`
	Priority        int             `db:"priority"`
	ActionType      string          `db:"action_type"`
	ActionConfig    json.RawMessage `db:"action_config"`
	PlatformID      sql.NullString  `db:"platform_id"`
	ExecutionsCount int64           `db:"executions_count"`
	SuccessCount    int64           `db:"success_count"`
	FailureCount    int64           `db:"failure_count"`
	AvgDurationMS   int64           `db:"avg_duration_ms"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *handlerRow) toDomain() *workflow.EventHandler {
	h := &workflow.EventHandler{
		ID:           r.ID,
		EventName:    r.EventName,
		HandlerName:  r.HandlerName,
		Enabled:      r.Enabled,
		Priority:     r.Priority,
		ActionType:   workflow.EventActionType(r.ActionType),
		ActionConfig: r.ActionConfig,
		Stats: workflow.JobStats{
			ExecutionsCount: r.ExecutionsCount,
			SuccessCount:    r.SuccessCount,
			FailureCount:    r.FailureCount,
			AvgDurationMS:   r.AvgDurationMS,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.PlatformID.Valid {
		h.PlatformID = &r.PlatformID.String
	}
	return h
}

const handlerColumns = `id, event_name, handler_name, enabled, priority,
	action_type, action_config, platform_id, executions_count,
	success_count, failure_count, avg_duration_ms, created_at, updated_at`

// UpsertEventHandler persists a handler binding, replacing an existing
// binding for the same (event, handler) pair.
func (s *Store) UpsertEventHandler(ctx context.Context, h *workflow.EventHandler) error {
	var platform sql.NullString
	if h.PlatformID != nil {
		platform = sql.NullString{String: *h.PlatformID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_handlers (id, event_name, handler_name, enabled,
			priority, action_type, action_config, platform_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_name, handler_name)
		DO UPDATE SET enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			action_type = EXCLUDED.action_type,
			action_config = EXCLUDED.action_config,
			platform_id = EXCLUDED.platform_id,
			updated_at = now()`,
		h.ID, h.EventName, h.HandlerName, h.Enabled, h.Priority,
		string(h.ActionType), nullableJSON(h.ActionConfig), platform)
	if err != nil {
		return fmt.Errorf("upsert handler %s/%s: %w", h.EventName, h.HandlerName, err)
	}
	return nil
}

// ListEventHandlers returns enabled handlers for an event, highest priority
// first.
func (s *Store) ListEventHandlers(ctx context.Context, eventName string) ([]*workflow.EventHandler, error) {
	var rows []handlerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+handlerColumns+` FROM event_handlers
		WHERE event_name = $1 AND enabled = true
		ORDER BY priority DESC`,
		eventName)
	if err != nil {
		return nil, fmt.Errorf("list handlers for %s: %w", eventName, err)
	}
	out := make([]*workflow.EventHandler, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ListAllEventHandlers returns every enabled handler, used for re-binding
// subscriptions after a reload.
func (s *Store) ListAllEventHandlers(ctx context.Context) ([]*workflow.EventHandler, error) {
	var rows []handlerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+handlerColumns+` FROM event_handlers
		WHERE enabled = true
		ORDER BY event_name, priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all handlers: %w", err)
	}
	out := make([]*workflow.EventHandler, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// UpdateHandlerStats writes a handler's rolling counters back.
func (s *Store) UpdateHandlerStats(ctx context.Context, id string, stats workflow.JobStats) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_handlers
		SET executions_count = $1, success_count = $2, failure_count = $3,
			avg_duration_ms = $4, updated_at = now()
		WHERE id = $5`,
		stats.ExecutionsCount, stats.SuccessCount, stats.FailureCount,
		stats.AvgDurationMS, id)
	if err != nil {
		return fmt.Errorf("update handler stats %s: %w", id, err)
	}
	return nil
}
