package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

type jobRow struct {
	ID              string          `db:"id"`
	Name            string          `db:"name"`
	Type            string          `db:"type"`
	Schedule        string          `db:"schedule"`
	Timezone        string          `db:"timezone"`
	NextRun         sql.NullTime    `db:"next_run"`
	StartDate       sql.NullTime    `db:"start_date"`
	EndDate         sql.NullTime    `db:"end_date"`
	MaxExecutions   int64           `db:"max_executions"`
	HandlerName     string          `db:"handler_name"`
	HandlerType     string          `db:"handler_type"`
	Payload         json.RawMessage `db:"payload"`
	MaxRetries      int             `db:"max_retries"`
	RetryDelayMS    int64           `db:"retry_delay_ms"`
	TimeoutMS       int64           `db:"timeout_ms"`
	Priority        string          `db:"priority"`
	Concurrency     int             `db:"concurrency"`
	AllowOverlap    bool            `db:"allow_overlap"`
	ExecutionsCount int64           `db:"executions_count"`
	SuccessCount    int64           `db:"success_count"`
	FailureCount    int64           `db:"failure_count"`
	AvgDurationMS   int64           `db:"avg_duration_ms"`
	Status          string          `db:"status"`
	Tags            []byte          `db:"tags"`
	PlatformID      sql.NullString  `db:"platform_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *jobRow) toDomain() (*workflow.ScheduledJob, error) {
	j := &workflow.ScheduledJob{
		ID:            r.ID,
		Name:          r.Name,
		Type:          workflow.JobType(r.Type),
		Schedule:      r.Schedule,
		Timezone:      r.Timezone,
		MaxExecutions: r.MaxExecutions,
		HandlerName:   r.HandlerName,
		HandlerType:   workflow.HandlerType(r.HandlerType),
		Payload:       r.Payload,
		MaxRetries:    r.MaxRetries,
		RetryDelayMS:  r.RetryDelayMS,
		TimeoutMS:     r.TimeoutMS,
		Priority:      workflow.Priority(r.Priority),
		Concurrency:   r.Concurrency,
		AllowOverlap:  r.AllowOverlap,
		Stats: workflow.JobStats{
			ExecutionsCount: r.ExecutionsCount,
			SuccessCount:    r.SuccessCount,
			FailureCount:    r.FailureCount,
			AvgDurationMS:   r.AvgDurationMS,
		},
		Status:     workflow.JobStatus(r.Status),
		PlatformID: r.PlatformID.String,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.NextRun.Valid {
		j.NextRun = &r.NextRun.Time
	}
	if r.StartDate.Valid {
		j.StartDate = &r.StartDate.Time
	}
	if r.EndDate.Valid {
		j.EndDate = &r.EndDate.Time
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &j.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for job %s: %w", r.ID, err)
		}
	}
	return j, nil
}

const jobColumns = `id, name, type, schedule, timezone, next_run, start_date,
	end_date, max_executions, handler_name, handler_type, payload,
	max_retries, retry_delay_ms, timeout_ms, priority, concurrency,
	allow_overlap, executions_count, success_count, failure_count,
	avg_duration_ms, status, tags, platform_id, created_at, updated_at`

// CreateJob inserts a scheduled job.
func (s *Store) CreateJob(ctx context.Context, j *workflow.ScheduledJob) error {
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	if j.Tags == nil {
		tags = []byte(`[]`)
	}
	var platform sql.NullString
	if j.PlatformID != "" {
		platform = sql.NullString{String: j.PlatformID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, type, schedule, timezone,
			next_run, start_date, end_date, max_executions, handler_name,
			handler_type, payload, max_retries, retry_delay_ms, timeout_ms,
			priority, concurrency, allow_overlap, status, tags, platform_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21)`,
		j.ID, j.Name, string(j.Type), j.Schedule, j.Timezone,
		nullableTime(j.NextRun), nullableTime(j.StartDate), nullableTime(j.EndDate),
		j.MaxExecutions, j.HandlerName, string(j.HandlerType),
		nullableJSON(j.Payload), j.MaxRetries, j.RetryDelayMS, j.TimeoutMS,
		string(j.Priority), j.Concurrency, j.AllowOverlap, string(j.Status),
		tags, platform)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*workflow.ScheduledJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain()
}

// DueJobs returns active jobs whose next_run has arrived, soonest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*workflow.ScheduledJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = $1 AND next_run IS NOT NULL AND next_run <= $2
		ORDER BY next_run LIMIT $3`,
		string(workflow.JobStatusActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	out := make([]*workflow.ScheduledJob, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// SetJobNextRun updates the job's next fire time; nil clears it.
func (s *Store) SetJobNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET next_run = $1, updated_at = now()
		WHERE id = $2`, nullableTime(next), id)
	if err != nil {
		return fmt.Errorf("set next_run for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// SetJobSchedule updates the schedule fields after a reschedule.
func (s *Store) SetJobSchedule(ctx context.Context, id, schedule string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET schedule = $1, next_run = $2, updated_at = now()
		WHERE id = $3`, schedule, nullableTime(next), id)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// SetJobStatus moves a job between active, paused, and cancelled.
func (s *Store) SetJobStatus(ctx context.Context, id string, status workflow.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = $1, updated_at = now()
		WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// DeleteJob removes a job. Executions are kept for history.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// UpdateJobStats writes the rolling counters back.
func (s *Store) UpdateJobStats(ctx context.Context, id string, stats workflow.JobStats) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET executions_count = $1, success_count = $2, failure_count = $3,
			avg_duration_ms = $4, updated_at = now()
		WHERE id = $5`,
		stats.ExecutionsCount, stats.SuccessCount, stats.FailureCount,
		stats.AvgDurationMS, id)
	if err != nil {
		return fmt.Errorf("update stats for job %s: %w", id, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
