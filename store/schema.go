package store

// schema is the relational layout. The version column on workflows is the
// CAS column; every successful stage advance increments it.
const schema = `
CREATE TABLE IF NOT EXISTS platforms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS platform_surfaces (
	id          TEXT PRIMARY KEY,
	platform_id TEXT NOT NULL REFERENCES platforms(id),
	kind        TEXT NOT NULL,
	config      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_definitions (
	id            TEXT PRIMARY KEY,
	platform_id   TEXT,
	workflow_type TEXT NOT NULL,
	definition    JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform_id, workflow_type)
);

CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	platform_id   TEXT,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	progress      INTEGER NOT NULL DEFAULT 0,
	stage_outputs JSONB NOT NULL DEFAULT '[]'::jsonb,
	version       BIGINT NOT NULL DEFAULT 1,
	requirements  JSONB,
	last_error    TEXT NOT NULL DEFAULT '',
	created_by    TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflows_status_idx ON workflows (status);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL REFERENCES workflows(id),
	agent_type   TEXT NOT NULL,
	action       TEXT NOT NULL DEFAULT '',
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	timeout_ms   BIGINT NOT NULL DEFAULT 0,
	priority     TEXT NOT NULL DEFAULT 'medium',
	payload      JSONB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tasks_workflow_idx ON tasks (workflow_id, stage);

CREATE TABLE IF NOT EXISTS pipeline_executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT,
	status      TEXT NOT NULL,
	state       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	schedule         TEXT NOT NULL DEFAULT '',
	timezone         TEXT NOT NULL DEFAULT 'UTC',
	next_run         TIMESTAMPTZ,
	start_date       TIMESTAMPTZ,
	end_date         TIMESTAMPTZ,
	max_executions   BIGINT NOT NULL DEFAULT 0,
	handler_name     TEXT NOT NULL,
	handler_type     TEXT NOT NULL,
	payload          JSONB,
	max_retries      INTEGER NOT NULL DEFAULT 0,
	retry_delay_ms   BIGINT NOT NULL DEFAULT 1000,
	timeout_ms       BIGINT NOT NULL DEFAULT 0,
	priority         TEXT NOT NULL DEFAULT 'medium',
	concurrency      INTEGER NOT NULL DEFAULT 1,
	allow_overlap    BOOLEAN NOT NULL DEFAULT false,
	executions_count BIGINT NOT NULL DEFAULT 0,
	success_count    BIGINT NOT NULL DEFAULT 0,
	failure_count    BIGINT NOT NULL DEFAULT 0,
	avg_duration_ms  BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'active',
	tags             JSONB NOT NULL DEFAULT '[]'::jsonb,
	platform_id      TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx ON scheduled_jobs (status, next_run);

CREATE TABLE IF NOT EXISTS job_executions (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES scheduled_jobs(id),
	status        TEXT NOT NULL,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	result        JSONB,
	error         TEXT NOT NULL DEFAULT '',
	error_stack   TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	trace_id      TEXT NOT NULL DEFAULT '',
	span_id       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_executions_job_idx ON job_executions (job_id);
CREATE INDEX IF NOT EXISTS job_executions_retry_idx ON job_executions (status, next_retry_at);

CREATE TABLE IF NOT EXISTS job_execution_logs (
	id           BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES job_executions(id),
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	logged_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_handlers (
	id               TEXT PRIMARY KEY,
	event_name       TEXT NOT NULL,
	handler_name     TEXT NOT NULL,
	enabled          BOOLEAN NOT NULL DEFAULT true,
	priority         INTEGER NOT NULL DEFAULT 0,
	action_type      TEXT NOT NULL,
	action_config    JSONB,
	platform_id      TEXT,
	executions_count BIGINT NOT NULL DEFAULT 0,
	success_count    BIGINT NOT NULL DEFAULT 0,
	failure_count    BIGINT NOT NULL DEFAULT 0,
	avg_duration_ms  BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (event_name, handler_name)
);
CREATE INDEX IF NOT EXISTS event_handlers_event_idx ON event_handlers (event_name, enabled);
`
