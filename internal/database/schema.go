package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements create every table and index the application relies on.
// All statements are idempotent so the schema can be ensured on every boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id          VARCHAR(64) PRIMARY KEY,
		project_id  VARCHAR(64) NOT NULL,
		email       VARCHAR(255) NOT NULL,
		first_name  VARCHAR(255) NOT NULL DEFAULT '',
		last_name   VARCHAR(255) NOT NULL DEFAULT '',
		status      VARCHAR(20) NOT NULL DEFAULT 'subscribed',
		attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at  TIMESTAMP WITH TIME ZONE NOT NULL,
		CONSTRAINT contacts_project_email_unique UNIQUE (project_id, email)
	)`,

	`CREATE TABLE IF NOT EXISTS workflows (
		id            VARCHAR(64) PRIMARY KEY,
		project_id    VARCHAR(64) NOT NULL,
		name          VARCHAR(255) NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		status        VARCHAR(20) NOT NULL DEFAULT 'draft',
		allow_reentry BOOLEAN NOT NULL DEFAULT FALSE,
		steps         JSONB NOT NULL DEFAULT '[]'::jsonb,
		transitions   JSONB NOT NULL DEFAULT '[]'::jsonb,
		trigger_event VARCHAR(255) NOT NULL DEFAULT '',
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at    TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	// Event-to-workflow routing is an indexed equality lookup
	`CREATE INDEX IF NOT EXISTS idx_workflows_trigger_event
		ON workflows (project_id, trigger_event) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id              VARCHAR(64) PRIMARY KEY,
		project_id      VARCHAR(64) NOT NULL,
		workflow_id     VARCHAR(64) NOT NULL,
		contact_id      VARCHAR(64) NOT NULL,
		status          VARCHAR(20) NOT NULL DEFAULT 'running',
		current_step_id VARCHAR(64) NOT NULL DEFAULT '',
		context         JSONB NOT NULL DEFAULT '{}'::jsonb,
		exit_reason     TEXT,
		error           TEXT,
		started_at      TIMESTAMP WITH TIME ZONE NOT NULL,
		completed_at    TIMESTAMP WITH TIME ZONE,
		updated_at      TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	// Backs the re-entry guard: active-execution lookups and the
	// has-ever-run check for workflows that refuse re-entry
	`CREATE INDEX IF NOT EXISTS idx_executions_workflow_contact
		ON workflow_executions (workflow_id, contact_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_contact
		ON workflow_executions (project_id, contact_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_project_started
		ON workflow_executions (project_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS step_executions (
		id            VARCHAR(64) PRIMARY KEY,
		execution_id  VARCHAR(64) NOT NULL,
		project_id    VARCHAR(64) NOT NULL,
		contact_id    VARCHAR(64) NOT NULL,
		step_id       VARCHAR(64) NOT NULL,
		step_type     VARCHAR(30) NOT NULL,
		status        VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts      INTEGER NOT NULL DEFAULT 0,
		event_name    VARCHAR(255) NOT NULL DEFAULT '',
		execute_after TIMESTAMP WITH TIME ZONE,
		output        JSONB,
		error         TEXT,
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at    TIMESTAMP WITH TIME ZONE NOT NULL,
		completed_at  TIMESTAMP WITH TIME ZONE
	)`,

	// The event router finds waiting steps with a single indexed query
	`CREATE INDEX IF NOT EXISTS idx_step_executions_waiting
		ON step_executions (project_id, contact_id, event_name) WHERE status = 'waiting'`,
	`CREATE INDEX IF NOT EXISTS idx_step_executions_execution
		ON step_executions (project_id, execution_id)`,

	`CREATE TABLE IF NOT EXISTS events (
		id          VARCHAR(64) PRIMARY KEY,
		project_id  VARCHAR(64) NOT NULL,
		contact_id  VARCHAR(64),
		email_id    VARCHAR(64) NOT NULL DEFAULT '',
		name        VARCHAR(255) NOT NULL,
		properties  JSONB NOT NULL DEFAULT '{}'::jsonb,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at  TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_contact
		ON events (project_id, contact_id, occurred_at DESC) WHERE contact_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_events_name
		ON events (project_id, name, occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_project_occurred
		ON events (project_id, occurred_at DESC)`,

	`CREATE TABLE IF NOT EXISTS templates (
		id            VARCHAR(64) PRIMARY KEY,
		project_id    VARCHAR(64) NOT NULL,
		name          VARCHAR(255) NOT NULL,
		subject       TEXT NOT NULL,
		html_body     TEXT NOT NULL,
		text_body     TEXT NOT NULL DEFAULT '',
		transactional BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at    TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS emails (
		id            VARCHAR(64) PRIMARY KEY,
		project_id    VARCHAR(64) NOT NULL,
		contact_id    VARCHAR(64) NOT NULL,
		to_email      VARCHAR(255) NOT NULL,
		from_name     VARCHAR(255) NOT NULL DEFAULT '',
		from_email    VARCHAR(255) NOT NULL DEFAULT '',
		subject       TEXT NOT NULL,
		html_body     TEXT NOT NULL DEFAULT '',
		text_body     TEXT NOT NULL DEFAULT '',
		source        VARCHAR(20) NOT NULL,
		source_id     VARCHAR(64) NOT NULL DEFAULT '',
		template_id   VARCHAR(64) NOT NULL DEFAULT '',
		message_id    VARCHAR(255) NOT NULL DEFAULT '',
		status        VARCHAR(20) NOT NULL DEFAULT 'pending',
		error         TEXT,
		sent_at       TIMESTAMP WITH TIME ZONE,
		delivered_at  TIMESTAMP WITH TIME ZONE,
		opened_at     TIMESTAMP WITH TIME ZONE,
		clicked_at    TIMESTAMP WITH TIME ZONE,
		bounced_at    TIMESTAMP WITH TIME ZONE,
		complained_at TIMESTAMP WITH TIME ZONE,
		opens         INTEGER NOT NULL DEFAULT 0,
		clicks        INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at    TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	// Engagement webhooks correlate by provider message ID
	`CREATE INDEX IF NOT EXISTS idx_emails_message_id
		ON emails (project_id, message_id) WHERE message_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_emails_contact
		ON emails (project_id, contact_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_source
		ON emails (project_id, source, source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_project_updated
		ON emails (project_id, updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS campaigns (
		id              VARCHAR(64) PRIMARY KEY,
		project_id      VARCHAR(64) NOT NULL,
		name            VARCHAR(255) NOT NULL,
		template_id     VARCHAR(64) NOT NULL,
		from_name       VARCHAR(255) NOT NULL DEFAULT '',
		from_email      VARCHAR(255) NOT NULL DEFAULT '',
		audience_type   VARCHAR(20) NOT NULL DEFAULT 'all',
		segment_id      VARCHAR(64) NOT NULL DEFAULT '',
		filter          JSONB NOT NULL DEFAULT '{}'::jsonb,
		status          VARCHAR(20) NOT NULL DEFAULT 'draft',
		scheduled_at    TIMESTAMP WITH TIME ZONE,
		started_at      TIMESTAMP WITH TIME ZONE,
		completed_at    TIMESTAMP WITH TIME ZONE,
		error           TEXT,
		recipient_count INTEGER NOT NULL DEFAULT 0,
		sent_count      INTEGER NOT NULL DEFAULT 0,
		delivered_count INTEGER NOT NULL DEFAULT 0,
		opened_count    INTEGER NOT NULL DEFAULT 0,
		clicked_count   INTEGER NOT NULL DEFAULT 0,
		bounced_count   INTEGER NOT NULL DEFAULT 0,
		failed_count    INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at      TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_campaigns_due
		ON campaigns (scheduled_at) WHERE status = 'scheduled'`,

	`CREATE TABLE IF NOT EXISTS segments (
		id          VARCHAR(64) PRIMARY KEY,
		project_id  VARCHAR(64) NOT NULL,
		name        VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		filter      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at  TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_segments_project
		ON segments (project_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id           VARCHAR(64) PRIMARY KEY,
		kind         VARCHAR(64) NOT NULL,
		payload      JSONB NOT NULL,
		run_at       TIMESTAMP WITH TIME ZONE NOT NULL,
		status       VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		dedupe_key   VARCHAR(255),
		last_error   TEXT,
		created_at   TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at   TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_due
		ON jobs (run_at) WHERE status = 'pending'`,

	// Partial unique index backing ON CONFLICT (dedupe_key) ... DO NOTHING
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_key
		ON jobs (dedupe_key) WHERE dedupe_key IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS jobs_dead_letter (
		id           VARCHAR(64) PRIMARY KEY,
		kind         VARCHAR(64) NOT NULL,
		payload      JSONB NOT NULL,
		run_at       TIMESTAMP WITH TIME ZONE NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		dedupe_key   VARCHAR(255),
		last_error   TEXT,
		created_at   TIMESTAMP WITH TIME ZONE NOT NULL,
		failed_at    TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
