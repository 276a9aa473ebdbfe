package store

// Schema definitions for the Kestrel findings store.
// Compatible with both SQLite and PostgreSQL.

const schemaFindings = `
CREATE TABLE IF NOT EXISTS findings (
    combination_hash TEXT PRIMARY KEY,
    canonical_key TEXT NOT NULL,
    tool_id INTEGER NOT NULL,
    tool_slug TEXT NOT NULL,
    tool_display_name TEXT NOT NULL,
    source_ids TEXT NOT NULL,
    source_slugs TEXT NOT NULL,
    source_bitmask TEXT NOT NULL,
    language TEXT NOT NULL,
    analysis_type TEXT NOT NULL,
    executive_summary TEXT NOT NULL DEFAULT '',
    principal_findings TEXT NOT NULL DEFAULT '',
    strategic_synthesis TEXT NOT NULL DEFAULT '',
    conclusions TEXT NOT NULL DEFAULT '',
    temporal_analysis TEXT NOT NULL DEFAULT '',
    seasonal_analysis TEXT NOT NULL DEFAULT '',
    spectral_analysis TEXT NOT NULL DEFAULT '',
    correlation_analysis TEXT NOT NULL DEFAULT '',
    component_analysis TEXT NOT NULL DEFAULT '',
    generator_id TEXT NOT NULL DEFAULT '',
    generation_ms INTEGER NOT NULL DEFAULT 0,
    confidence_score REAL NOT NULL DEFAULT 0,
    data_points INTEGER NOT NULL DEFAULT 0,
    validation_status TEXT NOT NULL,
    schema_version INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    invalidate_reason TEXT NOT NULL DEFAULT '',
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_tool ON findings(tool_slug);
CREATE INDEX IF NOT EXISTS idx_findings_language ON findings(language);
CREATE INDEX IF NOT EXISTS idx_findings_type ON findings(analysis_type);
CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(validation_status, active);
CREATE INDEX IF NOT EXISTS idx_findings_bitmask ON findings(tool_slug, source_bitmask, language);
`

const schemaJobs = `
CREATE TABLE IF NOT EXISTS computation_jobs (
    id TEXT PRIMARY KEY,
    combination_hash TEXT NOT NULL,
    tool_slug TEXT NOT NULL,
    source_slugs TEXT NOT NULL,
    language TEXT NOT NULL,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    schema_version INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON computation_jobs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_hash ON computation_jobs(combination_hash, status);
CREATE INDEX IF NOT EXISTS idx_jobs_tool ON computation_jobs(tool_slug);
`

const schemaUsage = `
CREATE TABLE IF NOT EXISTS usage_events (
    id TEXT PRIMARY KEY,
    combination_hash TEXT NOT NULL,
    hit INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    event_time TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_hash ON usage_events(combination_hash);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_events(event_time);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFindings,
		schemaJobs,
		schemaUsage,
	}
}
