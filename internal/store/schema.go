package store

import "database/sql"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('created','scheduled','queued','running','completed','failed','cancelled')),
  priority INTEGER NOT NULL DEFAULT 5,
  tags TEXT NOT NULL DEFAULT '[]',
  metadata TEXT NOT NULL DEFAULT '{}',
  created_by TEXT NOT NULL DEFAULT '',
  scheduled_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  progress INTEGER,
  estimated_completion_time INTEGER,
  max_duration INTEGER NOT NULL,
  cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE TABLE IF NOT EXISTS targets (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  target_type TEXT NOT NULL,
  value TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed','skipped')),
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  result_count INTEGER NOT NULL DEFAULT 0,
  metadata TEXT NOT NULL DEFAULT '{}',
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_targets_job ON targets(job_id);
CREATE TABLE IF NOT EXISTS module_steps (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  module_id TEXT NOT NULL,
  module_name TEXT NOT NULL DEFAULT '',
  module_version TEXT NOT NULL DEFAULT '',
  step_order INTEGER NOT NULL DEFAULT 0,
  depends_on TEXT NOT NULL DEFAULT '[]',
  parameters TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','skipped')),
  started_at INTEGER,
  completed_at INTEGER,
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_steps_job ON module_steps(job_id);
CREATE TABLE IF NOT EXISTS unit_results (
  job_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  correlation_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('completed','failed','skipped')),
  attempts INTEGER NOT NULL DEFAULT 0,
  entity_count INTEGER NOT NULL DEFAULT 0,
  relationship_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  raw BLOB,
  started_at INTEGER,
  completed_at INTEGER,
  PRIMARY KEY (target_id, step_id),
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_unit_results_job ON unit_results(job_id);
`
	_, err := db.Exec(schema)
	return err
}
