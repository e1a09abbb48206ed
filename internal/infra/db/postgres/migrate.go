package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
)

// EnsureSchema creates the tables the run engine needs. Idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS subjects (
  id          TEXT PRIMARY KEY,
  scope_id    TEXT NOT NULL,
  kind        TEXT NOT NULL,
  parent_id   TEXT NOT NULL DEFAULT '',
  title       TEXT NOT NULL,
  body        TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL DEFAULT 'ready',
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subjects_scope_kind ON subjects (scope_id, kind, status);
CREATE INDEX IF NOT EXISTS idx_subjects_parent ON subjects (parent_id);

CREATE TABLE IF NOT EXISTS runs (
  id                 TEXT PRIMARY KEY,
  scope_id           TEXT NOT NULL,
  kind               TEXT NOT NULL,
  status             TEXT NOT NULL,
  phase              TEXT NOT NULL,
  phase_detail       TEXT NOT NULL DEFAULT '',
  total_items        INT NOT NULL DEFAULT 0,
  completed_items    INT NOT NULL DEFAULT 0,
  failed_items       INT NOT NULL DEFAULT 0,
  skipped_items      INT NOT NULL DEFAULT 0,
  produced_artifacts INT NOT NULL DEFAULT 0,
  input_config       JSONB NOT NULL DEFAULT '{}',
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at         TIMESTAMPTZ,
  completed_at       TIMESTAMPTZ,
  heartbeat_at       TIMESTAMPTZ,
  duration_ms        BIGINT NOT NULL DEFAULT 0,
  error_msg          TEXT NOT NULL DEFAULT '',
  log                TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_scope_kind_status ON runs (scope_id, kind, status);

CREATE TABLE IF NOT EXISTS work_items (
  id                 TEXT PRIMARY KEY,
  run_id             TEXT NOT NULL REFERENCES runs(id),
  subject_id         TEXT NOT NULL,
  ord                INT NOT NULL,
  status             TEXT NOT NULL DEFAULT 'PENDING',
  artifacts_created  INT NOT NULL DEFAULT 0,
  artifacts_replaced INT NOT NULL DEFAULT 0,
  tokens_used        INT NOT NULL DEFAULT 0,
  error_msg          TEXT NOT NULL DEFAULT '',
  started_at         TIMESTAMPTZ,
  completed_at       TIMESTAMPTZ,
  duration_ms        BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_work_items_run_ord ON work_items (run_id, ord);
`
	_, err := pool.Exec(ctx, ddl)
	return err
}
