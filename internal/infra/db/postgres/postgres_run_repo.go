package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/repository"
)

var _ repository.RunRepository = (*runRepo)(nil)

type runRepo struct {
	pool *pgxpool.Pool
}

func NewRunRepo(pool *pgxpool.Pool) *runRepo {
	return &runRepo{pool: pool}
}

const runColumns = `
id, scope_id, kind, status, phase, phase_detail,
total_items, completed_items, failed_items, skipped_items, produced_artifacts,
input_config, created_at, started_at, completed_at, heartbeat_at, duration_ms,
error_msg, log`

func (r *runRepo) CreateWithItems(ctx context.Context, tx repository.Tx, run *model.Run, items []*model.WorkItem) error {
	cfg, err := json.Marshal(run.InputConfig)
	if err != nil {
		return fmt.Errorf("marshal input config: %w", err)
	}

	const q = `
INSERT INTO runs (id, scope_id, kind, status, phase, phase_detail, total_items, input_config, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	if _, err := execSQL(ctx, r.pool, tx, q,
		run.ID, run.ScopeID, run.Kind, run.Status, run.Phase, run.PhaseDetail,
		run.TotalItems, cfg, run.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	const iq = `
INSERT INTO work_items (id, run_id, subject_id, ord, status)
VALUES ($1, $2, $3, $4, $5);`

	for _, it := range items {
		if _, err := execSQL(ctx, r.pool, tx, iq, it.ID, it.RunID, it.SubjectID, it.Order, it.Status); err != nil {
			return fmt.Errorf("insert work item %d: %w", it.Order, err)
		}
	}
	return nil
}

func (r *runRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

func (r *runRepo) FindActive(ctx context.Context, tx repository.Tx, scopeID string, kind model.RunKind) (*model.Run, error) {
	q := `SELECT ` + runColumns + `
FROM runs
WHERE scope_id = $1 AND kind = $2 AND status IN ('QUEUED', 'RUNNING')
ORDER BY created_at DESC
LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, scopeID, kind)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

func (r *runRepo) ListByScope(ctx context.Context, tx repository.Tx, scopeID string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runColumns + `
FROM runs
WHERE scope_id = $1
ORDER BY created_at DESC
LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *runRepo) MarkRunning(ctx context.Context, tx repository.Tx, id string, startedAt time.Time) error {
	const q = `
UPDATE runs
SET status = 'RUNNING', phase = 'LOADING', started_at = $2, heartbeat_at = now()
WHERE id = $1 AND status = 'QUEUED';`
	tag, err := execSQL(ctx, r.pool, tx, q, id, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *runRepo) SetPhase(ctx context.Context, tx repository.Tx, id string, phase model.RunPhase, detail string) error {
	const q = `UPDATE runs SET phase = $2, phase_detail = $3 WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, phase, detail)
	return err
}

func (r *runRepo) Heartbeat(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE runs SET heartbeat_at = now() WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	return err
}

func (r *runRepo) AddCounters(ctx context.Context, tx repository.Tx, id string, d repository.CounterDelta) error {
	const q = `
UPDATE runs
SET completed_items    = completed_items + $2,
    failed_items       = failed_items + $3,
    skipped_items      = skipped_items + $4,
    produced_artifacts = produced_artifacts + $5,
    heartbeat_at       = now()
WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, d.Completed, d.Failed, d.Skipped, d.Artifacts)
	return err
}

func (r *runRepo) Finalize(ctx context.Context, tx repository.Tx, id string, status model.RunStatus, phase model.RunPhase, errMsg string, completedAt time.Time) error {
	const q = `
UPDATE runs
SET status       = $2,
    phase        = $3,
    error_msg    = $4,
    completed_at = $5,
    duration_ms  = (EXTRACT(EPOCH FROM ($5::timestamptz - COALESCE(started_at, created_at))) * 1000)::bigint
WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, status, phase, errMsg, completedAt)
	return err
}

func (r *runRepo) MarkCancelled(ctx context.Context, tx repository.Tx, id string) error {
	const q = `
UPDATE runs
SET status = 'CANCELLED', phase_detail = 'cancellation requested'
WHERE id = $1 AND status IN ('QUEUED', 'RUNNING');`
	tag, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendLog concatenates server-side so two concurrent appends can never
// clobber each other.
func (r *runRepo) AppendLog(ctx context.Context, tx repository.Tx, id string, line string) error {
	const q = `UPDATE runs SET log = log || $2 WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, line)
	return err
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	var kind, status, phase string
	var cfg []byte
	err := row.Scan(
		&run.ID, &run.ScopeID, &kind, &status, &phase, &run.PhaseDetail,
		&run.TotalItems, &run.CompletedItems, &run.FailedItems, &run.SkippedItems, &run.ProducedArtifacts,
		&cfg, &run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.HeartbeatAt, &run.DurationMs,
		&run.ErrorMsg, &run.Log,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	run.Phase = model.RunPhase(phase)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &run.InputConfig); err != nil {
			return nil, fmt.Errorf("unmarshal input config: %w", err)
		}
	}
	return &run, nil
}
