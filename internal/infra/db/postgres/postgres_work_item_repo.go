package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/repository"
)

var _ repository.WorkItemRepository = (*workItemRepo)(nil)

type workItemRepo struct {
	pool *pgxpool.Pool
}

func NewWorkItemRepo(pool *pgxpool.Pool) *workItemRepo {
	return &workItemRepo{pool: pool}
}

const itemColumns = `
id, run_id, subject_id, ord, status,
artifacts_created, artifacts_replaced, tokens_used, error_msg,
started_at, completed_at, duration_ms`

func (r *workItemRepo) NextPending(ctx context.Context, tx repository.Tx, runID string) (*model.WorkItem, error) {
	q := `SELECT ` + itemColumns + `
FROM work_items
WHERE run_id = $1 AND status = 'PENDING'
ORDER BY ord
LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, runID)
	if err != nil {
		return nil, err
	}
	return scanItem(row)
}

func (r *workItemRepo) ListByRun(ctx context.Context, tx repository.Tx, runID string) ([]*model.WorkItem, error) {
	q := `SELECT ` + itemColumns + ` FROM work_items WHERE run_id = $1 ORDER BY ord;`
	rows, err := pickRows(ctx, r.pool, tx, q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *workItemRepo) FailedSubjectIDs(ctx context.Context, tx repository.Tx, runID string) ([]string, error) {
	return r.subjectIDsByStatus(ctx, tx, runID, model.WorkItemStatusFailed)
}

func (r *workItemRepo) PendingSubjectIDs(ctx context.Context, tx repository.Tx, runID string) ([]string, error) {
	return r.subjectIDsByStatus(ctx, tx, runID, model.WorkItemStatusPending)
}

func (r *workItemRepo) subjectIDsByStatus(ctx context.Context, tx repository.Tx, runID string, status model.WorkItemStatus) ([]string, error) {
	const q = `SELECT subject_id FROM work_items WHERE run_id = $1 AND status = $2 ORDER BY ord;`
	rows, err := pickRows(ctx, r.pool, tx, q, runID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Start claims a PENDING item. The status guard arbitrates when two
// invocations raced on the same item; the loser gets ErrNotFound.
func (r *workItemRepo) Start(ctx context.Context, tx repository.Tx, id string, status model.WorkItemStatus, startedAt time.Time) error {
	const q = `UPDATE work_items SET status = $2, started_at = $3 WHERE id = $1 AND status = 'PENDING';`
	tag, err := execSQL(ctx, r.pool, tx, q, id, status, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *workItemRepo) SetStatus(ctx context.Context, tx repository.Tx, id string, status model.WorkItemStatus) error {
	const q = `UPDATE work_items SET status = $2 WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, status)
	return err
}

func (r *workItemRepo) Finish(ctx context.Context, tx repository.Tx, item *model.WorkItem) error {
	const q = `
UPDATE work_items
SET status             = $2,
    artifacts_created  = $3,
    artifacts_replaced = $4,
    tokens_used        = $5,
    error_msg          = $6,
    completed_at       = $7,
    duration_ms        = $8
WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q,
		item.ID, item.Status, item.ArtifactsCreated, item.ArtifactsReplaced,
		item.TokensUsed, item.ErrorMsg, item.CompletedAt, item.DurationMs)
	return err
}

func scanItem(row pgx.Row) (*model.WorkItem, error) {
	var it model.WorkItem
	var status string
	err := row.Scan(
		&it.ID, &it.RunID, &it.SubjectID, &it.Order, &status,
		&it.ArtifactsCreated, &it.ArtifactsReplaced, &it.TokensUsed, &it.ErrorMsg,
		&it.StartedAt, &it.CompletedAt, &it.DurationMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	it.Status = model.WorkItemStatus(status)
	return &it, nil
}
