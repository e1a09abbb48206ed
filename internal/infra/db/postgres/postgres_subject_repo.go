package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/repository"
)

var _ repository.SubjectRepository = (*subjectRepo)(nil)

type subjectRepo struct {
	pool *pgxpool.Pool
}

func NewSubjectRepo(pool *pgxpool.Pool) *subjectRepo {
	return &subjectRepo{pool: pool}
}

const subjectColumns = `id, scope_id, kind, parent_id, title, body, status, created_at, updated_at`

func (r *subjectRepo) Save(ctx context.Context, tx repository.Tx, s *model.Subject) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.UpdatedAt = time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	if s.Status == "" {
		s.Status = model.SubjectReady
	}

	const q = `
INSERT INTO subjects (id, scope_id, kind, parent_id, title, body, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  title      = EXCLUDED.title,
  body       = EXCLUDED.body,
  status     = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.ScopeID, s.Kind, s.ParentID, s.Title, s.Body, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *subjectRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subject, error) {
	q := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSubject(row)
}

func (r *subjectRepo) ListByIDs(ctx context.Context, tx repository.Tx, ids []string) ([]*model.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// array_position keeps the caller's ordering
	q := `SELECT ` + subjectColumns + `
FROM subjects
WHERE id = ANY($1)
ORDER BY array_position($1, id);`
	rows, err := pickRows(ctx, r.pool, tx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubjects(rows)
}

func (r *subjectRepo) ListEligible(ctx context.Context, tx repository.Tx, scopeID string, kind model.SubjectKind) ([]*model.Subject, error) {
	q := `SELECT ` + subjectColumns + `
FROM subjects
WHERE scope_id = $1 AND kind = $2 AND status = 'ready'
ORDER BY created_at, id;`
	rows, err := pickRows(ctx, r.pool, tx, q, scopeID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubjects(rows)
}

func (r *subjectRepo) SetStatusMany(ctx context.Context, tx repository.Tx, ids []string, status model.SubjectStatus) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE subjects SET status = $2, updated_at = now() WHERE id = ANY($1);`
	_, err := execSQL(ctx, r.pool, tx, q, ids, status)
	return err
}

func (r *subjectRepo) CountChildren(ctx context.Context, tx repository.Tx, parentID string) (int, error) {
	const q = `SELECT COUNT(*) FROM subjects WHERE parent_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, parentID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *subjectRepo) ReplaceChildren(ctx context.Context, tx repository.Tx, parent *model.Subject, drafts []model.ArtifactDraft, childKind model.SubjectKind, replace bool) (int, int, error) {
	replaced := 0
	if replace {
		const dq = `DELETE FROM subjects WHERE parent_id = $1 AND kind = $2;`
		tag, err := execSQL(ctx, r.pool, tx, dq, parent.ID, childKind)
		if err != nil {
			return 0, 0, fmt.Errorf("delete prior children: %w", err)
		}
		replaced = int(tag.RowsAffected())
	}

	now := time.Now()
	const iq = `
INSERT INTO subjects (id, scope_id, kind, parent_id, title, body, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'ready', $7, $7);`
	for i, d := range drafts {
		if _, err := execSQL(ctx, r.pool, tx, iq,
			uuid.NewString(), parent.ScopeID, childKind, parent.ID, d.Title, d.Body, now); err != nil {
			return 0, 0, fmt.Errorf("insert child %d: %w", i, err)
		}
	}
	return len(drafts), replaced, nil
}

func scanSubject(row pgx.Row) (*model.Subject, error) {
	var s model.Subject
	var kind, status string
	err := row.Scan(&s.ID, &s.ScopeID, &kind, &s.ParentID, &s.Title, &s.Body, &status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Kind = model.SubjectKind(kind)
	s.Status = model.SubjectStatus(status)
	return &s, nil
}

func collectSubjects(rows pgx.Rows) ([]*model.Subject, error) {
	var out []*model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
