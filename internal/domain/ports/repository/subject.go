package repository

import (
	"context"

	"storyforge/internal/domain/model"
)

type SubjectRepository interface {
	Save(ctx context.Context, tx Tx, s *model.Subject) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subject, error)
	// ListByIDs returns subjects in the order of the given ids.
	ListByIDs(ctx context.Context, tx Tx, ids []string) ([]*model.Subject, error)
	// ListEligible returns ready subjects of the given kind in a scope,
	// oldest first.
	ListEligible(ctx context.Context, tx Tx, scopeID string, kind model.SubjectKind) ([]*model.Subject, error)

	SetStatusMany(ctx context.Context, tx Tx, ids []string, status model.SubjectStatus) error
	CountChildren(ctx context.Context, tx Tx, parentID string) (int, error)

	// ReplaceChildren persists generated drafts as child subjects of parent.
	// When replace is true, prior children of childKind are deleted first and
	// counted as replaced.
	ReplaceChildren(ctx context.Context, tx Tx, parent *model.Subject, drafts []model.ArtifactDraft, childKind model.SubjectKind, replace bool) (created, replaced int, err error)
}
