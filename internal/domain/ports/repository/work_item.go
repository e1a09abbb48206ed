package repository

import (
	"context"
	"time"

	"storyforge/internal/domain/model"
)

type WorkItemRepository interface {
	// NextPending returns the first PENDING item of the run in ascending
	// order, or domain.ErrNotFound when none remain.
	NextPending(ctx context.Context, tx Tx, runID string) (*model.WorkItem, error)
	ListByRun(ctx context.Context, tx Tx, runID string) ([]*model.WorkItem, error)
	// FailedSubjectIDs returns the subject ids of FAILED items in original
	// item order.
	FailedSubjectIDs(ctx context.Context, tx Tx, runID string) ([]string, error)
	// PendingSubjectIDs returns the subject ids of items still PENDING.
	PendingSubjectIDs(ctx context.Context, tx Tx, runID string) ([]string, error)

	Start(ctx context.Context, tx Tx, id string, status model.WorkItemStatus, startedAt time.Time) error
	SetStatus(ctx context.Context, tx Tx, id string, status model.WorkItemStatus) error
	// Finish stamps the item's terminal status together with its result
	// fields (counters, error message, timing).
	Finish(ctx context.Context, tx Tx, item *model.WorkItem) error
}
