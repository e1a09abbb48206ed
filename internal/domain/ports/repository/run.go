package repository

import (
	"context"
	"time"

	"storyforge/internal/domain/model"
)

// CounterDelta is applied atomically to a run's aggregate counters after one
// item commits. Single-row UPDATE with additive sets; never read-modify-write.
type CounterDelta struct {
	Completed int
	Failed    int
	Skipped   int
	Artifacts int
}

type RunRepository interface {
	// CreateWithItems persists the run and its full work-item set in one
	// transaction. The tx also marks the enqueued subjects as queued.
	CreateWithItems(ctx context.Context, tx Tx, run *model.Run, items []*model.WorkItem) error

	FindByID(ctx context.Context, tx Tx, id string) (*model.Run, error)
	// FindActive returns the single QUEUED/RUNNING run for (scope, kind),
	// or domain.ErrNotFound.
	FindActive(ctx context.Context, tx Tx, scopeID string, kind model.RunKind) (*model.Run, error)
	ListByScope(ctx context.Context, tx Tx, scopeID string, limit int) ([]*model.Run, error)

	// MarkRunning transitions QUEUED -> RUNNING and stamps startedAt plus the
	// heartbeat. Returns domain.ErrNotFound when the run is no longer QUEUED.
	MarkRunning(ctx context.Context, tx Tx, id string, startedAt time.Time) error
	SetPhase(ctx context.Context, tx Tx, id string, phase model.RunPhase, detail string) error
	Heartbeat(ctx context.Context, tx Tx, id string) error
	AddCounters(ctx context.Context, tx Tx, id string, d CounterDelta) error

	// Finalize stamps the terminal status, phase, completedAt and durationMs.
	Finalize(ctx context.Context, tx Tx, id string, status model.RunStatus, phase model.RunPhase, errMsg string, completedAt time.Time) error
	// MarkCancelled flips an active run to CANCELLED; the executor performs
	// cleanup on its next invocation. No-op (ErrNotFound) when already terminal.
	MarkCancelled(ctx context.Context, tx Tx, id string) error

	// AppendLog atomically concatenates one line to the run log server-side.
	// Safe under concurrent writers.
	AppendLog(ctx context.Context, tx Tx, id string, line string) error
}
