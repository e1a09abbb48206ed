package adapter

import (
	"context"

	"storyforge/internal/domain/model"
)

// RunNotifier pushes run lifecycle events to an ops channel. Failures are
// logged and never affect run state.
type RunNotifier interface {
	NotifyRunFinished(ctx context.Context, run *model.Run) error
	NotifyRunReclaimed(ctx context.Context, run *model.Run) error
}
