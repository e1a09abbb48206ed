package notify

import (
	"context"

	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
)

var _ adapter.RunNotifier = (*NoopNotifier)(nil)

// NoopNotifier is used when no ops channel is configured.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (NoopNotifier) NotifyRunFinished(context.Context, *model.Run) error  { return nil }
func (NoopNotifier) NotifyRunReclaimed(context.Context, *model.Run) error { return nil }
