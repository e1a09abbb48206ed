package adapter

import "context"

// ContinuationTrigger issues the hand-off call that starts the next executor
// invocation for a run.
//
// The two operations encode different lifetime contracts and must not be
// collapsed into one function with a flag:
//
//   - TriggerInitial is awaited: the caller's own handler is about to return,
//     so the send must complete (acceptance, not item completion) before then.
//   - TriggerNext is fire-and-forget: the sender runs inside a handler that
//     stays alive until it returns, so the dispatch is guaranteed to leave the
//     process. A silently lost TriggerNext leaves the run RUNNING with a stale
//     heartbeat; recovery belongs to the stale-run monitor, not the trigger.
type ContinuationTrigger interface {
	TriggerInitial(ctx context.Context, runID string) error
	TriggerNext(runID string)
}
