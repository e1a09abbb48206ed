package usecase

import "sync"

// CancelRegistry is a same-process fast path for cancellation signaling. It is
// an optimization layered over the durable Run.status field, never the source
// of truth: continuation invocations are not guaranteed to share memory, so
// every decision that matters re-reads persisted status first.
type CancelRegistry struct {
	m sync.Map // run id -> struct{}
}

func NewCancelRegistry() *CancelRegistry { return &CancelRegistry{} }

func (r *CancelRegistry) Set(runID string)   { r.m.Store(runID, struct{}{}) }
func (r *CancelRegistry) Clear(runID string) { r.m.Delete(runID) }

func (r *CancelRegistry) IsCancelled(runID string) bool {
	_, ok := r.m.Load(runID)
	return ok
}
