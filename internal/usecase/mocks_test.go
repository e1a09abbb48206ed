//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

//
// ---------------- shared in-memory state ----------------
//

type memState struct {
	mu       sync.Mutex
	runs     map[string]*model.Run
	items    map[string][]*model.WorkItem
	subjects map[string]*model.Subject
}

func newMemState() *memState {
	return &memState{
		runs:     map[string]*model.Run{},
		items:    map[string][]*model.WorkItem{},
		subjects: map[string]*model.Subject{},
	}
}

func (s *memState) seedSubject(id, scopeID string, kind model.SubjectKind, title string) *model.Subject {
	sub := &model.Subject{
		ID:        id,
		ScopeID:   scopeID,
		Kind:      kind,
		Title:     title,
		Body:      "body of " + title,
		Status:    model.SubjectReady,
		CreatedAt: time.Now(),
	}
	s.subjects[id] = sub
	return sub
}

//
// ---------------- run repository ----------------
//

type memRunRepo struct {
	s *memState

	errFind error
}

func (m *memRunRepo) CreateWithItems(ctx context.Context, tx repository.Tx, run *model.Run, items []*model.WorkItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *run
	m.s.runs[run.ID] = &cp
	for _, it := range items {
		ic := *it
		m.s.items[run.ID] = append(m.s.items[run.ID], &ic)
	}
	return nil
}

func (m *memRunRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Run, error) {
	if m.errFind != nil {
		return nil, m.errFind
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRunRepo) FindActive(ctx context.Context, tx repository.Tx, scopeID string, kind model.RunKind) (*model.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var latest *model.Run
	for _, r := range m.s.runs {
		if r.ScopeID == scopeID && r.Kind == kind && r.Active() {
			if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memRunRepo) ListByScope(ctx context.Context, tx repository.Tx, scopeID string, limit int) ([]*model.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.Run
	for _, r := range m.s.runs {
		if r.ScopeID == scopeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRunRepo) MarkRunning(ctx context.Context, tx repository.Tx, id string, startedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok || r.Status != model.RunStatusQueued {
		return domain.ErrNotFound
	}
	now := time.Now()
	r.Status = model.RunStatusRunning
	r.Phase = model.RunPhaseLoading
	r.StartedAt = &startedAt
	r.HeartbeatAt = &now
	return nil
}

func (m *memRunRepo) SetPhase(ctx context.Context, tx repository.Tx, id string, phase model.RunPhase, detail string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Phase = phase
	r.PhaseDetail = detail
	return nil
}

func (m *memRunRepo) Heartbeat(ctx context.Context, tx repository.Tx, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	r.HeartbeatAt = &now
	return nil
}

func (m *memRunRepo) AddCounters(ctx context.Context, tx repository.Tx, id string, d repository.CounterDelta) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.CompletedItems += d.Completed
	r.FailedItems += d.Failed
	r.SkippedItems += d.Skipped
	r.ProducedArtifacts += d.Artifacts
	now := time.Now()
	r.HeartbeatAt = &now
	return nil
}

func (m *memRunRepo) Finalize(ctx context.Context, tx repository.Tx, id string, status model.RunStatus, phase model.RunPhase, errMsg string, completedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.Phase = phase
	r.ErrorMsg = errMsg
	r.CompletedAt = &completedAt
	start := r.CreatedAt
	if r.StartedAt != nil {
		start = *r.StartedAt
	}
	r.DurationMs = completedAt.Sub(start).Milliseconds()
	return nil
}

func (m *memRunRepo) MarkCancelled(ctx context.Context, tx repository.Tx, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok || !r.Active() {
		return domain.ErrNotFound
	}
	r.Status = model.RunStatusCancelled
	r.PhaseDetail = "cancellation requested"
	return nil
}

func (m *memRunRepo) AppendLog(ctx context.Context, tx repository.Tx, id string, line string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Log += line
	return nil
}

//
// ---------------- work item repository ----------------
//

type memItemRepo struct {
	s *memState
}

func (m *memItemRepo) NextPending(ctx context.Context, tx repository.Tx, runID string) (*model.WorkItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	items := append([]*model.WorkItem(nil), m.s.items[runID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	for _, it := range items {
		if it.Status == model.WorkItemStatusPending {
			cp := *it
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memItemRepo) ListByRun(ctx context.Context, tx repository.Tx, runID string) ([]*model.WorkItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*model.WorkItem, 0, len(m.s.items[runID]))
	for _, it := range m.s.items[runID] {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memItemRepo) FailedSubjectIDs(ctx context.Context, tx repository.Tx, runID string) ([]string, error) {
	return m.subjectIDsByStatus(runID, model.WorkItemStatusFailed), nil
}

func (m *memItemRepo) PendingSubjectIDs(ctx context.Context, tx repository.Tx, runID string) ([]string, error) {
	return m.subjectIDsByStatus(runID, model.WorkItemStatusPending), nil
}

func (m *memItemRepo) subjectIDsByStatus(runID string, status model.WorkItemStatus) []string {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	items := append([]*model.WorkItem(nil), m.s.items[runID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	ids := []string{}
	for _, it := range items {
		if it.Status == status {
			ids = append(ids, it.SubjectID)
		}
	}
	return ids
}

func (m *memItemRepo) Start(ctx context.Context, tx repository.Tx, id string, status model.WorkItemStatus, startedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	it := m.byID(id)
	if it == nil || it.Status != model.WorkItemStatusPending {
		return domain.ErrNotFound
	}
	it.Status = status
	it.StartedAt = &startedAt
	return nil
}

func (m *memItemRepo) SetStatus(ctx context.Context, tx repository.Tx, id string, status model.WorkItemStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	it := m.byID(id)
	if it == nil {
		return domain.ErrNotFound
	}
	it.Status = status
	return nil
}

func (m *memItemRepo) Finish(ctx context.Context, tx repository.Tx, item *model.WorkItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	it := m.byID(item.ID)
	if it == nil {
		return domain.ErrNotFound
	}
	*it = *item
	return nil
}

// contendedItemRepo loses its first claim, as if another invocation started
// the same item in between NextPending and Start.
type contendedItemRepo struct {
	*memItemRepo
	mu   sync.Mutex
	lost bool
}

func (c *contendedItemRepo) Start(ctx context.Context, tx repository.Tx, id string, status model.WorkItemStatus, startedAt time.Time) error {
	c.mu.Lock()
	first := !c.lost
	c.lost = true
	c.mu.Unlock()
	if first {
		return domain.ErrNotFound
	}
	return c.memItemRepo.Start(ctx, tx, id, status, startedAt)
}

func (m *memItemRepo) byID(id string) *model.WorkItem {
	for _, items := range m.s.items {
		for _, it := range items {
			if it.ID == id {
				return it
			}
		}
	}
	return nil
}

//
// ---------------- subject repository ----------------
//

type memSubjectRepo struct {
	s *memState

	nextChildID int
}

func (m *memSubjectRepo) Save(ctx context.Context, tx repository.Tx, sub *model.Subject) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *sub
	m.s.subjects[sub.ID] = &cp
	return nil
}

func (m *memSubjectRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subject, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sub, ok := m.s.subjects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memSubjectRepo) ListByIDs(ctx context.Context, tx repository.Tx, ids []string) ([]*model.Subject, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []*model.Subject{}
	for _, id := range ids {
		if sub, ok := m.s.subjects[id]; ok {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubjectRepo) ListEligible(ctx context.Context, tx repository.Tx, scopeID string, kind model.SubjectKind) ([]*model.Subject, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []*model.Subject{}
	for _, sub := range m.s.subjects {
		if sub.ScopeID == scopeID && sub.Kind == kind && sub.Status == model.SubjectReady {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memSubjectRepo) SetStatusMany(ctx context.Context, tx repository.Tx, ids []string, status model.SubjectStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, id := range ids {
		if sub, ok := m.s.subjects[id]; ok {
			sub.Status = status
		}
	}
	return nil
}

func (m *memSubjectRepo) CountChildren(ctx context.Context, tx repository.Tx, parentID string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, sub := range m.s.subjects {
		if sub.ParentID == parentID {
			n++
		}
	}
	return n, nil
}

func (m *memSubjectRepo) ReplaceChildren(ctx context.Context, tx repository.Tx, parent *model.Subject, drafts []model.ArtifactDraft, childKind model.SubjectKind, replace bool) (int, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	replaced := 0
	if replace {
		for id, sub := range m.s.subjects {
			if sub.ParentID == parent.ID && sub.Kind == childKind {
				delete(m.s.subjects, id)
				replaced++
			}
		}
	}
	for _, d := range drafts {
		m.nextChildID++
		id := fmt.Sprintf("child-%d", m.nextChildID)
		m.s.subjects[id] = &model.Subject{
			ID:        id,
			ScopeID:   parent.ScopeID,
			Kind:      childKind,
			ParentID:  parent.ID,
			Title:     d.Title,
			Body:      d.Body,
			Status:    model.SubjectReady,
			CreatedAt: time.Now(),
		}
	}
	return len(drafts), replaced, nil
}

//
// ---------------- tx manager + adapters ----------------
//

type noTx struct{}

type memTxManager struct{}

func (memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, noTx{})
}

// fakeGenerator yields a fixed number of drafts per subject and fails for
// subject ids listed in failFor.
type fakeGenerator struct {
	mu      sync.Mutex
	perCall int
	failFor map[string]error
	calls   []string
}

func newFakeGenerator(perCall int) *fakeGenerator {
	return &fakeGenerator{perCall: perCall, failFor: map[string]error{}}
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (*adapter.GenerationResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Subject.ID)
	g.mu.Unlock()
	if err, ok := g.failFor[req.Subject.ID]; ok {
		return nil, err
	}
	drafts := make([]model.ArtifactDraft, g.perCall)
	for i := range drafts {
		drafts[i] = model.ArtifactDraft{
			Title: fmt.Sprintf("%s artifact %d", req.Subject.Title, i+1),
			Body:  "generated",
		}
	}
	return &adapter.GenerationResult{
		Artifacts: drafts,
		Usage:     adapter.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

type fakeTrigger struct {
	mu       sync.Mutex
	initial  []string
	next     []string
	errOnce  error
	errEvery error
}

func (t *fakeTrigger) TriggerInitial(ctx context.Context, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initial = append(t.initial, runID)
	if t.errOnce != nil {
		err := t.errOnce
		t.errOnce = nil
		return err
	}
	return t.errEvery
}

func (t *fakeTrigger) TriggerNext(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = append(t.next, runID)
}

type fakeNotifier struct {
	mu        sync.Mutex
	finished  []*model.Run
	reclaimed []*model.Run
}

func (n *fakeNotifier) NotifyRunFinished(ctx context.Context, run *model.Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, run)
	return nil
}

func (n *fakeNotifier) NotifyRunReclaimed(ctx context.Context, run *model.Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reclaimed = append(n.reclaimed, run)
	return nil
}
