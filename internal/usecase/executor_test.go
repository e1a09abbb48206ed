//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"storyforge/internal/domain/model"
	"storyforge/internal/usecase"
)

//
// ---------------- harness ----------------
//

type engine struct {
	s        *memState
	runs     *memRunRepo
	items    *memItemRepo
	subjects *memSubjectRepo
	gen      *fakeGenerator
	trig     *fakeTrigger
	notif    *fakeNotifier
	cancels  *usecase.CancelRegistry
	exec     *usecase.Executor
	ctl      *usecase.RunController
}

func newEngine() *engine {
	s := newMemState()
	e := &engine{
		s:        s,
		runs:     &memRunRepo{s: s},
		items:    &memItemRepo{s: s},
		subjects: &memSubjectRepo{s: s},
		gen:      newFakeGenerator(2),
		trig:     &fakeTrigger{},
		notif:    &fakeNotifier{},
		cancels:  usecase.NewCancelRegistry(),
	}
	logger := newTestLogger()
	tm := memTxManager{}
	e.exec = usecase.NewExecutor(e.runs, e.items, e.subjects, tm, e.gen, e.notif, e.cancels, 0, logger)
	e.ctl = usecase.NewRunController(e.runs, e.items, e.subjects, tm, e.trig, e.notif, e.cancels, 2*time.Minute, logger)
	return e
}

// drive walks the continuation chain to its end, standing in for the HTTP
// trigger loop.
func (e *engine) drive(t *testing.T, ctx context.Context, runID string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		done, err := e.exec.ProcessNext(ctx, runID)
		if err != nil {
			t.Fatalf("ProcessNext step %d: %v", i, err)
		}
		if run, err := e.runs.FindByID(ctx, nil, runID); err == nil {
			settled := run.CompletedItems + run.FailedItems + run.SkippedItems
			if settled > run.TotalItems {
				t.Fatalf("step %d: settled %d exceeds total %d", i, settled, run.TotalItems)
			}
		}
		if done {
			return
		}
	}
	t.Fatal("run never finished")
}

func (e *engine) mustCreate(t *testing.T, ctx context.Context, scopeID string, kind model.RunKind, ids []string, cfg model.RunConfig) *model.Run {
	t.Helper()
	run, err := e.ctl.CreateRun(ctx, scopeID, kind, ids, cfg)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func (e *engine) run(t *testing.T, id string) *model.Run {
	t.Helper()
	run, err := e.runs.FindByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", id, err)
	}
	return run
}

//
// ---------------- tests ----------------
//

func TestExecutor_HappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "Spec A")
	e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "Spec B")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	e.drive(t, ctx, run.ID)

	got := e.run(t, run.ID)
	if got.Status != model.RunStatusSucceeded {
		t.Fatalf("want SUCCEEDED, got %s (%s)", got.Status, got.ErrorMsg)
	}
	if got.CompletedItems != 2 || got.FailedItems != 0 || got.SkippedItems != 0 {
		t.Fatalf("counters: %d/%d/%d", got.CompletedItems, got.FailedItems, got.SkippedItems)
	}
	if got.ProducedArtifacts != 4 {
		t.Fatalf("want 4 artifacts, got %d", got.ProducedArtifacts)
	}
	if got.Phase != model.RunPhaseCompleted {
		t.Fatalf("want COMPLETED phase, got %s", got.Phase)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Fatal("timestamps not stamped")
	}
	if !strings.Contains(got.Log, "run finished SUCCEEDED") {
		t.Fatalf("log missing summary: %q", got.Log)
	}

	// processed in ascending order
	if len(e.gen.calls) != 2 || e.gen.calls[0] != "doc-1" || e.gen.calls[1] != "doc-2" {
		t.Fatalf("generation order: %v", e.gen.calls)
	}

	// source subjects are done, children became ready card subjects
	for _, id := range []string{"doc-1", "doc-2"} {
		sub, _ := e.subjects.FindByID(ctx, nil, id)
		if sub.Status != model.SubjectDone {
			t.Errorf("subject %s: want done, got %s", id, sub.Status)
		}
		n, _ := e.subjects.CountChildren(ctx, nil, id)
		if n != 2 {
			t.Errorf("subject %s: want 2 children, got %d", id, n)
		}
	}

	if len(e.notif.finished) != 1 {
		t.Fatalf("want one finish notification, got %d", len(e.notif.finished))
	}
}

func TestExecutor_PartialOnItemFailure(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
	e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "B")
	e.s.seedSubject("doc-3", "scope-1", model.SubjectKindDocument, "C")
	e.gen.failFor["doc-2"] = errors.New("provider: 429")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	e.drive(t, ctx, run.ID)

	got := e.run(t, run.ID)
	if got.Status != model.RunStatusPartial {
		t.Fatalf("want PARTIAL, got %s", got.Status)
	}
	if got.CompletedItems != 2 || got.FailedItems != 1 {
		t.Fatalf("counters: %d completed, %d failed", got.CompletedItems, got.FailedItems)
	}

	// one failed item never aborts the chain: doc-3 still ran
	items, _ := e.items.ListByRun(ctx, nil, run.ID)
	wantStatus := []model.WorkItemStatus{
		model.WorkItemStatusCompleted,
		model.WorkItemStatusFailed,
		model.WorkItemStatusCompleted,
	}
	for i, it := range items {
		if it.Status != wantStatus[i] {
			t.Errorf("item %d: want %s, got %s", i, wantStatus[i], it.Status)
		}
	}
	if items[1].ErrorMsg == "" {
		t.Error("failed item should carry the error message")
	}

	sub, _ := e.subjects.FindByID(ctx, nil, "doc-2")
	if sub.Status != model.SubjectFailed {
		t.Errorf("failed subject: want failed, got %s", sub.Status)
	}
	if !strings.Contains(got.Log, "FAILED") {
		t.Errorf("log should record the failure: %q", got.Log)
	}
}

func TestExecutor_AllFailedIsFailed(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
	e.gen.failFor["doc-1"] = errors.New("boom")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	e.drive(t, ctx, run.ID)

	if got := e.run(t, run.ID); got.Status != model.RunStatusFailed {
		t.Fatalf("want FAILED, got %s", got.Status)
	}
}

func TestExecutor_SkipPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("skip leaves existing artifacts alone", func(t *testing.T) {
		e := newEngine()
		parent := e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
		// pre-existing children from an earlier run
		_, _, _ = e.subjects.ReplaceChildren(ctx, nil, parent, []model.ArtifactDraft{{Title: "old card"}}, model.SubjectKindCard, false)
		e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "B")

		run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil,
			model.RunConfig{ConflictPolicy: model.ConflictSkip})
		e.drive(t, ctx, run.ID)

		got := e.run(t, run.ID)
		if got.Status != model.RunStatusSucceeded {
			t.Fatalf("want SUCCEEDED, got %s", got.Status)
		}
		if got.SkippedItems != 1 || got.CompletedItems != 1 {
			t.Fatalf("want 1 skipped / 1 completed, got %d / %d", got.SkippedItems, got.CompletedItems)
		}
		// skipped subject keeps its single old child and is eligible again
		n, _ := e.subjects.CountChildren(ctx, nil, "doc-1")
		if n != 1 {
			t.Fatalf("want untouched child set, got %d children", n)
		}
		sub, _ := e.subjects.FindByID(ctx, nil, "doc-1")
		if sub.Status != model.SubjectReady {
			t.Fatalf("skipped subject: want ready, got %s", sub.Status)
		}
		// the generator never saw the skipped subject
		for _, id := range e.gen.calls {
			if id == "doc-1" {
				t.Fatal("skipped subject must not be generated")
			}
		}
	})

	t.Run("all skipped still succeeds", func(t *testing.T) {
		e := newEngine()
		parent := e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
		_, _, _ = e.subjects.ReplaceChildren(ctx, nil, parent, []model.ArtifactDraft{{Title: "old"}}, model.SubjectKindCard, false)

		run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil,
			model.RunConfig{ConflictPolicy: model.ConflictSkip})
		e.drive(t, ctx, run.ID)

		got := e.run(t, run.ID)
		if got.Status != model.RunStatusSucceeded {
			t.Fatalf("want SUCCEEDED, got %s", got.Status)
		}
		if got.SkippedItems != 1 || got.CompletedItems != 0 || got.FailedItems != 0 {
			t.Fatalf("counters: %d/%d/%d", got.CompletedItems, got.FailedItems, got.SkippedItems)
		}
	})

	t.Run("replace policy swaps prior children", func(t *testing.T) {
		e := newEngine()
		parent := e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
		_, _, _ = e.subjects.ReplaceChildren(ctx, nil, parent, []model.ArtifactDraft{{Title: "old 1"}, {Title: "old 2"}, {Title: "old 3"}}, model.SubjectKindCard, false)

		run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil,
			model.RunConfig{ConflictPolicy: model.ConflictReplace})
		e.drive(t, ctx, run.ID)

		n, _ := e.subjects.CountChildren(ctx, nil, "doc-1")
		if n != 2 {
			t.Fatalf("want 2 fresh children, got %d", n)
		}
		items, _ := e.items.ListByRun(ctx, nil, run.ID)
		if items[0].ArtifactsReplaced != 3 {
			t.Fatalf("want 3 replaced, got %d", items[0].ArtifactsReplaced)
		}
	})
}

func TestExecutor_Cancellation(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
	e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "B")
	e.s.seedSubject("doc-3", "scope-1", model.SubjectKindDocument, "C")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})

	// one item through, then cancel mid-run
	if done, err := e.exec.ProcessNext(ctx, run.ID); done || err != nil {
		t.Fatalf("first step: done=%v err=%v", done, err)
	}
	if err := e.ctl.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	done, err := e.exec.ProcessNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("cleanup step: %v", err)
	}
	if !done {
		t.Fatal("cancelled run must end the chain")
	}

	got := e.run(t, run.ID)
	if got.Status != model.RunStatusCancelled {
		t.Fatalf("want CANCELLED, got %s", got.Status)
	}
	// completed item's output survives, pending subjects return to ready
	if got.CompletedItems != 1 {
		t.Fatalf("want 1 completed before cancel, got %d", got.CompletedItems)
	}
	for _, id := range []string{"doc-2", "doc-3"} {
		sub, _ := e.subjects.FindByID(ctx, nil, id)
		if sub.Status != model.SubjectReady {
			t.Errorf("pending subject %s: want ready, got %s", id, sub.Status)
		}
	}
	n, _ := e.subjects.CountChildren(ctx, nil, "doc-1")
	if n != 2 {
		t.Errorf("completed artifacts must survive cancel, got %d", n)
	}
}

func TestExecutor_CancelWhileQueued(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
	e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "B")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	if err := e.ctl.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// cancel landed before the first claim: the one invocation only cleans up
	done, err := e.exec.ProcessNext(ctx, run.ID)
	if err != nil || !done {
		t.Fatalf("cleanup step: done=%v err=%v", done, err)
	}

	got := e.run(t, run.ID)
	if got.Status != model.RunStatusCancelled {
		t.Fatalf("want CANCELLED, got %s", got.Status)
	}
	if got.CompletedItems != 0 || got.FailedItems != 0 {
		t.Fatalf("nothing may have run: %d/%d", got.CompletedItems, got.FailedItems)
	}
	if len(e.gen.calls) != 0 {
		t.Fatalf("generator must never run: %v", e.gen.calls)
	}
	for _, id := range []string{"doc-1", "doc-2"} {
		sub, _ := e.subjects.FindByID(ctx, nil, id)
		if sub.Status != model.SubjectReady {
			t.Errorf("subject %s: want ready, got %s", id, sub.Status)
		}
	}
}

func TestExecutor_PacingBetweenItems(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")
	e.s.seedSubject("doc-2", "scope-1", model.SubjectKindDocument, "B")

	const pacing = 80 * time.Millisecond
	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil,
		model.RunConfig{PacingMs: 80})

	start := time.Now()
	if done, err := e.exec.ProcessNext(ctx, run.ID); done || err != nil {
		t.Fatalf("first step: done=%v err=%v", done, err)
	}
	betweenItems := time.Since(start)

	start = time.Now()
	if done, err := e.exec.ProcessNext(ctx, run.ID); done || err != nil {
		t.Fatalf("second step: done=%v err=%v", done, err)
	}
	afterLast := time.Since(start)

	if betweenItems < pacing {
		t.Fatalf("inter-item delay not applied: step took %v, pacing is %v", betweenItems, pacing)
	}
	if afterLast >= pacing {
		t.Fatalf("no delay expected after the last item, step took %v", afterLast)
	}

	e.drive(t, ctx, run.ID)
	if got := e.run(t, run.ID); got.Status != model.RunStatusSucceeded {
		t.Fatalf("want SUCCEEDED, got %s", got.Status)
	}
}

func TestExecutor_LostItemClaim(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	e.exec = usecase.NewExecutor(e.runs, &contendedItemRepo{memItemRepo: e.items}, e.subjects,
		memTxManager{}, e.gen, e.notif, e.cancels, 0, newTestLogger())

	// the losing invocation steps aside without failing the run
	done, err := e.exec.ProcessNext(ctx, run.ID)
	if done || err != nil {
		t.Fatalf("lost claim: done=%v err=%v", done, err)
	}
	if len(e.gen.calls) != 0 {
		t.Fatalf("loser must not generate: %v", e.gen.calls)
	}
	if got := e.run(t, run.ID); got.Status != model.RunStatusRunning {
		t.Fatalf("want RUNNING after lost claim, got %s", got.Status)
	}

	e.drive(t, ctx, run.ID)
	got := e.run(t, run.ID)
	if got.Status != model.RunStatusSucceeded || got.CompletedItems != 1 {
		t.Fatalf("want SUCCEEDED with 1 completed, got %s (%d completed)", got.Status, got.CompletedItems)
	}
	if len(e.gen.calls) != 1 {
		t.Fatalf("item must be generated exactly once: %v", e.gen.calls)
	}
}

func TestExecutor_DuplicateTriggerIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.s.seedSubject("doc-1", "scope-1", model.SubjectKindDocument, "A")

	run := e.mustCreate(t, ctx, "scope-1", model.RunKindAnalyzeDocuments, nil, model.RunConfig{})
	e.drive(t, ctx, run.ID)
	before := e.run(t, run.ID)

	done, err := e.exec.ProcessNext(ctx, run.ID)
	if err != nil || !done {
		t.Fatalf("late trigger: done=%v err=%v", done, err)
	}
	after := e.run(t, run.ID)
	if after.Status != before.Status || after.CompletedItems != before.CompletedItems {
		t.Fatal("late trigger must not mutate a finished run")
	}
}

func TestExecutor_MissingRunIsFatal(t *testing.T) {
	e := newEngine()
	done, err := e.exec.ProcessNext(context.Background(), "no-such-run")
	if !done {
		t.Fatal("missing run must end the chain")
	}
	if err == nil {
		t.Fatal("missing run should surface an error")
	}
}
