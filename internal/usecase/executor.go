package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/domain/ports/repository"
	"storyforge/internal/infra/logging"
	"storyforge/internal/infra/metrics"
)

// Executor drives one run forward by exactly one work item per invocation.
// There is no resident loop: each invocation is started by the continuation
// trigger, records its result durably, and leaves the next item to the next
// invocation.
type Executor struct {
	runs     repository.RunRepository
	items    repository.WorkItemRepository
	subjects repository.SubjectRepository
	tm       repository.TransactionManager
	gen      adapter.Generator
	notifier adapter.RunNotifier
	cancels  *CancelRegistry
	log      *zerolog.Logger

	defaultPacing time.Duration
}

func NewExecutor(
	runs repository.RunRepository,
	items repository.WorkItemRepository,
	subjects repository.SubjectRepository,
	tm repository.TransactionManager,
	gen adapter.Generator,
	notifier adapter.RunNotifier,
	cancels *CancelRegistry,
	defaultPacing time.Duration,
	logger *zerolog.Logger,
) *Executor {
	return &Executor{
		runs:          runs,
		items:         items,
		subjects:      subjects,
		tm:            tm,
		gen:           gen,
		notifier:      notifier,
		cancels:       cancels,
		log:           logger,
		defaultPacing: defaultPacing,
	}
}

// ProcessNext performs one step of the run's state machine and reports whether
// the chain is finished. done == false means the caller must issue the next
// continuation trigger.
func (e *Executor) ProcessNext(ctx context.Context, runID string) (done bool, err error) {
	defer logging.TraceDuration(logging.With(ctx, e.log), "Executor.ProcessNext")()

	run, err := e.runs.FindByID(ctx, repository.NoTX, runID)
	if err != nil {
		// A vanished run is fatal: nothing to mark, nothing to continue.
		return true, fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.Status == model.RunStatusCancelled {
		return true, e.finishCancelled(ctx, run)
	}
	if run.Terminal() {
		// Duplicate or late trigger; the chain already ended.
		return true, nil
	}

	if run.Status == model.RunStatusQueued {
		now := time.Now()
		if err := e.runs.MarkRunning(ctx, repository.NoTX, run.ID, now); err != nil {
			return true, fmt.Errorf("claim run %s: %w", run.ID, err)
		}
		run.Status = model.RunStatusRunning
		run.StartedAt = &now
		e.appendLog(ctx, run.ID, fmt.Sprintf("run started: %d items", run.TotalItems))
	}

	item, err := e.items.NextPending(ctx, repository.NoTX, run.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, e.finalize(ctx, run)
	}
	if err != nil {
		return true, e.failRun(ctx, run, fmt.Errorf("select next item: %w", err))
	}

	// Durable status is read above; the registry only saves one wasted
	// generation call when cancel landed in this same process.
	if e.cancels.IsCancelled(run.ID) {
		return false, nil
	}

	if err := e.processItem(ctx, run, item); err != nil {
		return true, e.failRun(ctx, run, err)
	}

	e.pace(ctx, run)
	return false, nil
}

// processItem handles one work item end to end. Item-level errors are
// recorded on the item and never returned; only infrastructure failures
// outside the per-item boundary propagate.
func (e *Executor) processItem(ctx context.Context, run *model.Run, item *model.WorkItem) error {
	subject, err := e.subjects.FindByID(ctx, repository.NoTX, item.SubjectID)
	if err != nil {
		return e.finishItem(ctx, run, item, nil, nil, fmt.Errorf("subject %s: %w", item.SubjectID, err))
	}

	// Ineligible subjects are skipped, not failed.
	if run.InputConfig.ConflictPolicy == model.ConflictSkip {
		n, err := e.subjects.CountChildren(ctx, repository.NoTX, subject.ID)
		if err != nil {
			return e.finishItem(ctx, run, item, subject, nil, fmt.Errorf("count children: %w", err))
		}
		if n > 0 {
			return e.skipItem(ctx, run, item, subject)
		}
	}

	now := time.Now()
	item.StartedAt = &now
	if err := e.items.Start(ctx, repository.NoTX, item.ID, model.WorkItemStatusProcessing, now); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A concurrent invocation claimed the item first; leave it to
			// that one and let the chain continue.
			return nil
		}
		return fmt.Errorf("start item: %w", err)
	}
	detail := fmt.Sprintf("item %d/%d: %s", item.Order+1, run.TotalItems, subject.Title)
	if err := e.runs.SetPhase(ctx, repository.NoTX, run.ID, model.RunPhaseProcessing, detail); err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	if err := e.runs.Heartbeat(ctx, repository.NoTX, run.ID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	_ = e.subjects.SetStatusMany(ctx, repository.NoTX, []string{subject.ID}, model.SubjectProcessing)

	result, genErr := e.gen.Generate(ctx, adapter.GenerationRequest{
		Kind:    run.Kind,
		Subject: subject,
		Config:  run.InputConfig,
	})
	return e.finishItem(ctx, run, item, subject, result, genErr)
}

// finishItem commits the item outcome: artifacts, counters, subject status and
// the log line, atomically for the success path.
func (e *Executor) finishItem(ctx context.Context, run *model.Run, item *model.WorkItem, subject *model.Subject, result *adapter.GenerationResult, itemErr error) error {
	now := time.Now()
	item.CompletedAt = &now
	if item.StartedAt != nil {
		item.DurationMs = now.Sub(*item.StartedAt).Milliseconds()
	}

	if itemErr != nil {
		item.Status = model.WorkItemStatusFailed
		item.ErrorMsg = itemErr.Error()
		if err := e.items.Finish(ctx, repository.NoTX, item); err != nil {
			return fmt.Errorf("record item failure: %w", err)
		}
		if subject != nil {
			_ = e.subjects.SetStatusMany(ctx, repository.NoTX, []string{subject.ID}, model.SubjectFailed)
		}
		if err := e.runs.AddCounters(ctx, repository.NoTX, run.ID, repository.CounterDelta{Failed: 1}); err != nil {
			return fmt.Errorf("count item failure: %w", err)
		}
		metrics.IncRunItem("failed")
		metrics.ObserveStepLatency(item.DurationMs)
		e.appendLog(ctx, run.ID, fmt.Sprintf("item %d FAILED: %v", item.Order+1, itemErr))
		return nil
	}

	if err := e.items.SetStatus(ctx, repository.NoTX, item.ID, model.WorkItemStatusSaving); err != nil {
		return fmt.Errorf("mark item saving: %w", err)
	}
	if err := e.runs.SetPhase(ctx, repository.NoTX, run.ID, model.RunPhaseSaving, fmt.Sprintf("saving artifacts for %s", subject.Title)); err != nil {
		return fmt.Errorf("set phase: %w", err)
	}

	item.TokensUsed = result.Usage.TotalTokens
	replace := run.InputConfig.ConflictPolicy == model.ConflictReplace
	err := e.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		created, replaced, err := e.subjects.ReplaceChildren(ctx, tx, subject, result.Artifacts, run.Kind.ArtifactKind(), replace)
		if err != nil {
			return err
		}
		item.ArtifactsCreated = created
		item.ArtifactsReplaced = replaced
		item.Status = model.WorkItemStatusCompleted
		if err := e.items.Finish(ctx, tx, item); err != nil {
			return err
		}
		if err := e.subjects.SetStatusMany(ctx, tx, []string{subject.ID}, model.SubjectDone); err != nil {
			return err
		}
		return e.runs.AddCounters(ctx, tx, run.ID, repository.CounterDelta{Completed: 1, Artifacts: created})
	})
	if err != nil {
		// Persistence failure is an item-level outcome, same as a failed
		// generation call.
		item.Status = model.WorkItemStatusFailed
		item.ErrorMsg = err.Error()
		if ferr := e.items.Finish(ctx, repository.NoTX, item); ferr != nil {
			return fmt.Errorf("record item failure: %w", ferr)
		}
		_ = e.subjects.SetStatusMany(ctx, repository.NoTX, []string{subject.ID}, model.SubjectFailed)
		if cerr := e.runs.AddCounters(ctx, repository.NoTX, run.ID, repository.CounterDelta{Failed: 1}); cerr != nil {
			return fmt.Errorf("count item failure: %w", cerr)
		}
		metrics.IncRunItem("failed")
		e.appendLog(ctx, run.ID, fmt.Sprintf("item %d FAILED saving artifacts: %v", item.Order+1, err))
		return nil
	}

	metrics.IncRunItem("completed")
	metrics.ObserveStepLatency(item.DurationMs)
	e.appendLog(ctx, run.ID, fmt.Sprintf("item %d completed: %d artifacts (%d replaced), %d tokens",
		item.Order+1, item.ArtifactsCreated, item.ArtifactsReplaced, item.TokensUsed))
	return nil
}

func (e *Executor) skipItem(ctx context.Context, run *model.Run, item *model.WorkItem, subject *model.Subject) error {
	now := time.Now()
	item.Status = model.WorkItemStatusSkipped
	item.CompletedAt = &now
	if err := e.items.Finish(ctx, repository.NoTX, item); err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	// The subject keeps its existing artifacts and becomes eligible again.
	_ = e.subjects.SetStatusMany(ctx, repository.NoTX, []string{subject.ID}, model.SubjectReady)
	if err := e.runs.AddCounters(ctx, repository.NoTX, run.ID, repository.CounterDelta{Skipped: 1}); err != nil {
		return fmt.Errorf("count skip: %w", err)
	}
	metrics.IncRunItem("skipped")
	e.appendLog(ctx, run.ID, fmt.Sprintf("item %d skipped: %s already has artifacts", item.Order+1, subject.Title))
	return nil
}

// finalize computes the terminal status from the committed counters.
func (e *Executor) finalize(ctx context.Context, run *model.Run) error {
	if err := e.runs.SetPhase(ctx, repository.NoTX, run.ID, model.RunPhaseFinalizing, "finalizing"); err != nil {
		return fmt.Errorf("set phase: %w", err)
	}

	// Reload for the counters committed by earlier invocations.
	fresh, err := e.runs.FindByID(ctx, repository.NoTX, run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}

	status := model.FinalStatus(fresh.CompletedItems, fresh.FailedItems)
	now := time.Now()
	if err := e.runs.Finalize(ctx, repository.NoTX, run.ID, status, model.RunPhaseCompleted, "", now); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	e.appendLog(ctx, run.ID, fmt.Sprintf("run finished %s: %d completed, %d failed, %d skipped, %d artifacts",
		status, fresh.CompletedItems, fresh.FailedItems, fresh.SkippedItems, fresh.ProducedArtifacts))

	metrics.IncRunFinished(string(status), string(run.Kind))
	e.cancels.Clear(run.ID)

	fresh.Status = status
	fresh.CompletedAt = &now
	if nerr := e.notifier.NotifyRunFinished(ctx, fresh); nerr != nil {
		e.log.Warn().Err(nerr).Str("run_id", run.ID).Msg("finish notification failed")
	}
	return nil
}

// finishCancelled performs cancellation cleanup: remaining PENDING subjects go
// back to their pre-run state and the run stops issuing triggers.
func (e *Executor) finishCancelled(ctx context.Context, run *model.Run) error {
	pending, err := e.items.PendingSubjectIDs(ctx, repository.NoTX, run.ID)
	if err != nil {
		return fmt.Errorf("list pending subjects: %w", err)
	}

	now := time.Now()
	err = e.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := e.subjects.SetStatusMany(ctx, tx, pending, model.SubjectReady); err != nil {
			return err
		}
		return e.runs.Finalize(ctx, tx, run.ID, model.RunStatusCancelled, model.RunPhaseCompleted, "", now)
	})
	if err != nil {
		return fmt.Errorf("cancel cleanup: %w", err)
	}

	e.appendLog(ctx, run.ID, fmt.Sprintf("run cancelled: %d pending items released", len(pending)))
	metrics.IncRunFinished(string(model.RunStatusCancelled), string(run.Kind))
	e.cancels.Clear(run.ID)
	e.log.Info().Str("run_id", run.ID).Int("released", len(pending)).Msg("run cancelled")
	return nil
}

// failRun handles fatal errors outside the per-item boundary: the whole run
// is marked FAILED, no partial-success accounting is attempted.
func (e *Executor) failRun(ctx context.Context, run *model.Run, cause error) error {
	now := time.Now()
	if err := e.runs.Finalize(ctx, repository.NoTX, run.ID, model.RunStatusFailed, model.RunPhaseFailed, cause.Error(), now); err != nil {
		return fmt.Errorf("mark run failed after %q: %w", cause, err)
	}
	e.appendLog(ctx, run.ID, fmt.Sprintf("run FAILED: %v", cause))
	metrics.IncRunFinished(string(model.RunStatusFailed), string(run.Kind))
	e.cancels.Clear(run.ID)
	e.log.Error().Err(cause).Str("run_id", run.ID).Msg("run failed")
	return cause
}

// pace applies the configured inter-item delay, but only while another
// PENDING item exists.
func (e *Executor) pace(ctx context.Context, run *model.Run) {
	pacing := time.Duration(run.InputConfig.PacingMs) * time.Millisecond
	if pacing <= 0 {
		pacing = e.defaultPacing
	}
	if pacing <= 0 {
		return
	}
	if _, err := e.items.NextPending(ctx, repository.NoTX, run.ID); errors.Is(err, domain.ErrNotFound) {
		return
	}
	select {
	case <-time.After(pacing):
	case <-ctx.Done():
	}
}

func (e *Executor) appendLog(ctx context.Context, runID, msg string) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	if err := e.runs.AppendLog(ctx, repository.NoTX, runID, line); err != nil {
		e.log.Warn().Err(err).Str("run_id", runID).Msg("log append failed")
	}
}
