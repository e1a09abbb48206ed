package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"storyforge/internal/domain"
	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/domain/ports/repository"
	"storyforge/internal/infra/metrics"
)

// Progress is the read-model handed to clients polling a run.
type Progress struct {
	Run   *model.Run
	Items []ItemProgress

	// EstimatedRemaining is a naive projection from the average completed-item
	// duration; zero until at least one item completed.
	EstimatedRemaining time.Duration

	// RecoveredFromStale is set when this read request itself reclaimed a
	// stale run. PreviousRunID then names the reclaimed run.
	RecoveredFromStale bool
	PreviousRunID      string
}

type ItemProgress struct {
	SubjectID        string
	SubjectTitle     string
	Order            int
	Status           model.WorkItemStatus
	ArtifactsCreated int
	TokensUsed       int
	ErrorMsg         string
	DurationMs       int64
}

type RunUseCase interface {
	// CreateRun validates, reserves subjects, persists the run with its item
	// set, and awaits acceptance of the initial continuation trigger.
	CreateRun(ctx context.Context, scopeID string, kind model.RunKind, subjectIDs []string, cfg model.RunConfig) (*model.Run, error)
	GetProgress(ctx context.Context, runID string) (*Progress, error)
	// Cancel requests cooperative cancellation; cleanup happens on the
	// executor's next invocation.
	Cancel(ctx context.Context, runID string) error
	// RetryFailed starts a fresh run over the failed subjects of a terminal run.
	RetryFailed(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, scopeID string, limit int) ([]*model.Run, error)
	FindRun(ctx context.Context, runID string) (*model.Run, error)
}

var _ RunUseCase = (*RunController)(nil)

// RunController is the facade in front of the run engine: every client-facing
// operation goes through here, the executor only ever sees process-next.
type RunController struct {
	runs     repository.RunRepository
	items    repository.WorkItemRepository
	subjects repository.SubjectRepository
	tm       repository.TransactionManager
	trigger  adapter.ContinuationTrigger
	notifier adapter.RunNotifier
	cancels  *CancelRegistry
	log      *zerolog.Logger

	staleThreshold time.Duration
	now            func() time.Time
}

func NewRunController(
	runs repository.RunRepository,
	items repository.WorkItemRepository,
	subjects repository.SubjectRepository,
	tm repository.TransactionManager,
	trigger adapter.ContinuationTrigger,
	notifier adapter.RunNotifier,
	cancels *CancelRegistry,
	staleThreshold time.Duration,
	logger *zerolog.Logger,
) *RunController {
	return &RunController{
		runs:           runs,
		items:          items,
		subjects:       subjects,
		tm:             tm,
		trigger:        trigger,
		notifier:       notifier,
		cancels:        cancels,
		log:            logger,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

func (c *RunController) CreateRun(ctx context.Context, scopeID string, kind model.RunKind, subjectIDs []string, cfg model.RunConfig) (*model.Run, error) {
	if !model.ValidRunKind(kind) {
		return nil, fmt.Errorf("%w: unknown run kind %q", domain.ErrInvalidArgument, kind)
	}
	cfg.Normalize()

	if _, _, err := c.reclaimIfStale(ctx, scopeID, kind); err != nil {
		return nil, err
	}
	if active, err := c.runs.FindActive(ctx, repository.NoTX, scopeID, kind); err == nil {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrActiveRunExists, active.ID, active.Status)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	subjects, err := c.resolveSubjects(ctx, scopeID, kind, subjectIDs)
	if err != nil {
		return nil, err
	}

	run := c.newRun(scopeID, kind, cfg, len(subjects))
	items := make([]*model.WorkItem, len(subjects))
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		items[i] = &model.WorkItem{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			SubjectID: s.ID,
			Order:     i,
			Status:    model.WorkItemStatusPending,
		}
		ids[i] = s.ID
	}

	err = c.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := c.runs.CreateWithItems(ctx, tx, run, items); err != nil {
			return err
		}
		return c.subjects.SetStatusMany(ctx, tx, ids, model.SubjectQueued)
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := c.trigger.TriggerInitial(ctx, run.ID); err != nil {
		// Without an accepted hand-off the run would only start via the stale
		// monitor minutes later; fail loudly and release the subjects instead.
		now := c.now()
		ferr := c.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if err := c.runs.Finalize(ctx, tx, run.ID, model.RunStatusFailed, model.RunPhaseFailed, err.Error(), now); err != nil {
				return err
			}
			return c.subjects.SetStatusMany(ctx, tx, ids, model.SubjectReady)
		})
		if ferr != nil {
			c.log.Error().Err(ferr).Str("run_id", run.ID).Msg("rollback after lost initial trigger failed")
		}
		return nil, fmt.Errorf("start run %s: %w", run.ID, err)
	}

	c.log.Info().
		Str("run_id", run.ID).
		Str("scope_id", scopeID).
		Str("kind", string(kind)).
		Int("items", len(items)).
		Msg("run created")
	return run, nil
}

func (c *RunController) GetProgress(ctx context.Context, runID string) (*Progress, error) {
	run, err := c.runs.FindByID(ctx, repository.NoTX, runID)
	if err != nil {
		return nil, err
	}

	var recovered bool
	var previousID string
	if run.Active() && run.Staleness(c.now()) > c.staleThreshold {
		if err := c.reclaim(ctx, run); err != nil {
			return nil, err
		}
		recovered = true
		previousID = run.ID
		if run, err = c.runs.FindByID(ctx, repository.NoTX, runID); err != nil {
			return nil, err
		}
	}

	items, err := c.items.ListByRun(ctx, repository.NoTX, runID)
	if err != nil {
		return nil, err
	}

	subjectIDs := make([]string, len(items))
	for i, it := range items {
		subjectIDs[i] = it.SubjectID
	}
	subjects, err := c.subjects.ListByIDs(ctx, repository.NoTX, subjectIDs)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(subjects))
	for _, s := range subjects {
		titles[s.ID] = s.Title
	}

	p := &Progress{
		Run:                run,
		Items:              make([]ItemProgress, len(items)),
		EstimatedRemaining: estimateRemaining(run, items),
		RecoveredFromStale: recovered,
		PreviousRunID:      previousID,
	}
	for i, it := range items {
		p.Items[i] = ItemProgress{
			SubjectID:        it.SubjectID,
			SubjectTitle:     titles[it.SubjectID],
			Order:            it.Order,
			Status:           it.Status,
			ArtifactsCreated: it.ArtifactsCreated,
			TokensUsed:       it.TokensUsed,
			ErrorMsg:         it.ErrorMsg,
			DurationMs:       it.DurationMs,
		}
	}
	return p, nil
}

func (c *RunController) Cancel(ctx context.Context, runID string) error {
	err := c.runs.MarkCancelled(ctx, repository.NoTX, runID)
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish a missing run from one that already finished.
		run, ferr := c.runs.FindByID(ctx, repository.NoTX, runID)
		if ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: run %s is %s", domain.ErrRunTerminal, run.ID, run.Status)
	}
	if err != nil {
		return err
	}

	c.cancels.Set(runID)
	line := fmt.Sprintf("[%s] cancellation requested\n", c.now().UTC().Format(time.RFC3339))
	if err := c.runs.AppendLog(ctx, repository.NoTX, runID, line); err != nil {
		c.log.Warn().Err(err).Str("run_id", runID).Msg("log append failed")
	}
	c.log.Info().Str("run_id", runID).Msg("cancellation requested")
	return nil
}

func (c *RunController) RetryFailed(ctx context.Context, runID string) (*model.Run, error) {
	run, err := c.runs.FindByID(ctx, repository.NoTX, runID)
	if err != nil {
		return nil, err
	}
	if !run.Terminal() {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrRunNotTerminal, run.ID, run.Status)
	}

	failed, err := c.items.FailedSubjectIDs(ctx, repository.NoTX, runID)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNoFailedItems, runID)
	}

	return c.CreateRun(ctx, run.ScopeID, run.Kind, failed, run.InputConfig)
}

func (c *RunController) ListRuns(ctx context.Context, scopeID string, limit int) ([]*model.Run, error) {
	return c.runs.ListByScope(ctx, repository.NoTX, scopeID, limit)
}

func (c *RunController) FindRun(ctx context.Context, runID string) (*model.Run, error) {
	return c.runs.FindByID(ctx, repository.NoTX, runID)
}

// resolveSubjects turns the request into the ordered subject set of the run.
// Explicit ids must exist in the scope with the right kind; an empty list
// means "everything eligible".
func (c *RunController) resolveSubjects(ctx context.Context, scopeID string, kind model.RunKind, ids []string) ([]*model.Subject, error) {
	want := kind.SubjectKind()

	if len(ids) == 0 {
		subjects, err := c.subjects.ListEligible(ctx, repository.NoTX, scopeID, want)
		if err != nil {
			return nil, err
		}
		if len(subjects) == 0 {
			return nil, domain.ErrNoEligibleSubjects
		}
		return subjects, nil
	}

	subjects, err := c.subjects.ListByIDs(ctx, repository.NoTX, ids)
	if err != nil {
		return nil, err
	}
	if len(subjects) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d subjects not found", domain.ErrInvalidArgument, len(ids)-len(subjects), len(ids))
	}
	for _, s := range subjects {
		if s.ScopeID != scopeID {
			return nil, fmt.Errorf("%w: subject %s belongs to another scope", domain.ErrInvalidArgument, s.ID)
		}
		if s.Kind != want {
			return nil, fmt.Errorf("%w: subject %s is a %s, run needs %s", domain.ErrInvalidArgument, s.ID, s.Kind, want)
		}
		// Retries re-enqueue failed subjects; anything else must be ready.
		if s.Status != model.SubjectReady && s.Status != model.SubjectFailed {
			return nil, fmt.Errorf("%w: subject %s is %s", domain.ErrInvalidArgument, s.ID, s.Status)
		}
	}
	return subjects, nil
}

// reclaimIfStale checks the scope's active run and, when its freshest liveness
// signal is older than the threshold, declares it dead. The lost continuation
// chain cannot resume, so reclamation is the only way the scope becomes usable
// again.
func (c *RunController) reclaimIfStale(ctx context.Context, scopeID string, kind model.RunKind) (reclaimed bool, previousID string, err error) {
	run, err := c.runs.FindActive(ctx, repository.NoTX, scopeID, kind)
	if errors.Is(err, domain.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if run.Staleness(c.now()) <= c.staleThreshold {
		return false, "", nil
	}
	if err := c.reclaim(ctx, run); err != nil {
		return false, "", err
	}
	return true, run.ID, nil
}

func (c *RunController) reclaim(ctx context.Context, run *model.Run) error {
	pending, err := c.items.PendingSubjectIDs(ctx, repository.NoTX, run.ID)
	if err != nil {
		return err
	}

	now := c.now()
	msg := fmt.Sprintf("reclaimed as stale: no liveness signal for %s", run.Staleness(now).Round(time.Second))
	err = c.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := c.runs.Finalize(ctx, tx, run.ID, model.RunStatusFailed, model.RunPhaseFailed, msg, now); err != nil {
			return err
		}
		return c.subjects.SetStatusMany(ctx, tx, pending, model.SubjectReady)
	})
	if err != nil {
		return fmt.Errorf("reclaim run %s: %w", run.ID, err)
	}

	line := fmt.Sprintf("[%s] %s\n", now.UTC().Format(time.RFC3339), msg)
	if err := c.runs.AppendLog(ctx, repository.NoTX, run.ID, line); err != nil {
		c.log.Warn().Err(err).Str("run_id", run.ID).Msg("log append failed")
	}

	metrics.IncRunReclaimed()
	c.cancels.Clear(run.ID)
	if nerr := c.notifier.NotifyRunReclaimed(ctx, run); nerr != nil {
		c.log.Warn().Err(nerr).Str("run_id", run.ID).Msg("reclaim notification failed")
	}
	c.log.Warn().Str("run_id", run.ID).Str("scope_id", run.ScopeID).Msg("stale run reclaimed")
	return nil
}

func (c *RunController) newRun(scopeID string, kind model.RunKind, cfg model.RunConfig, total int) *model.Run {
	return &model.Run{
		ID:          ulid.Make().String(),
		ScopeID:     scopeID,
		Kind:        kind,
		Status:      model.RunStatusQueued,
		Phase:       model.RunPhaseInitializing,
		TotalItems:  total,
		InputConfig: cfg,
		CreatedAt:   c.now(),
	}
}

func estimateRemaining(run *model.Run, items []*model.WorkItem) time.Duration {
	if run.Terminal() || run.CompletedItems == 0 {
		return 0
	}
	var doneMs int64
	var done int
	for _, it := range items {
		if it.Status == model.WorkItemStatusCompleted {
			doneMs += it.DurationMs
			done++
		}
	}
	if done == 0 {
		return 0
	}
	settled := run.CompletedItems + run.FailedItems + run.SkippedItems
	remaining := run.TotalItems - settled
	if remaining <= 0 {
		return 0
	}
	avg := doneMs / int64(done)
	return time.Duration(avg*int64(remaining)) * time.Millisecond
}
