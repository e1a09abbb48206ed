package model

import (
	"time"
)

type RunKind string

const (
	RunKindAnalyzeDocuments RunKind = "ANALYZE_DOCUMENTS"
	RunKindGenerateStories  RunKind = "GENERATE_STORIES"
	RunKindGenerateSubtasks RunKind = "GENERATE_SUBTASKS"
)

// ValidRunKind reports whether k is one of the supported batch kinds.
func ValidRunKind(k RunKind) bool {
	switch k {
	case RunKindAnalyzeDocuments, RunKindGenerateStories, RunKindGenerateSubtasks:
		return true
	}
	return false
}

// SubjectKind returns the kind of subject a run of kind k processes.
func (k RunKind) SubjectKind() SubjectKind {
	switch k {
	case RunKindAnalyzeDocuments:
		return SubjectKindDocument
	case RunKindGenerateStories:
		return SubjectKindEpic
	case RunKindGenerateSubtasks:
		return SubjectKindStory
	}
	return ""
}

// ArtifactKind returns the kind of child subjects a run of kind k produces.
func (k RunKind) ArtifactKind() SubjectKind {
	switch k {
	case RunKindAnalyzeDocuments:
		return SubjectKindCard
	case RunKindGenerateStories:
		return SubjectKindStory
	case RunKindGenerateSubtasks:
		return SubjectKindSubtask
	}
	return ""
}

type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusPartial   RunStatus = "PARTIAL"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// RunPhase is a finer-grained progress marker than RunStatus, used for UI only.
type RunPhase string

const (
	RunPhaseInitializing RunPhase = "INITIALIZING"
	RunPhaseLoading      RunPhase = "LOADING"
	RunPhaseProcessing   RunPhase = "PROCESSING"
	RunPhaseSaving       RunPhase = "SAVING"
	RunPhaseFinalizing   RunPhase = "FINALIZING"
	RunPhaseCompleted    RunPhase = "COMPLETED"
	RunPhaseFailed       RunPhase = "FAILED"
)

// ConflictPolicy controls what happens when a subject already has generated children.
type ConflictPolicy string

const (
	ConflictReplace ConflictPolicy = "replace"
	ConflictSkip    ConflictPolicy = "skip"
)

// RunConfig carries the serialized job parameters of a run.
type RunConfig struct {
	Model          string         `json:"model,omitempty"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
	PacingMs       int            `json:"pacing_ms,omitempty"`
	MaxArtifacts   int            `json:"max_artifacts,omitempty"`
	Instructions   string         `json:"instructions,omitempty"`
}

func (c *RunConfig) Normalize() {
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictReplace
	}
	if c.PacingMs < 0 {
		c.PacingMs = 0
	}
}

// Run is one batch job instance processing a fixed, ordered set of work items.
type Run struct {
	ID          string
	ScopeID     string
	Kind        RunKind
	Status      RunStatus
	Phase       RunPhase
	PhaseDetail string

	TotalItems        int
	CompletedItems    int
	FailedItems       int
	SkippedItems      int
	ProducedArtifacts int

	InputConfig RunConfig

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	HeartbeatAt *time.Time
	DurationMs  int64

	ErrorMsg string
	Log      string
}

// Active reports whether the run still owns its scope.
func (r *Run) Active() bool {
	return r.Status == RunStatusQueued || r.Status == RunStatusRunning
}

// Terminal reports whether the run reached a final status and became immutable history.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Staleness is the age of the freshest liveness signal the run ever emitted.
func (r *Run) Staleness(now time.Time) time.Duration {
	last := r.CreatedAt
	if r.StartedAt != nil && r.StartedAt.After(last) {
		last = *r.StartedAt
	}
	if r.HeartbeatAt != nil && r.HeartbeatAt.After(last) {
		last = *r.HeartbeatAt
	}
	return now.Sub(last)
}

// FinalStatus computes the terminal status from item counts.
// Skips are benign: a run whose every item was skipped still succeeded.
func FinalStatus(completed, failed int) RunStatus {
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case completed == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
