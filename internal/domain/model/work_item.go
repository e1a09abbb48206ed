package model

import "time"

type WorkItemStatus string

const (
	WorkItemStatusPending    WorkItemStatus = "PENDING"
	WorkItemStatusLoading    WorkItemStatus = "LOADING"
	WorkItemStatusProcessing WorkItemStatus = "PROCESSING"
	WorkItemStatusSaving     WorkItemStatus = "SAVING"
	WorkItemStatusCompleted  WorkItemStatus = "COMPLETED"
	WorkItemStatusFailed     WorkItemStatus = "FAILED"
	WorkItemStatusSkipped    WorkItemStatus = "SKIPPED"
)

// WorkItem is one unit of work inside a run: a single subject to transform.
// Items are processed strictly in ascending Order, one at a time.
type WorkItem struct {
	ID        string
	RunID     string
	SubjectID string
	Order     int

	Status            WorkItemStatus
	ArtifactsCreated  int
	ArtifactsReplaced int
	TokensUsed        int
	ErrorMsg          string

	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64
}
