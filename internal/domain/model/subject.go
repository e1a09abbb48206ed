package model

import "time"

type SubjectKind string

const (
	SubjectKindDocument SubjectKind = "document"
	SubjectKindCard     SubjectKind = "card"
	SubjectKindEpic     SubjectKind = "epic"
	SubjectKindStory    SubjectKind = "story"
	SubjectKindSubtask  SubjectKind = "subtask"
)

type SubjectStatus string

const (
	// SubjectReady means the subject can be enqueued into a new run.
	SubjectReady SubjectStatus = "ready"
	// SubjectQueued means a run owns the subject; reverted to ready on
	// cancellation or stale reclamation.
	SubjectQueued     SubjectStatus = "queued"
	SubjectProcessing SubjectStatus = "processing"
	SubjectDone       SubjectStatus = "done"
	SubjectFailed     SubjectStatus = "failed"
)

// Subject is any processable entity in the artifact tree: an uploaded document,
// or a generated card/epic/story/subtask. Generated artifacts become subjects
// themselves so the next run kind can pick them up.
type Subject struct {
	ID       string
	ScopeID  string
	Kind     SubjectKind
	ParentID string
	Title    string
	Body     string
	Status   SubjectStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArtifactDraft is a generated child subject not yet persisted.
type ArtifactDraft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
