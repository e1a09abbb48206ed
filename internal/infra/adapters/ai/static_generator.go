package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
)

var _ adapter.Generator = (*StaticGenerator)(nil)

// StaticGenerator is the deterministic stand-in for local/dev runs and tests.
// It derives a fixed set of drafts from the subject text instead of calling a
// provider, so runs are reproducible.
type StaticGenerator struct {
	// Delay simulates provider latency; zero in tests.
	Delay time.Duration
	// Artifacts per subject when the config doesn't cap lower.
	PerSubject int
}

func NewStaticGenerator(delay time.Duration) *StaticGenerator {
	return &StaticGenerator{Delay: delay, PerSubject: 3}
}

func (s *StaticGenerator) Name() string { return "static" }

func (s *StaticGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (*adapter.GenerationResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := s.PerSubject
	if n <= 0 {
		n = 3
	}
	if req.Config.MaxArtifacts > 0 && req.Config.MaxArtifacts < n {
		n = req.Config.MaxArtifacts
	}

	noun := childNoun(req.Kind)
	drafts := make([]model.ArtifactDraft, 0, n)
	for i := 1; i <= n; i++ {
		drafts = append(drafts, model.ArtifactDraft{
			Title: fmt.Sprintf("%s %d: %s", noun, i, req.Subject.Title),
			Body:  fmt.Sprintf("Derived from %q (%d words).", req.Subject.Title, len(strings.Fields(req.Subject.Body))),
		})
	}

	promptWords := len(strings.Fields(req.Subject.Body)) + len(strings.Fields(req.Subject.Title))
	return &adapter.GenerationResult{
		Artifacts: drafts,
		Usage: adapter.Usage{
			PromptTokens:     promptWords,
			CompletionTokens: n * 12,
			TotalTokens:      promptWords + n*12,
		},
	}, nil
}

func childNoun(kind model.RunKind) string {
	switch kind {
	case model.RunKindAnalyzeDocuments:
		return "Use case"
	case model.RunKindGenerateStories:
		return "Story"
	case model.RunKindGenerateSubtasks:
		return "Subtask"
	}
	return "Artifact"
}
