package adapter

import (
	"context"

	"storyforge/internal/domain/model"
)

// Usage for a single generation call, as reported by the provider
// (best-effort estimate when the provider reports nothing).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type GenerationRequest struct {
	Kind    model.RunKind
	Subject *model.Subject
	Config  model.RunConfig
}

type GenerationResult struct {
	Artifacts []model.ArtifactDraft
	Usage     Usage
}

// Generator is the port for the AI-generation capability. Backed by a real
// provider or a deterministic stand-in, selected by configuration.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}
