package ai

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/infra/metrics"
)

var _ adapter.Generator = (*GeminiGenerator)(nil)

type GeminiGenerator struct {
	client *genai.Client
	model  string
	maxOut int
}

// NewGeminiGenerator creates a Gemini-backed generator using the official SDK.
func NewGeminiGenerator(ctx context.Context, apiKey, baseURL, model string, maxOut int) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiGenerator{client: c, model: model, maxOut: maxOut}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (*adapter.GenerationResult, error) {
	model := req.Config.Model
	if model == "" {
		model = g.model
	}
	prompt := buildPrompt(req)

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(
		ctx,
		model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			MaxOutputTokens:   int32(g.maxOut),
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		},
	)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveGeneration(g.Name(), model, 0, 0, 0, latency, false)
		return nil, err
	}

	var usage adapter.Usage
	if resp.UsageMetadata != nil {
		usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	metrics.ObserveGeneration(g.Name(), model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, latency, true)

	drafts, err := parseArtifacts(resp.Text(), req.Config.MaxArtifacts)
	if err != nil {
		return nil, err
	}
	return &adapter.GenerationResult{Artifacts: drafts, Usage: usage}, nil
}
