package ai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements the generation port using Chat Completions.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	maxOut int
}

func NewOpenAIGenerator(apiKey, model string, maxOut int) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		maxOut: maxOut,
	}, nil
}

func (o *OpenAIGenerator) Name() string { return "openai" }

func (o *OpenAIGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (*adapter.GenerationResult, error) {
	model := req.Config.Model
	if model == "" {
		model = o.model
	}
	prompt := buildPrompt(req)

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(int64(o.maxOut)),
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveGeneration(o.Name(), model, 0, 0, 0, latency, false)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveGeneration(o.Name(), model, 0, 0, 0, latency, false)
		return nil, errors.New("no choice content")
	}

	usage := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	if usage.TotalTokens == 0 {
		// Some gateway deployments omit usage; estimate the prompt side.
		usage.PromptTokens = estimateTokens(model, systemPrompt+prompt)
		usage.TotalTokens = usage.PromptTokens
	}
	metrics.ObserveGeneration(o.Name(), model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, latency, true)

	drafts, err := parseArtifacts(resp.Choices[0].Message.Content, req.Config.MaxArtifacts)
	if err != nil {
		return nil, err
	}
	return &adapter.GenerationResult{Artifacts: drafts, Usage: usage}, nil
}

// estimateTokens counts prompt tokens with tiktoken, falling back to a
// crude length heuristic for unknown models.
func estimateTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return len(text) / 4
		}
	}
	return len(enc.Encode(text, nil, nil))
}
