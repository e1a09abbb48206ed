package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
)

const systemPrompt = `You are a product-management assistant. You turn source material into
structured artifacts. Respond with a JSON array only, no prose, where each
element is {"title": "...", "body": "..."}.`

// buildPrompt renders the user prompt for one generation request.
func buildPrompt(req adapter.GenerationRequest) string {
	var b strings.Builder
	switch req.Kind {
	case model.RunKindAnalyzeDocuments:
		b.WriteString("Analyze the following document and extract use-case cards.\n")
	case model.RunKindGenerateStories:
		b.WriteString("Break the following epic down into user stories.\n")
	case model.RunKindGenerateSubtasks:
		b.WriteString("Break the following user story down into implementation subtasks.\n")
	default:
		b.WriteString("Derive child artifacts from the following item.\n")
	}
	if req.Config.MaxArtifacts > 0 {
		fmt.Fprintf(&b, "Produce at most %d artifacts.\n", req.Config.MaxArtifacts)
	}
	if req.Config.Instructions != "" {
		b.WriteString("Additional instructions: ")
		b.WriteString(req.Config.Instructions)
		b.WriteString("\n")
	}
	b.WriteString("\nTitle: ")
	b.WriteString(req.Subject.Title)
	b.WriteString("\n\n")
	b.WriteString(req.Subject.Body)
	return b.String()
}

// parseArtifacts extracts the JSON artifact array from a model reply,
// tolerating markdown code fences and surrounding prose.
func parseArtifacts(reply string, max int) ([]model.ArtifactDraft, error) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}

	var drafts []model.ArtifactDraft
	if err := json.Unmarshal([]byte(s), &drafts); err != nil {
		return nil, fmt.Errorf("malformed artifact payload: %w", err)
	}

	out := drafts[:0]
	for _, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("reply contained no artifacts")
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}
