//go:build !integration

package notify

import (
	"testing"

	"storyforge/internal/domain/model"
)

func TestNotificationTexts(t *testing.T) {
	run := &model.Run{
		ID:                "01ABC",
		ScopeID:           "scope-1",
		Kind:              model.RunKindAnalyzeDocuments,
		Status:            model.RunStatusPartial,
		CompletedItems:    2,
		FailedItems:       1,
		ProducedArtifacts: 4,
	}

	if got, want := finishedText(run), "Run 01ABC (ANALYZE_DOCUMENTS) finished PARTIAL: 2 completed, 1 failed, 0 skipped, 4 artifacts"; got != want {
		t.Errorf("finished text:\n got %q\nwant %q", got, want)
	}
	if got, want := reclaimedText(run), "Run 01ABC (ANALYZE_DOCUMENTS) was reclaimed as stale; scope scope-1 is free again"; got != want {
		t.Errorf("reclaimed text:\n got %q\nwant %q", got, want)
	}
}
