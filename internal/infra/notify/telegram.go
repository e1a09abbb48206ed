package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"storyforge/internal/domain/model"
	"storyforge/internal/domain/ports/adapter"
)

var _ adapter.RunNotifier = (*TelegramNotifier)(nil)

// TelegramNotifier posts run lifecycle events to a fixed ops chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zerolog.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, log: logger}, nil
}

func (n *TelegramNotifier) NotifyRunFinished(ctx context.Context, run *model.Run) error {
	return n.send(finishedText(run))
}

func (n *TelegramNotifier) NotifyRunReclaimed(ctx context.Context, run *model.Run) error {
	return n.send(reclaimedText(run))
}

func finishedText(run *model.Run) string {
	return fmt.Sprintf("Run %s (%s) finished %s: %d completed, %d failed, %d skipped, %d artifacts",
		run.ID, run.Kind, run.Status,
		run.CompletedItems, run.FailedItems, run.SkippedItems, run.ProducedArtifacts)
}

func reclaimedText(run *model.Run) string {
	return fmt.Sprintf("Run %s (%s) was reclaimed as stale; scope %s is free again",
		run.ID, run.Kind, run.ScopeID)
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Warn().Err(err).Msg("telegram notify failed")
		return err
	}
	return nil
}
