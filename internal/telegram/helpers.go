package telegram

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// send delivers text to the configured chat. Failures are logged, a report never blocks a run.
func (n *Notifier) send(ctx context.Context, text string) {
	// Use separate context with timeout so a cancelled run can still report
	apiCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := n.sendMessage(apiCtx, n.chatID, text); err != nil {
		n.logger.Error("failed to send telegram message", "chat_id", n.chatID, "error", err)
		return
	}
	n.logger.Debug("telegram message sent", "chat_id", n.chatID)
}

// sendMessage sends an HTML message
func (n *Notifier) sendMessage(ctx context.Context, chatID int64, text string) (*models.Message, error) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}

	return n.bot.SendMessage(ctx, params)
}
