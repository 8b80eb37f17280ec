package telegram

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"

	"github.com/mixelka/nodefarm/internal/formatter"
	"github.com/mixelka/nodefarm/pkg/models"
)

// Notifier posts run reports to a Telegram chat
type Notifier struct {
	bot       *bot.Bot
	chatID    int64
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger
}

// NotifierDeps dependencies for creating a notifier
type NotifierDeps struct {
	Token     string
	ChatID    int64
	Formatter *formatter.TelegramFormatter
	Logger    *slog.Logger
	Options   []bot.Option
}

// NewNotifier creates a new Telegram notifier
func NewNotifier(deps NotifierDeps) (*Notifier, error) {
	tgBot, err := bot.New(deps.Token, deps.Options...)
	if err != nil {
		return nil, err
	}

	return &Notifier{
		bot:       tgBot,
		chatID:    deps.ChatID,
		formatter: deps.Formatter,
		logger:    deps.Logger.With("component", "telegram"),
	}, nil
}

// NotifySummary posts the results of one batch. A nil notifier does nothing.
func (n *Notifier) NotifySummary(ctx context.Context, kind models.OperationKind, results []models.OperationResult) {
	if n == nil {
		return
	}
	n.send(ctx, n.formatter.FormatSummary(kind, results))
}

// NotifyFatal posts a condition that stopped the process
func (n *Notifier) NotifyFatal(ctx context.Context, reason string) {
	if n == nil {
		return
	}
	n.send(ctx, n.formatter.FormatFatal(reason))
}
