package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mixelka/nodefarm/pkg/models"
)

// TelegramFormatter formats run reports for Telegram
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

// FormatSummary formats the results of one batch
func (f *TelegramFormatter) FormatSummary(kind models.OperationKind, results []models.OperationResult) string {
	var (
		succeeded int
		failed    []models.OperationResult
	)
	for _, res := range results {
		if res.Status {
			succeeded++
		} else {
			failed = append(failed, res)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>Модуль:</b> %s\n", f.escapeHTML(string(kind))))
	if len(results) > 0 && results[0].RunID != "" {
		sb.WriteString(fmt.Sprintf("<b>Запуск:</b> <code>%s</code>\n", results[0].RunID))
	}
	sb.WriteString(fmt.Sprintf("<b>Успешно:</b> %d / %d\n", succeeded, len(results)))

	if len(failed) == 0 {
		return sb.String()
	}

	// Group failures by reason so large batches stay readable
	byReason := make(map[string][]string)
	for _, res := range failed {
		reason := res.Reason
		if reason == "" {
			reason = "unknown"
		}
		byReason[reason] = append(byReason[reason], res.Identifier)
	}
	reasons := make([]string, 0, len(byReason))
	for reason := range byReason {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return len(byReason[reasons[i]]) > len(byReason[reasons[j]])
	})

	sb.WriteString(fmt.Sprintf("\n<b>Ошибки (%d):</b>\n", len(failed)))
	for _, reason := range reasons {
		emails := byReason[reason]
		line := fmt.Sprintf("<i>%s</i> (%d): %s\n",
			f.escapeHTML(reason), len(emails), f.escapeHTML(strings.Join(emails, ", ")))
		if sb.Len()+len(line) > f.maxLength {
			sb.WriteString("<i>... (список обрезан)</i>")
			break
		}
		sb.WriteString(line)
	}

	return sb.String()
}

// FormatFatal formats a condition that stopped the process
func (f *TelegramFormatter) FormatFatal(reason string) string {
	return fmt.Sprintf("<b>Работа остановлена</b>\n%s", f.escapeHTML(f.truncate(reason, f.maxLength-100)))
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
