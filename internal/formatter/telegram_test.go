package formatter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mixelka/nodefarm/pkg/models"
)

func TestFormatSummary(t *testing.T) {
	f := NewTelegramFormatter()
	results := []models.OperationResult{
		{Identifier: "a@example.com", Status: true, RunID: "run-1"},
		{Identifier: "b@example.com", Reason: "banned: <user banned>"},
		{Identifier: "c@example.com", Reason: "rate limited"},
		{Identifier: "d@example.com", Reason: "rate limited"},
	}

	text := f.FormatSummary(models.OperationLogin, results)

	assert.Contains(t, text, "<b>Модуль:</b> login")
	assert.Contains(t, text, "<code>run-1</code>")
	assert.Contains(t, text, "1 / 4")
	assert.Contains(t, text, "banned: &lt;user banned&gt;")
	// most frequent reason first
	assert.Less(t, strings.Index(text, "rate limited"), strings.Index(text, "banned"))
}

func TestFormatSummaryAllSucceeded(t *testing.T) {
	f := NewTelegramFormatter()
	text := f.FormatSummary(models.OperationFarm, []models.OperationResult{{Identifier: "a@example.com", Status: true}})

	assert.NotContains(t, text, "Ошибки")
}

func TestFormatSummaryTruncates(t *testing.T) {
	f := NewTelegramFormatter()
	var results []models.OperationResult
	for i := 0; i < 500; i++ {
		results = append(results, models.OperationResult{
			Identifier: fmt.Sprintf("user%d@example.com", i),
			Reason:     fmt.Sprintf("reason %d", i),
		})
	}

	text := f.FormatSummary(models.OperationStats, results)

	assert.LessOrEqual(t, len(text), 4100)
	assert.Contains(t, text, "список обрезан")
}

func TestFormatFatal(t *testing.T) {
	f := NewTelegramFormatter()
	assert.Equal(t, "<b>Работа остановлена</b>\nno available proxies", f.FormatFatal("no available proxies"))
}
