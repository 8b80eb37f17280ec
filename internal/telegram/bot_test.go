package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/nodefarm/internal/formatter"
	"github.com/mixelka/nodefarm/pkg/models"
)

type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
	paths []string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.texts = append(f.texts, r.FormValue("text"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeTelegram) {
	t.Helper()

	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	n, err := NewNotifier(NotifierDeps{
		Token:     "123:test",
		ChatID:    42,
		Formatter: formatter.NewTelegramFormatter(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options:   []bot.Option{bot.WithServerURL(srv.URL), bot.WithSkipGetMe()},
	})
	require.NoError(t, err)
	return n, fake
}

func TestNotifySummary(t *testing.T) {
	n, fake := newTestNotifier(t)

	n.NotifySummary(context.Background(), models.OperationLogin, []models.OperationResult{
		{Identifier: "a@example.com", Status: true},
		{Identifier: "b@example.com", Reason: "banned: user banned"},
	})

	require.Len(t, fake.paths, 1)
	assert.True(t, strings.HasSuffix(fake.paths[0], "/sendMessage"))
	assert.Contains(t, fake.texts[0], "1 / 2")
	assert.Contains(t, fake.texts[0], "b@example.com")
}

func TestNotifyFatalSurvivesCancelledContext(t *testing.T) {
	n, fake := newTestNotifier(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.NotifyFatal(ctx, "no available proxies")

	require.Len(t, fake.texts, 1)
	assert.Contains(t, fake.texts[0], "no available proxies")
}
