package telegram

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soren/mika/internal/config"
	"github.com/soren/mika/internal/logger"
)

// sentRecorder captures the text of every message the bot sends.
type sentRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *sentRecorder) record(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *sentRecorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func (r *sentRecorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

// createTestBot builds a bot backed by a local fake Telegram API.
func createTestBot(t *testing.T) (*Bot, *sentRecorder) {
	t.Helper()

	recorder := &sentRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if text := r.Form.Get("text"); text != "" {
			recorder.record(text)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"}}}`))
	}))
	t.Cleanup(server.Close)

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	api := &tgbotapi.BotAPI{
		Token:  "test-token",
		Client: server.Client(),
		Buffer: 100,
		Self: tgbotapi.User{
			ID:       123456789,
			UserName: "mikabot",
		},
	}
	api.SetAPIEndpoint(server.URL + "/bot%s/%s")

	return &Bot{
		api:    api,
		config: &config.TelegramConfig{Enabled: true, TypingActions: true},
		logger: log.GetZerolog().With().Str("component", "telegram").Logger(),
	}, recorder
}

func privateMessage(text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: 12345, UserName: "testuser"},
			Chat:      &tgbotapi.Chat{ID: 67890, Type: "private"},
			Text:      text,
			Date:      1234567890,
		},
	}
}

func TestBot_SendMessage(t *testing.T) {
	bot, recorder := createTestBot(t)

	require.NoError(t, bot.SendMessage(67890, "hello"))
	assert.Equal(t, []string{"hello"}, recorder.Texts())
}

func TestBot_SendMessageWithReply(t *testing.T) {
	bot, recorder := createTestBot(t)

	require.NoError(t, bot.SendMessageWithReply(67890, "pong", 42))
	assert.Equal(t, "pong", recorder.Last())
}

func TestBot_AllowlistFiltering(t *testing.T) {
	bot, _ := createTestBot(t)
	bot.config.Allowlist = []int64{99999}

	handled := false
	bot.SetMessageHandler(messageHandlerFunc(func(update tgbotapi.Update) error {
		handled = true
		return nil
	}))

	require.NoError(t, bot.handleUpdate(privateMessage("hi")))
	assert.False(t, handled, "message from unlisted user must be dropped")

	bot.config.Allowlist = []int64{12345}
	require.NoError(t, bot.handleUpdate(privateMessage("hi")))
	assert.True(t, handled)
}

func TestBot_EmptyAllowlistAdmitsEveryone(t *testing.T) {
	bot, _ := createTestBot(t)

	handled := false
	bot.SetMessageHandler(messageHandlerFunc(func(update tgbotapi.Update) error {
		handled = true
		return nil
	}))

	require.NoError(t, bot.handleUpdate(privateMessage("hi")))
	assert.True(t, handled)
}

func TestBot_RoutesCommandsToCommandHandler(t *testing.T) {
	bot, _ := createTestBot(t)

	commandHandled := false
	bot.SetCommandHandler(commandHandlerFunc(func(update tgbotapi.Update) error {
		commandHandled = true
		return nil
	}))
	bot.SetMessageHandler(messageHandlerFunc(func(update tgbotapi.Update) error {
		t.Fatal("command must not reach the message handler")
		return nil
	}))

	update := privateMessage("/status")
	update.Message.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: 7},
	}

	require.NoError(t, bot.handleUpdate(update))
	assert.True(t, commandHandled)
}

func TestBot_GetBotInfo(t *testing.T) {
	bot, _ := createTestBot(t)

	info := bot.GetBotInfo()
	assert.Equal(t, "mikabot", info["username"])
	assert.Equal(t, false, info["running"])
}

type messageHandlerFunc func(update tgbotapi.Update) error

func (f messageHandlerFunc) HandleMessage(update tgbotapi.Update) error { return f(update) }

type commandHandlerFunc func(update tgbotapi.Update) error

func (f commandHandlerFunc) HandleCommand(update tgbotapi.Update) error { return f(update) }
