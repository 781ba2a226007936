package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/soren/mika/internal/config"
	"github.com/soren/mika/internal/logger"
	"github.com/soren/mika/internal/observability"
)

// Bot represents a Telegram bot instance
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	logger zerolog.Logger

	// Handlers
	messageHandler MessageHandler
	commandHandler CommandHandler

	// State
	running bool
	updates tgbotapi.UpdatesChannel
}

// MessageHandler handles incoming messages
type MessageHandler interface {
	HandleMessage(update tgbotapi.Update) error
}

// CommandHandler handles bot commands
type CommandHandler interface {
	HandleCommand(update tgbotapi.Update) error
}

// New creates a new Telegram bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	observability.EnsureRegistered()

	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:    api,
		config: cfg,
		logger: log.GetZerolog().With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("telegram bot authenticated")

	return bot, nil
}

// Start starts the bot and begins processing updates
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("starting telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.updates = updates
	b.running = true

	go b.processUpdates()

	b.logger.Info().Msg("telegram bot started")

	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("stopping telegram bot")

	b.running = false
	b.api.StopReceivingUpdates()

	b.logger.Info().Msg("telegram bot stopped")

	return nil
}

// processUpdates processes incoming updates
func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}

		if err := b.handleUpdate(update); err != nil {
			observability.RecordTelegramError()
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("failed to handle update")
		}
	}
}

// handleUpdate routes an update to the appropriate handler
func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}

	if !b.allowed(update.Message.From) {
		b.logger.Warn().
			Int64("user_id", update.Message.From.ID).
			Msg("message from user outside allowlist dropped")
		return nil
	}

	observability.RecordTelegramReceived()

	if update.Message.IsCommand() && b.commandHandler != nil {
		return b.commandHandler.HandleCommand(update)
	}

	if b.messageHandler != nil {
		return b.messageHandler.HandleMessage(update)
	}

	return nil
}

// allowed checks the sender against the configured allowlist. An empty
// allowlist admits everyone.
func (b *Bot) allowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if len(b.config.Allowlist) == 0 {
		return true
	}
	for _, id := range b.config.Allowlist {
		if id == from.ID {
			return true
		}
	}
	return false
}

// SendMessage sends a text message
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)

	_, err := b.api.Send(msg)
	if err != nil {
		observability.RecordTelegramError()
		return fmt.Errorf("failed to send message: %w", err)
	}

	observability.RecordTelegramSent()
	b.logger.Debug().
		Int64("chat_id", chatID).
		Msg("message sent")

	return nil
}

// SendMessageWithReply sends a text message as a reply
func (b *Bot) SendMessageWithReply(chatID int64, text string, replyToMessageID int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToMessageID

	_, err := b.api.Send(msg)
	if err != nil {
		observability.RecordTelegramError()
		return fmt.Errorf("failed to send message: %w", err)
	}

	observability.RecordTelegramSent()
	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyToMessageID).
		Msg("reply sent")

	return nil
}

// SendTyping sends a typing chat action.
func (b *Bot) SendTyping(chatID int64) error {
	if !b.config.TypingActions {
		return nil
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// GetBotInfo returns bot information
func (b *Bot) GetBotInfo() map[string]interface{} {
	return map[string]interface{}{
		"username":  b.api.Self.UserName,
		"id":        b.api.Self.ID,
		"firstName": b.api.Self.FirstName,
		"running":   b.running,
	}
}

// SetMessageHandler sets the message handler
func (b *Bot) SetMessageHandler(handler MessageHandler) {
	b.messageHandler = handler
}

// SetCommandHandler sets the command handler
func (b *Bot) SetCommandHandler(handler CommandHandler) {
	b.commandHandler = handler
}

// GetAPI returns the underlying bot API
func (b *Bot) GetAPI() *tgbotapi.BotAPI {
	return b.api
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	return b.running
}

// WaitForReady waits for the bot to be ready
func (b *Bot) WaitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if b.running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("bot did not become ready within timeout")
}
