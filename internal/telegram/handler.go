package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Handler implements message handling for Telegram
type Handler struct {
	bot    *Bot
	logger zerolog.Logger

	// Callback for processing messages
	onMessage func(MessageContext) error
}

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsMention bool
	ReplyToID int
}

// SessionKey returns the dispatch/session key for the message's scope:
// "tg:<chatID>" for a plain chat, "tg:<chatID>:<threadID>" inside a thread.
func (c MessageContext) SessionKey() string {
	return SessionKey(c.ChatID, c.ThreadID)
}

// SessionKey builds the canonical session key for a chat or chat thread.
func SessionKey(chatID int64, threadID int) string {
	if threadID > 0 {
		return fmt.Sprintf("tg:%d:%d", chatID, threadID)
	}
	return fmt.Sprintf("tg:%d", chatID)
}

// NewHandler creates a new message handler
func NewHandler(bot *Bot) *Handler {
	return &Handler{
		bot:    bot,
		logger: bot.logger.With().Str("module", "handler").Logger(),
	}
}

// HandleMessage processes incoming messages
func (h *Handler) HandleMessage(update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}

	msg := update.Message

	ctx := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}

	if ctx.IsGroup {
		ctx.IsMention = h.isMentioned(msg)
	}

	if msg.ReplyToMessage != nil {
		ctx.ReplyToID = msg.ReplyToMessage.MessageID
		// Group replies are scoped to the thread rooted at the replied-to
		// message, so parallel discussions get independent sessions.
		if ctx.IsGroup {
			ctx.ThreadID = msg.ReplyToMessage.MessageID
		}
	}

	h.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Int64("user_id", ctx.UserID).
		Str("username", ctx.Username).
		Str("session_key", ctx.SessionKey()).
		Bool("is_group", ctx.IsGroup).
		Bool("is_mention", ctx.IsMention).
		Msg("message received")

	if h.onMessage != nil {
		return h.onMessage(ctx)
	}

	return nil
}

// isMentioned checks if the bot is mentioned in a message
func (h *Handler) isMentioned(msg *tgbotapi.Message) bool {
	for _, entity := range msg.Entities {
		if entity.Type == "mention" {
			mention := msg.Text[entity.Offset : entity.Offset+entity.Length]
			if mention == "@"+h.bot.api.Self.UserName {
				return true
			}
		}
	}

	return false
}

// SetOnMessage sets the message callback
func (h *Handler) SetOnMessage(callback func(MessageContext) error) {
	h.onMessage = callback
}

// SendResponse sends a response to a message
func (h *Handler) SendResponse(ctx MessageContext, text string) error {
	return h.bot.SendMessageWithReply(ctx.ChatID, text, ctx.MessageID)
}
