package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/soren/mika/internal/telegram"
	"github.com/soren/mika/internal/tracing"
	"github.com/soren/mika/pkg/agent"
	"github.com/soren/mika/pkg/dispatch"
)

// Router bridges inbound chat messages into the execution pipeline.
type Router struct {
	daemon *Daemon
}

// NewRouter creates a new message router
func NewRouter(d *Daemon) *Router {
	return &Router{
		daemon: d,
	}
}

// HandleChatMessage routes one Telegram message into the agent pipeline.
// It returns as soon as the turn is enqueued; the update loop must stay
// free so control commands keep working while a turn runs.
func (r *Router) HandleChatMessage(mc telegram.MessageContext) error {
	// In groups the bot only reacts when addressed.
	if mc.IsGroup && !mc.IsMention && mc.ThreadID == 0 {
		return nil
	}
	if mc.Text == "" {
		return nil
	}

	key := mc.SessionKey()

	r.daemon.logger.Info().
		Str("session_key", key).
		Str("source", "telegram").
		Msg("Routing message")

	if r.daemon.config.Telegram.QueueNotices {
		if ahead := r.queueDepth(key); ahead > 0 {
			notice := fmt.Sprintf("Queued. %d message(s) ahead of yours.", ahead)
			if err := r.daemon.telegramHandler.SendResponse(mc, notice); err != nil {
				r.daemon.logger.Warn().Err(err).Msg("Failed to send queue notice")
			}
		}
	}

	r.daemon.wg.Add(1)
	go func() {
		defer r.daemon.wg.Done()
		r.processChatMessage(mc, key)
	}()

	return nil
}

// queueDepth counts the turns that would run before a newly submitted one.
func (r *Router) queueDepth(sessionKey string) int {
	depth := r.daemon.dispatcher.QueuePosition(sessionKey)
	if r.daemon.dispatcher.IsProcessing(sessionKey) {
		depth++
	}
	return depth
}

// processChatMessage runs the agent turn and delivers the reply. Blocks for
// the whole turn, so it always runs on its own goroutine.
func (r *Router) processChatMessage(mc telegram.MessageContext, key string) {
	ctx := tracing.NewRequestContext(r.daemon.ctx)
	ctx = tracing.WithSessionKey(ctx, key)
	logger := tracing.LoggerFromContext(ctx, r.daemon.logger.GetZerolog())

	_ = r.daemon.telegramBot.SendTyping(mc.ChatID)

	result, err := r.daemon.runner.Run(ctx, agent.RunParams{
		Prompt:     mc.Text,
		SessionKey: key,
		Config:     r.daemon.runConfig(),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueCleared) {
			logger.Info().Msg("Queued message dropped by reset")
			return
		}
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Turn cancelled before completion")
			return
		}
		logger.Error().Err(err).Msg("Agent turn failed")
		r.sendReply(mc, "Something went wrong while processing your message. Please try again.", logger)
		return
	}

	if result.Aborted {
		r.sendReply(mc, "Stopped.", logger)
		return
	}
	if result.Response == "" {
		logger.Warn().Msg("Agent returned empty response")
		return
	}

	r.sendReply(mc, result.Response, logger)
}

func (r *Router) sendReply(mc telegram.MessageContext, text string, logger zerolog.Logger) {
	if err := r.daemon.telegramHandler.SendResponse(mc, text); err != nil {
		logger.Error().Err(err).Msg("Failed to send reply")
	}
}
