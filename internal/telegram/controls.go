package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/soren/mika/pkg/session"
)

// QueueController is the slice of the dispatcher the chat commands need.
type QueueController interface {
	CancelRequest(ctx context.Context, sessionKey string) bool
	ResetRequest(ctx context.Context, sessionKey string) bool
	ClearQueue(sessionKey string) int
	QueuePosition(sessionKey string) int
	IsProcessing(sessionKey string) bool
}

// SessionStore is the slice of the session manager the chat commands need.
type SessionStore interface {
	Clear(ctx context.Context, sessionKey string) error
	Info(sessionKey string) (map[string]interface{}, error)
	LastUsage(sessionKey string) (session.Usage, bool)
}

const helpText = `I relay your messages to an AI agent, one at a time per chat.

/stop - ask the current task to stop gracefully
/reset - drop queued messages, abort the current task and clear the conversation
/queue - show how many messages are waiting
/status - show what I'm doing right now
/help - this message`

// RegisterControls wires the chat control commands to the dispatcher and
// session manager.
func RegisterControls(c *Commands, queue QueueController, sessions SessionStore) {
	c.Register("start", func(ctx CommandContext) error {
		return c.SendResponse(ctx, "Hi! Send me a message and I'll pass it to the agent.\n\n"+helpText)
	})

	c.Register("help", func(ctx CommandContext) error {
		return c.SendResponse(ctx, helpText)
	})

	c.Register("stop", func(ctx CommandContext) error {
		key := ctx.SessionKey()
		if queue.CancelRequest(context.Background(), key) {
			return c.SendResponse(ctx, "Asking the current task to stop...")
		}
		return c.SendResponse(ctx, "Nothing is running right now.")
	})

	c.Register("reset", func(ctx CommandContext) error {
		key := ctx.SessionKey()

		cleared := queue.ClearQueue(key)
		aborted := queue.ResetRequest(context.Background(), key)
		if err := sessions.Clear(context.Background(), key); err != nil {
			c.logger.Error().Str("session_key", key).Err(err).Msg("failed to clear session")
			return c.SendResponse(ctx, "Reset failed, see the logs.")
		}

		var b strings.Builder
		b.WriteString("Fresh start.")
		if aborted {
			b.WriteString(" The running task was aborted.")
		}
		if cleared > 0 {
			fmt.Fprintf(&b, " %d queued message(s) were dropped.", cleared)
		}
		return c.SendResponse(ctx, b.String())
	})

	c.Register("queue", func(ctx CommandContext) error {
		key := ctx.SessionKey()
		depth := queue.QueuePosition(key)
		processing := queue.IsProcessing(key)

		switch {
		case !processing && depth == 0:
			return c.SendResponse(ctx, "The queue is empty.")
		case depth == 0:
			return c.SendResponse(ctx, "One task is running, nothing is queued behind it.")
		default:
			return c.SendResponse(ctx, fmt.Sprintf("One task is running and %d message(s) are waiting.", depth))
		}
	})

	c.Register("status", func(ctx CommandContext) error {
		key := ctx.SessionKey()

		var b strings.Builder
		if queue.IsProcessing(key) {
			b.WriteString("Working on a task right now.")
		} else {
			b.WriteString("Idle.")
		}
		if depth := queue.QueuePosition(key); depth > 0 {
			fmt.Fprintf(&b, "\nQueued messages: %d", depth)
		}

		if info, err := sessions.Info(key); err == nil {
			fmt.Fprintf(&b, "\nConversation length: %v message(s)", info["messageCount"])
		}
		if usage, ok := sessions.LastUsage(key); ok {
			fmt.Fprintf(&b, "\nLast turn: %s, %d in / %d out tokens",
				usage.Model, usage.InputTokens, usage.OutputTokens)
		}

		return c.SendResponse(ctx, b.String())
	})
}
