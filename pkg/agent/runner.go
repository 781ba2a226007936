package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soren/mika/internal/observability"
	"github.com/soren/mika/internal/tracing"
	"github.com/soren/mika/pkg/dispatch"
	"github.com/soren/mika/pkg/session"
)

// Runner executes agent turns through the dispatcher, one at a time per
// session key, and persists the transcript around each call.
type Runner struct {
	sessions        *session.Manager
	dispatcher      *dispatch.Dispatcher
	logger          zerolog.Logger
	providerFactory ProviderCreator

	authProfiles []AuthProfile
	authMu       sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Sessions        *session.Manager
	Dispatcher      *dispatch.Dispatcher
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (Provider, error)
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	return &Runner{
		sessions:        cfg.Sessions,
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		authProfiles:    cfg.AuthProfiles,
	}, nil
}

// Run executes one agent turn. The call is serialized through the session's
// dispatch lane, so it blocks until every earlier turn for the same key has
// settled and then until its own turn completes.
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.validateConfig(params.Config); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("invalid configuration: %w", err)
	}

	result, err := r.dispatcher.Submit(ctx, params.SessionKey, "agent.turn", func(runCtx context.Context) (interface{}, error) {
		return r.executeTurn(runCtx, params)
	})
	if err != nil {
		logger.Error().Err(err).Msg("agent turn failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	return result.(Result), nil
}

// QueuePosition returns how many turns are waiting behind the in-flight one.
func (r *Runner) QueuePosition(sessionKey string) int {
	return r.dispatcher.QueuePosition(sessionKey)
}

// IsRunning checks if an agent turn is currently executing for a session
func (r *Runner) IsRunning(sessionKey string) bool {
	return r.dispatcher.IsProcessing(sessionKey)
}

// executeTurn performs the actual agent execution on the session's lane.
func (r *Runner) executeTurn(ctx context.Context, params RunParams) (Result, error) {
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	// The turn may have been cancelled while it waited in the queue.
	select {
	case <-ctx.Done():
		return Result{SessionKey: params.SessionKey, Aborted: true}, nil
	default:
	}

	history, err := r.sessions.Load(ctx, params.SessionKey)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load session history")
		return Result{}, fmt.Errorf("failed to load session history: %w", err)
	}

	messages := r.buildMessages(history, params)

	if err := r.sessions.Append(ctx, params.SessionKey, session.Message{
		Role:    "user",
		Content: params.Prompt,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist user message")
		return Result{}, fmt.Errorf("failed to save user message: %w", err)
	}

	result, err := r.executeWithFailover(ctx, messages, params)

	// A stop requested by the user settles the turn as aborted, whatever
	// the provider call came back with.
	if r.dispatcher.Cancelled(params.SessionKey) {
		if err != nil {
			logger.Debug().Err(err).Msg("provider error after cancel request, reporting aborted")
		}
		return Result{SessionKey: params.SessionKey, Aborted: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if err := r.sessions.Append(ctx, params.SessionKey, session.Message{
		Role:    "assistant",
		Content: result.Response,
		Metadata: map[string]interface{}{
			"model": params.Config.Model,
			"usage": result.Usage,
		},
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist assistant message")
		return Result{}, fmt.Errorf("failed to save assistant message: %w", err)
	}

	if result.Usage != nil {
		r.sessions.RecordUsage(params.SessionKey, session.Usage{
			Model:        params.Config.Model,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		})
	}

	result.SessionKey = params.SessionKey
	return result, nil
}

// validateConfig validates agent configuration
func (r *Runner) validateConfig(config RunConfig) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// buildMessages constructs the message array for the LLM
func (r *Runner) buildMessages(history []session.Entry, params RunParams) []Message {
	messages := []Message{}

	systemPrompt := params.Config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	messages = append(messages, Message{Role: "system", Content: systemPrompt})

	for _, entry := range history {
		messages = append(messages, Message{
			Role:    entry.Message.Role,
			Content: entry.Message.Content,
		})
	}

	messages = append(messages, Message{Role: "user", Content: params.Prompt})

	return r.compactIfNeeded(messages, params.Config.MaxTokens)
}

// compactIfNeeded compacts messages if they exceed the token limit
func (r *Runner) compactIfNeeded(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	tokenCount := EstimateTokens(messages)
	if tokenCount <= maxTokens {
		return messages
	}

	r.logger.Info().
		Int("tokenCount", tokenCount).
		Int("maxTokens", maxTokens).
		Msg("compacting context")

	systemMessages := []Message{}
	conversationMessages := []Message{}

	for _, msg := range messages {
		if msg.Role == "system" {
			systemMessages = append(systemMessages, msg)
		} else {
			conversationMessages = append(conversationMessages, msg)
		}
	}

	// Keep last 20 messages
	recentCount := 20
	if len(conversationMessages) <= recentCount {
		return messages
	}

	recentMessages := conversationMessages[len(conversationMessages)-recentCount:]
	olderCount := len(conversationMessages) - recentCount

	summary := Message{
		Role:    "system",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", olderCount),
	}

	result := append(systemMessages, summary)
	result = append(result, recentMessages...)

	return result
}

// executeWithFailover executes with auth profile failover. The profile that
// last succeeded for a session is tried first, so a conversation sticks to
// one provider as long as it keeps working.
func (r *Runner) executeWithFailover(ctx context.Context, messages []Message, params RunParams) (Result, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sortProfilesByPriority(profiles)
	if sticky, ok := r.sessions.Handle(params.SessionKey); ok {
		promoteProfile(profiles, sticky)
	}

	var lastErr error

	for _, profile := range profiles {
		profileStart := time.Now()
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().
				Str("profileId", profile.ID).
				Msg("skipping profile in cooldown")
			continue
		}

		logger.Debug().Str("profileId", profile.ID).Msg("trying auth profile")

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			observability.RecordAgentRun(profile.Provider, time.Since(profileStart), false)
			logger.Warn().
				Str("profileId", profile.ID).
				Err(err).
				Msg("failed to create provider")
			continue
		}

		// Providers that can stop cooperatively register themselves as the
		// soft-cancel handle for this turn.
		if in, ok := provider.(Interruptible); ok {
			r.dispatcher.BindInterrupter(params.SessionKey, dispatch.InterrupterFunc(in.Interrupt))
		}

		result, err := r.callProvider(ctx, provider, messages, params)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			r.sessions.RememberHandle(params.SessionKey, profile.ID)
			observability.RecordAgentRun(profile.Provider, time.Since(profileStart), true)
			return result, nil
		}

		lastErr = err
		observability.RecordAgentRun(profile.Provider, time.Since(profileStart), false)
		logger.Warn().
			Str("profileId", profile.ID).
			Err(err).
			Msg("auth profile failed")

		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return Result{}, err
		}
	}

	if lastErr != nil {
		logger.Error().Err(lastErr).Msg("all auth profiles failed")
	}
	return Result{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callProvider makes the LLM call with exponential backoff retry.
func (r *Runner) callProvider(ctx context.Context, provider Provider, messages []Message, params RunParams) (Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.agent",
		"agent.call_provider",
		attribute.String("provider", provider.Name()),
	)
	defer span.End()

	maxRetries := params.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	systemPrompt := ""
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			break
		}
	}

	request := Request{
		Model:        params.Config.Model,
		Messages:     messages,
		Temperature:  params.Config.Temperature,
		MaxTokens:    params.Config.MaxTokens,
		SystemPrompt: systemPrompt,
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return Result{Response: response.Content, Usage: response.Usage}, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}

		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delayMs := 1000 * (1 << attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Int("delayMs", delayMs).
			Msg("retrying after error")

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	err := fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{}, err
}

// updateProfileSuccess resets failure count for a profile
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			break
		}
	}
}

// updateProfileFailure marks a profile as failed and extends its cooldown
// proportionally to the failure streak.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	for i := 0; i < len(profiles)-1; i++ {
		for j := i + 1; j < len(profiles); j++ {
			if profiles[j].Priority < profiles[i].Priority {
				profiles[i], profiles[j] = profiles[j], profiles[i]
			}
		}
	}
}

// promoteProfile moves the profile with the given ID to the front.
func promoteProfile(profiles []AuthProfile, id string) {
	for i, p := range profiles {
		if p.ID == id {
			copy(profiles[1:i+1], profiles[:i])
			profiles[0] = p
			return
		}
	}
}
