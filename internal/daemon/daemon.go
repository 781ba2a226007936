package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/soren/mika/internal/config"
	"github.com/soren/mika/internal/logger"
	"github.com/soren/mika/internal/observability"
	"github.com/soren/mika/internal/telegram"
	"github.com/soren/mika/internal/tracing"
	"github.com/soren/mika/pkg/agent"
	"github.com/soren/mika/pkg/dispatch"
	"github.com/soren/mika/pkg/gateway"
	"github.com/soren/mika/pkg/session"
)

// Daemon wires the relay together: per-session dispatch, session storage,
// the agent runner and the chat and gateway frontends.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	janitor    *session.Janitor
	runner     *agent.Runner

	// Services
	gatewayServer *gateway.Server

	// Telegram
	telegramBot     *telegram.Bot
	telegramCmd     *telegram.Commands
	telegramHandler *telegram.Handler

	// Internal
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

var newAgentRunner = func(cfg agent.Config) (*agent.Runner, error) {
	return agent.NewRunner(cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("mika-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		log.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.router = NewRouter(d)
	d.lifecycle = NewLifecycleManager(d)

	if d.telegramHandler != nil {
		d.telegramHandler.SetOnMessage(d.router.HandleChatMessage)
	}

	return d, nil
}

// initializeCoreModules initializes the dispatcher, session storage and the
// agent runner in dependency order.
func (d *Daemon) initializeCoreModules() error {
	d.dispatcher = dispatch.New()
	d.logger.Info().Msg("Dispatcher initialized")

	sessions, err := session.New(d.config.Session.Dir, d.config.Session.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.sessions = sessions
	d.logger.Info().Str("dir", d.config.Session.Dir).Msg("Session manager initialized")

	idleAfter := time.Duration(d.config.Session.IdleResetMinutes) * time.Minute
	d.janitor = session.NewJanitor(sessions, idleAfter, d.config.Session.DailyResetCron, d.handleSessionReset)
	d.logger.Info().
		Dur("idle_after", idleAfter).
		Str("daily_spec", d.config.Session.DailyResetCron).
		Msg("Session janitor initialized")

	runner, err := newAgentRunner(agent.Config{
		Sessions:     d.sessions,
		Dispatcher:   d.dispatcher,
		Logger:       d.logger.GetZerolog(),
		AuthProfiles: convertAuthProfiles(d.config.AI.Profiles),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	d.logger.Info().Int("profiles", len(d.config.AI.Profiles)).Msg("Agent runner initialized")

	return nil
}

// initializeServices initializes the gateway and the Telegram frontend.
func (d *Daemon) initializeServices() error {
	if d.config.Gateway.Enabled {
		gatewayServer, err := gateway.NewServer(gateway.Config{
			Port:         d.config.Gateway.Port,
			Host:         d.config.Gateway.Host,
			SharedSecret: d.config.Gateway.SharedSecret,
		}, d.logger.GetZerolog(), d.dispatchGatewayRequest, d.dispatcher, d.sessions)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		gatewayServer.WatchQueue(d.dispatcher)
		d.gatewayServer = gatewayServer
		d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	}

	if d.config.Telegram.Enabled {
		bot, err := telegram.New(&d.config.Telegram, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot

		handler := telegram.NewHandler(bot)
		d.telegramHandler = handler
		bot.SetMessageHandler(handler)

		commands := telegram.NewCommands(bot)
		telegram.RegisterControls(commands, d.dispatcher, d.sessions)
		d.telegramCmd = commands
		bot.SetCommandHandler(commands)

		d.logger.Info().Msg("Telegram bot initialized")
	}

	return nil
}

// dispatchGatewayRequest runs a gateway-submitted prompt through the runner.
func (d *Daemon) dispatchGatewayRequest(ctx context.Context, prompt, sessionKey string) (interface{}, error) {
	result, err := d.runner.Run(ctx, agent.RunParams{
		Prompt:     prompt,
		SessionKey: sessionKey,
		Config:     d.runConfig(),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runConfig resolves the per-turn agent configuration from the daemon config.
func (d *Daemon) runConfig() agent.RunConfig {
	cfg := agent.DefaultConfig()
	if d.config.AI.Model != "" {
		cfg.Model = d.config.AI.Model
	}
	if d.config.AI.MaxTokens > 0 {
		cfg.MaxTokens = d.config.AI.MaxTokens
	}
	if d.config.AI.Temperature > 0 {
		cfg.Temperature = d.config.AI.Temperature
	}
	return cfg
}

// handleSessionReset runs after the janitor clears a session. Any queued
// work for the session is dropped with it.
func (d *Daemon) handleSessionReset(sessionKey string) {
	if cleared := d.dispatcher.ClearQueue(sessionKey); cleared > 0 {
		d.logger.Info().
			Str("session_key", sessionKey).
			Int("cleared", cleared).
			Msg("Dropped queued messages for reset session")
	}
}

// convertAuthProfiles maps config profiles to agent auth profiles.
func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	converted := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		converted = append(converted, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return converted
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting mika daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Msg("Gateway server started")
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		logger.Info().Msg("Telegram bot started")
	}

	if err := d.janitor.Start(); err != nil {
		return fmt.Errorf("failed to start session janitor: %w", err)
	}
	logger.Info().Msg("Session janitor started")

	logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping mika daemon")

	// Stop intake first so no new work arrives while draining.
	if d.telegramBot != nil {
		if err := d.telegramBot.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop telegram bot")
		}
	}

	if d.gatewayServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.gatewayServer.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	d.janitor.Stop()
	logger.Info().Msg("Session janitor stopped")

	// Let in-flight turns settle before tearing the dispatcher down.
	if !d.dispatcher.WaitForIdle(10 * time.Second) {
		logger.Warn().Msg("Timeout waiting for in-flight turns, aborting them")
	}
	if err := d.dispatcher.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close dispatcher")
	}
	logger.Info().Msg("Dispatcher stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.sessions.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close session manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until the daemon receives SIGINT or SIGTERM and then stops it.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon's base zerolog logger.
func (d *Daemon) GetLogger() zerolog.Logger {
	return d.logger.GetZerolog()
}

// GetDispatcher returns the dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetAgentRunner returns the agent runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.runner
}

// GetTelegramBot returns the Telegram bot
func (d *Daemon) GetTelegramBot() *telegram.Bot {
	return d.telegramBot
}
