package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor resets sessions on a schedule: idle sessions are cleared after a
// configurable quiet period, and every session is cleared once a day so
// conversations do not accumulate stale context indefinitely.
type Janitor struct {
	manager   *Manager
	idleAfter time.Duration
	dailySpec string
	onReset   func(sessionKey string)

	cron *cron.Cron
}

// NewJanitor creates a janitor. idleAfter of zero disables the idle sweep;
// an empty dailySpec disables the daily reset. onReset, if non-nil, is
// invoked for every cleared session key.
func NewJanitor(manager *Manager, idleAfter time.Duration, dailySpec string, onReset func(string)) *Janitor {
	return &Janitor{
		manager:   manager,
		idleAfter: idleAfter,
		dailySpec: dailySpec,
		onReset:   onReset,
		cron:      cron.New(),
	}
}

// Start registers the schedules and starts the cron runner.
func (j *Janitor) Start() error {
	if j.idleAfter > 0 {
		if _, err := j.cron.AddFunc("* * * * *", j.sweepIdle); err != nil {
			return fmt.Errorf("failed to schedule idle sweep: %w", err)
		}
	}
	if j.dailySpec != "" {
		if _, err := j.cron.AddFunc(j.dailySpec, j.resetAll); err != nil {
			return fmt.Errorf("failed to schedule daily reset: %w", err)
		}
	}

	j.cron.Start()

	log.Info().
		Dur("idle_after", j.idleAfter).
		Str("daily_spec", j.dailySpec).
		Msg("session janitor started")

	return nil
}

// Stop stops the cron runner and waits for any in-progress sweep.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("session janitor stopped")
}

// SweepNow runs the idle sweep immediately.
func (j *Janitor) SweepNow() {
	j.sweepIdle()
}

func (j *Janitor) sweepIdle() {
	idle := j.manager.IdleSessions(j.idleAfter)
	for _, key := range idle {
		if err := j.manager.Clear(context.Background(), key); err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("idle reset failed")
			continue
		}
		log.Info().Str("session_key", key).Msg("session reset after idle period")
		if j.onReset != nil {
			j.onReset(key)
		}
	}
}

func (j *Janitor) resetAll() {
	sessions, err := j.manager.List()
	if err != nil {
		log.Error().Err(err).Msg("daily reset failed to list sessions")
		return
	}

	for _, key := range sessions {
		if err := j.manager.Clear(context.Background(), key); err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("daily reset failed")
			continue
		}
		if j.onReset != nil {
			j.onReset(key)
		}
	}

	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("daily session reset completed")
	}
}
