package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/soren/mika/internal/observability"
)

// Interrupter is the cooperative handle for an in-flight call: a resumable
// remote session that can be asked to stop without destroying its state.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// InterrupterFunc adapts a plain function to the Interrupter interface.
type InterrupterFunc func(ctx context.Context) error

// Interrupt calls f.
func (f InterrupterFunc) Interrupt(ctx context.Context) error {
	return f(ctx)
}

// BindInterrupter registers the cooperative handle for the call currently
// executing under sessionKey. It is a no-op when nothing is in flight; the
// handle is cleared automatically when the call settles.
func (d *Dispatcher) BindInterrupter(sessionKey string, interrupter Interrupter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.sessions[sessionKey]
	if !ok || !st.processing {
		log.Debug().Str("session_key", sessionKey).Msg("no in-flight call to bind interrupter to")
		return
	}
	st.interrupter = interrupter
}

// CancelRequest asks the in-flight call for sessionKey to stop gracefully.
// The session's cancelled flag is set first so the call's own completion
// handling can tell a user stop from a failure. A cooperative handle is
// preferred; the generic run-context cancel fires only when no handle is
// bound. Interrupt errors are logged and swallowed because the cancellation
// intent has already been recorded.
//
// Returns true iff there was an in-flight call to act on.
func (d *Dispatcher) CancelRequest(ctx context.Context, sessionKey string) bool {
	d.mu.Lock()
	st, ok := d.sessions[sessionKey]
	if !ok || !st.processing {
		d.mu.Unlock()
		return false
	}
	st.cancelled = true
	interrupter := st.interrupter
	cancelRun := st.cancelRun
	d.mu.Unlock()

	observability.RecordCancelRequest("cancel")
	log.Info().Str("session_key", sessionKey).Msg("cancel requested")

	if interrupter != nil {
		if err := interrupter.Interrupt(ctx); err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("interrupt failed")
		}
		return true
	}
	if cancelRun != nil {
		cancelRun()
		return true
	}
	return false
}

// ResetRequest tears down the in-flight call for sessionKey: the same
// cooperative interrupt as CancelRequest, plus an unconditional fire of the
// generic run-context cancel, so the current call makes no further progress
// under any circumstance.
//
// Returns true iff there was an in-flight call to act on.
func (d *Dispatcher) ResetRequest(ctx context.Context, sessionKey string) bool {
	d.mu.Lock()
	st, ok := d.sessions[sessionKey]
	if !ok || !st.processing {
		d.mu.Unlock()
		return false
	}
	st.cancelled = true
	interrupter := st.interrupter
	cancelRun := st.cancelRun
	d.mu.Unlock()

	observability.RecordCancelRequest("reset")
	log.Info().Str("session_key", sessionKey).Msg("reset requested")

	if interrupter != nil {
		if err := interrupter.Interrupt(ctx); err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("interrupt failed")
		}
	}
	if cancelRun != nil {
		cancelRun()
	}
	return interrupter != nil || cancelRun != nil
}

// Cancelled reports whether a cancel or reset has been requested for the
// in-flight call. The flag never survives the call's settlement.
func (d *Dispatcher) Cancelled(sessionKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.sessions[sessionKey]
	return ok && st.cancelled
}

// ClearCancelled resets the cancelled flag early, for callers that fully
// handle a cancellation inline before the call settles.
func (d *Dispatcher) ClearCancelled(sessionKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.sessions[sessionKey]; ok {
		st.cancelled = false
	}
}
