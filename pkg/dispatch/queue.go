package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soren/mika/internal/observability"
	"github.com/soren/mika/internal/tracing"
)

// ErrQueueCleared rejects calls that were discarded from a session's queue
// before their turn.
var ErrQueueCleared = errors.New("dispatch: queue cleared")

// Operation is one unit of agent work executed on a session's serial slot.
// It is invoked at most once; the context it receives is cancelled by a
// hard reset, by the soft-cancel fallback when no cooperative handle is
// bound, and by dispatcher shutdown.
type Operation func(ctx context.Context) (interface{}, error)

type outcome struct {
	value interface{}
	err   error
}

// call tracks one submitted operation until it settles or is discarded.
type call struct {
	id         string
	label      string
	op         Operation
	ctx        context.Context
	enqueuedAt time.Time
	result     chan outcome
}

// sessionState holds the FIFO and cancellation bookkeeping for one key.
// All fields are guarded by Dispatcher.mu.
type sessionState struct {
	queue       []*call
	draining    bool
	processing  bool
	interrupter Interrupter
	cancelRun   context.CancelFunc
	cancelled   bool
}

// EventHandler is a function that handles queue events.
type EventHandler func(event Event)

// Event describes observable queue activity.
type Event struct {
	Type    string                 // "enqueued", "started", "completed" or "cleared"
	Session string                 // session key
	CallID  string                 // call ID
	Data    map[string]interface{} // additional event data
}

// Event types emitted by the dispatcher.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventCleared   = "cleared"
)

// Dispatcher serializes operations per session key with FIFO ordering and
// exposes soft-cancel and hard-reset semantics for the in-flight call.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new Dispatcher.
func New() *Dispatcher {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		sessions:      make(map[string]*sessionState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// state returns the bookkeeping for sessionKey, creating it if needed.
// Callers must hold d.mu.
func (d *Dispatcher) state(sessionKey string) *sessionState {
	st, ok := d.sessions[sessionKey]
	if !ok {
		st = &sessionState{}
		d.sessions[sessionKey] = st
	}
	return st
}

// Submit appends op to the session's FIFO and blocks until it settles.
// The returned error is the operation's own error, or ErrQueueCleared if
// the call was discarded before its turn.
func (d *Dispatcher) Submit(ctx context.Context, sessionKey, label string, op Operation) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"mika.dispatch",
		"dispatch.submit",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, sessionKey)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	c := &call{
		id:         id,
		label:      label,
		op:         op,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan outcome, 1),
	}

	d.mu.Lock()
	st := d.state(sessionKey)
	st.queue = append(st.queue, c)
	depth := len(st.queue)
	if !st.draining {
		st.draining = true
		d.wg.Add(1)
		go d.drain(sessionKey)
	}
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("call_id", id).
		Str("label", label).
		Int("depth", depth).
		Msg("call enqueued")

	observability.RecordDispatchEnqueue(sessionKey, depth)

	d.emit(Event{
		Type:    EventEnqueued,
		Session: sessionKey,
		CallID:  id,
		Data: map[string]interface{}{
			"label": label,
			"depth": depth,
		},
	})

	res := <-c.result
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

// drain runs queued calls for one session key until its FIFO is empty.
// The loop keeps the slot busy with no idle gap between calls and clears
// the cancellation bookkeeping after every settlement.
func (d *Dispatcher) drain(sessionKey string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		st := d.state(sessionKey)
		if len(st.queue) == 0 {
			st.draining = false
			d.mu.Unlock()
			return
		}
		c := st.queue[0]
		st.queue = st.queue[1:]
		st.processing = true
		runCtx, cancelRun := context.WithCancel(c.ctx)
		st.cancelRun = cancelRun
		depth := len(st.queue)
		d.mu.Unlock()

		logger := tracing.LoggerFromContext(c.ctx, log.Logger)
		logger.Debug().
			Str("call_id", c.id).
			Str("label", c.label).
			Int("depth", depth).
			Dur("waited", time.Since(c.enqueuedAt)).
			Msg("call started")

		d.emit(Event{
			Type:    EventStarted,
			Session: sessionKey,
			CallID:  c.id,
			Data: map[string]interface{}{
				"label": c.label,
				"depth": depth,
			},
		})

		// Dispatcher shutdown tears down the in-flight call.
		stopCancel := context.AfterFunc(d.ctx, cancelRun)

		started := time.Now()
		value, err := d.runCall(runCtx, sessionKey, c)
		duration := time.Since(started)

		stopCancel()

		// Bookkeeping is cleared before the caller resumes, so a call
		// submitted right after settlement never sees residual state.
		d.mu.Lock()
		st.interrupter = nil
		st.cancelRun = nil
		st.cancelled = false
		st.processing = false
		depth = len(st.queue)
		d.mu.Unlock()
		cancelRun()

		c.result <- outcome{value: value, err: err}
		close(c.result)

		status := "success"
		if err != nil {
			status = "error"
			logger.Error().
				Str("call_id", c.id).
				Dur("duration", duration).
				Err(err).
				Msg("call failed")
		} else {
			logger.Debug().
				Str("call_id", c.id).
				Dur("duration", duration).
				Msg("call completed")
		}

		observability.RecordDispatchSettle(sessionKey, duration, status, depth)

		d.emit(Event{
			Type:    EventCompleted,
			Session: sessionKey,
			CallID:  c.id,
			Data: map[string]interface{}{
				"duration": duration.Milliseconds(),
				"success":  err == nil,
			},
		})
	}
}

// runCall invokes the operation inside its own span.
func (d *Dispatcher) runCall(ctx context.Context, sessionKey string, c *call) (interface{}, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.dispatch",
		"dispatch.run",
		attribute.String("session_key", sessionKey),
		attribute.String("call_id", c.id),
	)
	defer span.End()

	value, err := c.op(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// QueuePosition returns the number of calls waiting behind the in-flight
// one. It is 0 when nothing is queued, whether or not a call is executing.
func (d *Dispatcher) QueuePosition(sessionKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.sessions[sessionKey]
	if !ok {
		return 0
	}
	return len(st.queue)
}

// IsProcessing reports whether a call for sessionKey is currently executing.
func (d *Dispatcher) IsProcessing(sessionKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.sessions[sessionKey]
	return ok && st.processing
}

// ClearQueue rejects every waiting call for sessionKey with ErrQueueCleared
// and returns the number discarded. The in-flight call is unaffected.
func (d *Dispatcher) ClearQueue(sessionKey string) int {
	d.mu.Lock()
	st, ok := d.sessions[sessionKey]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	discarded := st.queue
	st.queue = nil
	d.mu.Unlock()

	for _, c := range discarded {
		c.result <- outcome{err: ErrQueueCleared}
		close(c.result)
	}

	count := len(discarded)
	if count > 0 {
		log.Info().Str("session_key", sessionKey).Int("cleared", count).Msg("queue cleared")
		observability.RecordQueueCleared(count)
	}
	observability.SetQueueDepth(sessionKey, 0)

	d.emit(Event{
		Type:    EventCleared,
		Session: sessionKey,
		Data: map[string]interface{}{
			"cleared": count,
		},
	})

	return count
}

// SessionStats is a point-in-time view of one session's queue.
type SessionStats struct {
	Depth      int  `json:"depth"`
	Processing bool `json:"processing"`
	Cancelled  bool `json:"cancelled"`
}

// Stats returns per-session queue statistics for every known session key.
func (d *Dispatcher) Stats() map[string]SessionStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := make(map[string]SessionStats, len(d.sessions))
	for key, st := range d.sessions {
		stats[key] = SessionStats{
			Depth:      len(st.queue),
			Processing: st.processing,
			Cancelled:  st.cancelled,
		}
	}
	return stats
}

// WaitForIdle blocks until no session has queued or in-flight work, or the
// timeout elapses. It reports whether the dispatcher drained in time.
func (d *Dispatcher) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		d.mu.Lock()
		for _, st := range d.sessions {
			if st.processing || len(st.queue) > 0 {
				idle = false
				break
			}
		}
		d.mu.Unlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("timeout waiting for dispatcher to drain")
			return false
		}
		<-ticker.C
	}
}

// Close cancels all in-flight run contexts and waits for the drain loops
// to finish. Queued calls still settle (their operations observe the
// cancelled context).
func (d *Dispatcher) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type.
func (d *Dispatcher) On(eventType string, handler EventHandler) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()
	d.eventHandlers[eventType] = append(d.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type.
func (d *Dispatcher) Off(eventType string) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()
	delete(d.eventHandlers, eventType)
}

func (d *Dispatcher) emit(event Event) {
	d.eventMu.RLock()
	handlers := d.eventHandlers[event.Type]
	d.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
