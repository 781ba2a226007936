package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submitAsync submits op on its own goroutine and returns a channel that
// yields the settled result.
func submitAsync(d *Dispatcher, sessionKey string, op Operation) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), sessionKey, "test", op)
		done <- err
	}()
	return done
}

// blockingOp returns an operation that signals when it starts and blocks
// until release is closed.
func blockingOp(started chan<- struct{}, release <-chan struct{}) Operation {
	return func(ctx context.Context) (interface{}, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}
}

func waitProcessing(t *testing.T, d *Dispatcher, sessionKey string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !d.IsProcessing(sessionKey) {
		if time.Now().After(deadline) {
			t.Fatalf("session %q never started processing", sessionKey)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitSettled(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("call did not settle in time")
		return nil
	}
}

func TestDispatcher_BasicSubmit(t *testing.T) {
	d := New()
	defer d.Close()

	executed := false
	result, err := d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestDispatcher_OperationErrorPropagatesVerbatim(t *testing.T) {
	d := New()
	defer d.Close()

	wantErr := errors.New("provider exploded")
	_, err := d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})

	assert.Equal(t, wantErr, err)

	// A failed call does not poison the session: the next one runs normally.
	result, err := d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestDispatcher_FIFOOrderPerSession(t *testing.T) {
	d := New()
	defer d.Close()

	var mu sync.Mutex
	var order []string
	releases := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
		"C": make(chan struct{}),
	}

	var dones []<-chan error
	for i, name := range []string{"A", "B", "C"} {
		name := name
		dones = append(dones, submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			<-releases[name]
			return nil, nil
		}))
		// Wait until this call is visibly enqueued (A in flight, the rest
		// waiting behind it) so arrival order is fixed before the next submit.
		waitProcessing(t, d, "tg:1")
		deadline := time.Now().Add(time.Second)
		for d.QueuePosition("tg:1") != i {
			if time.Now().After(deadline) {
				t.Fatalf("call %s never reached queue position %d", name, i)
			}
			time.Sleep(time.Millisecond)
		}
	}

	// Only A has started; release them one by one.
	mu.Lock()
	assert.Equal(t, []string{"A"}, order)
	mu.Unlock()

	close(releases["A"])
	require.NoError(t, waitSettled(t, dones[0]))

	close(releases["B"])
	require.NoError(t, waitSettled(t, dones[1]))

	close(releases["C"])
	require.NoError(t, waitSettled(t, dones[2]))

	mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
	mu.Unlock()
}

func TestDispatcher_CrossSessionIndependence(t *testing.T) {
	d := New()
	defer d.Close()

	started1 := make(chan struct{}, 1)
	started2 := make(chan struct{}, 1)
	release := make(chan struct{})

	done1 := submitAsync(d, "tg:1", blockingOp(started1, release))
	done2 := submitAsync(d, "tg:2", blockingOp(started2, release))

	<-started1
	<-started2

	// Both sessions are in flight at the same time.
	assert.True(t, d.IsProcessing("tg:1"))
	assert.True(t, d.IsProcessing("tg:2"))

	close(release)
	assert.NoError(t, waitSettled(t, done1))
	assert.NoError(t, waitSettled(t, done2))
}

func TestDispatcher_MutualExclusionPerKey(t *testing.T) {
	d := New()
	defer d.Close()

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	done1 := submitAsync(d, "tg:1", blockingOp(started, release))
	<-started

	secondStarted := false
	var mu sync.Mutex
	done2 := submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		secondStarted = true
		mu.Unlock()
		return nil, nil
	})

	// Give the second call ample opportunity to (incorrectly) start.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if d.QueuePosition("tg:1") == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.True(t, d.IsProcessing("tg:1"))
	assert.Equal(t, 1, d.QueuePosition("tg:1"))
	mu.Lock()
	assert.False(t, secondStarted, "second call must not start while the first is in flight")
	mu.Unlock()

	close(release)
	assert.NoError(t, waitSettled(t, done1))
	assert.NoError(t, waitSettled(t, done2))

	mu.Lock()
	assert.True(t, secondStarted)
	mu.Unlock()
}

func TestDispatcher_QueuePositionIdle(t *testing.T) {
	d := New()
	defer d.Close()

	assert.Equal(t, 0, d.QueuePosition("tg:unknown"))
	assert.False(t, d.IsProcessing("tg:unknown"))
}

func TestDispatcher_ClearQueueDiscardsOnlyPending(t *testing.T) {
	d := New()
	defer d.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	inflight := submitAsync(d, "tg:1", blockingOp(started, release))
	<-started

	queued1 := submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	queued2 := submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	deadline := time.Now().Add(time.Second)
	for d.QueuePosition("tg:1") != 2 {
		if time.Now().After(deadline) {
			t.Fatal("queued calls never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	cleared := d.ClearQueue("tg:1")
	assert.Equal(t, 2, cleared)

	assert.ErrorIs(t, waitSettled(t, queued1), ErrQueueCleared)
	assert.ErrorIs(t, waitSettled(t, queued2), ErrQueueCleared)

	// The in-flight call still settles normally.
	assert.True(t, d.IsProcessing("tg:1"))
	close(release)
	assert.NoError(t, waitSettled(t, inflight))
	assert.Equal(t, 0, d.QueuePosition("tg:1"))
}

func TestDispatcher_ClearQueueEmpty(t *testing.T) {
	d := New()
	defer d.Close()

	assert.Equal(t, 0, d.ClearQueue("tg:nothing"))
}

func TestDispatcher_NextCallStartsAfterClear(t *testing.T) {
	d := New()
	defer d.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	inflight := submitAsync(d, "tg:1", blockingOp(started, release))
	<-started

	queued := submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	deadline := time.Now().Add(time.Second)
	for d.QueuePosition("tg:1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued call never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	d.ClearQueue("tg:1")
	assert.ErrorIs(t, waitSettled(t, queued), ErrQueueCleared)

	close(release)
	assert.NoError(t, waitSettled(t, inflight))

	// The session remains fully usable after a clear.
	result, err := d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return "fresh", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "fresh", result)
}

func TestDispatcher_Stats(t *testing.T) {
	d := New()
	defer d.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	done := submitAsync(d, "tg:1", blockingOp(started, release))
	<-started

	stats := d.Stats()
	assert.Contains(t, stats, "tg:1")
	assert.True(t, stats["tg:1"].Processing)
	assert.Equal(t, 0, stats["tg:1"].Depth)

	close(release)
	assert.NoError(t, waitSettled(t, done))
}

func TestDispatcher_WaitForIdle(t *testing.T) {
	d := New()
	defer d.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	done := submitAsync(d, "tg:1", blockingOp(started, release))
	<-started

	assert.False(t, d.WaitForIdle(50*time.Millisecond))

	close(release)
	assert.NoError(t, waitSettled(t, done))
	assert.True(t, d.WaitForIdle(time.Second))
}

func TestDispatcher_CloseCancelsInFlight(t *testing.T) {
	d := New()

	started := make(chan struct{}, 1)
	done := submitAsync(d, "tg:1", func(ctx context.Context) (interface{}, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	require.NoError(t, d.Close())
	assert.ErrorIs(t, waitSettled(t, done), context.Canceled)
}

func TestDispatcher_Events(t *testing.T) {
	d := New()
	defer d.Close()

	var mu sync.Mutex
	var events []Event
	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	d.On(EventEnqueued, record)
	d.On(EventStarted, record)
	d.On(EventCompleted, record)

	_, err := d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	types := make([]string, 0, len(events))
	for _, e := range events {
		assert.Equal(t, "tg:1", e.Session)
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventEnqueued)
	assert.Contains(t, types, EventStarted)
	assert.Contains(t, types, EventCompleted)
}

func TestDispatcher_EventOff(t *testing.T) {
	d := New()
	defer d.Close()

	var mu sync.Mutex
	count := 0
	d.On(EventEnqueued, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, _ = d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	d.Off(EventEnqueued)
	_, _ = d.Submit(context.Background(), "tg:1", "turn", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	mu.Lock()
	assert.Equal(t, 1, count, "no events after Off")
	mu.Unlock()
}
