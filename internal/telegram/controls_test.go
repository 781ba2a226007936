package telegram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soren/mika/pkg/session"
)

// fakeQueue records control calls against the dispatcher.
type fakeQueue struct {
	processing bool
	depth      int

	cancelCalls []string
	resetCalls  []string
	clearCalls  []string
	clearReturn int
}

func (f *fakeQueue) CancelRequest(ctx context.Context, key string) bool {
	f.cancelCalls = append(f.cancelCalls, key)
	return f.processing
}

func (f *fakeQueue) ResetRequest(ctx context.Context, key string) bool {
	f.resetCalls = append(f.resetCalls, key)
	return f.processing
}

func (f *fakeQueue) ClearQueue(key string) int {
	f.clearCalls = append(f.clearCalls, key)
	return f.clearReturn
}

func (f *fakeQueue) QueuePosition(key string) int { return f.depth }
func (f *fakeQueue) IsProcessing(key string) bool { return f.processing }

// fakeStore records session clears.
type fakeStore struct {
	clearCalls []string
	clearErr   error
	info       map[string]interface{}
	usage      *session.Usage
}

func (f *fakeStore) Clear(ctx context.Context, key string) error {
	f.clearCalls = append(f.clearCalls, key)
	return f.clearErr
}

func (f *fakeStore) Info(key string) (map[string]interface{}, error) {
	if f.info == nil {
		return nil, assert.AnError
	}
	return f.info, nil
}

func (f *fakeStore) LastUsage(key string) (session.Usage, bool) {
	if f.usage == nil {
		return session.Usage{}, false
	}
	return *f.usage, true
}

func controlsFixture(t *testing.T, queue *fakeQueue, store *fakeStore) (*Commands, *sentRecorder) {
	t.Helper()
	bot, recorder := createTestBot(t)
	commands := NewCommands(bot)
	RegisterControls(commands, queue, store)
	return commands, recorder
}

func TestControls_StopWithRunningTask(t *testing.T) {
	queue := &fakeQueue{processing: true}
	commands, recorder := controlsFixture(t, queue, &fakeStore{})

	require.NoError(t, commands.HandleCommand(commandUpdate("/stop")))

	assert.Equal(t, []string{"tg:67890"}, queue.cancelCalls)
	assert.Contains(t, recorder.Last(), "stop")
}

func TestControls_StopWhenIdle(t *testing.T) {
	queue := &fakeQueue{processing: false}
	commands, recorder := controlsFixture(t, queue, &fakeStore{})

	require.NoError(t, commands.HandleCommand(commandUpdate("/stop")))
	assert.Contains(t, recorder.Last(), "Nothing is running")
}

func TestControls_ResetClearsEverything(t *testing.T) {
	queue := &fakeQueue{processing: true, clearReturn: 2}
	store := &fakeStore{}
	commands, recorder := controlsFixture(t, queue, store)

	require.NoError(t, commands.HandleCommand(commandUpdate("/reset")))

	// Queue is cleared before the in-flight call is torn down.
	assert.Equal(t, []string{"tg:67890"}, queue.clearCalls)
	assert.Equal(t, []string{"tg:67890"}, queue.resetCalls)
	assert.Equal(t, []string{"tg:67890"}, store.clearCalls)

	reply := recorder.Last()
	assert.Contains(t, reply, "Fresh start")
	assert.Contains(t, reply, "aborted")
	assert.Contains(t, reply, "2 queued")
}

func TestControls_ResetWhenIdle(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	commands, recorder := controlsFixture(t, queue, store)

	require.NoError(t, commands.HandleCommand(commandUpdate("/reset")))

	reply := recorder.Last()
	assert.Contains(t, reply, "Fresh start")
	assert.NotContains(t, reply, "aborted")
}

func TestControls_Queue(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		commands, recorder := controlsFixture(t, &fakeQueue{}, &fakeStore{})
		require.NoError(t, commands.HandleCommand(commandUpdate("/queue")))
		assert.Contains(t, recorder.Last(), "empty")
	})

	t.Run("running with backlog", func(t *testing.T) {
		commands, recorder := controlsFixture(t, &fakeQueue{processing: true, depth: 3}, &fakeStore{})
		require.NoError(t, commands.HandleCommand(commandUpdate("/queue")))
		assert.Contains(t, recorder.Last(), "3 message(s)")
	})
}

func TestControls_Status(t *testing.T) {
	queue := &fakeQueue{processing: true, depth: 1}
	store := &fakeStore{
		info:  map[string]interface{}{"messageCount": 6},
		usage: &session.Usage{Model: "claude-sonnet-4", InputTokens: 120, OutputTokens: 80},
	}
	commands, recorder := controlsFixture(t, queue, store)

	require.NoError(t, commands.HandleCommand(commandUpdate("/status")))

	reply := recorder.Last()
	assert.Contains(t, reply, "Working")
	assert.Contains(t, reply, "Queued messages: 1")
	assert.Contains(t, reply, "6 message(s)")
	assert.Contains(t, reply, "claude-sonnet-4")
}

func TestControls_HelpAndStart(t *testing.T) {
	commands, recorder := controlsFixture(t, &fakeQueue{}, &fakeStore{})

	require.NoError(t, commands.HandleCommand(commandUpdate("/help")))
	assert.Contains(t, recorder.Last(), "/stop")

	require.NoError(t, commands.HandleCommand(commandUpdate("/start")))
	assert.Contains(t, recorder.Last(), "agent")
}
