package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soren/mika/pkg/dispatch"
	"github.com/soren/mika/pkg/session"
)

// fakeProvider returns a scripted response or error, optionally blocking
// until released.
type fakeProvider struct {
	name     string
	response string
	err      error
	release  <-chan struct{}
	started  chan<- struct{}

	mu         sync.Mutex
	calls      int
	interrupts int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Call(ctx context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &Response{
		Content: p.response,
		Usage:   &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// interruptibleProvider also supports cooperative interruption.
type interruptibleProvider struct {
	fakeProvider
}

func (p *interruptibleProvider) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
	return nil
}

func (p *interruptibleProvider) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

// fakeFactory maps profile IDs to canned providers.
type fakeFactory struct {
	providers map[string]Provider
}

func (f *fakeFactory) NewProvider(profile AuthProfile) (Provider, error) {
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, errors.New("unknown profile")
	}
	return p, nil
}

func newTestRunner(t *testing.T, factory ProviderCreator, profiles ...AuthProfile) (*Runner, *session.Manager, *dispatch.Dispatcher) {
	t.Helper()

	sm, err := session.New(t.TempDir(), 8)
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	d := dispatch.New()
	t.Cleanup(func() { d.Close() })

	if len(profiles) == 0 {
		profiles = []AuthProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test"}}
	}

	r, err := NewRunner(Config{
		Sessions:        sm,
		Dispatcher:      d,
		Logger:          zerolog.Nop(),
		AuthProfiles:    profiles,
		ProviderFactory: factory,
	})
	require.NoError(t, err)
	return r, sm, d
}

func testParams(sessionKey, prompt string) RunParams {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	return RunParams{Prompt: prompt, SessionKey: sessionKey, Config: cfg}
}

func TestRunner_SuccessfulTurn(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", response: "hello back"}
	r, sm, _ := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": provider}})

	result, err := r.Run(context.Background(), testParams("tg:1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello back", result.Response)
	assert.Equal(t, "tg:1", result.SessionKey)
	assert.False(t, result.Aborted)

	// Both sides of the turn are persisted.
	entries, err := sm.Load(context.Background(), "tg:1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Message.Role)
	assert.Equal(t, "hello", entries[0].Message.Content)
	assert.Equal(t, "assistant", entries[1].Message.Role)

	// Usage and sticky profile are cached.
	usage, ok := sm.LastUsage("tg:1")
	require.True(t, ok)
	assert.Equal(t, 10, usage.InputTokens)

	handle, ok := sm.Handle("tg:1")
	require.True(t, ok)
	assert.Equal(t, "main", handle)
}

func TestRunner_HistoryFlowsIntoNextTurn(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", response: "ok"}
	r, sm, _ := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": provider}})

	ctx := context.Background()
	_, err := r.Run(ctx, testParams("tg:1", "first"))
	require.NoError(t, err)
	_, err = r.Run(ctx, testParams("tg:1", "second"))
	require.NoError(t, err)

	entries, err := sm.Load(ctx, "tg:1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRunner_FailoverToNextProfile(t *testing.T) {
	broken := &fakeProvider{name: "anthropic", err: errors.New("503 service unavailable")}
	working := &fakeProvider{name: "openai", response: "from backup"}

	r, _, _ := newTestRunner(t,
		&fakeFactory{providers: map[string]Provider{"primary": broken, "backup": working}},
		AuthProfile{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 0},
		AuthProfile{ID: "backup", Provider: "openai", APIKey: "sk-x", Priority: 1},
	)

	result, err := r.Run(context.Background(), testParams("tg:1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Response)
	assert.Equal(t, 1, broken.Calls())
	assert.Equal(t, 1, working.Calls())
}

func TestRunner_StickyProfileTriedFirst(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", response: "from primary"}
	backup := &fakeProvider{name: "openai", response: "from backup"}

	r, sm, _ := newTestRunner(t,
		&fakeFactory{providers: map[string]Provider{"primary": primary, "backup": backup}},
		AuthProfile{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 0},
		AuthProfile{ID: "backup", Provider: "openai", APIKey: "sk-x", Priority: 1},
	)

	// The session last succeeded on the lower-priority backup.
	sm.RememberHandle("tg:1", "backup")

	result, err := r.Run(context.Background(), testParams("tg:1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Response)
	assert.Equal(t, 0, primary.Calls())
}

func TestRunner_NonRetryableErrorPropagates(t *testing.T) {
	broken := &fakeProvider{name: "anthropic", err: errors.New("invalid api key")}
	backup := &fakeProvider{name: "openai", response: "never reached"}

	r, _, _ := newTestRunner(t,
		&fakeFactory{providers: map[string]Provider{"primary": broken, "backup": backup}},
		AuthProfile{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 0},
		AuthProfile{ID: "backup", Provider: "openai", APIKey: "sk-x", Priority: 1},
	)

	_, err := r.Run(context.Background(), testParams("tg:1", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 0, backup.Calls())
}

func TestRunner_CancelledTurnReportsAborted(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	provider := &fakeProvider{
		name:     "anthropic",
		err:      errors.New("connection reset by peer"),
		started:  started,
		release:  release,
	}
	r, _, d := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": provider}})

	done := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := r.Run(context.Background(), testParams("tg:1", "long question"))
		done <- result
		errCh <- err
	}()
	<-started

	require.True(t, d.CancelRequest(context.Background(), "tg:1"))
	close(release)

	select {
	case result := <-done:
		// The provider error is swallowed: the user asked to stop.
		assert.True(t, result.Aborted)
		assert.NoError(t, <-errCh)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not settle")
	}
}

func TestRunner_InterruptibleProviderGetsBound(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	provider := &interruptibleProvider{fakeProvider: fakeProvider{
		name:     "anthropic",
		response: "partial answer",
		started:  started,
		release:  release,
	}}
	r, _, d := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": provider}})

	done := make(chan Result, 1)
	go func() {
		result, _ := r.Run(context.Background(), testParams("tg:1", "hi"))
		done <- result
	}()
	<-started

	// Soft cancel goes through the provider's cooperative handle.
	require.True(t, d.CancelRequest(context.Background(), "tg:1"))
	assert.Equal(t, 1, provider.Interrupts())

	close(release)
	select {
	case result := <-done:
		assert.True(t, result.Aborted)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not settle")
	}
}

func TestRunner_TurnsSerializePerSession(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := &fakeProvider{name: "anthropic", response: "slow", started: started, release: release}
	r, _, _ := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": slow}})

	go func() {
		_, _ = r.Run(context.Background(), testParams("tg:1", "first"))
	}()
	<-started

	go func() {
		_, _ = r.Run(context.Background(), testParams("tg:1", "second"))
	}()

	deadline := time.Now().Add(time.Second)
	for r.QueuePosition("tg:1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second turn never queued")
		}
		time.Sleep(time.Millisecond)
	}

	assert.True(t, r.IsRunning("tg:1"))
	assert.Equal(t, 1, slow.Calls(), "second turn must wait for the first")

	close(release)
}

func TestRunner_ValidatesConfig(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", response: "x"}
	r, _, _ := newTestRunner(t, &fakeFactory{providers: map[string]Provider{"main": provider}})

	params := testParams("tg:1", "hi")
	params.Config.Model = ""
	_, err := r.Run(context.Background(), params)
	assert.Error(t, err)

	params = testParams("tg:1", "hi")
	params.Config.Temperature = 1.5
	_, err = r.Run(context.Background(), params)
	assert.Error(t, err)
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.Error(t, err)
}
