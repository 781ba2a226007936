package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soren/mika/internal/observability"
	"github.com/soren/mika/internal/tracing"
	"github.com/soren/mika/pkg/recency"
)

// Message represents a single conversation turn
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry represents a message with its session key
type Entry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// Usage captures the token accounting of the most recent completed turn.
type Usage struct {
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	At           time.Time `json:"at"`
}

// Manager manages conversation persistence using JSONL format. It also
// tracks per-session activity for idle resets and keeps two bounded
// recency caches: provider conversation handles and last-turn usage.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex

	activityMu sync.RWMutex
	activity   map[string]time.Time

	handles *recency.Cache[string, string]
	usage   *recency.Cache[string, Usage]
}

// New creates a new Manager rooted at sessionsDir. cacheSize bounds the
// handle and usage caches.
func New(sessionsDir string, cacheSize int) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".mika", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sm := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
		activity:    make(map[string]time.Time),
		handles:     recency.New[string, string](cacheSize),
		usage:       recency.New[string, Usage](cacheSize),
	}

	log.Info().Str("dir", sessionsDir).Msg("session manager initialized")
	sm.updateActiveSessionsMetric()

	return sm, nil
}

// validateSessionKey validates the session key for security
func (sm *Manager) validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// getSessionPath returns the file path for a session
func (sm *Manager) getSessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".jsonl")
}

func (sm *Manager) updateActiveSessionsMetric() {
	sessions, err := sm.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

// getWriteLock gets or creates a write lock for a session
func (sm *Manager) getWriteLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

func (sm *Manager) releaseWriteLock(sessionKey string) {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()
	delete(sm.writeLocks, sessionKey)
}

// Create creates a new session file if one does not already exist.
func (sm *Manager) Create(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.session",
		"session.create",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := sm.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	sessionPath := sm.getSessionPath(sessionKey)

	if _, err := os.Stat(sessionPath); err == nil {
		logger.Debug().Msg("session already exists")
		return nil
	}

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	sm.updateActiveSessionsMetric()
	logger.Info().Msg("session created")

	return nil
}

// Append appends a message to a session, creating the session if needed.
func (sm *Manager) Append(ctx context.Context, sessionKey string, message Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", message.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sessionPath := sm.getSessionPath(sessionKey)

	if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
		if err := sm.Create(ctx, sessionKey); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	file, err := os.OpenFile(sessionPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		SessionKey: sessionKey,
		Message:    message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	sm.MarkActivity(sessionKey)

	logger.Debug().
		Str("role", message.Role).
		Msg("message appended")

	return nil
}

// Load loads all messages from a session. A session that does not exist
// yields an empty slice, not an error.
func (sm *Manager) Load(ctx context.Context, sessionKey string) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := sm.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sessionPath := sm.getSessionPath(sessionKey)

	if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
		logger.Debug().Msg("session does not exist")
		return []Entry{}, nil
	}

	file, err := os.Open(sessionPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("failed to parse line, skipping")
			continue
		}

		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().
				Int("line", lineNum).
				Msg("invalid entry, skipping")
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Int("messages", len(entries)).
		Msg("session loaded")

	return entries, nil
}

// Clear deletes a session file and drops all cached state for the key:
// the provider handle, the last usage and the activity timestamp.
func (sm *Manager) Clear(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mika.session",
		"session.clear",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := sm.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Wait for any in-progress writes
	lock := sm.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sessionPath := sm.getSessionPath(sessionKey)

	if err := os.Remove(sessionPath); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	sm.handles.Delete(sessionKey)
	sm.usage.Delete(sessionKey)

	sm.activityMu.Lock()
	delete(sm.activity, sessionKey)
	sm.activityMu.Unlock()

	sm.releaseWriteLock(sessionKey)
	sm.updateActiveSessionsMetric()

	logger.Info().Msg("session cleared")

	return nil
}

// List lists all available session keys.
func (sm *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Info returns metadata about a session
func (sm *Manager) Info(sessionKey string) (map[string]interface{}, error) {
	if err := sm.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	sessionPath := sm.getSessionPath(sessionKey)

	info, err := os.Stat(sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := sm.Load(context.Background(), sessionKey)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"size":         info.Size(),
		"lastModified": info.ModTime(),
		"messageCount": len(entries),
	}, nil
}

// MarkActivity records now as the session's last activity.
func (sm *Manager) MarkActivity(sessionKey string) {
	sm.activityMu.Lock()
	sm.activity[sessionKey] = time.Now()
	sm.activityMu.Unlock()
}

// LastActivity returns the session's last recorded activity time.
func (sm *Manager) LastActivity(sessionKey string) (time.Time, bool) {
	sm.activityMu.RLock()
	defer sm.activityMu.RUnlock()

	t, ok := sm.activity[sessionKey]
	return t, ok
}

// IdleSessions returns the keys whose last activity is older than idleAfter.
func (sm *Manager) IdleSessions(idleAfter time.Duration) []string {
	cutoff := time.Now().Add(-idleAfter)

	sm.activityMu.RLock()
	defer sm.activityMu.RUnlock()

	var idle []string
	for key, last := range sm.activity {
		if last.Before(cutoff) {
			idle = append(idle, key)
		}
	}
	return idle
}

// RememberHandle caches the provider conversation handle for a session.
func (sm *Manager) RememberHandle(sessionKey, handle string) {
	sm.handles.Set(sessionKey, handle)
}

// Handle returns the cached provider conversation handle, if any.
func (sm *Manager) Handle(sessionKey string) (string, bool) {
	return sm.handles.Get(sessionKey)
}

// ForgetHandle drops the cached provider conversation handle.
func (sm *Manager) ForgetHandle(sessionKey string) {
	sm.handles.Delete(sessionKey)
}

// RecordUsage caches the token usage of the session's latest turn.
func (sm *Manager) RecordUsage(sessionKey string, u Usage) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	sm.usage.Set(sessionKey, u)
}

// LastUsage returns the cached usage of the session's latest turn, if any.
func (sm *Manager) LastUsage(sessionKey string) (Usage, bool) {
	return sm.usage.Get(sessionKey)
}

// Close closes the session manager
func (sm *Manager) Close() error {
	sm.locksMu.Lock()
	sm.writeLocks = make(map[string]*sync.Mutex)
	sm.locksMu.Unlock()

	log.Info().Msg("session manager closed")

	return nil
}
