package agent

import "strings"

// RunParams contains input parameters for one agent turn
type RunParams struct {
	Prompt     string    `json:"prompt"`
	SessionKey string    `json:"session_key"`
	Config     RunConfig `json:"config"`
}

// RunConfig configures agent behavior
type RunConfig struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
}

// Result contains output from one agent turn
type Result struct {
	Response   string      `json:"response"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	SessionKey string      `json:"session_key"`
	Aborted    bool        `json:"aborted,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	Model         string `json:"model,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() RunConfig {
	return RunConfig{
		Model:       "claude-sonnet-4",
		Temperature: 0.7,
		MaxTokens:   4096,
		MaxRetries:  3,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "timeout") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token per 4 characters
	return (totalChars + 3) / 4
}
