package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Mika configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Session persistence and reset policy
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled       bool    `json:"enabled" mapstructure:"enabled"`
	BotToken      string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist     []int64 `json:"allowlist" mapstructure:"allowlist"`
	QueueNotices  bool    `json:"queue_notices" mapstructure:"queue_notices"`
	TypingActions bool    `json:"typing_actions" mapstructure:"typing_actions"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles    []AIProfile `json:"profiles" mapstructure:"profiles"`
	Model       string      `json:"model" mapstructure:"model"`
	MaxTokens   int         `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64     `json:"temperature" mapstructure:"temperature"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SessionConfig holds session storage and reset settings
type SessionConfig struct {
	Dir              string `json:"dir" mapstructure:"dir"`
	IdleResetMinutes int    `json:"idle_reset_minutes" mapstructure:"idle_reset_minutes"`
	DailyResetCron   string `json:"daily_reset_cron" mapstructure:"daily_reset_cron"`
	CacheSize        int    `json:"cache_size" mapstructure:"cache_size"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Enabled:       true,
			Allowlist:     []int64{},
			QueueNotices:  true,
			TypingActions: true,
		},
		AI: AIConfig{
			Profiles:    []AIProfile{},
			Model:       "claude-sonnet-4",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Session: SessionConfig{
			IdleResetMinutes: 240,
			DailyResetCron:   "0 4 * * *",
			CacheSize:        64,
		},
		Gateway: GatewayConfig{
			Enabled:      false,
			Port:         8080,
			Host:         "0.0.0.0",
			SharedSecret: "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when Telegram is enabled")
	}

	if c.Session.IdleResetMinutes < 0 {
		return fmt.Errorf("session idle_reset_minutes must be >= 0")
	}
	if c.Session.CacheSize <= 0 {
		return fmt.Errorf("session cache_size must be positive")
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway shared_secret is required when gateway is enabled")
		}
	}

	return nil
}
