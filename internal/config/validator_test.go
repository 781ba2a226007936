package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-api03-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("pk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "anthropic"))
}

func TestValidator_ValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdefGHI_jkl-MNO"))
	assert.Error(t, v.ValidateTelegramToken("not-a-token"))
	assert.Error(t, v.ValidateTelegramToken(""))
}

func TestValidator_ValidateCronExpr(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronExpr("0 4 * * *"))
	assert.NoError(t, v.ValidateCronExpr(""))
	assert.Error(t, v.ValidateCronExpr("4 * *"))
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	cfg := validConfig()
	assert.Empty(t, v.ValidateConfig(cfg))

	cfg.AI.Profiles[0].APIKey = "wrong-prefix"
	cfg.Logging.Level = "loud"
	cfg.Session.DailyResetCron = "bad cron"
	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}

func TestValidateJSON_Schema(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		raw := `{"ai": {"profiles": [{"id": "p", "provider": "anthropic", "api_key": "sk-ant-x"}]}}`
		assert.Empty(t, ValidateJSON([]byte(raw)))
	})

	t.Run("unknown provider", func(t *testing.T) {
		raw := `{"ai": {"profiles": [{"id": "p", "provider": "cohere", "api_key": "x"}]}}`
		assert.NotEmpty(t, ValidateJSON([]byte(raw)))
	})

	t.Run("unknown top-level field", func(t *testing.T) {
		raw := `{"webhook": {"enabled": true}}`
		assert.NotEmpty(t, ValidateJSON([]byte(raw)))
	})

	t.Run("wrong type", func(t *testing.T) {
		raw := `{"session": {"idle_reset_minutes": "soon"}}`
		assert.NotEmpty(t, ValidateJSON([]byte(raw)))
	})
}
