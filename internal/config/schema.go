package config

import (
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON Schema for the on-disk config file. It catches
// structural mistakes (wrong types, unknown providers) before unmarshal.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "telegram": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "bot_token": {"type": "string"},
        "allowlist": {"type": "array", "items": {"type": "integer"}},
        "queue_notices": {"type": "boolean"},
        "typing_actions": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "ai": {
      "type": "object",
      "properties": {
        "profiles": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "id": {"type": "string"},
              "provider": {"type": "string", "enum": ["anthropic", "openai"]},
              "api_key": {"type": "string"},
              "model": {"type": "string"},
              "priority": {"type": "integer"}
            },
            "required": ["id", "provider", "api_key"],
            "additionalProperties": false
          }
        },
        "model": {"type": "string"},
        "max_tokens": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "session": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"},
        "idle_reset_minutes": {"type": "integer", "minimum": 0},
        "daily_reset_cron": {"type": "string"},
        "cache_size": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "gateway": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "host": {"type": "string"},
        "shared_secret": {"type": "string"}
      },
      "additionalProperties": false
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "data_dir": {"type": "string"}
  },
  "additionalProperties": false
}`

// ValidateFile checks the raw config file against the JSON Schema and
// returns one error per violation.
func ValidateFile(path string) []error {
	data, err := os.ReadFile(path)
	if err != nil {
		return []error{fmt.Errorf("failed to read config file: %w", err)}
	}
	return ValidateJSON(data)
}

// ValidateJSON checks raw config JSON against the schema.
func ValidateJSON(data []byte) []error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return []error{fmt.Errorf("schema validation failed: %w", err)}
	}

	if result.Valid() {
		return nil
	}

	errs := make([]error, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Errorf("config %s: %s", desc.Field(), desc.Description()))
	}
	return errs
}
