package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfigFile(t *testing.T, path string) {
	t.Helper()

	previous := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = previous })
}

func TestConfigInitAndValidate(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mika.json")
	withConfigFile(t, configPath)

	out, err := executeCommand(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, configPath)

	out, err = executeCommand(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mika.json")
	withConfigFile(t, configPath)

	_, err := executeCommand(t, "config", "init")
	require.NoError(t, err)

	_, err = executeCommand(t, "config", "init")
	assert.Error(t, err)
}

func TestConfigValidate_MissingFile(t *testing.T) {
	withConfigFile(t, filepath.Join(t.TempDir(), "absent.json"))

	_, err := executeCommand(t, "config", "validate")
	assert.Error(t, err)
}
