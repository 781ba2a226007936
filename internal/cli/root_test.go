package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := new(bytes.Buffer)
	root := GetRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "mika", root.Use)
	assert.Equal(t, version, root.Version)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	root := GetRootCmd()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}

	assert.True(t, names["start"])
	assert.True(t, names["stop"])
	assert.True(t, names["status"])
	assert.True(t, names["config"])
}

func TestVersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, "0.1.0", GetVersion())
}
