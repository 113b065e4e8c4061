package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AGENTDECK_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Port)
	assert.Equal(t, "claude", cfg.Command)
	assert.Equal(t, uint16(80), cfg.TerminalCols)
	assert.Equal(t, uint16(24), cfg.TerminalRows)
	assert.Equal(t, 100, cfg.OutputBufferSize)
}

func TestParse_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdeck.json")
	content := `{"port":9000,"command":"codex","args":["--json"],"terminalCols":120}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("AGENTDECK_CONFIG", path)

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "codex", cfg.Command)
	assert.Equal(t, []string{"--json"}, cfg.Args)
	assert.Equal(t, uint16(120), cfg.TerminalCols)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, uint16(24), cfg.TerminalRows)
	assert.Equal(t, 30, cfg.PersistIntervalSec)
}

func TestParse_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdeck.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":`), 0o644))
	t.Setenv("AGENTDECK_CONFIG", path)

	_, err := Parse()
	assert.Error(t, err)
}
