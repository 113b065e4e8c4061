// Package config loads the agentdeck server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all server settings. Zero values are filled with
// defaults by Parse.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int `json:"port"`

	// DatabasePath is the SQLite file location. An explicit empty string
	// ("none") selects the file-per-session fallback store instead.
	DatabasePath string `json:"databasePath"`

	// DataDir is the root for file-fallback session documents.
	DataDir string `json:"dataDir"`

	// StaticDir, when set, is served at / for the browser UI bundle.
	StaticDir string `json:"staticDir"`

	// Command and Args launch the assistant process for each session.
	Command string   `json:"command"`
	Args    []string `json:"args"`

	// TerminalCols and TerminalRows size each session's PTY.
	TerminalCols uint16 `json:"terminalCols"`
	TerminalRows uint16 `json:"terminalRows"`

	// OutputBufferSize is the batch size that forces a synchronous
	// output flush; FlushIntervalMs is the idle flush deadline.
	OutputBufferSize int `json:"outputBufferSize"`
	FlushIntervalMs  int `json:"flushIntervalMs"`

	// PersistIntervalSec is the whole-session durability sweep interval.
	PersistIntervalSec int `json:"persistIntervalSec"`
}

// Parse reads the JSON config file named by AGENTDECK_CONFIG (default
// "agentdeck.json"). A missing file is not an error: defaults apply.
func Parse() (*Config, error) {
	path := os.Getenv("AGENTDECK_CONFIG")
	if path == "" {
		path = "agentdeck.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	dataDir := ".agentdeck"
	if err == nil {
		dataDir = filepath.Join(home, ".agentdeck")
	}

	return &Config{
		Port:               8420,
		DatabasePath:       filepath.Join(dataDir, "agentdeck.db"),
		DataDir:            dataDir,
		Command:            "claude",
		Args:               []string{"--output-format", "stream-json", "--verbose"},
		TerminalCols:       80,
		TerminalRows:       24,
		OutputBufferSize:   100,
		FlushIntervalMs:    100,
		PersistIntervalSec: 30,
	}
}
