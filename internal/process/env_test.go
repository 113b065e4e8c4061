package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCutEnv(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		wantKey string
		wantVal string
		wantOk  bool
	}{
		{name: "standard key=value pair", entry: "FOO=bar", wantKey: "FOO", wantVal: "bar", wantOk: true},
		{name: "key with empty value", entry: "EMPTY=", wantKey: "EMPTY", wantVal: "", wantOk: true},
		{name: "value containing equals signs", entry: "PATH=/usr/bin:/bin", wantKey: "PATH", wantVal: "/usr/bin:/bin", wantOk: true},
		{name: "key only without equals", entry: "NOEQUALS", wantKey: "NOEQUALS", wantVal: "", wantOk: false},
		{name: "empty string", entry: "", wantKey: "", wantVal: "", wantOk: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, val, ok := cutEnv(tt.entry)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantVal, val)
			assert.Equal(t, tt.wantOk, ok)
		})
	}
}

func TestBuildEnv(t *testing.T) {
	t.Run("no extras returns ambient environment", func(t *testing.T) {
		t.Setenv("AGENTDECK_TEST_VAR", "original")
		env := buildEnv(nil)
		assert.Contains(t, env, "AGENTDECK_TEST_VAR=original")
	})

	t.Run("extras override ambient entries", func(t *testing.T) {
		t.Setenv("AGENTDECK_TEST_VAR", "original")
		env := buildEnv(map[string]string{"AGENTDECK_TEST_VAR": "override"})
		assert.Contains(t, env, "AGENTDECK_TEST_VAR=override")
		assert.NotContains(t, env, "AGENTDECK_TEST_VAR=original")
	})

	t.Run("extras add new entries", func(t *testing.T) {
		env := buildEnv(map[string]string{"AGENTDECK_NEW_VAR": "value"})
		assert.Contains(t, env, "AGENTDECK_NEW_VAR=value")
	})
}
