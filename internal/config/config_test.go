package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv() []string { return nil }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{Environ: noEnv})
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, 150*time.Millisecond, cfg.Client.Throttle)
	assert.Equal(t, 200*time.Millisecond, cfg.Client.Debounce)
}

func TestLoad_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nbcopilot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[client]
backend_url = "ws://file:1/ws"
throttle = "300ms"

[bridge]
addr = ":7000"
completer = "static"

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(Options{
		File: path,
		Environ: func() []string {
			return []string{
				"NBCOPILOT_CLIENT__BACKEND_URL=ws://env:2/ws",
				"NBCOPILOT_CLIENT__DEBOUNCE=250ms",
				"NBCOPILOT_BRIDGE__ADDR=:7100",
				"OTHER_VAR=ignored",
			}
		},
		Overrides: map[string]any{"bridge.addr": ":7200"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ws://env:2/ws", cfg.Client.BackendURL, "env beats file")
	assert.Equal(t, 300*time.Millisecond, cfg.Client.Throttle, "file beats defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Debounce)
	assert.Equal(t, ":7200", cfg.Bridge.Addr, "overrides beat env")
	assert.Equal(t, "static", cfg.Bridge.Completer)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 256, cfg.Client.QueueSize, "untouched keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.toml"), Environ: noEnv})
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]any{
		"empty url":         {"client.backend_url": ""},
		"unknown completer": {"bridge.completer": "magic"},
		"zero throttle":     {"client.throttle": "0s"},
	}
	for name, overrides := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(Options{Overrides: overrides, Environ: noEnv})
			assert.Error(t, err)
		})
	}
}

func TestRuntime(t *testing.T) {
	r := NewRuntime(true, false)
	assert.False(t, r.CompletionsEnabled())

	r.SetAuthenticated(true)
	assert.True(t, r.CompletionsEnabled())

	r.SetEnabled(false)
	assert.False(t, r.CompletionsEnabled())
}
