// Package config loads nbcopilot's settings.
//
// Layers, lowest precedence first: built-in defaults, an optional TOML file,
// NBCOPILOT_* environment variables, and command-line overrides. Nested keys
// use a double underscore in the environment, e.g.
// NBCOPILOT_CLIENT__BACKEND_URL sets client.backend_url.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/matthewbaird/nbcopilot/internal/logging"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "NBCOPILOT_"

// Config is the full configuration tree.
type Config struct {
	Client ClientConfig   `koanf:"client"`
	Bridge BridgeConfig   `koanf:"bridge"`
	Log    logging.Config `koanf:"log"`
}

// ClientConfig drives the editor-side sessions.
type ClientConfig struct {
	BackendURL     string        `koanf:"backend_url"`
	Enabled        bool          `koanf:"enabled"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	Throttle       time.Duration `koanf:"throttle"`
	Debounce       time.Duration `koanf:"debounce"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	QueueSize      int           `koanf:"queue_size"`
}

// BridgeConfig drives the backend server.
type BridgeConfig struct {
	Addr              string        `koanf:"addr"`
	BasePath          string        `koanf:"base_path"`
	Root              string        `koanf:"root"`
	Completer         string        `koanf:"completer"` // "copilot" or "static"
	Command           []string      `koanf:"command"`
	MaxRestarts       uint          `koanf:"max_restarts"`
	CompletionTimeout time.Duration `koanf:"completion_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Client: ClientConfig{
			BackendURL:     "ws://localhost:8888/jupyter-copilot/ws",
			Enabled:        true,
			RequestTimeout: 10 * time.Second,
			Throttle:       150 * time.Millisecond,
			Debounce:       200 * time.Millisecond,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			QueueSize:      256,
		},
		Bridge: BridgeConfig{
			Addr:              ":8888",
			BasePath:          "/jupyter-copilot",
			Root:              ".",
			Completer:         "copilot",
			Command:           []string{"node", "dist/language-server.js", "--stdio"},
			MaxRestarts:       5,
			CompletionTimeout: 10 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// Options selects the optional layers.
type Options struct {
	// File is a TOML file path. Empty skips the file layer.
	File string
	// Overrides are dotted keys applied last, e.g. {"bridge.addr": ":9000"}.
	Overrides map[string]any
	// Environ replaces os.Environ, for tests.
	Environ func() []string
}

// Load merges every layer and validates the result.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: %s: %w", opts.File, err)
		}
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
		EnvironFunc:   opts.Environ,
	}), nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("config: overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps NBCOPILOT_CLIENT__BACKEND_URL to client.backend_url.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	return strings.ReplaceAll(k, "__", "."), v
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Client.BackendURL == "":
		return fmt.Errorf("config: client.backend_url is required")
	case c.Client.Throttle <= 0 || c.Client.Debounce <= 0:
		return fmt.Errorf("config: client.throttle and client.debounce must be positive")
	case c.Client.RequestTimeout <= 0:
		return fmt.Errorf("config: client.request_timeout must be positive")
	}
	switch c.Bridge.Completer {
	case "copilot":
		if len(c.Bridge.Command) == 0 {
			return fmt.Errorf("config: bridge.command is required for the copilot completer")
		}
	case "static":
	default:
		return fmt.Errorf("config: unknown bridge.completer %q", c.Bridge.Completer)
	}
	return nil
}
