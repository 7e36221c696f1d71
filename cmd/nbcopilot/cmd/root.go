package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/matthewbaird/nbcopilot/internal/config"
	"github.com/matthewbaird/nbcopilot/internal/logging"
)

// NewApp creates the CLI application
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "nbcopilot",
		Usage: "Inline code completion for notebooks",
		Description: `nbcopilot keeps a completion backend in sync with an open notebook and
fetches inline suggestions at the cursor.

Examples:
  nbcopilot serve --root ~/notebooks
  nbcopilot complete --cell 2 --line 0 --column 4 analysis.ipynb`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: trace, debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: text, json",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			completeCommand(),
		},
	}
}

// Execute runs the CLI application until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewApp().Run(ctx, os.Args)
}

// setup loads configuration with the global flags and the command's own
// overrides applied last, and builds the logger.
func setup(cmd *cli.Command, overrides map[string]any) (*config.Config, *logrus.Logger, error) {
	if overrides == nil {
		overrides = make(map[string]any)
	}
	if v := cmd.String("log-level"); v != "" {
		overrides["log.level"] = v
	}
	if v := cmd.String("log-format"); v != "" {
		overrides["log.format"] = v
	}

	cfg, err := config.Load(config.Options{File: cmd.String("config"), Overrides: overrides})
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log, cmd.Root().ErrWriter)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// setIf records a flag's value as an override only when the user set it.
func setIf(cmd *cli.Command, overrides map[string]any, flag, key string, value any) {
	if cmd.IsSet(flag) {
		overrides[key] = value
	}
}
