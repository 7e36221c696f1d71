package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/matthewbaird/nbcopilot/internal/bridge"
	"github.com/matthewbaird/nbcopilot/internal/copilot"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the completion backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory notebook paths are resolved against",
			},
			&cli.StringFlag{
				Name:  "completer",
				Usage: "Completion engine: copilot, static",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			overrides := make(map[string]any)
			setIf(cmd, overrides, "addr", "bridge.addr", cmd.String("addr"))
			setIf(cmd, overrides, "root", "bridge.root", cmd.String("root"))
			setIf(cmd, overrides, "completer", "bridge.completer", cmd.String("completer"))

			cfg, log, err := setup(cmd, overrides)
			if err != nil {
				return err
			}

			var completer bridge.Completer
			switch cfg.Bridge.Completer {
			case "static":
				completer = bridge.NewStatic()
			default:
				client, err := copilot.Start(ctx, copilot.Options{
					Dial:           copilot.CommandDialer(cfg.Bridge.Command[0], cfg.Bridge.Command[1:]...),
					RequestTimeout: cfg.Bridge.CompletionTimeout,
					MaxRestarts:    cfg.Bridge.MaxRestarts,
					Logger:         log,
				})
				if err != nil {
					return fmt.Errorf("starting language server: %w", err)
				}
				defer client.Shutdown()
				completer = client
			}

			srv := bridge.New(completer, bridge.Options{
				BasePath:          cfg.Bridge.BasePath,
				Root:              cfg.Bridge.Root,
				CompletionTimeout: cfg.Bridge.CompletionTimeout,
				Logger:            log,
				Metrics:           metrics.New(),
			})
			return srv.Run(ctx, cfg.Bridge.Addr)
		},
	}
}
