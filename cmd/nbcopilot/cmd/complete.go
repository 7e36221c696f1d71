package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/urfave/cli/v3"

	"github.com/matthewbaird/nbcopilot/internal/config"
	"github.com/matthewbaird/nbcopilot/internal/conn"
	"github.com/matthewbaird/nbcopilot/internal/notebook"
	"github.com/matthewbaird/nbcopilot/internal/scheduler"
	"github.com/matthewbaird/nbcopilot/internal/session"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// connectWait bounds how long complete waits for the backend socket.
const connectWait = 10 * time.Second

func completeCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "Sync notebooks with the backend and print suggestions at a cursor",
		ArgsUsage: "NOTEBOOK...",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cell", Usage: "Cell index (0-based)"},
			&cli.IntFlag{Name: "line", Usage: "Line within the cell (0-based)"},
			&cli.IntFlag{Name: "column", Usage: "Column within the line (0-based)"},
			&cli.StringFlag{
				Name:  "backend-url",
				Usage: "Backend WebSocket URL",
			},
			&cli.StringFlag{
				Name:  "document",
				Usage: "Document path reported to the backend (single NOTEBOOK only; defaults to NOTEBOOK)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: text, json",
				Value:   "text",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			files := cmd.Args().Slice()
			if len(files) == 0 {
				return errors.New("complete: NOTEBOOK argument is required")
			}
			if cmd.IsSet("document") && len(files) > 1 {
				return errors.New("complete: --document needs exactly one NOTEBOOK")
			}
			overrides := make(map[string]any)
			setIf(cmd, overrides, "backend-url", "client.backend_url", cmd.String("backend-url"))

			cfg, log, err := setup(cmd, overrides)
			if err != nil {
				return err
			}
			runtime := config.NewRuntime(cfg.Client.Enabled, true)
			if !runtime.CompletionsEnabled() {
				return errors.New("complete: completions are disabled (client.enabled)")
			}

			sessions := session.NewRegistry(session.Options{
				Conn: conn.Options{
					BaseURL:        cfg.Client.BackendURL,
					QueueSize:      cfg.Client.QueueSize,
					InitialBackoff: cfg.Client.InitialBackoff,
					MaxBackoff:     cfg.Client.MaxBackoff,
				},
				RequestTimeout: cfg.Client.RequestTimeout,
				Scheduler: scheduler.Options{
					Throttle: cfg.Client.Throttle,
					Debounce: cfg.Client.Debounce,
					Gate:     runtime,
				},
				Logger: log,
			})
			defer sessions.CloseAll()

			cursor := scheduler.Intent{
				Cell:   int(cmd.Int("cell")),
				Line:   int(cmd.Int("line")),
				Column: int(cmd.Int("column")),
			}
			results := make(map[string][]scheduler.Item, len(files))
			for _, file := range files {
				document := file
				if v := cmd.String("document"); v != "" {
					document = v
				}
				items, err := completeNotebook(ctx, sessions, file, document, cursor)
				if err != nil {
					return fmt.Errorf("complete: %s: %w", file, err)
				}
				results[file] = items
			}
			return printResults(cmd, files, results)
		},
	}
}

// completeNotebook syncs file's cells over the session for document and
// fetches suggestions at cursor.
func completeNotebook(ctx context.Context, sessions *session.Registry, file, document string, cursor scheduler.Intent) ([]scheduler.Item, error) {
	nb, err := notebook.Load(file)
	if err != nil {
		return nil, err
	}
	s, err := sessions.Open(ctx, document, document)
	if err != nil {
		return nil, err
	}
	if err := s.LanguageSet(ctx, nb.Language); err != nil {
		return nil, err
	}
	for i, cell := range nb.Cells {
		if err := s.CellUpdate(ctx, i, cell); err != nil {
			return nil, err
		}
	}
	return fetchWhenConnected(ctx, s, cursor)
}

// fetchWhenConnected retries while the socket is still coming up; any other
// failure is final.
func fetchWhenConnected(ctx context.Context, s *session.Session, cursor scheduler.Intent) ([]scheduler.Item, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	raw, err := backoff.Retry(ctx, func() ([]wire.CompletionItem, error) {
		items, err := s.FetchCompletions(ctx, cursor.Cell, cursor.Line, cursor.Column)
		if err != nil && !errors.Is(err, conn.ErrNotConnected) {
			return nil, backoff.Permanent(err)
		}
		return items, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(connectWait))
	if err != nil {
		return nil, err
	}

	items := make([]scheduler.Item, 0, len(raw))
	for _, it := range raw {
		items = append(items, scheduler.Item{InsertText: wire.StripFences(it.DisplayText)})
	}
	return items, nil
}

// printResults writes one notebook's items as-is, or several notebooks'
// items keyed (json) or prefixed (text) by file.
func printResults(cmd *cli.Command, files []string, results map[string][]scheduler.Item) error {
	w := cmd.Root().Writer
	if cmd.String("format") == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(files) == 1 {
			return enc.Encode(results[files[0]])
		}
		return enc.Encode(results)
	}
	for _, file := range files {
		for _, it := range results[file] {
			if len(files) > 1 {
				fmt.Fprintf(w, "%s: ", file)
			}
			fmt.Fprintln(w, it.InsertText)
		}
	}
	return nil
}
