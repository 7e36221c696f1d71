package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/nbcopilot/internal/bridge"
	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/scheduler"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

const testNotebook = `{
  "cells": [
    {"cell_type": "code", "source": "import os"},
    {"cell_type": "code", "source": ["x = 1\n", "print(x)"]}
  ],
  "metadata": {"kernelspec": {"language": "python"}}
}`

func startBridge(t *testing.T, static *bridge.Static) string {
	t.Helper()
	srv := bridge.New(static, bridge.Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + bridge.DefaultBasePath + "/ws"
}

func writeNotebook(t *testing.T) string {
	t.Helper()
	return writeNotebookAs(t, "analysis.ipynb")
}

func writeNotebookAs(t *testing.T, name string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(testNotebook), 0o644))
	return file
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(context.Background(), append([]string{"nbcopilot", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestComplete_JSON(t *testing.T) {
	static := bridge.NewStatic(wire.CompletionItem{DisplayText: "```print(x)```"})
	url := startBridge(t, static)

	out, err := run(t, "complete",
		"--backend-url", url,
		"--document", "analysis.ipynb",
		"--cell", "1", "--line", "1", "--column", "0",
		"--format", "json",
		writeNotebook(t))
	require.NoError(t, err)

	var items []scheduler.Item
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.Equal(t, []scheduler.Item{{InsertText: "print(x)"}}, items)
}

func TestComplete_Text(t *testing.T) {
	static := bridge.NewStatic(
		wire.CompletionItem{DisplayText: "os.path"},
		wire.CompletionItem{DisplayText: "os.environ"},
	)
	url := startBridge(t, static)

	out, err := run(t, "complete", "--backend-url", url, "--document", "a.ipynb", writeNotebook(t))
	require.NoError(t, err)
	assert.Equal(t, "os.path\nos.environ\n", out)
}

func TestComplete_SeveralNotebooks(t *testing.T) {
	static := bridge.NewStatic(wire.CompletionItem{DisplayText: "os.path"})
	url := startBridge(t, static)
	a, b := writeNotebookAs(t, "a.ipynb"), writeNotebookAs(t, "b.ipynb")

	out, err := run(t, "complete", "--backend-url", url, "--format", "json", a, b)
	require.NoError(t, err)

	var results map[string][]scheduler.Item
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Equal(t, map[string][]scheduler.Item{
		a: {{InsertText: "os.path"}},
		b: {{InsertText: "os.path"}},
	}, results)

	_, err = run(t, "complete", "--document", "x.ipynb", a, b)
	assert.ErrorContains(t, err, "exactly one")
}

func TestComplete_RequiresNotebook(t *testing.T) {
	_, err := run(t, "complete")
	assert.ErrorContains(t, err, "NOTEBOOK")
}

func TestComplete_Disabled(t *testing.T) {
	t.Setenv("NBCOPILOT_CLIENT__ENABLED", "false")
	_, err := run(t, "complete", writeNotebook(t))
	assert.ErrorContains(t, err, "disabled")
}

func TestServe_RejectsUnknownCompleter(t *testing.T) {
	_, err := run(t, "serve", "--completer", "bogus")
	assert.ErrorContains(t, err, "unknown bridge.completer")
}
