package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Dialer opens a fresh byte stream to a language server.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// CommandDialer spawns name with args and talks to it over stdin/stdout.
// Closing the stream kills the process.
func CommandDialer(name string, args ...string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		cmd := exec.Command(name, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("copilot: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("copilot: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("copilot: start %s: %w", name, err)
		}
		return &processStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processStream) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processStream) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processStream) Close() error {
	err := p.stdin.Close()
	if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		err = errors.Join(err, killErr)
	}
	p.cmd.Wait()
	return err
}
