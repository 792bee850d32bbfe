package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"
)

// HostBackend runs the agent command as a direct child process of the
// engine, for repos configured without container isolation (§4.A
// "backend": "host").
type HostBackend struct {
	command []string
}

// NewHostBackend returns a HostBackend that runs command, appending no
// extra arguments — the full invocation (binary plus flags) is supplied
// by the mode definition.
func NewHostBackend(command []string) *HostBackend {
	return &HostBackend{command: command}
}

// Run spawns the command with workdir as its cwd, writes req's JSON
// encoding to stdin, and drains stdout/stderr concurrently to avoid the
// kernel pipe-buffer deadlock once either stream exceeds 64 KiB.
func (h *HostBackend) Run(ctx context.Context, req Request, workdir string) (stdout, stderr string, exitCode int, err error) {
	if len(h.command) == 0 {
		return "", "", -1, fmt.Errorf("host backend: command required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", -1, fmt.Errorf("marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.command[0], h.command[1:]...)
	cmd.Dir = workdir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return "", "", -1, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", -1, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", -1, err
	}

	if err := cmd.Start(); err != nil {
		return "", "", -1, fmt.Errorf("start agent process: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, werr := stdinPipe.Write(body)
		_ = stdinPipe.Close()
		return werr
	})
	g.Go(func() error {
		_, cerr := io.Copy(&stdoutBuf, stdoutPipe)
		return cerr
	})
	g.Go(func() error {
		_, cerr := io.Copy(&stderrBuf, stderrPipe)
		return cerr
	})
	drainErr := g.Wait()

	waitErr := cmd.Wait()
	exitCode = cmd.ProcessState.ExitCode()
	if drainErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), exitCode, fmt.Errorf("drain agent process: %w", drainErr)
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return stdoutBuf.String(), stderrBuf.String(), exitCode, fmt.Errorf("run agent process: %w", waitErr)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
