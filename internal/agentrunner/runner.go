package agentrunner

import (
	"context"
	"fmt"
	"time"
)

// Runner drives a single agent invocation end to end: spawn, timeout
// watchdog, stream parsing, and the success-contract verdict (§4.D
// "Return contract").
type Runner struct {
	docker *DockerBackend
	host   *HostBackend
}

// NewRunner wires both execution backends; either may be nil if that
// backend is never configured for any repo.
func NewRunner(docker *DockerBackend, host *HostBackend) *Runner {
	return &Runner{docker: docker, host: host}
}

// Invoke runs req against the given backend, enforcing timeout with a
// grace period before a hard kill, then parses the resulting stream.
func (r *Runner) Invoke(ctx context.Context, backend string, req Request, workdir string, binds BindMounts, dockerCmd []string, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr string
	var exitCode int
	var err error

	switch backend {
	case "docker":
		if r.docker == nil {
			return Result{}, fmt.Errorf("agent runner: docker backend not configured")
		}
		stdout, stderr, exitCode, err = r.docker.Run(runCtx, req, binds, dockerCmd)
	case "host", "":
		if r.host == nil {
			return Result{}, fmt.Errorf("agent runner: host backend not configured")
		}
		stdout, stderr, exitCode, err = r.host.Run(runCtx, req, workdir)
	default:
		return Result{}, fmt.Errorf("agent runner: unknown backend %q", backend)
	}

	timedOut := runCtx.Err() == context.DeadlineExceeded
	sessionID, narrative, toolCalls, terminalResult, sawTerminal, malformed := parseStream(stdout)

	res := Result{
		ExitCode:       exitCode,
		SessionID:      sessionID,
		Narrative:      narrative,
		RawStdout:      stdout,
		RawStderr:      stderr,
		MalformedLines: malformed,
		ToolCalls:      toolCalls,
	}

	switch {
	case timedOut:
		res.FailureReason = fmt.Sprintf("agent timed out after %s", timeout)
	case err != nil:
		res.FailureReason = err.Error()
	case exitCode != 0:
		res.FailureReason = fmt.Sprintf("agent exited %d", exitCode)
	case !sawTerminal:
		res.FailureReason = "agent exited 0 with no terminal result record"
	case isAPIErrorSentinel(terminalResult):
		res.FailureReason = terminalResult
	default:
		res.Success = true
	}
	return res, nil
}
