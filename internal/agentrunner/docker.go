package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"
)

// DockerBackend runs the agent command inside an ephemeral, hardened
// container: all capabilities dropped, no new privileges, a bounded pid
// limit, and resource limits, with the task worktree and session
// directory bind-mounted read-write (§4.D).
type DockerBackend struct {
	client    *client.Client
	image     string
	memoryMB  int64
	cpuShares int64
	pidsLimit int64
	mounts    BindMounts

	counter atomic.Uint64
}

// BindMounts is the pair of host paths a container needs: the task's
// git worktree and a scratch session directory for agent state.
type BindMounts struct {
	WorktreePath string
	SessionDir   string
}

// NewDockerBackend connects to the local docker daemon.
func NewDockerBackend(image string, memoryMB, cpuShares, pidsLimit int64) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		return nil, fmt.Errorf("docker backend: image required")
	}
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	if pidsLimit <= 0 {
		pidsLimit = 256
	}
	return &DockerBackend{
		client:    cli,
		image:     image,
		memoryMB:  memoryMB * 1024 * 1024,
		cpuShares: cpuShares,
		pidsLimit: pidsLimit,
	}, nil
}

// Run spawns one container for req, writes the request JSON to its
// stdin, and returns the container's full stdout/stderr once it exits.
func (d *DockerBackend) Run(ctx context.Context, req Request, binds BindMounts, cmd []string) (stdout, stderr string, exitCode int, err error) {
	if err := validateBindMounts(binds); err != nil {
		return "", "", -1, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", "", -1, fmt.Errorf("marshal agent request: %w", err)
	}

	name := fmt.Sprintf("borg-agent-%d", d.counter.Add(1))
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:        d.image,
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.memoryMB,
			CPUShares: d.cpuShares,
			PidsLimit: &d.pidsLimit,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    "bridge",
		AutoRemove:     true,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: binds.WorktreePath, Target: "/workspace"},
			{Type: mount.TypeBind, Source: binds.SessionDir, Target: "/session"},
		},
	}, nil, nil, name)
	if err != nil {
		return "", "", -1, fmt.Errorf("create agent container: %w", err)
	}
	containerID := resp.ID

	attach, err := d.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("attach agent container: %w", err)
	}
	defer attach.Close()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start agent container: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := attach.Conn.Write(body)
		attach.CloseWrite()
		return err
	})
	g.Go(func() error {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		if err == io.EOF {
			return nil
		}
		return err
	})

	statusCh, errCh := d.client.ContainerWait(gctx, containerID, container.WaitConditionNotRunning)
	select {
	case werr := <-errCh:
		_ = g.Wait()
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("wait agent container: %w", werr)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		_ = g.Wait()
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	}

	if err := g.Wait(); err != nil && !strings.Contains(err.Error(), "closed") {
		return stdoutBuf.String(), stderrBuf.String(), exitCode, fmt.Errorf("drain agent container: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (d *DockerBackend) Close() error { return d.client.Close() }
