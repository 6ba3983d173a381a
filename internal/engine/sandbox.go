package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Executor runs a shell command line in workDir.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands with the host's sh.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		c.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return outBuf.String(), errBuf.String(), 0, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	default:
		return outBuf.String(), errBuf.String(), -1, err
	}
}

// DockerSandbox runs each command in an ephemeral container with the
// session's working directory bind-mounted at /workspace.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

func NewDockerSandbox(image string, memoryMB int64, networkMode, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// Exec ignores workDir: commands always start in /workspace.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, _ string) (string, string, int, error) {
	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		AutoRemove:  true,
	}
	if d.workspace != "" {
		hostCfg.Binds = []string{d.workspace + ":/workspace"}
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	// Logs must be attached before the container exits and is auto-removed.
	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return "", "", -1, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&outBuf, &errBuf, logs)
		copied <- err
	}()

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	exitCode := -1
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}
	<-copied
	return outBuf.String(), errBuf.String(), exitCode, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

// Ping checks that the docker daemon is reachable.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}
