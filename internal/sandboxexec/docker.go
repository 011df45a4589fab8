// Package sandboxexec implements qualitygate.Sandbox with an ephemeral
// Docker container per gate invocation: a create/start/wait/logs sequence
// bounded by a CPU quota alongside memory (network defaults closed),
// running one shell command against a bind-mounted workspace and
// collecting its output.
package sandboxexec

import (
	"bytes"
	"fmt"

	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox runs one gate command per call in a fresh, auto-removed
// container bound to the project workspace. It satisfies
// qualitygate.Sandbox without importing that package, so this package has
// no dependency on its caller.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	nanoCPUs    int64
	networkMode string
}

// Config configures a gate container's resource ceiling and base image.
// Zero values fall back to conservative defaults: gates run bounded-resource,
// never with ambient network access.
type Config struct {
	Image       string
	MemoryMB    int64
	CPUs        float64 // fractional CPU quota, e.g. 1.5
	NetworkMode string  // default "none"
}

func New(cfg Config) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}

	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		nanoCPUs:    int64(cpus * 1e9),
		networkMode: networkMode,
	}, nil
}

// Exec runs cmd inside a disposable container with workDir bind-mounted at
// /workspace, matching qualitygate.Sandbox's signature exactly.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.memoryBytes,
			NanoCPUs: d.nanoCPUs,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container error: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "gate command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close releases the underlying Docker client connection.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
