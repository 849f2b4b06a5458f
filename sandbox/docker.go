package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	silas "github.com/DavSimFel/silas"
)

// DockerRunner executes commands in throwaway containers instead of host
// processes. Stronger containment than the process sandbox at the cost
// of a container engine dependency; the executor consumes both through
// the same interface.
type DockerRunner struct {
	cli      client.APIClient
	image    string
	memoryMB int64
	cpus     float64
}

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// WithDockerMemoryMB caps container memory. Default: 512.
func WithDockerMemoryMB(mb int64) DockerOption {
	return func(r *DockerRunner) { r.memoryMB = mb }
}

// WithDockerCPUs caps container CPU. Default: 1.
func WithDockerCPUs(cpus float64) DockerOption {
	return func(r *DockerRunner) { r.cpus = cpus }
}

// WithDockerClient injects an API client, mainly for tests.
func WithDockerClient(cli client.APIClient) DockerOption {
	return func(r *DockerRunner) { r.cli = cli }
}

// NewDockerRunner creates a runner using the given image, connecting to
// the engine from the environment (DOCKER_HOST and friends).
func NewDockerRunner(image string, opts ...DockerOption) (*DockerRunner, error) {
	r := &DockerRunner{image: image, memoryMB: 512, cpus: 1}
	for _, opt := range opts {
		opt(r)
	}
	if r.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("sandbox: docker client: %w", err)
		}
		r.cli = cli
	}
	return r, nil
}

// compile-time check
var _ silas.SandboxExec = (*DockerRunner)(nil)

func (r *DockerRunner) Exec(ctx context.Context, spec silas.ExecSpec) (silas.ExecResult, error) {
	if len(spec.Argv) == 0 {
		return silas.ExecResult{}, &silas.ErrInvalidConfig{Component: "sandbox", Reason: "empty argv"}
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           r.image,
			Cmd:             spec.Argv,
			Env:             env,
			WorkingDir:      "/work",
			NetworkDisabled: !spec.Network,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   r.memoryMB << 20,
				NanoCPUs: int64(r.cpus * 1e9),
			},
		}, nil, nil, "")
	if err != nil {
		return silas.ExecResult{}, fmt.Errorf("sandbox: container create: %w", err)
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return silas.ExecResult{}, fmt.Errorf("sandbox: container start: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode := -1
	timedOut := false
	statusCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() != nil {
			timedOut = true
			_ = r.cli.ContainerKill(context.Background(), id, "KILL")
		} else {
			return silas.ExecResult{}, fmt.Errorf("sandbox: container wait: %w", err)
		}
	}

	stdout, stderr := r.collectLogs(id)
	return silas.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}, nil
}

// collectLogs demultiplexes the container's combined log stream.
func (r *DockerRunner) collectLogs(id string) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", ""
	}
	defer rc.Close()

	var out, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&out, &errBuf, rc)
	return strings.ToValidUTF8(out.String(), "�"), strings.ToValidUTF8(errBuf.String(), "�")
}
