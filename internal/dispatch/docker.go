package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs a pipeline role executor inside a container, for roles
// whose dispatch routing selects "docker" instead of a host process.
type DockerBackend struct {
	cli     *client.Client
	image   string
	network string
	workDir string

	mu         sync.Mutex
	containers map[string]string // jobID -> container id
}

// NewDockerBackend constructs a Docker-backed dispatch backend. image is the
// container image used to run the configured CLI; network and workDir
// configure the container's network mode and the in-container working
// directory respectively.
func NewDockerBackend(image, network, workDir string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker backend: initializing client: %w", err)
	}
	if image == "" {
		image = "branchmind-runner:latest"
	}
	if workDir == "" {
		workDir = "/workspace"
	}
	return &DockerBackend{
		cli:        cli,
		image:      image,
		network:    network,
		workDir:    workDir,
		containers: make(map[string]string),
	}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Dispatch(ctx context.Context, opts DispatchOpts) (Handle, error) {
	if opts.JobID == "" {
		return Handle{}, fmt.Errorf("docker backend: job id is required")
	}

	argv, err := BuildDispatchCommand(opts.CLIConfig, opts.Model, opts.Prompt, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("docker backend: building command: %w", err)
	}

	name := fmt.Sprintf("branchmind-%s-%d", sanitizeContainerName(opts.JobID), time.Now().UnixNano())

	hostWorkDir := opts.WorkDir
	if hostWorkDir == "" {
		hostWorkDir = filepath.Join(os.TempDir(), "branchmind-workspace-"+name)
	}
	if err := os.MkdirAll(hostWorkDir, 0755); err != nil {
		return Handle{}, fmt.Errorf("docker backend: creating workdir: %w", err)
	}

	containerConfig := &container.Config{
		Image:      b.image,
		Cmd:        argv,
		Tty:        false,
		WorkingDir: b.workDir,
		Env: []string{
			"BRANCHMIND_JOB_ID=" + opts.JobID,
			"BRANCHMIND_ROLE=" + opts.Role,
			"BRANCHMIND_EXECUTOR_PROFILE=" + opts.ExecutorProfile,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostWorkDir, Target: b.workDir},
		},
		AutoRemove: false,
	}
	if b.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(b.network)
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("docker backend: creating container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("docker backend: starting container: %w", err)
	}

	b.mu.Lock()
	b.containers[opts.JobID] = resp.ID
	b.mu.Unlock()

	return Handle{JobID: opts.JobID, Backend: b.Name(), Container: resp.ID}, nil
}

func (b *DockerBackend) Status(handle Handle) (DispatchStatus, error) {
	if handle.Container == "" {
		return DispatchStatus{}, fmt.Errorf("docker backend: handle has no container id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inspect, err := b.cli.ContainerInspect(ctx, handle.Container)
	if err != nil {
		return DispatchStatus{State: "unknown", ExitCode: -1}, fmt.Errorf("docker backend: inspecting container: %w", err)
	}

	status := DispatchStatus{ExitCode: inspect.State.ExitCode}
	switch {
	case inspect.State.Running:
		status.State = "running"
	case inspect.State.Dead, inspect.State.OOMKilled, inspect.State.ExitCode != 0:
		status.State = "failed"
	default:
		status.State = "completed"
	}
	if inspect.State.StartedAt != "" && inspect.State.FinishedAt != "" {
		if started, err1 := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err1 == nil {
			if finished, err2 := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err2 == nil && finished.After(started) {
				status.Duration = finished.Sub(started).Seconds()
			}
		}
	}
	return status, nil
}

func (b *DockerBackend) CaptureOutput(handle Handle) (string, error) {
	if handle.Container == "" {
		return "", fmt.Errorf("docker backend: handle has no container id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs, err := b.cli.ContainerLogs(ctx, handle.Container, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("docker backend: reading logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("docker backend: demuxing logs: %w", err)
	}
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

func (b *DockerBackend) Kill(handle Handle) error {
	if handle.Container == "" {
		return fmt.Errorf("docker backend: handle has no container id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.cli.ContainerRemove(ctx, handle.Container, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (b *DockerBackend) Cleanup(handle Handle) error {
	b.mu.Lock()
	delete(b.containers, handle.JobID)
	b.mu.Unlock()
	return b.Kill(handle)
}

// CleanDeadContainers force-removes any exited branchmind-prefixed containers
// left behind by crashed or killed processes.
func (b *DockerBackend) CleanDeadContainers(ctx context.Context) (int, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("docker backend: listing containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		for _, name := range c.Names {
			if strings.HasPrefix(name, "/branchmind-") {
				_ = b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
				removed++
				break
			}
		}
	}
	return removed, nil
}

func sanitizeContainerName(jobID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, jobID)
}

var _ Backend = (*DockerBackend)(nil)
