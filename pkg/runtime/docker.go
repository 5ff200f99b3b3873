package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	sandbaytypes "github.com/sandbay/sandbay/pkg/types"
)

const (
	// cpuPeriod is the scheduling period CPU quotas are expressed
	// against, in microseconds.
	cpuPeriod = 100000
)

// DockerRuntime implements Runtime using the Docker Engine API
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker runtime client. An empty host uses
// the environment defaults (DOCKER_HOST or the local socket).
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = []client.Opt{client.WithHost(host), client.WithAPIVersionNegotiation()}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{cli: cli}, nil
}

// Ping checks that the docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close closes the docker client connection
func (r *DockerRuntime) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}

// wrap maps docker SDK errors to the runtime error vocabulary.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Create creates a container with the spec's image, resource limits and
// port mapping. The container is not started.
func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	hostConfig := &container.HostConfig{}

	if spec.Memory > 0 || spec.CPUQuota > 0 {
		hostConfig.Resources = container.Resources{
			Memory:    spec.Memory,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: cpuPeriod,
		}
	}

	var exposedPorts nat.PortSet
	if spec.ContainerPort > 0 {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))
		exposedPorts = nat.PortSet{containerPort: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostPort: strconv.Itoa(spec.HostPort)},
			},
		}
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		ExposedPorts: exposedPorts,
		Tty:          true,
		OpenStdin:    true,
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", wrap(err, "failed to create container")
	}

	return resp.ID, nil
}

// Start starts a container
func (r *DockerRuntime) Start(ctx context.Context, runtimeID string) error {
	err := r.cli.ContainerStart(ctx, runtimeID, dockertypes.ContainerStartOptions{})
	return wrap(err, "failed to start container")
}

// Stop stops a container, escalating to kill after the timeout
func (r *DockerRuntime) Stop(ctx context.Context, runtimeID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := r.cli.ContainerStop(ctx, runtimeID, container.StopOptions{Timeout: &seconds})
	return wrap(err, "failed to stop container")
}

// Remove removes a container
func (r *DockerRuntime) Remove(ctx context.Context, runtimeID string, force bool) error {
	err := r.cli.ContainerRemove(ctx, runtimeID, dockertypes.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	return wrap(err, "failed to remove container")
}

// Inspect returns the container's reported status and network state
func (r *DockerRuntime) Inspect(ctx context.Context, runtimeID string) (*Inspection, error) {
	info, err := r.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return nil, wrap(err, "failed to inspect container")
	}

	insp := &Inspection{
		Status: mapContainerState(info.State.Status),
		Network: sandbaytypes.NetworkInfo{
			Ports: map[string]int{},
		},
	}
	if info.NetworkSettings != nil {
		insp.Network.IPAddress = info.NetworkSettings.IPAddress
		for port, bindings := range info.NetworkSettings.Ports {
			for _, binding := range bindings {
				if hostPort, err := strconv.Atoi(binding.HostPort); err == nil {
					insp.Network.Ports[string(port)] = hostPort
				}
			}
		}
	}
	if info.HostConfig != nil {
		insp.Network.NetworkMode = string(info.HostConfig.NetworkMode)
	}

	return insp, nil
}

// mapContainerState maps docker state strings onto the record vocabulary.
// Paused, restarting, exited and dead all count as stopped.
func mapContainerState(state string) sandbaytypes.ContainerStatus {
	switch state {
	case "running":
		return sandbaytypes.ContainerStatusRunning
	case "created":
		return sandbaytypes.ContainerStatusCreated
	default:
		return sandbaytypes.ContainerStatusStopped
	}
}

// Stats takes a one-shot usage sample
func (r *DockerRuntime) Stats(ctx context.Context, runtimeID string) (*RawStats, error) {
	resp, err := r.cli.ContainerStats(ctx, runtimeID, false)
	if err != nil {
		return nil, wrap(err, "failed to read container stats")
	}
	defer resp.Body.Close()

	var stats dockertypes.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	return &RawStats{
		CPUTotal:     stats.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotal:  stats.PreCPUStats.CPUUsage.TotalUsage,
		SystemCPU:    stats.CPUStats.SystemUsage,
		PreSystemCPU: stats.PreCPUStats.SystemUsage,
		OnlineCPUs:   stats.CPUStats.OnlineCPUs,
		MemUsage:     stats.MemoryStats.Usage,
		MemLimit:     stats.MemoryStats.Limit,
	}, nil
}

// ExecCreate creates an exec process attached to a pseudo-terminal
func (r *DockerRuntime) ExecCreate(ctx context.Context, runtimeID string, spec ExecSpec) (string, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, runtimeID, dockertypes.ExecConfig{
		Cmd:          spec.Cmd,
		Tty:          spec.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", wrap(err, "failed to create exec")
	}
	return resp.ID, nil
}

// ExecStart starts the exec process and returns its duplex stream
func (r *DockerRuntime) ExecStart(ctx context.Context, execID string, tty bool) (ExecStream, error) {
	resp, err := r.cli.ContainerExecAttach(ctx, execID, dockertypes.ExecStartCheck{Tty: tty})
	if err != nil {
		return nil, wrap(err, "failed to start exec")
	}
	return &hijackedStream{resp: resp}, nil
}

// hijackedStream adapts docker's hijacked connection to ExecStream
type hijackedStream struct {
	resp dockertypes.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) CloseWrite() error {
	return s.resp.CloseWrite()
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}

// ExecResize resizes the exec's controlling terminal
func (r *DockerRuntime) ExecResize(ctx context.Context, execID string, cols, rows uint) error {
	err := r.cli.ContainerExecResize(ctx, execID, dockertypes.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
	return wrap(err, "failed to resize exec terminal")
}

// ExecInspect reports the exec process state
func (r *DockerRuntime) ExecInspect(ctx context.Context, execID string) (*ExecStatus, error) {
	info, err := r.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return nil, wrap(err, "failed to inspect exec")
	}
	return &ExecStatus{
		ExitCode: info.ExitCode,
		Running:  info.Running,
		PID:      info.Pid,
	}, nil
}

// KillExec kills the exec's process on the host. The engine exposes no
// exec-kill API, so this goes through the inspected PID.
func (r *DockerRuntime) KillExec(ctx context.Context, execID string) error {
	info, err := r.ExecInspect(ctx, execID)
	if err != nil {
		return err
	}
	if info.PID <= 0 {
		return nil
	}
	if err := syscall.Kill(info.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill exec process %d: %w", info.PID, err)
	}
	return nil
}

// Logs returns the log backlog and optionally follows. Non-TTY
// containers multiplex stdout/stderr on the wire, so those streams are
// demultiplexed through a pipe before being handed to the caller.
func (r *DockerRuntime) Logs(ctx context.Context, runtimeID string, tail int, follow bool) (io.ReadCloser, error) {
	info, err := r.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return nil, wrap(err, "failed to inspect container")
	}

	rc, err := r.cli.ContainerLogs(ctx, runtimeID, dockertypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, wrap(err, "failed to get container logs")
	}

	if info.Config != nil && info.Config.Tty {
		return rc, nil
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return &demuxedLogs{pr: pr, src: rc}, nil
}

// demuxedLogs closes the underlying docker stream together with the pipe
type demuxedLogs struct {
	pr  *io.PipeReader
	src io.ReadCloser
}

func (d *demuxedLogs) Read(p []byte) (int, error) {
	return d.pr.Read(p)
}

func (d *demuxedLogs) Close() error {
	d.src.Close()
	return d.pr.Close()
}
