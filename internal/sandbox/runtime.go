package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Labels stamped on every container the engine creates. They are the
// sole recovery mechanism after an engine restart: List filters on
// LabelOwner and the remaining labels rebuild the registry entry.
const (
	LabelOwner     = "appbox.owner"
	LabelOwnerTag  = "appbox"
	LabelProjectID = "appbox.project"
	LabelUserID    = "appbox.user"
	LabelKind      = "appbox.kind"
	LabelCreatedAt = "appbox.created"
)

// Mount is a host directory bound into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec carries everything the runtime needs to create a sandbox
// container.
type CreateSpec struct {
	Name           string
	Image          string
	Labels         map[string]string
	WorkDir        string
	Mounts         []Mount
	MemoryMB       int64
	CPUPercent     float64
	MaxProcesses   int64
	DiskMB         int64
	NetworkEnabled bool
	ReadonlyRootfs bool
	CapAdd         []string
	CapDrop        []string

	// PortBindings maps container-internal port to host port.
	PortBindings map[int]int
}

// ContainerInfo is the runtime's view of one container.
type ContainerInfo struct {
	ID        string
	Labels    map[string]string
	Running   bool
	CreatedAt time.Time

	// Ports maps container-internal port to bound host port.
	Ports map[int]int
}

// UsageStats is a point-in-time resource snapshot.
type UsageStats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes int64   `json:"memoryBytes"`
	MemoryLimit int64   `json:"memoryLimit"`
}

// ExecSession is one running command inside a container. Stdout and
// Stderr are demultiplexed streams; Wait blocks until the command ends
// and returns its exit code.
type ExecSession interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (int, error)
	Close() error
}

// Runtime is the container runtime collaborator. Any implementation
// must support label-based listing; it is how the engine survives its
// own restarts.
type Runtime interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Exec(ctx context.Context, containerID string, cmd []string, workDir string) (ExecSession, error)
	List(ctx context.Context) ([]ContainerInfo, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string, grace time.Duration) error
	Stats(ctx context.Context, containerID string) (UsageStats, error)
}

// DockerRuntime implements Runtime over the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon from the environment
// and verifies it is reachable. An unreachable daemon is a fatal init
// failure for the engine.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	r := &DockerRuntime{cli: cli}
	if err := r.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return r, nil
}

// Ping checks daemon reachability.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// ensureImage pulls the image if it is not present locally.
func (r *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// Create builds and starts a sandbox container. The container runs a
// no-op foreground process so it stays alive between commands.
func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortBindings {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(hostPort),
		}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		WorkingDir:   spec.WorkDir,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		Cmd:          []string{"sleep", "infinity"},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: spec.ReadonlyRootfs,
		CapDrop:        spec.CapDrop,
		CapAdd:         spec.CapAdd,
		SecurityOpt:    []string{"no-new-privileges:true"},
		PortBindings:   bindings,
		Resources: container.Resources{
			Memory:     spec.MemoryMB * 1024 * 1024,
			MemorySwap: spec.MemoryMB * 1024 * 1024,
			CPUQuota:   int64(spec.CPUPercent * 100000),
			CPUPeriod:  100000,
			PidsLimit:  &spec.MaxProcesses,
		},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,size=%dm", spec.DiskMB),
		},
	}
	if !spec.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// List returns every container stamped with the engine's owner label,
// running or not.
func (r *DockerRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", LabelOwner+"="+LabelOwnerTag))
	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := ContainerInfo{
			ID:        s.ID,
			Labels:    s.Labels,
			Running:   s.State == "running",
			CreatedAt: time.Unix(s.Created, 0),
			Ports:     make(map[int]int),
		}
		for _, p := range s.Ports {
			if p.PublicPort != 0 {
				info.Ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stop stops a container, waiting up to grace before the daemon kills
// it.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

// Remove force-removes a container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	return r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Restart restarts a container in place, keeping its port bindings.
func (r *DockerRuntime) Restart(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return r.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

// Stats reads a one-shot resource snapshot.
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (UsageStats, error) {
	resp, err := r.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return UsageStats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return UsageStats{}, fmt.Errorf("decode stats: %w", err)
	}

	stats := UsageStats{
		MemoryBytes: int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		stats.CPUPercent = (cpuDelta / sysDelta) * cpus * 100.0
	}
	return stats, nil
}

// Exec starts a command inside the container and returns a session with
// demultiplexed output streams.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string, workDir string) (ExecSession, error) {
	execResp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	sess := &dockerExecSession{
		cli:    r.cli,
		execID: execResp.ID,
		attach: attach,
		done:   make(chan error, 1),
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	sess.stdout = stdoutR
	sess.stderr = stderrR

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
		sess.done <- copyErr
	}()

	return sess, nil
}

type dockerExecSession struct {
	cli    *client.Client
	execID string
	attach types.HijackedResponse
	stdout io.Reader
	stderr io.Reader
	done   chan error
}

func (s *dockerExecSession) Stdout() io.Reader { return s.stdout }
func (s *dockerExecSession) Stderr() io.Reader { return s.stderr }

// Wait blocks until the output stream ends (or ctx expires), then
// inspects the exec for its exit code.
func (s *dockerExecSession) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-s.done:
		if err != nil && err != io.EOF {
			return -1, fmt.Errorf("read exec output: %w", err)
		}
	}
	inspect, err := s.cli.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

func (s *dockerExecSession) Close() error {
	s.attach.Close()
	return nil
}
