package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hkuds/appbox/internal/bus"
)

// ErrSandboxNotFound is returned when a project has no live sandbox.
var ErrSandboxNotFound = errors.New("no sandbox for project")

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// WorkspaceRoot is the host directory under which each (user,
	// project) pair gets its dedicated directory.
	WorkspaceRoot string

	// PreviewHost is the hostname used in preview URLs.
	PreviewHost string

	// StopGrace bounds how long a graceful stop waits before the
	// runtime force-kills the container.
	StopGrace time.Duration

	// PortRangeStart/End bound host port allocation.
	PortRangeStart int
	PortRangeEnd   int

	// Defaults are operator-level overrides layered onto the per-kind
	// defaults of every sandbox this manager creates or recovers.
	Defaults Overrides

	Logger *slog.Logger
	Events *bus.EventBus
}

// Manager owns the live-sandbox registry: one sandbox per project,
// created on demand, destroyed explicitly or by the expiry sweep. On
// construction it recovers state from the runtime's labeled containers
// so an engine restart neither orphans nor double-manages sandboxes.
type Manager struct {
	runtime Runtime
	ports   *PortAllocator
	events  *bus.EventBus
	logger  *slog.Logger

	workspaceRoot string
	previewHost   string
	stopGrace     time.Duration
	defaults      Overrides

	mu       sync.Mutex
	registry map[string]*Sandbox
	creating map[string]*sync.Mutex
}

// NewManager builds a Manager and recovers existing state: port
// reservations are seeded from the runtime's labeled containers before
// any allocation, then the registry is reconstructed from labels.
func NewManager(ctx context.Context, rt Runtime, opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.PreviewHost == "" {
		opts.PreviewHost = "localhost"
	}
	if opts.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		runtime:       rt,
		ports:         NewPortAllocator(opts.PortRangeStart, opts.PortRangeEnd, opts.Logger),
		events:        opts.Events,
		logger:        opts.Logger.With("component", "lifecycle"),
		workspaceRoot: root,
		previewHost:   opts.PreviewHost,
		stopGrace:     opts.StopGrace,
		defaults:      opts.Defaults,
		registry:      make(map[string]*Sandbox),
		creating:      make(map[string]*sync.Mutex),
	}
	if err := m.recover(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// recover rebuilds ports and registry from the runtime's labels.
func (m *Manager) recover(ctx context.Context) error {
	infos, err := m.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("recover sandbox state: %w", err)
	}

	bindings := make(map[string][]int)
	for _, info := range infos {
		projectID := info.Labels[LabelProjectID]
		if projectID == "" {
			continue
		}
		for _, hostPort := range info.Ports {
			bindings[projectID] = append(bindings[projectID], hostPort)
		}
	}
	m.ports.Recover(bindings)

	for _, info := range infos {
		projectID := info.Labels[LabelProjectID]
		if projectID == "" {
			continue
		}
		kind := Kind(info.Labels[LabelKind])
		cfg := DefaultConfig(kind).Apply(m.defaults)
		sb := newSandbox(projectID, info.Labels[LabelUserID], kind, cfg)
		sb.ContainerID = info.ID
		if created, err := time.Parse(time.RFC3339, info.Labels[LabelCreatedAt]); err == nil {
			sb.CreatedAt = created
		} else {
			sb.CreatedAt = info.CreatedAt
		}
		for containerPort, hostPort := range info.Ports {
			sb.Ports[containerPort] = hostPort
		}
		if info.Running {
			sb.SetStatus(StatusRunning)
		} else {
			sb.SetStatus(StatusStopped)
		}
		m.registry[projectID] = sb
		m.logger.Info("recovered sandbox",
			"project", projectID,
			"container", short(info.ID),
			"running", info.Running,
			"ports", len(info.Ports),
		)
	}
	return nil
}

// projectLock serializes create/delete for one project without holding
// the registry lock across runtime calls.
func (m *Manager) projectLock(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.creating[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.creating[projectID] = l
	}
	return l
}

// Create returns the project's sandbox, creating it if absent. It is
// idempotent: an existing running sandbox is touched and returned, and
// a stopped one is restarted in place, keeping its port map. Concurrent
// calls for one project yield the same entry.
func (m *Manager) Create(ctx context.Context, projectID, userID string, kind Kind, cfg *Config) (*Sandbox, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing := m.registry[projectID]
	m.mu.Unlock()
	if existing != nil {
		if existing.Status() == StatusRunning {
			existing.Touch()
			return existing, nil
		}
		if existing.Status() == StatusStopped {
			err := m.runtime.Restart(ctx, existing.ContainerID, m.stopGrace)
			if err == nil {
				existing.SetStatus(StatusRunning)
				existing.Touch()
				m.logger.Info("restarted stopped sandbox",
					"project", projectID, "container", short(existing.ContainerID))
				return existing, nil
			}
			m.logger.Warn("restart of stopped sandbox failed, recreating",
				"project", projectID, "error", err)
		}
		// The old container cannot serve (errored, or unrestartable):
		// tear it down and release its ports so the fresh create does
		// not collide on the container name or double-reserve.
		if err := m.runtime.Remove(ctx, existing.ContainerID); err != nil {
			m.logger.Warn("removal of defunct container failed", "project", projectID, "error", err)
		}
		m.ports.Release(projectID)
		m.mu.Lock()
		delete(m.registry, projectID)
		m.mu.Unlock()
	}

	config := DefaultConfig(kind).Apply(m.defaults)
	if cfg != nil {
		config = *cfg
	}
	config.Validate()

	// A container for this project that the registry does not track is
	// left over from a crash; remove it before creating a fresh one.
	if err := m.removeStale(ctx, projectID, nil); err != nil {
		m.logger.Warn("stale container cleanup failed", "project", projectID, "error", err)
	}

	hostDir := m.projectDir(userID, projectID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	sb := newSandbox(projectID, userID, kind, config)
	allocated := make([]int, 0, len(config.ExposedPorts))
	for _, containerPort := range config.ExposedPorts {
		hostPort, err := m.ports.Allocate(projectID)
		if err != nil {
			m.ports.Release(projectID, allocated...)
			return nil, fmt.Errorf("allocate port for %d: %w", containerPort, err)
		}
		allocated = append(allocated, hostPort)
		sb.Ports[containerPort] = hostPort
	}

	spec := CreateSpec{
		Name:  "appbox-" + projectID,
		Image: config.Image,
		Labels: map[string]string{
			LabelOwner:     LabelOwnerTag,
			LabelProjectID: projectID,
			LabelUserID:    userID,
			LabelKind:      string(kind),
			LabelCreatedAt: sb.CreatedAt.UTC().Format(time.RFC3339),
		},
		WorkDir:        config.WorkDir,
		Mounts:         []Mount{{Source: hostDir, Target: config.WorkDir}},
		MemoryMB:       config.MemoryMB,
		CPUPercent:     config.CPUPercent,
		MaxProcesses:   config.MaxProcesses,
		DiskMB:         config.DiskMB,
		NetworkEnabled: config.NetworkEnabled,
		ReadonlyRootfs: config.ReadonlyRootfs,
		CapAdd:         config.CapAdd,
		CapDrop:        config.CapDrop,
		PortBindings:   sb.Ports,
	}

	containerID, err := m.runtime.Create(ctx, spec)
	if err != nil {
		m.ports.Release(projectID, allocated...)
		return nil, fmt.Errorf("create sandbox for %s: %w", projectID, err)
	}
	sb.ContainerID = containerID
	sb.SetStatus(StatusRunning)

	m.mu.Lock()
	m.registry[projectID] = sb
	m.mu.Unlock()

	m.logger.Info("created sandbox",
		"project", projectID,
		"user", userID,
		"kind", kind,
		"container", short(containerID),
		"ports", sb.Ports,
	)
	return sb, nil
}

// removeStale removes runtime containers labeled with this project that
// the registry does not track.
func (m *Manager) removeStale(ctx context.Context, projectID string, tracked *Sandbox) error {
	infos, err := m.runtime.List(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Labels[LabelProjectID] != projectID {
			continue
		}
		if tracked != nil && tracked.ContainerID == info.ID {
			continue
		}
		m.logger.Info("removing stale container", "project", projectID, "container", short(info.ID))
		if err := m.runtime.Remove(ctx, info.ID); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the project's sandbox if one is registered.
func (m *Manager) Get(projectID string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.registry[projectID]
	return sb, ok
}

// List snapshots every registered sandbox, ordered by project.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(m.registry))
	for _, sb := range m.registry {
		sandboxes = append(sandboxes, sb)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sandboxes))
	for _, sb := range sandboxes {
		infos = append(infos, sb.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ProjectID < infos[j].ProjectID })
	return infos
}

// Execute starts a shell command in the project's sandbox. Callers must
// validate the command first; Execute itself does not consult the
// guard.
func (m *Manager) Execute(ctx context.Context, projectID string, command string, marker string) (ExecSession, error) {
	sb, ok := m.Get(projectID)
	if !ok || sb.Status() != StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	sb.Touch()
	// The marker becomes $0 of the shell, making the process findable
	// by pkill when the caller's timeout fires.
	cmd := []string{"sh", "-c", command}
	if marker != "" {
		cmd = append(cmd, marker)
	}
	return m.runtime.Exec(ctx, sb.ContainerID, cmd, sb.Config.WorkDir)
}

// KillExec best-effort kills a marked command inside the sandbox.
func (m *Manager) KillExec(ctx context.Context, projectID, marker string) {
	sb, ok := m.Get(projectID)
	if !ok || marker == "" {
		return
	}
	sess, err := m.runtime.Exec(ctx, sb.ContainerID, []string{"sh", "-c", "pkill -TERM -f " + marker}, sb.Config.WorkDir)
	if err != nil {
		return
	}
	_, _ = sess.Wait(ctx)
	_ = sess.Close()
}

// projectDir is the dedicated host directory for a (user, project).
func (m *Manager) projectDir(userID, projectID string) string {
	return filepath.Join(m.workspaceRoot, userID, projectID)
}

// resolvePath validates a project-relative path and resolves it under
// the project's host directory.
func (m *Manager) resolvePath(projectID, relPath string) (string, error) {
	sb, ok := m.Get(projectID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	return ValidatePath(relPath, m.projectDir(sb.UserID, projectID))
}

// WriteFile writes a file inside the project directory.
func (m *Manager) WriteFile(projectID, relPath string, data []byte) error {
	resolved, err := m.resolvePath(projectID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if sb, ok := m.Get(projectID); ok {
		sb.Touch()
	}
	return nil
}

// ReadFile reads a file from the project directory.
func (m *Manager) ReadFile(projectID, relPath string) ([]byte, error) {
	resolved, err := m.resolvePath(projectID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	return data, nil
}

// FileEntry describes one entry in a project directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ListFiles lists a directory inside the project.
func (m *Manager) ListFiles(projectID, relPath string) ([]FileEntry, error) {
	resolved, err := m.resolvePath(projectID, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", relPath, err)
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		fe := FileEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fe.Size = info.Size()
		}
		out = append(out, fe)
	}
	return out, nil
}

// PreviewURL resolves the externally reachable URL for a sandbox port.
// Priority: the detected active port, then the requested port, then the
// first exposed port. Dev tooling silently hops to alternate ports when
// its default is taken, so the detected port wins over the request.
func (m *Manager) PreviewURL(projectID string, requestedPort int) (string, error) {
	sb, ok := m.Get(projectID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	if active := sb.ActivePort(); active != 0 {
		if hostPort, ok := sb.HostPort(active); ok {
			return m.url(hostPort), nil
		}
	}
	if hostPort, ok := sb.HostPort(requestedPort); ok {
		return m.url(hostPort), nil
	}
	for _, containerPort := range sb.Config.ExposedPorts {
		if hostPort, ok := sb.HostPort(containerPort); ok {
			return m.url(hostPort), nil
		}
	}
	return "", fmt.Errorf("sandbox %s has no bound ports", projectID)
}

func (m *Manager) url(hostPort int) string {
	return fmt.Sprintf("http://%s:%d/", m.previewHost, hostPort)
}

// Usage returns a resource snapshot for the project's sandbox.
func (m *Manager) Usage(ctx context.Context, projectID string) (UsageStats, error) {
	sb, ok := m.Get(projectID)
	if !ok {
		return UsageStats{}, fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	return m.runtime.Stats(ctx, sb.ContainerID)
}

// Stop gracefully stops the project's sandbox. Port reservations and
// the registry entry survive so the sandbox can be restarted.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	sb, ok := m.Get(projectID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	if err := m.runtime.Stop(ctx, sb.ContainerID, m.stopGrace); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", projectID, err)
	}
	sb.SetStatus(StatusStopped)
	m.logger.Info("stopped sandbox", "project", projectID)
	return nil
}

// Restart restarts the project's container in place, keeping its port
// bindings.
func (m *Manager) Restart(ctx context.Context, projectID string) error {
	sb, ok := m.Get(projectID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}
	if err := m.runtime.Restart(ctx, sb.ContainerID, m.stopGrace); err != nil {
		return fmt.Errorf("restart sandbox %s: %w", projectID, err)
	}
	sb.SetStatus(StatusRunning)
	sb.Touch()
	return nil
}

// Delete tears the sandbox down: the container is removed, ports are
// always released, the registry entry goes away. Project files are
// removed only when deleteFiles is set.
func (m *Manager) Delete(ctx context.Context, projectID string, deleteFiles bool) error {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sb := m.registry[projectID]
	delete(m.registry, projectID)
	delete(m.creating, projectID)
	m.mu.Unlock()

	if sb == nil {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, projectID)
	}

	if err := m.runtime.Stop(ctx, sb.ContainerID, m.stopGrace); err != nil {
		m.logger.Warn("graceful stop failed, forcing removal", "project", projectID, "error", err)
	}
	if err := m.runtime.Remove(ctx, sb.ContainerID); err != nil {
		m.logger.Warn("container removal failed", "project", projectID, "error", err)
	}

	m.ports.Release(projectID)
	sb.SetStatus(StatusDeleted)

	if deleteFiles {
		dir := m.projectDir(sb.UserID, projectID)
		if strings.HasPrefix(dir, m.workspaceRoot+string(filepath.Separator)) {
			if err := os.RemoveAll(dir); err != nil {
				m.logger.Warn("project file removal failed", "project", projectID, "error", err)
			}
		}
	}

	m.logger.Info("deleted sandbox", "project", projectID, "files_removed", deleteFiles)
	return nil
}

// Sweep tears down every expired sandbox and returns how many went.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now()
	m.mu.Lock()
	var expired []*Sandbox
	for _, sb := range m.registry {
		if sb.Expired(now) {
			expired = append(expired, sb)
		}
	}
	m.mu.Unlock()

	for _, sb := range expired {
		m.logger.Info("sweeping expired sandbox",
			"project", sb.ProjectID,
			"age", now.Sub(sb.CreatedAt).Round(time.Second),
			"idle", now.Sub(sb.LastActivity()).Round(time.Second),
		)
		if err := m.Delete(ctx, sb.ProjectID, false); err != nil {
			m.logger.Warn("sweep delete failed", "project", sb.ProjectID, "error", err)
			continue
		}
		if m.events != nil {
			m.events.Publish(bus.Event{
				Type:      bus.EventSwept,
				ProjectID: sb.ProjectID,
				SandboxID: sb.ID,
				Reason:    "expired",
				Timestamp: now,
			})
		}
	}
	return len(expired)
}

// RunSweeper runs the expiry sweep on a fixed interval until the
// context is cancelled. The first pass runs immediately.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	m.logger.Info("starting expiry sweeper", "interval", interval)
	m.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("sweep complete", "removed", n)
			}
		}
	}
}

// Runtime exposes the underlying runtime to sibling components.
func (m *Manager) Runtime() Runtime {
	return m.runtime
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
