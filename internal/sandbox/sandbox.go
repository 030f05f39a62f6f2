package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status describes where a sandbox is in its lifecycle.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusDeleted  Status = "deleted"
)

// Sandbox is the engine's record of one project's isolated environment.
// There is at most one live Sandbox per project. Mutable fields are
// guarded by mu; the port map and config are fixed after creation.
type Sandbox struct {
	ID        string
	ProjectID string
	UserID    string
	Kind      Kind

	// ContainerID is the runtime handle. It changes only across a
	// health-driven restart that recreates the container.
	ContainerID string

	// Ports maps container-internal port to the host port reserved for
	// it. Fixed for the sandbox's lifetime.
	Ports map[int]int

	Config    Config
	CreatedAt time.Time

	mu sync.RWMutex

	status       Status
	lastActivity time.Time

	// activePort is the container-internal port the dev server was last
	// observed listening on, scraped from its startup banner. Zero until
	// detected.
	activePort int
}

// newSandbox builds the registry entry for a freshly created container.
func newSandbox(projectID, userID string, kind Kind, cfg Config) *Sandbox {
	now := time.Now()
	return &Sandbox{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		UserID:       userID,
		Kind:         kind,
		Ports:        make(map[int]int, len(cfg.ExposedPorts)),
		Config:       cfg,
		CreatedAt:    now,
		status:       StatusCreating,
		lastActivity: now,
	}
}

// Status returns the current lifecycle status.
func (s *Sandbox) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the lifecycle status.
func (s *Sandbox) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Touch records activity, pushing back the idle-expiry deadline.
func (s *Sandbox) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent command or file
// operation against this sandbox.
func (s *Sandbox) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Expired reports whether the sandbox has outlived its maximum lifetime
// or sat idle past its idle timeout.
func (s *Sandbox) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if now.Sub(s.CreatedAt) > s.Config.MaxLifetime {
		return true
	}
	return now.Sub(s.lastActivity) > s.Config.IdleTimeout
}

// ActivePort returns the detected dev-server port, or zero if none has
// been observed yet.
func (s *Sandbox) ActivePort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePort
}

// SetActivePort records a dev-server port scraped from command output.
// Ports outside the sandbox's exposed set are ignored: a banner can
// mention a port that has no host binding, which would make the preview
// URL unreachable.
func (s *Sandbox) SetActivePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Ports[port]; ok {
		s.activePort = port
	}
}

// HostPort returns the host port bound to the given container port.
func (s *Sandbox) HostPort(containerPort int) (int, bool) {
	hp, ok := s.Ports[containerPort]
	return hp, ok
}

// Info is a read-only snapshot of a sandbox for status listings.
type Info struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"projectId"`
	UserID       string      `json:"userId"`
	Kind         Kind        `json:"kind"`
	ContainerID  string      `json:"containerId"`
	Status       Status      `json:"status"`
	Ports        map[int]int `json:"ports"`
	ActivePort   int         `json:"activePort,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
}

// Snapshot returns a copy of the sandbox state safe to serialize.
func (s *Sandbox) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make(map[int]int, len(s.Ports))
	for k, v := range s.Ports {
		ports[k] = v
	}
	return Info{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		UserID:       s.UserID,
		Kind:         s.Kind,
		ContainerID:  s.ContainerID,
		Status:       s.status,
		Ports:        ports,
		ActivePort:   s.activePort,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}
