package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
)

// ErrPortsExhausted is returned by Allocate when every port in the
// configured range is taken.
var ErrPortsExhausted = errors.New("host port range exhausted")

// Default host port range for sandbox bindings.
const (
	DefaultPortRangeStart = 40000
	DefaultPortRangeEnd   = 49999

	// randomProbeAttempts is how many random candidates are tried
	// before falling back to a linear scan of the range.
	randomProbeAttempts = 32
)

// PortAllocator is the process-wide authority for host ports. Every
// exposed sandbox port gets exactly one host port from the configured
// range; a port is recorded against exactly one project until released.
type PortAllocator struct {
	start int
	end   int

	mu        sync.Mutex
	inUse     map[int]bool
	byProject map[string]map[int]bool

	logger *slog.Logger
}

// NewPortAllocator creates an allocator over [start, end]. Out-of-order
// or zero bounds fall back to the defaults.
func NewPortAllocator(start, end int, logger *slog.Logger) *PortAllocator {
	if start <= 0 || end <= 0 || end < start {
		start, end = DefaultPortRangeStart, DefaultPortRangeEnd
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAllocator{
		start:     start,
		end:       end,
		inUse:     make(map[int]bool),
		byProject: make(map[string]map[int]bool),
		logger:    logger.With("component", "ports"),
	}
}

// Allocate reserves a host port for the project and returns it. The
// candidate must be untracked and pass a real bind probe, so a port
// held by an unrelated process is never handed out.
func (a *PortAllocator) Allocate(projectID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.end - a.start + 1
	for i := 0; i < randomProbeAttempts; i++ {
		candidate := a.start + rand.Intn(span)
		if a.inUse[candidate] {
			continue
		}
		if !probeBind(candidate) {
			continue
		}
		a.record(projectID, candidate)
		return candidate, nil
	}

	// Random probing kept colliding; scan the range in order.
	for candidate := a.start; candidate <= a.end; candidate++ {
		if a.inUse[candidate] {
			continue
		}
		if !probeBind(candidate) {
			continue
		}
		a.record(projectID, candidate)
		return candidate, nil
	}

	return 0, fmt.Errorf("%w (%d-%d)", ErrPortsExhausted, a.start, a.end)
}

// record must be called with the lock held.
func (a *PortAllocator) record(projectID string, port int) {
	a.inUse[port] = true
	if a.byProject[projectID] == nil {
		a.byProject[projectID] = make(map[int]bool)
	}
	a.byProject[projectID][port] = true
	a.logger.Debug("allocated host port", "project", projectID, "port", port)
}

// Release frees specific ports, or every port held by the project when
// called with no ports. Releasing an untracked port is a no-op.
func (a *PortAllocator) Release(projectID string, ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	held := a.byProject[projectID]
	if held == nil {
		return
	}
	if len(ports) == 0 {
		for port := range held {
			delete(a.inUse, port)
		}
		delete(a.byProject, projectID)
		a.logger.Debug("released all ports", "project", projectID)
		return
	}
	for _, port := range ports {
		if held[port] {
			delete(held, port)
			delete(a.inUse, port)
		}
	}
	if len(held) == 0 {
		delete(a.byProject, projectID)
	}
}

// ProjectPorts returns the host ports currently held by a project.
func (a *PortAllocator) ProjectPorts(projectID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for port := range a.byProject[projectID] {
		out = append(out, port)
	}
	return out
}

// InUseCount returns the number of reserved ports.
func (a *PortAllocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Recover seeds the allocator from bindings observed on the runtime's
// labeled containers. It must run once at startup, before any Allocate,
// so that a restarted engine does not hand out ports its own surviving
// sandboxes are already bound to.
func (a *PortAllocator) Recover(bindings map[string][]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for projectID, ports := range bindings {
		for _, port := range ports {
			if port < a.start || port > a.end {
				// Not ours to manage, but still mark it taken so we
				// never double-bind.
				a.inUse[port] = true
				continue
			}
			a.record(projectID, port)
		}
	}
	a.logger.Info("recovered port reservations", "projects", len(bindings), "ports", len(a.inUse))
}

// probeBind confirms the OS will actually grant the port right now.
func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
