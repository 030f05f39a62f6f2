package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hkuds/appbox/internal/bus"
)

// HealthState classifies a sandbox's last probe.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStarting  HealthState = "starting"
	HealthDead      HealthState = "dead"
	HealthUnknown   HealthState = "unknown"
)

// Monitor defaults.
const (
	DefaultProbeTimeout    = 5 * time.Second
	DefaultProbeInterval   = 30 * time.Second
	DefaultMaxRestarts     = 5
	DefaultRestartBackoff  = 10 * time.Second
	DefaultBudgetResetGap  = 10 * time.Minute
	failuresBeforeRestart  = 3
	maxRestartBackoffShift = 6
)

// Health is the monitor's bookkeeping for one sandbox. A new sandbox
// gets a fresh record; once monitoring is disabled it never reactivates
// for that sandbox.
type Health struct {
	SandboxID   string      `json:"sandboxId"`
	State       HealthState `json:"state"`
	LastCheck   time.Time   `json:"lastCheck"`
	Failures    int         `json:"failures"`
	Restarts    int         `json:"restarts"`
	LastRestart time.Time   `json:"lastRestart,omitempty"`
	LastHealthy time.Time   `json:"lastHealthy,omitempty"`
	Monitoring  bool        `json:"monitoring"`
}

// MonitorOptions configure a Monitor.
type MonitorOptions struct {
	ProbeTimeout   time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration

	// BudgetResetGap is how long a sandbox must stay healthy after its
	// last restart before the restart budget resets.
	BudgetResetGap time.Duration

	Logger *slog.Logger
	Events *bus.EventBus
}

// Monitor probes every live sandbox on a fixed interval and drives
// restart and give-up decisions. Events go out through the bus;
// subscriber failures never break the loop.
type Monitor struct {
	manager *Manager
	events  *bus.EventBus
	logger  *slog.Logger

	probeTimeout   time.Duration
	maxRestarts    int
	restartBackoff time.Duration
	budgetResetGap time.Duration

	mu     sync.Mutex
	health map[string]*Health
}

// NewMonitor builds a Monitor over the manager's registry.
func NewMonitor(m *Manager, opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	if opts.BudgetResetGap <= 0 {
		opts.BudgetResetGap = DefaultBudgetResetGap
	}
	return &Monitor{
		manager:        m,
		events:         opts.Events,
		logger:         opts.Logger.With("component", "health"),
		probeTimeout:   opts.ProbeTimeout,
		maxRestarts:    opts.MaxRestarts,
		restartBackoff: opts.RestartBackoff,
		budgetResetGap: opts.BudgetResetGap,
		health:         make(map[string]*Health),
	}
}

// Run probes every sandbox on the given interval until the context is
// cancelled.
func (mo *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	mo.logger.Info("starting health monitor", "interval", interval, "max_restarts", mo.maxRestarts)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			mo.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			mo.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probe pass over every registered sandbox.
func (mo *Monitor) CheckAll(ctx context.Context) {
	infos, err := mo.manager.Runtime().List(ctx)
	if err != nil {
		mo.logger.Error("runtime listing failed, skipping probe pass", "error", err)
		return
	}
	present := make(map[string]bool, len(infos))
	running := make(map[string]bool, len(infos))
	for _, info := range infos {
		present[info.ID] = true
		running[info.ID] = info.Running
	}

	for _, snapshot := range mo.manager.List() {
		sb, ok := mo.manager.Get(snapshot.ProjectID)
		if !ok {
			continue
		}
		mo.checkOne(ctx, sb, present[sb.ContainerID], running[sb.ContainerID])
	}

	mo.pruneStale()
}

// checkOne probes one sandbox and applies the restart policy. Health
// records are shared with the API's status handler, so every field
// access happens under mo.mu; the probe and the restart call run
// outside the lock.
func (mo *Monitor) checkOne(ctx context.Context, sb *Sandbox, present, isRunning bool) {
	now := time.Now()

	mo.mu.Lock()
	h := mo.record(sb.ID)
	if !h.Monitoring {
		mo.mu.Unlock()
		return
	}
	h.LastCheck = now

	// Registry says the sandbox exists but the runtime has no trace of
	// it: terminal. Recreation is an external decision.
	if !present {
		h.State = HealthDead
		h.Monitoring = false
		restarts := h.Restarts
		mo.mu.Unlock()
		mo.logger.Warn("sandbox vanished from runtime", "project", sb.ProjectID, "sandbox", sb.ID)
		mo.publish(bus.EventDied, sb, "container missing from runtime", 0, restarts)
		sb.SetStatus(StatusError)
		return
	}

	if !isRunning {
		h.State = HealthStarting
		mo.mu.Unlock()
		mo.attemptRestart(ctx, sb, "container not running")
		return
	}
	mo.mu.Unlock()

	alive := mo.probe(ctx, sb)

	mo.mu.Lock()
	if alive {
		h.State = HealthHealthy
		h.Failures = 0
		h.LastHealthy = now
		// A sandbox that has stayed healthy long enough since its last
		// restart earns its restart budget back.
		if h.Restarts > 0 && !h.LastRestart.IsZero() && now.Sub(h.LastRestart) > mo.budgetResetGap {
			previous := h.Restarts
			h.Restarts = 0
			mo.mu.Unlock()
			mo.logger.Info("restart budget reset", "project", sb.ProjectID, "previous_restarts", previous)
			return
		}
		mo.mu.Unlock()
		return
	}

	h.State = HealthUnhealthy
	h.Failures++
	failures := h.Failures
	restarts := h.Restarts
	mo.mu.Unlock()

	mo.logger.Warn("health probe failed", "project", sb.ProjectID, "consecutive", failures)
	mo.publish(bus.EventUnhealthy, sb, "probe failed", failures, restarts)

	if failures >= failuresBeforeRestart {
		mo.attemptRestart(ctx, sb, "consecutive probe failures")
	}
}

// probe runs a trivial liveness command with a short timeout.
func (mo *Monitor) probe(ctx context.Context, sb *Sandbox) bool {
	probeCtx, cancel := context.WithTimeout(ctx, mo.probeTimeout)
	defer cancel()

	sess, err := mo.manager.Runtime().Exec(probeCtx, sb.ContainerID, []string{"echo", "ok"}, sb.Config.WorkDir)
	if err != nil {
		return false
	}
	defer sess.Close()
	code, err := sess.Wait(probeCtx)
	return err == nil && code == 0
}

// attemptRestart applies the backoff and budget policy, then restarts.
// The bookkeeping commits under mo.mu before the runtime restart runs.
func (mo *Monitor) attemptRestart(ctx context.Context, sb *Sandbox, reason string) {
	now := time.Now()

	mo.mu.Lock()
	h := mo.record(sb.ID)

	if h.Restarts >= mo.maxRestarts {
		// Budget exhausted: terminal. Deleting and recreating the
		// sandbox is up to the caller.
		h.State = HealthDead
		h.Monitoring = false
		restarts := h.Restarts
		mo.mu.Unlock()
		mo.logger.Error("restart budget exhausted, giving up",
			"project", sb.ProjectID, "restarts", restarts)
		mo.publish(bus.EventDied, sb, "restart budget exhausted", 0, restarts)
		sb.SetStatus(StatusError)
		return
	}

	backoff := mo.restartBackoff << min(h.Restarts, maxRestartBackoffShift)
	if !h.LastRestart.IsZero() && now.Sub(h.LastRestart) < backoff {
		mo.mu.Unlock()
		return
	}

	h.Restarts++
	h.LastRestart = now
	h.Failures = 0
	h.State = HealthStarting
	attempt := h.Restarts
	mo.mu.Unlock()

	mo.logger.Info("restarting sandbox",
		"project", sb.ProjectID, "reason", reason, "attempt", attempt, "backoff", backoff)
	if err := mo.manager.Restart(ctx, sb.ProjectID); err != nil {
		mo.logger.Error("restart failed", "project", sb.ProjectID, "error", err)
	}
	mo.publish(bus.EventRestarted, sb, reason, 0, attempt)
}

// record returns (creating lazily) the entry for a sandbox. Callers
// must hold mo.mu.
func (mo *Monitor) record(sandboxID string) *Health {
	h, ok := mo.health[sandboxID]
	if !ok {
		h = &Health{
			SandboxID:  sandboxID,
			State:      HealthUnknown,
			Monitoring: true,
		}
		mo.health[sandboxID] = h
	}
	return h
}

// Snapshot returns the health record for a sandbox, if any.
func (mo *Monitor) Snapshot(sandboxID string) (Health, bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	h, ok := mo.health[sandboxID]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// pruneStale drops health records whose sandbox left the registry.
func (mo *Monitor) pruneStale() {
	live := make(map[string]bool)
	for _, info := range mo.manager.List() {
		live[info.ID] = true
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	for id := range mo.health {
		if !live[id] {
			delete(mo.health, id)
		}
	}
}

func (mo *Monitor) publish(eventType string, sb *Sandbox, reason string, failures, restarts int) {
	if mo.events == nil {
		return
	}
	mo.events.Publish(bus.Event{
		Type:      eventType,
		ProjectID: sb.ProjectID,
		SandboxID: sb.ID,
		Reason:    reason,
		Failures:  failures,
		Restarts:  restarts,
		Timestamp: time.Now(),
	})
}
