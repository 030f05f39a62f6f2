// Package bus carries monitor events from the engine's background loops
// to whoever wants them, decoupling monitor failures from subscriber
// failures.
package bus

import "time"

// Event types published by the health monitor and sweeper.
const (
	EventUnhealthy = "sandbox.unhealthy"
	EventRestarted = "sandbox.restarted"
	EventDied      = "sandbox.died"
	EventSwept     = "sandbox.swept"
)

// Event describes one observation about a sandbox.
type Event struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	SandboxID string    `json:"sandboxId"`
	Reason    string    `json:"reason,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	Restarts  int       `json:"restarts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
