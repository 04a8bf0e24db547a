package engine

import (
	"context"
	"time"
)

// Operation is a unit of idempotent work executed by the engine.
// A nil error means success. The engine never retries an operation.
type Operation interface {
	// Name returns a short human-readable description used in results and logs.
	Name() string

	// Execute runs the work against target. Implementations should observe ctx
	// but the engine never interrupts an operation that has started.
	Execute(ctx context.Context, target Target) (*Diagnostics, error)
}

// LoadBalancer takes servers out of and back into live traffic.
type LoadBalancer interface {
	// Suspend removes the server from rotation. The engine never calls it with SuspendModeNone.
	Suspend(ctx context.Context, server *Server, mode SuspendMode) error

	// Resume restores the server to rotation.
	Resume(ctx context.Context, server *Server) error
}

// FactProvider resolves runtime facts for a server.
type FactProvider interface {
	// ResolveFacts is called at most once per server per run.
	ResolveFacts(ctx context.Context, server *Server) (Facts, error)
}

// RunRecorder receives execution progress, typically for persistence.
// Recorder errors are logged and never affect the run.
type RunRecorder interface {
	RunStarted(ctx context.Context, run *RunResult) error
	NodeFinished(ctx context.Context, runID string, server string, node *NodeResult) error
	LoadBalancerCall(ctx context.Context, runID string, call LoadBalancerCall) error
	RunFinished(ctx context.Context, run *RunResult) error
}

// LoadBalancerCall describes one suspend or resume attempt.
type LoadBalancerCall struct {
	Server string      `json:"server"`
	Action string      `json:"action"`
	Mode   SuspendMode `json:"mode,omitempty"`
	Error  string      `json:"error,omitempty"`
	At     time.Time   `json:"at"`
}

// Load balancer call actions.
const (
	ActionSuspend = "suspend"
	ActionResume  = "resume"
)

// EventPublisher publishes execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeRunStarted       EventType = "run_started"
	EventTypeRunCompleted     EventType = "run_completed"
	EventTypeRunFailed        EventType = "run_failed"
	EventTypeServerStarted    EventType = "server_started"
	EventTypeServerCompleted  EventType = "server_completed"
	EventTypeServerFailed     EventType = "server_failed"
	EventTypeNodeCompleted    EventType = "node_completed"
	EventTypeNodeFailed       EventType = "node_failed"
	EventTypeNodeSkipped      EventType = "node_skipped"
	EventTypeSuspended        EventType = "server_suspended"
	EventTypeResumed          EventType = "server_resumed"
	EventTypeCancelled        EventType = "run_cancelled"
	EventTypeLoadBalancerFail EventType = "load_balancer_failed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeServerFailed, EventTypeNodeFailed, EventTypeLoadBalancerFail:
		return "error"
	case EventTypeCancelled, EventTypeNodeSkipped:
		return "warning"
	default:
		return "info"
	}
}

// Event is a timeline entry emitted during a run.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Server    string                 `json:"server,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
