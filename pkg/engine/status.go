package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status represents the execution status of a sequence node within one run.
type Status string

const (
	// StatusPending indicates the node has not been reached yet.
	StatusPending Status = "pending"

	// StatusRunning indicates the node is currently executing.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the node and all of its children completed successfully.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the node or one of its children failed.
	StatusFailed Status = "failed"

	// StatusSkipped indicates the node was gated off or never started.
	StatusSkipped Status = "skipped"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// SuspendMode controls how a server is taken out of the load balancer.
type SuspendMode string

const (
	// SuspendModeNone performs no load balancer calls.
	SuspendModeNone SuspendMode = "none"

	// SuspendModeGraceful waits for in-flight connections to drain.
	SuspendModeGraceful SuspendMode = "graceful"

	// SuspendModeImmediate removes the server without waiting.
	SuspendModeImmediate SuspendMode = "immediate"
)

// ParseSuspendMode parses a case-insensitive suspend mode. An empty string yields SuspendModeNone.
func ParseSuspendMode(s string) (SuspendMode, error) {
	if s == "" {
		return SuspendModeNone, nil
	}
	mode := SuspendMode(strings.ToLower(s))
	if err := mode.Validate(); err != nil {
		return "", err
	}
	return mode, nil
}

// Validate checks if the suspend mode is valid.
func (m SuspendMode) Validate() error {
	switch m {
	case SuspendModeNone, SuspendModeGraceful, SuspendModeImmediate:
		return nil
	default:
		return fmt.Errorf("invalid suspend mode: %s", m)
	}
}

// NodeKind identifies the variant of a sequence node.
type NodeKind string

const (
	// NodeKindLocal is the root for work run once on the deploying machine.
	NodeKindLocal NodeKind = "local"

	// NodeKindRemote is the root for work scoped to one server.
	NodeKindRemote NodeKind = "remote"

	// NodeKindConditional gates its children on a predicate.
	NodeKindConditional NodeKind = "conditional"

	// NodeKindOperation wraps a single unit of work.
	NodeKindOperation NodeKind = "operation"
)

// IsComposite returns true if nodes of this kind may have children.
func (k NodeKind) IsComposite() bool {
	return k != NodeKindOperation
}
