package engine

import (
	"fmt"
	"strings"
	"time"
)

// Server identifies a deployment target and how to reach it.
type Server struct {
	// Name is the unique identity of the server within a deployment.
	Name string `json:"name"`

	// Address is the hostname or IP address used to connect.
	Address string `json:"address,omitempty"`

	// Port is the SSH port (default: 22).
	Port int `json:"port,omitempty"`

	// User is the SSH user.
	User string `json:"user,omitempty"`

	// KeyPath is the path to the SSH private key.
	KeyPath string `json:"key_path,omitempty"`

	// Farm is the load balancer pool the server belongs to.
	Farm string `json:"farm,omitempty"`

	// Labels are key-value pairs for organizing servers.
	Labels map[string]string `json:"labels,omitempty"`
}

// Host returns the address to connect to, falling back to the server name.
func (s *Server) Host() string {
	if s.Address != "" {
		return s.Address
	}
	return s.Name
}

// OSFacts contains operating system information.
type OSFacts struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// Facts is the runtime fact bag for one server. It is resolved once per run
// and never modified afterwards.
type Facts struct {
	OS    OSFacts           `json:"os"`
	Extra map[string]string `json:"extra,omitempty"`

	// Labels are copied from the server's declared labels by the engine.
	Labels map[string]string `json:"labels,omitempty"`
}

// Settings are the deployment settings for one run. They are passed by value.
type Settings struct {
	// SuspendMode controls load balancer bracketing.
	SuspendMode SuspendMode `json:"suspend_mode"`

	// MaxParallel is the number of servers executed concurrently. Values below 2 run sequentially.
	MaxParallel int `json:"max_parallel"`

	// DryRun skips operation execution while still walking the tree.
	DryRun bool `json:"dry_run"`

	// OperationTimeout bounds each operation. Zero means no timeout.
	OperationTimeout time.Duration `json:"operation_timeout"`

	// ResumeTimeout bounds the resume call made after a server's work.
	ResumeTimeout time.Duration `json:"resume_timeout"`
}

// DefaultSettings returns sequential settings without load balancer bracketing.
func DefaultSettings() Settings {
	return Settings{
		SuspendMode:   SuspendModeNone,
		MaxParallel:   1,
		ResumeTimeout: 2 * time.Minute,
	}
}

// Validate checks if the settings are valid.
func (s Settings) Validate() error {
	if err := s.SuspendMode.Validate(); err != nil {
		return err
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("max parallel must not be negative, got: %d", s.MaxParallel)
	}
	if s.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout must not be negative, got: %s", s.OperationTimeout)
	}
	if s.ResumeTimeout < 0 {
		return fmt.Errorf("resume timeout must not be negative, got: %s", s.ResumeTimeout)
	}
	return nil
}

// Target is what an operation executes against.
type Target struct {
	// Server is nil for local operations.
	Server *Server

	// Facts are the resolved facts of Server. Empty for local operations.
	Facts Facts

	// Settings are the settings of the current run.
	Settings Settings
}

// IsLocal returns true if the target is the deploying machine.
func (t Target) IsLocal() bool {
	return t.Server == nil
}

// Diagnostics carries operation output back to the engine.
type Diagnostics struct {
	Output  []string          `json:"output,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewDiagnostics creates an empty diagnostics value.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{Details: make(map[string]string)}
}

// AddOutput appends the non-empty lines of text to the output.
func (d *Diagnostics) AddOutput(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line != "" {
			d.Output = append(d.Output, line)
		}
	}
}

// Set records a detail value.
func (d *Diagnostics) Set(key, value string) {
	if d.Details == nil {
		d.Details = make(map[string]string)
	}
	d.Details[key] = value
}
