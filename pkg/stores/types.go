package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Run is a persisted run header.
type Run struct {
	ID          string        `json:"id"`
	Manifest    string        `json:"manifest"`
	Status      string        `json:"status"`
	Cancelled   bool          `json:"cancelled"`
	DryRun      bool          `json:"dry_run"`
	SuspendMode string        `json:"suspend_mode"`
	MaxParallel int           `json:"max_parallel"`
	Servers     int           `json:"servers"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Summary     string        `json:"summary"` // JSON blob
}

// NodeRecord is the persisted result of one sequence node.
type NodeRecord struct {
	RunID       string        `json:"run_id"`
	NodeID      string        `json:"node_id"`
	Position    int           `json:"position"`
	ParentID    string        `json:"parent_id,omitempty"`
	Server      string        `json:"server,omitempty"`
	Kind        string        `json:"kind"`
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Output      string        `json:"output,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// LBEvent is a persisted load balancer call.
type LBEvent struct {
	ID     int64     `json:"id"`
	RunID  string    `json:"run_id"`
	Server string    `json:"server"`
	Action string    `json:"action"`
	Mode   string    `json:"mode,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// FactRecord is the cached facts of one server.
type FactRecord struct {
	Server      string            `json:"server"`
	OSName      string            `json:"os_name"`
	OSVersion   string            `json:"os_version"`
	Kernel      string            `json:"kernel"`
	Arch        string            `json:"arch"`
	Hostname    string            `json:"hostname"`
	Extra       map[string]string `json:"extra,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
}

// RunFinish holds the fields written when a run completes.
type RunFinish struct {
	Status      string
	Cancelled   bool
	CompletedAt time.Time
	Duration    time.Duration
	Error       string
	Summary     string
}

// Store defines the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, finish RunFinish) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FindRun(ctx context.Context, idOrPrefix string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Node results
	UpsertNodeResults(ctx context.Context, records []*NodeRecord) error
	ListNodeResults(ctx context.Context, runID string) ([]*NodeRecord, error)

	// Load balancer events
	AppendLBEvent(ctx context.Context, event *LBEvent) error
	ListLBEvents(ctx context.Context, runID string) ([]*LBEvent, error)

	// Facts
	UpsertFacts(ctx context.Context, facts *FactRecord) error
	GetFacts(ctx context.Context, server string) (*FactRecord, error)
	DeleteFactsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
