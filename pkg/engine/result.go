package engine

import (
	"time"

	"github.com/google/uuid"
)

// Skip reasons recorded on skipped nodes.
const (
	SkipReasonGate      = "condition not met"
	SkipReasonAborted   = "aborted after failure"
	SkipReasonCancelled = "cancelled"
	SkipReasonNoFacts   = "facts unavailable"
	SkipReasonLocal     = "local sequence failed"
)

// NodeResult is the per-run status of one sequence node.
type NodeResult struct {
	NodeID      string        `json:"node_id"`
	Kind        NodeKind      `json:"kind"`
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Err         error         `json:"-"`
	Diagnostics *Diagnostics  `json:"diagnostics,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Children    []*NodeResult `json:"children,omitempty"`
}

// newResultTree mirrors node and its descendants with pending results.
func newResultTree(node *Node) *NodeResult {
	children := node.Children()
	res := &NodeResult{
		NodeID:   node.id,
		Kind:     node.kind,
		Name:     node.name,
		Status:   StatusPending,
		Children: make([]*NodeResult, len(children)),
	}
	for i, c := range children {
		res.Children[i] = newResultTree(c)
	}
	return res
}

func (r *NodeResult) start() {
	r.Status = StatusRunning
	r.StartedAt = time.Now()
}

func (r *NodeResult) finish(status Status) {
	r.Status = status
	r.CompletedAt = time.Now()
	if !r.StartedAt.IsZero() {
		r.Duration = r.CompletedAt.Sub(r.StartedAt)
	}
}

func (r *NodeResult) fail(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
	r.finish(StatusFailed)
}

// skip marks r and every non-terminal descendant skipped.
func (r *NodeResult) skip(reason string) {
	r.Walk(func(n *NodeResult) {
		if n.Status.IsTerminal() {
			return
		}
		n.Status = StatusSkipped
		n.SkipReason = reason
		n.CompletedAt = time.Now()
	})
}

// failSubtree marks every non-terminal descendant of r failed with err.
func (r *NodeResult) failSubtree(err error) {
	for _, c := range r.Children {
		c.Walk(func(n *NodeResult) {
			if n.Status.IsTerminal() {
				return
			}
			n.Err = err
			n.Error = err.Error()
			n.Status = StatusFailed
			n.CompletedAt = time.Now()
		})
	}
}

// Walk visits r and its descendants depth-first.
func (r *NodeResult) Walk(fn func(n *NodeResult)) {
	fn(r)
	for _, c := range r.Children {
		c.Walk(fn)
	}
}

// Find returns the result for nodeID within r, or nil.
func (r *NodeResult) Find(nodeID string) *NodeResult {
	var found *NodeResult
	r.Walk(func(n *NodeResult) {
		if found == nil && n.NodeID == nodeID {
			found = n
		}
	})
	return found
}

// ServerResult is the outcome of one server's Remote subtree.
type ServerResult struct {
	Server    string      `json:"server"`
	Facts     *Facts      `json:"facts,omitempty"`
	Root      *NodeResult `json:"root"`
	Suspended bool        `json:"suspended"`
	Resumed   bool        `json:"resumed"`

	// PostDeploymentError is set when resuming the server failed. It never
	// replaces the subtree status in Root.
	PostDeploymentError string `json:"post_deployment_error,omitempty"`
	PostDeploymentErr   error  `json:"-"`
}

// Status returns the status of the server's Remote subtree.
func (s *ServerResult) Status() Status {
	return s.Root.Status
}

// Succeeded returns true if the subtree succeeded and the server was restored.
func (s *ServerResult) Succeeded() bool {
	return s.Root.Status == StatusSucceeded && s.PostDeploymentErr == nil
}

// RunResult is the per-server, per-node status tree of one run.
type RunResult struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Cancelled   bool            `json:"cancelled"`
	Settings    Settings        `json:"settings"`
	Local       *NodeResult     `json:"local"`
	Servers     []*ServerResult `json:"servers"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

func newRunResult(m *Manager, settings Settings) *RunResult {
	remotes := m.RemoteNodes()
	run := &RunResult{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Settings:  settings,
		Local:     newResultTree(m.Local()),
		Servers:   make([]*ServerResult, len(remotes)),
		StartedAt: time.Now(),
	}
	for i, r := range remotes {
		run.Servers[i] = &ServerResult{
			Server: r.server.Name,
			Root:   newResultTree(r),
		}
	}
	return run
}

// Succeeded returns true if the local sequence and every server succeeded.
func (r *RunResult) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Server returns the result for the named server, or nil.
func (r *RunResult) Server(name string) *ServerResult {
	for _, s := range r.Servers {
		if s.Server == name {
			return s
		}
	}
	return nil
}

// Node returns the result for nodeID anywhere in the run, or nil.
func (r *RunResult) Node(nodeID string) *NodeResult {
	if n := r.Local.Find(nodeID); n != nil {
		return n
	}
	for _, s := range r.Servers {
		if n := s.Root.Find(nodeID); n != nil {
			return n
		}
	}
	return nil
}

// aggregate computes the overall run status from the subtrees.
func (r *RunResult) aggregate() Status {
	if r.Local.Status != StatusSucceeded {
		return StatusFailed
	}
	for _, s := range r.Servers {
		if !s.Succeeded() {
			return StatusFailed
		}
	}
	return StatusSucceeded
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Servers          int `json:"servers"`
	ServersSucceeded int `json:"servers_succeeded"`
	ServersFailed    int `json:"servers_failed"`
	ServersNotRun    int `json:"servers_not_run"`
	Operations       int `json:"operations"`
	Succeeded        int `json:"succeeded"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	Pending          int `json:"pending"`
	PostDeployment   int `json:"post_deployment_errors"`
}

// Summary counts servers and operation outcomes.
func (r *RunResult) Summary() RunSummary {
	summary := RunSummary{Servers: len(r.Servers)}

	count := func(n *NodeResult) {
		if n.Kind != NodeKindOperation {
			return
		}
		summary.Operations++
		switch n.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		case StatusPending, StatusRunning:
			summary.Pending++
		}
	}

	r.Local.Walk(count)
	for _, s := range r.Servers {
		s.Root.Walk(count)
		switch {
		case s.Root.Status == StatusPending, s.Root.Status == StatusSkipped, s.Root.StartedAt.IsZero():
			summary.ServersNotRun++
		case s.Succeeded():
			summary.ServersSucceeded++
		default:
			summary.ServersFailed++
		}
		if s.PostDeploymentErr != nil {
			summary.PostDeployment++
		}
	}

	return summary
}
