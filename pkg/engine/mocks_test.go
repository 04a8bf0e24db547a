package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// journal records the global order of operations and load balancer calls.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// mockOperation records its executions in a journal.
type mockOperation struct {
	name    string
	journal *journal
	err     error
	panics  bool
	delay   time.Duration
	fn      func(ctx context.Context, target Target)
}

func newOp(name string, j *journal) *mockOperation {
	return &mockOperation{name: name, journal: j}
}

func (o *mockOperation) Name() string { return o.name }

func (o *mockOperation) Execute(ctx context.Context, target Target) (*Diagnostics, error) {
	where := "local"
	if target.Server != nil {
		where = target.Server.Name
	}
	if o.journal != nil {
		o.journal.add("op:%s:%s", where, o.name)
	}
	if o.fn != nil {
		o.fn(ctx, target)
	}
	if o.panics {
		panic("operation blew up")
	}
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	diag := NewDiagnostics()
	diag.AddOutput(o.name + " done")
	return diag, o.err
}

// mockBalancer records suspend and resume calls.
type mockBalancer struct {
	journal     *journal
	suspendErr  error
	resumeErr   error
	resumeCtxOK bool
	onSuspend   func(ctx context.Context) error
}

func (b *mockBalancer) Suspend(ctx context.Context, server *Server, mode SuspendMode) error {
	b.journal.add("suspend:%s:%s", server.Name, mode)
	if b.onSuspend != nil {
		return b.onSuspend(ctx)
	}
	return b.suspendErr
}

func (b *mockBalancer) Resume(ctx context.Context, server *Server) error {
	b.journal.add("resume:%s", server.Name)
	b.resumeCtxOK = ctx.Err() == nil
	return b.resumeErr
}

// mockRecorder captures everything the engine reports.
type mockRecorder struct {
	mu       sync.Mutex
	started  []string
	nodes    []*NodeResult
	lbCalls  []LoadBalancerCall
	finished []*RunResult
	err      error
}

func (r *mockRecorder) RunStarted(ctx context.Context, run *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run.ID)
	return r.err
}

func (r *mockRecorder) NodeFinished(ctx context.Context, runID, server string, node *NodeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, node)
	return r.err
}

func (r *mockRecorder) LoadBalancerCall(ctx context.Context, runID string, call LoadBalancerCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lbCalls = append(r.lbCalls, call)
	return r.err
}

func (r *mockRecorder) RunFinished(ctx context.Context, run *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
	return r.err
}

// mockEventPublisher collects published events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockEventPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// mockMetrics counts recorder calls.
type mockMetrics struct {
	mu          sync.Mutex
	runsStarted int
	runStatus   []string
	nodes       map[string]int
	lbCalls     map[string]int
	predicates  map[string]int
	active      float64
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		nodes:      make(map[string]int),
		lbCalls:    make(map[string]int),
		predicates: make(map[string]int),
	}
}

func (m *mockMetrics) RecordRunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsStarted++
}

func (m *mockMetrics) RecordRunCompleted(status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runStatus = append(m.runStatus, status)
}

func (m *mockMetrics) RecordNodeExecution(kind, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[kind+":"+status]++
}

func (m *mockMetrics) RecordLoadBalancerCall(action, mode string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := action
	if failed {
		key += ":failed"
	}
	m.lbCalls[key]++
}

func (m *mockMetrics) RecordPredicateEvaluation(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicates[result]++
}

func (m *mockMetrics) RecordServerActive(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active += delta
}

var errBoom = errors.New("boom")

func windowsFacts() Facts {
	return Facts{OS: OSFacts{Name: "Windows Server 2019", Version: "10.0.17763"}}
}

func ubuntuFacts() Facts {
	return Facts{OS: OSFacts{Name: "Ubuntu", Version: "22.04"}}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
