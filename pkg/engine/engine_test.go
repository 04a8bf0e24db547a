package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testHarness struct {
	journal  *journal
	balancer *mockBalancer
	facts    *StaticFactProvider
	recorder *mockRecorder
	events   *mockEventPublisher
	metrics  *mockMetrics
	engine   *Engine
}

func newHarness() *testHarness {
	j := &journal{}
	h := &testHarness{
		journal:  j,
		balancer: &mockBalancer{journal: j},
		facts: NewStaticFactProvider(map[string]Facts{
			"web1": windowsFacts(),
			"web2": ubuntuFacts(),
			"web3": ubuntuFacts(),
		}),
		recorder: &mockRecorder{},
		events:   &mockEventPublisher{},
		metrics:  newMockMetrics(),
	}
	h.engine = h.build()
	return h
}

func (h *testHarness) build() *Engine {
	logger := zerolog.Nop()
	return New(Options{
		LoadBalancer: h.balancer,
		Facts:        h.facts,
		Recorder:     h.recorder,
		Events:       h.events,
		Metrics:      h.metrics,
		Logger:       &logger,
	})
}

func servers(names ...string) []*Server {
	out := make([]*Server, len(names))
	for i, n := range names {
		out[i] = &Server{Name: n}
	}
	return out
}

func gracefulSettings() Settings {
	s := DefaultSettings()
	s.SuspendMode = SuspendModeGraceful
	return s
}

func TestRunConditionalOnOSFacts(t *testing.T) {
	h := newHarness()
	m := NewManager()

	err := m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		if err := s.Execute(newOp("stop", h.journal)); err != nil {
			return err
		}
		if err := s.OnlyIf(OSNameHasPrefix("Windows")).Execute(newOp("iis-reset", h.journal)); err != nil {
			return err
		}
		return s.Execute(newOp("start", h.journal))
	})
	if err != nil {
		t.Fatalf("Expected no error building tree, got: %v", err)
	}

	run, err := h.engine.Run(context.Background(), m, DefaultSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{
		"op:web1:stop", "op:web1:iis-reset", "op:web1:start",
		"op:web2:stop", "op:web2:start",
	}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected execution order %v, got: %v", expected, got)
	}

	if run.Status != StatusSucceeded {
		t.Errorf("Expected run to succeed, got: %s", run.Status)
	}

	gate := run.Server("web2").Root.Children[1]
	if gate.Kind != NodeKindConditional {
		t.Fatalf("Expected conditional node, got: %s", gate.Kind)
	}
	if gate.Status != StatusSkipped || gate.SkipReason != SkipReasonGate {
		t.Errorf("Expected gate skipped with %q, got: %s %q", SkipReasonGate, gate.Status, gate.SkipReason)
	}
	if gate.Children[0].Status != StatusSkipped {
		t.Errorf("Expected gated operation skipped, got: %s", gate.Children[0].Status)
	}

	if run.Server("web1").Root.Children[1].Status != StatusSucceeded {
		t.Error("Expected web1 gate to succeed")
	}
	if h.metrics.predicates["true"] != 1 || h.metrics.predicates["false"] != 1 {
		t.Errorf("Expected one true and one false evaluation, got: %v", h.metrics.predicates)
	}
}

func TestRunGracefulSuspendOrdering(t *testing.T) {
	h := newHarness()
	m := NewManager()

	err := m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})
	if err != nil {
		t.Fatalf("Expected no error building tree, got: %v", err)
	}

	run, err := h.engine.Run(context.Background(), m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{
		"suspend:web1:graceful", "op:web1:deploy", "resume:web1",
		"suspend:web2:graceful", "op:web2:deploy", "resume:web2",
	}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}

	for _, sr := range run.Servers {
		if !sr.Suspended || !sr.Resumed {
			t.Errorf("Expected %s suspended and resumed, got: %v %v", sr.Server, sr.Suspended, sr.Resumed)
		}
	}
	if len(h.recorder.lbCalls) != 4 {
		t.Errorf("Expected 4 recorded load balancer calls, got: %d", len(h.recorder.lbCalls))
	}
}

func TestRunSuspendModeNoneMakesNoBalancerCalls(t *testing.T) {
	h := newHarness()
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, entry := range h.journal.list() {
		if strings.HasPrefix(entry, "suspend") || strings.HasPrefix(entry, "resume") {
			t.Errorf("Expected no load balancer calls, got: %s", entry)
		}
	}
}

func TestRunLocalExecutesFirst(t *testing.T) {
	h := newHarness()
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))
	_ = m.OnLocal().Execute(newOp("build", h.journal))
	_ = m.OnLocal().Execute(newOp("package", h.journal))

	run, err := h.engine.Run(context.Background(), m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{
		"op:local:build", "op:local:package",
		"suspend:web1:graceful", "op:web1:deploy", "resume:web1",
	}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}
	if run.Local.Status != StatusSucceeded {
		t.Errorf("Expected local to succeed, got: %s", run.Local.Status)
	}
}

func TestRunLocalFailureSkipsServers(t *testing.T) {
	h := newHarness()
	m := NewManager()

	failing := newOp("build", h.journal)
	failing.err = errBoom
	_ = m.OnLocal().Execute(failing)
	_ = m.OnLocal().Execute(newOp("package", h.journal))
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})

	run, err := h.engine.Run(context.Background(), m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := h.journal.list(); !equalStrings(got, []string{"op:local:build"}) {
		t.Fatalf("Expected only the failing local operation, got: %v", got)
	}
	if run.Status != StatusFailed {
		t.Errorf("Expected run failed, got: %s", run.Status)
	}
	if run.Local.Children[1].Status != StatusSkipped {
		t.Errorf("Expected second local operation skipped, got: %s", run.Local.Children[1].Status)
	}
	for _, sr := range run.Servers {
		if sr.Root.Status != StatusSkipped || sr.Root.SkipReason != SkipReasonLocal {
			t.Errorf("Expected %s skipped because of local failure, got: %s %q", sr.Server, sr.Root.Status, sr.Root.SkipReason)
		}
	}

	summary := run.Summary()
	if summary.ServersNotRun != 2 {
		t.Errorf("Expected 2 servers not run, got: %d", summary.ServersNotRun)
	}
}

func TestRunOperationFailureIsolatedToServer(t *testing.T) {
	h := newHarness()
	m := NewManager()

	for _, srv := range servers("web1", "web2") {
		stage, _ := m.OnServer(srv)
		first := newOp("stop", h.journal)
		if srv.Name == "web1" {
			first.err = errBoom
		}
		_ = stage.Execute(first)
		_ = stage.OnlyIf(OSNameHasPrefix("Windows")).Execute(newOp("iis-reset", h.journal))
		_ = stage.Execute(newOp("start", h.journal))
	}

	run, err := h.engine.Run(context.Background(), m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{
		"suspend:web1:graceful", "op:web1:stop", "resume:web1",
		"suspend:web2:graceful", "op:web2:stop", "op:web2:start", "resume:web2",
	}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}

	web1 := run.Server("web1")
	if web1.Root.Status != StatusFailed {
		t.Errorf("Expected web1 failed, got: %s", web1.Root.Status)
	}
	failed := web1.Root.Children[0]
	if !IsOperationFailed(failed.Err) || !errors.Is(failed.Err, errBoom) {
		t.Errorf("Expected operation failure wrapping boom, got: %v", failed.Err)
	}
	for _, rest := range web1.Root.Children[1:] {
		if rest.Status != StatusSkipped || rest.SkipReason != SkipReasonAborted {
			t.Errorf("Expected %s skipped after failure, got: %s %q", rest.Name, rest.Status, rest.SkipReason)
		}
	}
	if !web1.Resumed {
		t.Error("Expected web1 resumed after failure")
	}

	if !run.Server("web2").Succeeded() {
		t.Error("Expected web2 to succeed")
	}
	if run.Status != StatusFailed {
		t.Errorf("Expected run failed, got: %s", run.Status)
	}
}

func TestRunFailureInsideConditionalAbortsServer(t *testing.T) {
	h := newHarness()
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	inner := newOp("iis-reset", h.journal)
	inner.err = errBoom
	gate := stage.OnlyIf(OSNameHasPrefix("Windows"))
	_ = gate.Execute(inner)
	_ = gate.Execute(newOp("warmup", h.journal))
	_ = stage.Execute(newOp("start", h.journal))

	run, _ := h.engine.Run(context.Background(), m, DefaultSettings())

	root := run.Server("web1").Root
	if root.Children[0].Status != StatusFailed {
		t.Errorf("Expected conditional failed, got: %s", root.Children[0].Status)
	}
	if root.Children[0].Children[1].Status != StatusSkipped {
		t.Errorf("Expected sibling inside conditional skipped, got: %s", root.Children[0].Children[1].Status)
	}
	if root.Children[1].Status != StatusSkipped || root.Children[1].SkipReason != SkipReasonAborted {
		t.Errorf("Expected operation after conditional skipped, got: %s", root.Children[1].Status)
	}
}

func TestRunPredicateErrorFailsSubtreeOnly(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
	}{
		{
			name: "error",
			pred: namedPredicate{desc: "broken", fn: func(Facts) (bool, error) { return false, errBoom }},
		},
		{
			name: "panic",
			pred: PredicateFunc(func(f Facts) bool { panic("bad predicate") }),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			m := NewManager()

			stage, _ := m.OnServer(&Server{Name: "web1"})
			_ = stage.OnlyIf(tt.pred).Execute(newOp("gated", h.journal))
			_ = stage.Execute(newOp("after", h.journal))

			run, err := h.engine.Run(context.Background(), m, DefaultSettings())
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			if got := h.journal.list(); !equalStrings(got, []string{"op:web1:after"}) {
				t.Fatalf("Expected sibling to keep running, got: %v", got)
			}

			gate := run.Server("web1").Root.Children[0]
			if gate.Status != StatusFailed || !IsPredicateFailure(gate.Err) {
				t.Errorf("Expected predicate failure, got: %s %v", gate.Status, gate.Err)
			}
			if gate.Children[0].Status != StatusFailed {
				t.Errorf("Expected gated subtree failed, got: %s", gate.Children[0].Status)
			}
			if run.Server("web1").Root.Children[1].Status != StatusSucceeded {
				t.Error("Expected sibling after failing predicate to succeed")
			}
			if run.Status != StatusFailed {
				t.Errorf("Expected run failed, got: %s", run.Status)
			}
			if h.metrics.predicates["error"] != 1 {
				t.Errorf("Expected one predicate error, got: %v", h.metrics.predicates)
			}
		})
	}
}

func TestRunConditionalEvaluatedOncePerServer(t *testing.T) {
	h := newHarness()
	m := NewManager()

	var calls int32
	pred := PredicateFunc(func(f Facts) bool {
		atomic.AddInt32(&calls, 1)
		return true
	})

	_ = m.ToEachServer(servers("web1", "web2", "web3"), func(s *RemoteStage) error {
		gate := s.OnlyIf(pred)
		if err := gate.Execute(newOp("a", h.journal)); err != nil {
			return err
		}
		return gate.Execute(newOp("b", h.journal))
	})

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 evaluations, got: %d", got)
	}
}

func TestRunNestedConditionals(t *testing.T) {
	h := newHarness()
	m := NewManager()

	_ = m.ToEachServer([]*Server{
		{Name: "web1", Labels: map[string]string{"tier": "edge"}},
		{Name: "web2", Labels: map[string]string{"tier": "edge"}},
	}, func(s *RemoteStage) error {
		return s.OnlyIf(HasLabel("tier", "edge")).
			OnlyIf(Not(OSNameHasPrefix("Windows"))).
			Execute(newOp("nginx-reload", h.journal))
	})

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := h.journal.list(); !equalStrings(got, []string{"op:web2:nginx-reload"}) {
		t.Errorf("Expected only web2 to reload, got: %v", got)
	}
}

func TestRunFactsFailure(t *testing.T) {
	h := newHarness()
	h.engine = New(Options{
		LoadBalancer: h.balancer,
		Facts: FactProviderFunc(func(ctx context.Context, s *Server) (Facts, error) {
			if s.Name == "web1" {
				return Facts{}, errBoom
			}
			return ubuntuFacts(), nil
		}),
	})

	m := NewManager()
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})

	run, _ := h.engine.Run(context.Background(), m, gracefulSettings())

	expected := []string{"suspend:web2:graceful", "op:web2:deploy", "resume:web2"}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}

	web1 := run.Server("web1")
	if web1.Root.Status != StatusFailed || !IsTransient(web1.Root.Err) {
		t.Errorf("Expected transient facts failure, got: %s %v", web1.Root.Status, web1.Root.Err)
	}
	if web1.Root.Children[0].SkipReason != SkipReasonNoFacts {
		t.Errorf("Expected child skipped for missing facts, got: %q", web1.Root.Children[0].SkipReason)
	}
}

func TestRunSuspendFailureStillResumes(t *testing.T) {
	h := newHarness()
	h.balancer.suspendErr = errBoom

	m := NewManager()
	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	run, _ := h.engine.Run(context.Background(), m, gracefulSettings())

	expected := []string{"suspend:web1:graceful", "resume:web1"}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}

	sr := run.Server("web1")
	if sr.Root.Status != StatusFailed || sr.Suspended {
		t.Errorf("Expected failed, unsuspended server, got: %s suspended=%v", sr.Root.Status, sr.Suspended)
	}
	if sr.Root.Children[0].Status != StatusSkipped {
		t.Errorf("Expected operation skipped, got: %s", sr.Root.Children[0].Status)
	}
	if h.metrics.lbCalls["suspend:failed"] != 1 {
		t.Errorf("Expected failed suspend recorded, got: %v", h.metrics.lbCalls)
	}
}

func TestRunCancelledWhileResolvingFacts(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.engine = New(Options{
		LoadBalancer: h.balancer,
		Facts: FactProviderFunc(func(ctx context.Context, s *Server) (Facts, error) {
			cancel()
			return Facts{}, ctx.Err()
		}),
	})

	m := NewManager()
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})

	run, err := h.engine.Run(ctx, m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := h.journal.list(); len(got) != 0 {
		t.Fatalf("Expected no operations or balancer calls, got: %v", got)
	}
	web1 := run.Server("web1")
	if web1.Root.Status != StatusSkipped || web1.Root.SkipReason != SkipReasonCancelled {
		t.Errorf("Expected web1 skipped for cancellation, got: %s %q", web1.Root.Status, web1.Root.SkipReason)
	}
	if web1.Root.Err != nil {
		t.Errorf("Expected no failure recorded, got: %v", web1.Root.Err)
	}
	if web1.Root.Children[0].SkipReason != SkipReasonCancelled {
		t.Errorf("Expected operation skipped for cancellation, got: %q", web1.Root.Children[0].SkipReason)
	}
	if run.Server("web2").Root.Status != StatusPending {
		t.Errorf("Expected web2 never started, got: %s", run.Server("web2").Root.Status)
	}
	if !run.Cancelled {
		t.Error("Expected run marked cancelled")
	}
	if summary := run.Summary(); summary.ServersFailed != 0 || summary.ServersNotRun != 2 {
		t.Errorf("Expected 0 failed and 2 not run, got: %+v", summary)
	}
}

func TestRunCancelledDuringSuspendStillResumes(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.balancer.onSuspend = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	m := NewManager()
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})

	run, err := h.engine.Run(ctx, m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{"suspend:web1:graceful", "resume:web1"}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}
	if !h.balancer.resumeCtxOK {
		t.Error("Expected resume to run with a live context")
	}

	web1 := run.Server("web1")
	if web1.Root.Status != StatusSkipped || web1.Root.SkipReason != SkipReasonCancelled {
		t.Errorf("Expected web1 skipped for cancellation, got: %s %q", web1.Root.Status, web1.Root.SkipReason)
	}
	if web1.Root.Err != nil {
		t.Errorf("Expected no failure recorded, got: %v", web1.Root.Err)
	}
	if !web1.Resumed {
		t.Error("Expected web1 resumed")
	}
	if run.Server("web2").Root.Status != StatusPending {
		t.Errorf("Expected web2 never started, got: %s", run.Server("web2").Root.Status)
	}
}

func TestRunResumeFailureIsPostDeploymentError(t *testing.T) {
	h := newHarness()
	h.balancer.resumeErr = errBoom

	m := NewManager()
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		return s.Execute(newOp("deploy", h.journal))
	})

	run, _ := h.engine.Run(context.Background(), m, gracefulSettings())

	for _, sr := range run.Servers {
		if sr.Root.Status != StatusSucceeded {
			t.Errorf("Expected %s subtree to keep succeeded status, got: %s", sr.Server, sr.Root.Status)
		}
		if !IsPostDeployment(sr.PostDeploymentErr) {
			t.Errorf("Expected post-deployment error on %s, got: %v", sr.Server, sr.PostDeploymentErr)
		}
		if sr.Succeeded() {
			t.Errorf("Expected %s not to count as succeeded", sr.Server)
		}
	}
	if run.Status != StatusFailed {
		t.Errorf("Expected run failed, got: %s", run.Status)
	}
	if run.Summary().PostDeployment != 2 {
		t.Errorf("Expected 2 post-deployment errors, got: %d", run.Summary().PostDeployment)
	}
}

func TestRunCancellationBetweenServers(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager()
	_ = m.ToEachServer(servers("web1", "web2"), func(s *RemoteStage) error {
		op := newOp("deploy", h.journal)
		if s.Server().Name == "web1" {
			op.fn = func(opCtx context.Context, _ Target) {
				cancel()
				if opCtx.Err() != nil {
					t.Error("Expected running operation not to observe run cancellation")
				}
			}
		}
		if err := s.Execute(op); err != nil {
			return err
		}
		return s.Execute(newOp("verify", h.journal))
	})

	run, err := h.engine.Run(ctx, m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{"suspend:web1:graceful", "op:web1:deploy", "resume:web1"}
	if got := h.journal.list(); !equalStrings(got, expected) {
		t.Fatalf("Expected %v, got: %v", expected, got)
	}
	if !h.balancer.resumeCtxOK {
		t.Error("Expected resume to run with a live context")
	}

	if !run.Cancelled {
		t.Error("Expected run marked cancelled")
	}
	web1 := run.Server("web1")
	if web1.Root.Children[0].Status != StatusSucceeded {
		t.Errorf("Expected in-flight operation to complete, got: %s", web1.Root.Children[0].Status)
	}
	if web1.Root.Children[1].SkipReason != SkipReasonCancelled {
		t.Errorf("Expected next operation skipped for cancellation, got: %q", web1.Root.Children[1].SkipReason)
	}
	if run.Server("web2").Root.Status != StatusPending {
		t.Errorf("Expected web2 never started, got: %s", run.Server("web2").Root.Status)
	}
	if run.Status != StatusFailed {
		t.Errorf("Expected cancelled run to not succeed, got: %s", run.Status)
	}

	types := h.events.types()
	if types[len(types)-1] != EventTypeCancelled {
		t.Errorf("Expected final event %s, got: %s", EventTypeCancelled, types[len(types)-1])
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewManager()
	_ = m.OnLocal().Execute(newOp("build", h.journal))
	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	run, _ := h.engine.Run(ctx, m, gracefulSettings())

	if got := h.journal.list(); len(got) != 0 {
		t.Fatalf("Expected nothing to run, got: %v", got)
	}
	if run.Local.Children[0].SkipReason != SkipReasonCancelled {
		t.Errorf("Expected local operation skipped for cancellation, got: %q", run.Local.Children[0].SkipReason)
	}
	if !run.Cancelled {
		t.Error("Expected run marked cancelled")
	}
}

func TestRunParallelServers(t *testing.T) {
	h := newHarness()
	m := NewManager()

	var active, peak int32
	track := func(ctx context.Context, _ Target) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	_ = m.ToEachServer(servers("web1", "web2", "web3"), func(s *RemoteStage) error {
		op := newOp("deploy", nil)
		op.fn = track
		return s.Execute(op)
	})

	settings := gracefulSettings()
	settings.MaxParallel = 3

	run, err := h.engine.Run(context.Background(), m, settings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != StatusSucceeded {
		t.Errorf("Expected run to succeed, got: %s", run.Status)
	}
	if atomic.LoadInt32(&peak) < 2 {
		t.Errorf("Expected servers to overlap, peak concurrency was %d", peak)
	}
	if h.metrics.active != 0 {
		t.Errorf("Expected active server gauge back at 0, got: %v", h.metrics.active)
	}

	// Each server's own bracket still holds.
	pos := make(map[string]int)
	for i, entry := range h.journal.list() {
		pos[entry] = i
	}
	for _, name := range []string{"web1", "web2", "web3"} {
		if pos["suspend:"+name+":graceful"] > pos["resume:"+name] {
			t.Errorf("Expected %s suspended before resumed", name)
		}
	}
}

func TestRunDryRun(t *testing.T) {
	h := newHarness()
	m := NewManager()

	_ = m.OnLocal().Execute(newOp("build", h.journal))
	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	settings := gracefulSettings()
	settings.DryRun = true

	run, err := h.engine.Run(context.Background(), m, settings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := h.journal.list(); len(got) != 0 {
		t.Fatalf("Expected no side effects, got: %v", got)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("Expected dry run to succeed, got: %s", run.Status)
	}
	diag := run.Server("web1").Root.Children[0].Diagnostics
	if diag == nil || len(diag.Output) == 0 || !strings.Contains(diag.Output[0], "dry run") {
		t.Errorf("Expected dry run diagnostics, got: %+v", diag)
	}
}

func TestRunOperationTimeout(t *testing.T) {
	h := newHarness()
	m := NewManager()

	slow := newOp("slow", h.journal)
	slow.delay = time.Second
	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(slow)

	settings := DefaultSettings()
	settings.OperationTimeout = 20 * time.Millisecond

	run, _ := h.engine.Run(context.Background(), m, settings)

	res := run.Server("web1").Root.Children[0]
	if res.Status != StatusFailed {
		t.Fatalf("Expected timed out operation to fail, got: %s", res.Status)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", res.Err)
	}
}

func TestRunOperationPanic(t *testing.T) {
	h := newHarness()
	m := NewManager()

	bad := newOp("bad", h.journal)
	bad.panics = true
	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(bad)

	run, _ := h.engine.Run(context.Background(), m, gracefulSettings())

	res := run.Server("web1").Root.Children[0]
	if res.Status != StatusFailed || !strings.Contains(res.Error, "panicked") {
		t.Errorf("Expected panic reported as failure, got: %s %q", res.Status, res.Error)
	}
	if !run.Server("web1").Resumed {
		t.Error("Expected server resumed after panic")
	}
}

func TestRunFreezesManager(t *testing.T) {
	h := newHarness()
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !m.IsFrozen() {
		t.Fatal("Expected manager frozen after run")
	}

	err := stage.Execute(newOp("late", h.journal))
	if !IsPlanFrozen(err) {
		t.Errorf("Expected plan frozen error, got: %v", err)
	}
	if _, err := m.Remote(&Server{Name: "web9"}); !IsPlanFrozen(err) {
		t.Errorf("Expected plan frozen error for new server, got: %v", err)
	}
	if m.CountOperations() != 1 {
		t.Errorf("Expected tree unchanged, got %d operations", m.CountOperations())
	}

	// A frozen tree can be run again.
	run, err := h.engine.Run(context.Background(), m, DefaultSettings())
	if err != nil || run.Status != StatusSucceeded {
		t.Errorf("Expected second run to succeed, got: %v %v", run, err)
	}
}

func TestRunEmptyManager(t *testing.T) {
	h := newHarness()

	run, err := h.engine.Run(context.Background(), NewManager(), DefaultSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("Expected empty run to succeed, got: %s", run.Status)
	}
}

func TestRunInvalidInput(t *testing.T) {
	h := newHarness()

	if _, err := h.engine.Run(context.Background(), nil, DefaultSettings()); err == nil {
		t.Error("Expected error for nil manager")
	}

	settings := DefaultSettings()
	settings.SuspendMode = "sideways"
	if _, err := h.engine.Run(context.Background(), NewManager(), settings); err == nil {
		t.Error("Expected error for invalid suspend mode")
	}
}

func TestRunReportsToCollaborators(t *testing.T) {
	h := newHarness()
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	run, _ := h.engine.Run(context.Background(), m, gracefulSettings())

	if len(h.recorder.started) != 1 || h.recorder.started[0] != run.ID {
		t.Errorf("Expected run start recorded, got: %v", h.recorder.started)
	}
	if len(h.recorder.finished) != 1 || h.recorder.finished[0] != run {
		t.Error("Expected run completion recorded")
	}
	// local root, operation and server root
	if len(h.recorder.nodes) != 3 {
		t.Errorf("Expected 3 node results recorded, got: %d", len(h.recorder.nodes))
	}

	types := h.events.types()
	if types[0] != EventTypeRunStarted || types[len(types)-1] != EventTypeRunCompleted {
		t.Errorf("Unexpected event sequence: %v", types)
	}
	for _, e := range h.events.events {
		if e.RunID != run.ID {
			t.Errorf("Expected event tagged with run id, got: %s", e.RunID)
		}
	}

	if h.metrics.runsStarted != 1 || h.metrics.runStatus[0] != string(StatusSucceeded) {
		t.Errorf("Unexpected run metrics: %d %v", h.metrics.runsStarted, h.metrics.runStatus)
	}
	if h.metrics.nodes["operation:succeeded"] != 1 {
		t.Errorf("Expected one succeeded operation metric, got: %v", h.metrics.nodes)
	}
}

func TestRunRecorderErrorsDoNotFailRun(t *testing.T) {
	h := newHarness()
	h.recorder.err = errBoom
	m := NewManager()

	stage, _ := m.OnServer(&Server{Name: "web1"})
	_ = stage.Execute(newOp("deploy", h.journal))

	run, err := h.engine.Run(context.Background(), m, gracefulSettings())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("Expected recorder errors to be ignored, got: %s", run.Status)
	}
}

func TestRunTargetCarriesFactsAndLabels(t *testing.T) {
	h := newHarness()
	m := NewManager()

	var seen Target
	op := newOp("inspect", nil)
	op.fn = func(_ context.Context, target Target) { seen = target }

	stage, _ := m.OnServer(&Server{Name: "web2", Labels: map[string]string{"role": "api"}})
	_ = stage.Execute(op)

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if seen.IsLocal() || seen.Server.Name != "web2" {
		t.Fatalf("Expected remote target web2, got: %+v", seen.Server)
	}
	if seen.Facts.OS.Name != "Ubuntu" {
		t.Errorf("Expected Ubuntu facts, got: %s", seen.Facts.OS.Name)
	}
	if seen.Facts.Labels["role"] != "api" {
		t.Errorf("Expected labels copied into facts, got: %v", seen.Facts.Labels)
	}
}

func TestRunMergesReportedAndDeclaredLabels(t *testing.T) {
	h := newHarness()
	facts := ubuntuFacts()
	facts.Labels = map[string]string{"role": "reported", "zone": "eu-1"}
	h.facts.Set("web2", facts)
	h.engine = h.build()

	m := NewManager()
	var seen Target
	op := newOp("inspect", nil)
	op.fn = func(_ context.Context, target Target) { seen = target }

	stage, _ := m.OnServer(&Server{Name: "web2", Labels: map[string]string{"role": "api"}})
	_ = stage.Execute(op)

	if _, err := h.engine.Run(context.Background(), m, DefaultSettings()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if seen.Facts.Labels["role"] != "api" {
		t.Errorf("Expected declared label to win, got: %q", seen.Facts.Labels["role"])
	}
	if seen.Facts.Labels["zone"] != "eu-1" {
		t.Errorf("Expected reported label kept, got: %v", seen.Facts.Labels)
	}
}
