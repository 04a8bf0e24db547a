package stores

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/rs/zerolog"
)

type testOp struct {
	name string
	err  error
}

func (o testOp) Name() string { return o.name }

func (o testOp) Execute(_ context.Context, _ engine.Target) (*engine.Diagnostics, error) {
	d := engine.NewDiagnostics()
	d.AddOutput(o.name + " done")
	return d, o.err
}

type testBalancer struct{}

func (testBalancer) Suspend(context.Context, *engine.Server, engine.SuspendMode) error { return nil }

func (testBalancer) Resume(_ context.Context, server *engine.Server) error {
	if server.Name == "web2" {
		return errors.New("pool unavailable")
	}
	return nil
}

func buildTestTree(t *testing.T) *engine.Manager {
	t.Helper()

	m := engine.NewManager()
	if _, err := m.AddOperation(m.Local(), testOp{name: "build"}); err != nil {
		t.Fatalf("failed to add local op: %v", err)
	}
	for _, name := range []string{"web1", "web2"} {
		node, err := m.Remote(&engine.Server{Name: name, Address: name + ".internal"})
		if err != nil {
			t.Fatalf("failed to add remote: %v", err)
		}
		cond, err := m.AddConditional(node, engine.OSNameHasPrefix("Ubuntu"))
		if err != nil {
			t.Fatalf("failed to add conditional: %v", err)
		}
		if _, err := m.AddOperation(cond, testOp{name: "deploy"}); err != nil {
			t.Fatalf("failed to add remote op: %v", err)
		}
	}
	return m
}

func TestRecorderPersistsRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	facts := engine.NewStaticFactProvider(map[string]engine.Facts{
		"web1": {OS: engine.OSFacts{Name: "Ubuntu"}},
		"web2": {OS: engine.OSFacts{Name: "Ubuntu"}},
	})
	eng := engine.New(engine.Options{
		LoadBalancer: testBalancer{},
		Facts:        facts,
		Recorder:     NewRecorder(store, "web", zerolog.Nop()),
	})

	settings := engine.DefaultSettings()
	settings.SuspendMode = engine.SuspendModeGraceful
	result, err := eng.Run(ctx, buildTestTree(t), settings)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != engine.StatusFailed {
		t.Fatalf("run status = %s, want failed because web2 did not resume", result.Status)
	}

	run, err := store.GetRun(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Manifest != "web" || run.Status != "failed" || run.SuspendMode != "graceful" || run.Servers != 2 {
		t.Errorf("unexpected run header: %+v", run)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if run.Error != "1 server(s) failed: web2" {
		t.Errorf("Error = %q", run.Error)
	}

	var summary engine.RunSummary
	if err := json.Unmarshal([]byte(run.Summary), &summary); err != nil {
		t.Fatalf("invalid summary JSON: %v", err)
	}
	if summary.Operations != 3 || summary.Succeeded != 3 || summary.PostDeployment != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	nodes, err := store.ListNodeResults(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to list node results: %v", err)
	}
	// local, build, then remote, conditional, deploy for each server
	if len(nodes) != 8 {
		t.Fatalf("got %d node records, want 8", len(nodes))
	}
	wantKinds := []string{"local", "operation", "remote", "conditional", "operation", "remote", "conditional", "operation"}
	for i, n := range nodes {
		if n.Kind != wantKinds[i] {
			t.Errorf("node %d kind = %s, want %s", i, n.Kind, wantKinds[i])
		}
		if n.Status != "succeeded" {
			t.Errorf("node %d (%s) status = %s, want succeeded", i, n.Name, n.Status)
		}
	}
	if nodes[1].ParentID != nodes[0].NodeID {
		t.Errorf("build parent = %q, want local root", nodes[1].ParentID)
	}
	if nodes[4].Server != "web1" || nodes[4].ParentID != nodes[3].NodeID {
		t.Errorf("unexpected deploy record: %+v", nodes[4])
	}
	if nodes[4].Output != "deploy done" {
		t.Errorf("Output = %q, want diagnostics output", nodes[4].Output)
	}

	events, err := store.ListLBEvents(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d load balancer events, want 4", len(events))
	}
	failed := 0
	for _, e := range events {
		if e.Error != "" {
			failed++
			if e.Server != "web2" || e.Action != "resume" {
				t.Errorf("unexpected failed event: %+v", e)
			}
		}
	}
	if failed != 1 {
		t.Errorf("got %d failed events, want 1", failed)
	}
}

func TestRecorderLocalFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := engine.NewManager()
	if _, err := m.AddOperation(m.Local(), testOp{name: "build", err: errors.New("compiler crashed")}); err != nil {
		t.Fatalf("failed to add local op: %v", err)
	}
	node, err := m.Remote(&engine.Server{Name: "web1"})
	if err != nil {
		t.Fatalf("failed to add remote: %v", err)
	}
	if _, err := m.AddOperation(node, testOp{name: "deploy"}); err != nil {
		t.Fatalf("failed to add remote op: %v", err)
	}

	eng := engine.New(engine.Options{Recorder: NewRecorder(store, "web", zerolog.Nop())})
	result, err := eng.Run(ctx, m, engine.DefaultSettings())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	run, err := store.GetRun(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != "failed" {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	if !strings.HasPrefix(run.Error, "local sequence failed: ") || !strings.Contains(run.Error, "compiler crashed") {
		t.Errorf("Error = %q", run.Error)
	}

	nodes, err := store.ListNodeResults(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to list node results: %v", err)
	}
	for _, n := range nodes {
		if n.Server == "web1" && n.Status != "skipped" {
			t.Errorf("server node %s status = %s, want skipped", n.Name, n.Status)
		}
	}
}

func TestRunError(t *testing.T) {
	tests := []struct {
		name string
		run  *engine.RunResult
		want string
	}{
		{
			name: "succeeded",
			run:  &engine.RunResult{Status: engine.StatusSucceeded},
			want: "",
		},
		{
			name: "cancelled",
			run:  &engine.RunResult{Status: engine.StatusFailed, Cancelled: true},
			want: "run cancelled",
		},
		{
			name: "local failure uses leaf error",
			run: &engine.RunResult{
				Status: engine.StatusFailed,
				Local: &engine.NodeResult{
					Status: engine.StatusFailed,
					Error:  "operation failed",
					Children: []*engine.NodeResult{
						{Status: engine.StatusFailed, Error: "exit status 1"},
					},
				},
			},
			want: "local sequence failed: exit status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runError(tt.run); got != tt.want {
				t.Errorf("runError() = %q, want %q", got, tt.want)
			}
		})
	}
}
