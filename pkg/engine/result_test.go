package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusSkipped)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != `"skipped"` {
		t.Errorf("Expected \"skipped\", got: %s", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusSkipped:   true,
	} {
		if status.IsTerminal() != terminal {
			t.Errorf("%s: expected terminal=%v", status, terminal)
		}
	}
}

func TestParseSuspendMode(t *testing.T) {
	tests := []struct {
		in       string
		expected SuspendMode
		wantErr  bool
	}{
		{"", SuspendModeNone, false},
		{"none", SuspendModeNone, false},
		{"Graceful", SuspendModeGraceful, false},
		{"IMMEDIATE", SuspendModeImmediate, false},
		{"drain", "", true},
	}

	for _, tt := range tests {
		got, err := ParseSuspendMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.expected {
			t.Errorf("%q: expected %s, got: %s %v", tt.in, tt.expected, got, err)
		}
	}
}

func TestSettingsValidate(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Errorf("Expected default settings valid, got: %v", err)
	}

	bad := DefaultSettings()
	bad.MaxParallel = -1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative max parallel")
	}

	bad = DefaultSettings()
	bad.OperationTimeout = -1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative timeout")
	}
}

func TestRunResultJSON(t *testing.T) {
	h := newHarness()
	m := NewManager()
	stage, _ := m.OnServer(&Server{Name: "web1"})
	failing := newOp("deploy", h.journal)
	failing.err = errBoom
	_ = stage.Execute(failing)

	run, _ := h.engine.Run(context.Background(), m, DefaultSettings())

	data, err := json.Marshal(run)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var decoded RunResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	node := decoded.Servers[0].Root.Children[0]
	if node.Status != StatusFailed || !strings.Contains(node.Error, "boom") {
		t.Errorf("Expected failed node with error text, got: %s %q", node.Status, node.Error)
	}
	if len(node.Diagnostics.Output) != 1 {
		t.Errorf("Expected diagnostics preserved, got: %+v", node.Diagnostics)
	}
}

func TestRunResultLookup(t *testing.T) {
	h := newHarness()
	m := NewManager()
	localOp, _ := m.AddOperation(m.Local(), newOp("build", nil))
	stage, _ := m.OnServer(&Server{Name: "web1"})
	remoteOp, _ := m.AddOperation(stage.Node(), newOp("deploy", nil))

	run, _ := h.engine.Run(context.Background(), m, DefaultSettings())

	if n := run.Node(localOp.ID()); n == nil || n.Name != "build" {
		t.Errorf("Expected to find local node, got: %+v", n)
	}
	if n := run.Node(remoteOp.ID()); n == nil || n.Name != "deploy" {
		t.Errorf("Expected to find remote node, got: %+v", n)
	}
	if run.Node("missing") != nil {
		t.Error("Expected nil for unknown node")
	}
	if run.Server("web9") != nil {
		t.Error("Expected nil for unknown server")
	}
}

func TestRunSummary(t *testing.T) {
	h := newHarness()
	m := NewManager()

	_ = m.ToEachServer(servers("web1", "web2", "web3"), func(s *RemoteStage) error {
		op := newOp("deploy", nil)
		if s.Server().Name == "web2" {
			op.err = errBoom
		}
		if err := s.Execute(op); err != nil {
			return err
		}
		if err := s.OnlyIf(OSNameHasPrefix("Windows")).Execute(newOp("iis", nil)); err != nil {
			return err
		}
		return s.Execute(newOp("verify", nil))
	})

	run, _ := h.engine.Run(context.Background(), m, DefaultSettings())
	summary := run.Summary()

	if summary.Servers != 3 || summary.ServersSucceeded != 2 || summary.ServersFailed != 1 {
		t.Errorf("Unexpected server counts: %+v", summary)
	}
	if summary.Operations != 9 {
		t.Errorf("Expected 9 operations, got: %d", summary.Operations)
	}
	// web1: 3 succeeded; web2: deploy failed, iis and verify skipped; web3: deploy and verify succeeded, iis skipped
	if summary.Succeeded != 5 || summary.Failed != 1 || summary.Skipped != 3 {
		t.Errorf("Unexpected operation counts: %+v", summary)
	}
}

func TestEngineErrorFormatting(t *testing.T) {
	err := NewOperationFailedError("deploy", errBoom).WithServer("web1").WithNode("n1")

	msg := err.Error()
	for _, part := range []string{"permanent", `operation "deploy" failed`, "server=web1", "node=n1", "boom"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Expected %q in %q", part, msg)
		}
	}

	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOperationFailed}) {
		t.Error("Expected errors.Is to match class and code")
	}
	if !errors.Is(err, errBoom) {
		t.Error("Expected errors.Is to reach the cause")
	}

	if !IsTransient(NewPostDeploymentError("web1", errBoom)) {
		t.Error("Expected post-deployment errors to be transient")
	}
	if !IsCancellation(NewCancellationError(context.Canceled)) {
		t.Error("Expected cancellation error code")
	}
	if IsPlanFrozen(errBoom) {
		t.Error("Expected plain errors not to match")
	}

	frozen := NewPlanFrozenError("add_operation")
	if frozen.Details["action"] != "add_operation" {
		t.Errorf("Expected action detail, got: %v", frozen.Details)
	}
}

func TestDiagnostics(t *testing.T) {
	d := NewDiagnostics()
	d.AddOutput("line one\n\nline two\n")
	d.Set("exit_code", "0")

	if len(d.Output) != 2 || d.Output[1] != "line two" {
		t.Errorf("Expected blank lines dropped, got: %v", d.Output)
	}
	if d.Details["exit_code"] != "0" {
		t.Errorf("Expected detail recorded, got: %v", d.Details)
	}

	var zero Diagnostics
	zero.Set("k", "v")
	if zero.Details["k"] != "v" {
		t.Error("Expected Set to initialize details")
	}
}
