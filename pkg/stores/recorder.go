package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/rs/zerolog"
)

// Recorder persists run history through a Store. It implements
// engine.RunRecorder.
type Recorder struct {
	store    Store
	manifest string
	logger   zerolog.Logger

	mu     sync.Mutex
	layout map[string]map[string]nodeSlot
}

// nodeSlot is where a node sits in the flattened result tree of a run.
type nodeSlot struct {
	position int
	parentID string
	server   string
}

// NewRecorder creates a recorder that tags runs with the manifest name.
func NewRecorder(store Store, manifest string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		manifest: manifest,
		logger:   logger.With().Str("component", "recorder").Logger(),
		layout:   make(map[string]map[string]nodeSlot),
	}
}

// RunStarted writes the run header and a pending row for every node.
func (r *Recorder) RunStarted(ctx context.Context, run *engine.RunResult) error {
	ctx = context.WithoutCancel(ctx)

	err := r.store.CreateRun(ctx, &Run{
		ID:          run.ID,
		Manifest:    r.manifest,
		Status:      string(run.Status),
		DryRun:      run.Settings.DryRun,
		SuspendMode: string(run.Settings.SuspendMode),
		MaxParallel: run.Settings.MaxParallel,
		Servers:     len(run.Servers),
		StartedAt:   run.StartedAt,
	})
	if err != nil {
		return err
	}

	records, slots := flatten(run)
	r.mu.Lock()
	r.layout[run.ID] = slots
	r.mu.Unlock()

	return r.store.UpsertNodeResults(ctx, records)
}

// NodeFinished updates the row of one finished node.
func (r *Recorder) NodeFinished(ctx context.Context, runID string, server string, node *engine.NodeResult) error {
	r.mu.Lock()
	slot, ok := r.layout[runID][node.NodeID]
	r.mu.Unlock()
	if !ok {
		slot = nodeSlot{server: server}
	}

	return r.store.UpsertNodeResults(context.WithoutCancel(ctx), []*NodeRecord{
		nodeRecord(runID, node, slot),
	})
}

// LoadBalancerCall appends one suspend or resume attempt.
func (r *Recorder) LoadBalancerCall(ctx context.Context, runID string, call engine.LoadBalancerCall) error {
	return r.store.AppendLBEvent(context.WithoutCancel(ctx), &LBEvent{
		RunID:  runID,
		Server: call.Server,
		Action: call.Action,
		Mode:   string(call.Mode),
		Error:  call.Error,
		At:     call.At,
	})
}

// RunFinished writes the final state of every node and closes the run.
func (r *Recorder) RunFinished(ctx context.Context, run *engine.RunResult) error {
	r.mu.Lock()
	delete(r.layout, run.ID)
	r.mu.Unlock()

	records, _ := flatten(run)
	if err := r.store.UpsertNodeResults(ctx, records); err != nil {
		return err
	}

	summary, err := json.Marshal(run.Summary())
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	completedAt := run.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	err = r.store.FinishRun(ctx, run.ID, RunFinish{
		Status:      string(run.Status),
		Cancelled:   run.Cancelled,
		CompletedAt: completedAt,
		Duration:    run.Duration,
		Error:       runError(run),
		Summary:     string(summary),
	})
	if err != nil {
		return err
	}

	r.logger.Debug().
		Str("run_id", run.ID).
		Int("nodes", len(records)).
		Msg("Run recorded")
	return nil
}

// flatten lists every node of run depth-first: the local tree first, then
// each server tree in declaration order.
func flatten(run *engine.RunResult) ([]*NodeRecord, map[string]nodeSlot) {
	var records []*NodeRecord
	slots := make(map[string]nodeSlot)

	var visit func(n *engine.NodeResult, parentID, server string)
	visit = func(n *engine.NodeResult, parentID, server string) {
		slot := nodeSlot{position: len(records), parentID: parentID, server: server}
		slots[n.NodeID] = slot
		records = append(records, nodeRecord(run.ID, n, slot))
		for _, c := range n.Children {
			visit(c, n.NodeID, server)
		}
	}

	if run.Local != nil {
		visit(run.Local, "", "")
	}
	for _, s := range run.Servers {
		visit(s.Root, "", s.Server)
	}
	return records, slots
}

func nodeRecord(runID string, n *engine.NodeResult, slot nodeSlot) *NodeRecord {
	rec := &NodeRecord{
		RunID:      runID,
		NodeID:     n.NodeID,
		Position:   slot.position,
		ParentID:   slot.parentID,
		Server:     slot.server,
		Kind:       string(n.Kind),
		Name:       n.Name,
		Status:     string(n.Status),
		SkipReason: n.SkipReason,
		Error:      n.Error,
		Duration:   n.Duration,
	}
	if n.Diagnostics != nil && len(n.Diagnostics.Output) > 0 {
		rec.Output = strings.Join(n.Diagnostics.Output, "\n")
	}
	if !n.StartedAt.IsZero() {
		t := n.StartedAt
		rec.StartedAt = &t
	}
	if !n.CompletedAt.IsZero() {
		t := n.CompletedAt
		rec.CompletedAt = &t
	}
	return rec
}

// runError returns a one-line reason for an unsuccessful run.
func runError(run *engine.RunResult) string {
	if run.Status == engine.StatusSucceeded {
		return ""
	}
	if run.Cancelled {
		return "run cancelled"
	}
	if run.Local != nil && run.Local.Status == engine.StatusFailed {
		return "local sequence failed: " + firstError(run.Local)
	}

	var failed []string
	for _, s := range run.Servers {
		if !s.Succeeded() {
			failed = append(failed, s.Server)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("%d server(s) failed: %s", len(failed), strings.Join(failed, ", "))
}

func firstError(root *engine.NodeResult) string {
	msg := ""
	root.Walk(func(n *engine.NodeResult) {
		if msg == "" && n.Status == engine.StatusFailed && n.Error != "" && len(n.Children) == 0 {
			msg = n.Error
		}
	})
	if msg == "" {
		msg = root.Error
	}
	return msg
}
