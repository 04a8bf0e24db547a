package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/seqdeploy/pkg/engine"

// MetricsRecorder receives execution measurements.
type MetricsRecorder interface {
	RecordRunStarted()
	RecordRunCompleted(status string, duration time.Duration)
	RecordNodeExecution(kind, status string, duration time.Duration)
	RecordLoadBalancerCall(action, mode string, failed bool)
	RecordPredicateEvaluation(result string)
	RecordServerActive(delta float64)
}

// Options configures an Engine. Nil collaborators get harmless defaults.
type Options struct {
	LoadBalancer LoadBalancer
	Facts        FactProvider
	Recorder     RunRecorder
	Events       EventPublisher
	Metrics      MetricsRecorder
	Logger       *zerolog.Logger
}

// Engine executes sequence trees.
type Engine struct {
	balancer LoadBalancer
	facts    FactProvider
	recorder RunRecorder
	events   EventPublisher
	metrics  MetricsRecorder
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// New creates an engine.
func New(opts Options) *Engine {
	e := &Engine{
		balancer: opts.LoadBalancer,
		facts:    opts.Facts,
		recorder: opts.Recorder,
		events:   opts.Events,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
	}
	if e.balancer == nil {
		e.balancer = nopBalancer{}
	}
	if e.facts == nil {
		e.facts = NewStaticFactProvider(nil)
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if opts.Logger != nil {
		e.logger = opts.Logger.With().Str("component", "engine").Logger()
	} else {
		e.logger = log.With().Str("component", "engine").Logger()
	}
	return e
}

// scope is the read-only context of one subtree traversal.
type scope struct {
	run      *RunResult
	server   *Server
	facts    Facts
	settings Settings
	log      zerolog.Logger
}

func (s *scope) serverName() string {
	if s.server == nil {
		return ""
	}
	return s.server.Name
}

// outcome describes how a traversal of a list of children ended.
type outcome int

const (
	// outcomeCompleted means every child was visited. Some may still have failed
	// through their predicates.
	outcomeCompleted outcome = iota

	// outcomeAborted means an operation failed and the remaining work was skipped.
	outcomeAborted

	// outcomeCancelled means cancellation stopped the traversal.
	outcomeCancelled
)

// Run executes the tree owned by m. The manager is frozen before anything
// runs. The returned error is non-nil only for invalid input; execution
// failures are reported in the RunResult.
func (e *Engine) Run(ctx context.Context, m *Manager, settings Settings) (*RunResult, error) {
	if m == nil {
		return nil, NewPermanentError("manager is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := settings.Validate(); err != nil {
		return nil, NewPermanentError("invalid settings", err).WithCode(ErrCodeValidation)
	}

	m.Freeze()
	run := newRunResult(m, settings)

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.suspend_mode", string(settings.SuspendMode)),
		attribute.Int("run.servers", len(run.Servers)),
	))
	defer span.End()

	logger := e.logger.With().Str("run_id", run.ID).Logger()
	logger.Info().
		Int("servers", len(run.Servers)).
		Str("suspend_mode", string(settings.SuspendMode)).
		Int("max_parallel", settings.MaxParallel).
		Bool("dry_run", settings.DryRun).
		Msg("Run started")

	run.Status = StatusRunning
	e.metrics.RecordRunStarted()
	e.recordRunStarted(ctx, run)
	e.publish(ctx, run.ID, "", "", EventTypeRunStarted, "Run started", nil)

	local := &scope{run: run, settings: settings, log: logger}
	e.executeLocal(ctx, local, m.Local(), run.Local)

	if run.Local.Status == StatusSucceeded {
		e.runServers(ctx, run, m.RemoteNodes(), logger)
	} else {
		for _, sr := range run.Servers {
			sr.Root.skip(SkipReasonLocal)
		}
		logger.Error().Str("status", string(run.Local.Status)).Msg("Local sequence did not succeed, skipping servers")
	}

	run.Cancelled = ctx.Err() != nil
	run.Status = run.aggregate()
	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)

	summary := run.Summary()
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status == StatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("run %s", run.Status))
	}

	e.metrics.RecordRunCompleted(string(run.Status), run.Duration)
	e.recordRunFinished(ctx, run)

	event := logger.Info()
	if run.Status != StatusSucceeded {
		event = logger.Error()
	}
	event.
		Str("status", string(run.Status)).
		Bool("cancelled", run.Cancelled).
		Int("servers_succeeded", summary.ServersSucceeded).
		Int("servers_failed", summary.ServersFailed).
		Int("servers_not_run", summary.ServersNotRun).
		Dur("duration", run.Duration).
		Msg("Run completed")

	data := map[string]interface{}{"status": string(run.Status), "duration": run.Duration.Seconds()}
	switch {
	case run.Cancelled:
		e.publish(ctx, run.ID, "", "", EventTypeCancelled, "Run cancelled", data)
	case run.Status == StatusSucceeded:
		e.publish(ctx, run.ID, "", "", EventTypeRunCompleted, "Run completed successfully", data)
	default:
		e.publish(ctx, run.ID, "", "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", run.Status), data)
	}

	return run, nil
}

// executeLocal runs the Local root once, in declaration order.
func (e *Engine) executeLocal(ctx context.Context, sc *scope, node *Node, res *NodeResult) {
	res.start()
	out := e.executeChildren(ctx, sc, node.Children(), res.Children)
	e.finishComposite(ctx, sc, res, out)
}

// executeChildren visits nodes depth-first. results[i] mirrors nodes[i].
func (e *Engine) executeChildren(ctx context.Context, sc *scope, nodes []*Node, results []*NodeResult) outcome {
	for i, node := range nodes {
		res := results[i]

		if ctx.Err() != nil {
			for _, rest := range results[i:] {
				rest.skip(SkipReasonCancelled)
			}
			sc.log.Warn().Str("node", node.name).Msg("Cancellation requested, skipping remaining work")
			return outcomeCancelled
		}

		switch node.kind {
		case NodeKindOperation:
			if !e.executeOperation(ctx, sc, node, res) {
				for _, rest := range results[i+1:] {
					rest.skip(SkipReasonAborted)
				}
				return outcomeAborted
			}

		case NodeKindConditional:
			out := e.executeConditional(ctx, sc, node, res)
			if out == outcomeCompleted {
				continue
			}
			reason := SkipReasonAborted
			if out == outcomeCancelled {
				reason = SkipReasonCancelled
			}
			for _, rest := range results[i+1:] {
				rest.skip(reason)
			}
			return out

		default:
			err := NewPermanentError(fmt.Sprintf("unexpected %s node inside a subtree", node.kind), nil).
				WithCode(ErrCodeValidation).
				WithNode(node.id)
			res.fail(err)
		}
	}
	return outcomeCompleted
}

// executeConditional evaluates the gate of node once and descends when it holds.
func (e *Engine) executeConditional(ctx context.Context, sc *scope, node *Node, res *NodeResult) outcome {
	res.start()

	ok, err := evaluatePredicate(node.predicate, sc.facts)
	switch {
	case err != nil:
		e.metrics.RecordPredicateEvaluation("error")
		perr := NewPredicateError(err).WithServer(sc.serverName()).WithNode(node.id)
		res.fail(perr)
		res.failSubtree(perr)
		sc.log.Error().Err(err).Str("node_id", node.id).Str("node", node.name).Msg("Predicate evaluation failed")
		e.nodeFinished(ctx, sc, res)
		// Independent siblings keep running.
		return outcomeCompleted

	case !ok:
		e.metrics.RecordPredicateEvaluation("false")
		res.skip(SkipReasonGate)
		res.finish(StatusSkipped)
		sc.log.Debug().Str("node_id", node.id).Str("node", node.name).Msg("Condition not met, skipping")
		e.nodeFinished(ctx, sc, res)
		return outcomeCompleted
	}

	e.metrics.RecordPredicateEvaluation("true")
	out := e.executeChildren(ctx, sc, node.Children(), res.Children)
	e.finishComposite(ctx, sc, res, out)
	return out
}

// finishComposite derives a composite node's status from its children.
func (e *Engine) finishComposite(ctx context.Context, sc *scope, res *NodeResult, out outcome) {
	status := StatusSucceeded
	for _, c := range res.Children {
		if c.Status == StatusFailed {
			status = StatusFailed
			break
		}
	}
	if status != StatusFailed && out == outcomeCancelled {
		res.SkipReason = SkipReasonCancelled
		status = StatusSkipped
	}
	res.finish(status)
	e.nodeFinished(ctx, sc, res)
}

// executeOperation runs one leaf. It returns false if the operation failed.
func (e *Engine) executeOperation(ctx context.Context, sc *scope, node *Node, res *NodeResult) bool {
	res.start()

	ctx, span := e.tracer.Start(ctx, "operation.execute", trace.WithAttributes(
		attribute.String("node.id", node.id),
		attribute.String("operation", node.name),
		attribute.String("server", sc.serverName()),
	))
	defer span.End()

	target := Target{Server: sc.server, Facts: sc.facts, Settings: sc.settings}

	var diag *Diagnostics
	var err error
	if sc.settings.DryRun {
		diag = NewDiagnostics()
		diag.AddOutput("dry run: operation not executed")
	} else {
		diag, err = e.invoke(ctx, node.operation, target, sc.settings.OperationTimeout)
	}

	res.Diagnostics = diag
	if err != nil {
		ferr := NewOperationFailedError(node.name, err).WithServer(sc.serverName()).WithNode(node.id)
		res.fail(ferr)
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
		sc.log.Error().Err(err).Str("node_id", node.id).Str("node", node.name).Msg("Operation failed")
	} else {
		res.finish(StatusSucceeded)
		span.SetStatus(codes.Ok, "")
		sc.log.Info().Str("node_id", node.id).Str("node", node.name).Dur("duration", res.Duration).Msg("Operation succeeded")
	}

	e.metrics.RecordNodeExecution(string(NodeKindOperation), string(res.Status), res.Duration)
	e.nodeFinished(ctx, sc, res)
	return err == nil
}

// invoke calls op without letting run cancellation interrupt it. Only the
// per-operation timeout bounds it.
func (e *Engine) invoke(ctx context.Context, op Operation, target Target, timeout time.Duration) (diag *Diagnostics, err error) {
	opCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(opCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	return op.Execute(opCtx, target)
}

func (e *Engine) nodeFinished(ctx context.Context, sc *scope, res *NodeResult) {
	var eventType EventType
	switch res.Status {
	case StatusFailed:
		eventType = EventTypeNodeFailed
	case StatusSkipped:
		eventType = EventTypeNodeSkipped
	default:
		eventType = EventTypeNodeCompleted
	}
	e.publish(ctx, sc.run.ID, sc.serverName(), res.NodeID, eventType,
		fmt.Sprintf("%s %s: %s", res.Kind, res.Name, res.Status), nil)

	if e.recorder == nil {
		return
	}
	if err := e.recorder.NodeFinished(ctx, sc.run.ID, sc.serverName(), res); err != nil {
		sc.log.Warn().Err(err).Str("node_id", res.NodeID).Msg("Failed to record node result")
	}
}

func (e *Engine) recordRunStarted(ctx context.Context, run *RunResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RunStarted(ctx, run); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run start")
	}
}

func (e *Engine) recordRunFinished(ctx context.Context, run *RunResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RunFinished(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run completion")
	}
}

// publish emits an execution event. Publisher errors are logged only.
func (e *Engine) publish(
	ctx context.Context,
	runID, server, nodeID string,
	eventType EventType,
	message string,
	data map[string]interface{},
) {
	if e.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Server:    server,
		NodeID:    nodeID,
		Message:   message,
		Level:     eventType.Severity(),
		Data:      data,
	}

	if err := e.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(ctx context.Context, event *Event) error

// Publish calls f(ctx, event).
func (f EventPublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

type nopMetrics struct{}

func (nopMetrics) RecordRunStarted()                                 {}
func (nopMetrics) RecordRunCompleted(string, time.Duration)          {}
func (nopMetrics) RecordNodeExecution(string, string, time.Duration) {}
func (nopMetrics) RecordLoadBalancerCall(string, string, bool)       {}
func (nopMetrics) RecordPredicateEvaluation(string)                  {}
func (nopMetrics) RecordServerActive(float64)                        {}
