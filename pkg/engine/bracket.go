package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultResumeTimeout = 2 * time.Minute

// executeServer runs one server's Remote subtree: facts, then the
// suspend/resume bracket around a depth-first traversal.
func (e *Engine) executeServer(ctx context.Context, run *RunResult, node *Node, sr *ServerResult, logger zerolog.Logger) {
	server := node.server
	logger = logger.With().Str("server", server.Name).Logger()

	ctx, span := e.tracer.Start(ctx, "server.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("server", server.Name),
	))
	defer span.End()

	e.metrics.RecordServerActive(1)
	defer e.metrics.RecordServerActive(-1)

	sr.Root.start()
	e.publish(ctx, run.ID, server.Name, "", EventTypeServerStarted, "Server started", nil)
	logger.Info().Msg("Server started")

	facts, err := e.facts.ResolveFacts(ctx, server)
	if err != nil && ctx.Err() != nil {
		sr.Root.skip(SkipReasonCancelled)
		span.SetStatus(codes.Error, "cancelled")
		logger.Warn().Err(err).Msg("Cancellation requested while resolving facts, server not started")
		e.serverFinished(ctx, run, sr, logger)
		return
	}
	if err != nil {
		ferr := NewTransientError("failed to resolve facts", err).
			WithCode(ErrCodeFactsUnavailable).
			WithServer(server.Name)
		sr.Root.fail(ferr)
		for _, c := range sr.Root.Children {
			c.skip(SkipReasonNoFacts)
		}
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
		logger.Error().Err(err).Msg("Failed to resolve facts")
		e.serverFinished(ctx, run, sr, logger)
		return
	}
	facts.Labels = mergeLabels(facts.Labels, server.Labels)
	sr.Facts = &facts

	logger.Debug().
		Str("os_name", facts.OS.Name).
		Str("os_version", facts.OS.Version).
		Msg("Facts resolved")

	sc := &scope{
		run:      run,
		server:   server,
		facts:    facts,
		settings: run.Settings,
		log:      logger,
	}

	e.withSuspended(ctx, sc, sr, func(ctx context.Context) {
		out := e.executeChildren(ctx, sc, node.Children(), sr.Root.Children)
		e.finishComposite(ctx, sc, sr.Root, out)
	})

	if sr.Root.Status == StatusFailed || sr.PostDeploymentErr != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("server %s", sr.Root.Status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.serverFinished(ctx, run, sr, logger)
}

// withSuspended brackets body with suspend and resume. Once suspend has been
// attempted, resume is always attempted on the way out, including after a
// failed suspend, a failed body or cancellation.
func (e *Engine) withSuspended(ctx context.Context, sc *scope, sr *ServerResult, body func(ctx context.Context)) {
	mode := sc.settings.SuspendMode
	if mode == SuspendModeNone {
		body(ctx)
		return
	}

	balancer := e.balancer
	if sc.settings.DryRun {
		balancer = nopBalancer{}
	}

	if ctx.Err() != nil {
		sr.Root.skip(SkipReasonCancelled)
		sc.log.Warn().Msg("Cancellation requested before suspend, server not started")
		return
	}

	defer e.resume(ctx, sc, sr, balancer)

	err := balancer.Suspend(ctx, sc.server, mode)
	e.loadBalancerCall(ctx, sc, ActionSuspend, mode, err)
	if err != nil && ctx.Err() != nil {
		sr.Root.skip(SkipReasonCancelled)
		sc.log.Warn().Err(err).Str("mode", string(mode)).Msg("Cancellation requested during suspend, server not deployed")
		return
	}
	if err != nil {
		serr := NewTransientError("failed to suspend server on load balancer", err).
			WithCode(ErrCodeSuspendFailed).
			WithServer(sc.server.Name).
			WithDetail("mode", string(mode))
		sr.Root.fail(serr)
		for _, c := range sr.Root.Children {
			c.skip(SkipReasonAborted)
		}
		sc.log.Error().Err(err).Str("mode", string(mode)).Msg("Suspend failed")
		return
	}
	sr.Suspended = true
	sc.log.Info().Str("mode", string(mode)).Msg("Server suspended")

	body(ctx)
}

// resume restores the server using a context detached from run cancellation.
func (e *Engine) resume(ctx context.Context, sc *scope, sr *ServerResult, balancer LoadBalancer) {
	timeout := sc.settings.ResumeTimeout
	if timeout <= 0 {
		timeout = defaultResumeTimeout
	}
	resumeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := balancer.Resume(resumeCtx, sc.server)
	e.loadBalancerCall(resumeCtx, sc, ActionResume, "", err)
	if err != nil {
		perr := NewPostDeploymentError(sc.server.Name, err)
		sr.PostDeploymentErr = perr
		sr.PostDeploymentError = perr.Error()
		sc.log.Error().Err(err).Msg("Resume failed")
		return
	}
	sr.Resumed = true
	sc.log.Info().Msg("Server resumed")
}

func (e *Engine) loadBalancerCall(ctx context.Context, sc *scope, action string, mode SuspendMode, err error) {
	e.metrics.RecordLoadBalancerCall(action, string(mode), err != nil)

	call := LoadBalancerCall{
		Server: sc.server.Name,
		Action: action,
		Mode:   mode,
		At:     time.Now(),
	}
	eventType := EventTypeSuspended
	if action == ActionResume {
		eventType = EventTypeResumed
	}
	if err != nil {
		call.Error = err.Error()
		eventType = EventTypeLoadBalancerFail
	}
	e.publish(ctx, sc.run.ID, sc.server.Name, "", eventType, fmt.Sprintf("load balancer %s", action),
		map[string]interface{}{"action": action, "mode": string(mode)})

	if e.recorder == nil {
		return
	}
	if rerr := e.recorder.LoadBalancerCall(ctx, sc.run.ID, call); rerr != nil {
		sc.log.Warn().Err(rerr).Str("action", action).Msg("Failed to record load balancer call")
	}
}

func (e *Engine) serverFinished(ctx context.Context, run *RunResult, sr *ServerResult, logger zerolog.Logger) {
	e.metrics.RecordNodeExecution(string(NodeKindRemote), string(sr.Root.Status), sr.Root.Duration)

	if sr.Succeeded() {
		e.publish(ctx, run.ID, sr.Server, "", EventTypeServerCompleted, "Server completed", nil)
		logger.Info().Dur("duration", sr.Root.Duration).Msg("Server completed")
		return
	}

	msg := fmt.Sprintf("Server finished with status: %s", sr.Root.Status)
	if sr.PostDeploymentErr != nil {
		msg += " (resume failed)"
	}
	e.publish(ctx, run.ID, sr.Server, "", EventTypeServerFailed, msg, nil)
	logger.Error().Str("status", string(sr.Root.Status)).Bool("resume_failed", sr.PostDeploymentErr != nil).Msg(msg)
}

// mergeLabels combines labels reported by the fact provider with the labels
// declared on the server. Declared labels win.
func mergeLabels(reported, declared map[string]string) map[string]string {
	if len(reported)+len(declared) == 0 {
		return nil
	}
	out := make(map[string]string, len(reported)+len(declared))
	for k, v := range reported {
		out[k] = v
	}
	for k, v := range declared {
		out[k] = v
	}
	return out
}

// nopBalancer is used when no load balancer is configured and for dry runs.
type nopBalancer struct{}

func (nopBalancer) Suspend(context.Context, *Server, SuspendMode) error { return nil }
func (nopBalancer) Resume(context.Context, *Server) error               { return nil }
