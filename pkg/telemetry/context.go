package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *MetricsServer
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events").Zerolog()), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer serves metrics on addr, or on the configured listen
// address when addr is empty. It does nothing when neither is set.
func (t *Telemetry) StartMetricsServer(addr string) error {
	if addr == "" {
		addr = t.Config.Metrics.ListenAddress
	}
	if addr == "" || !t.Config.Metrics.Enabled {
		return nil
	}

	server, err := t.Metrics.StartMetricsServer(addr, t.Logger.NewComponentLogger("metrics").Zerolog())
	if err != nil {
		return err
	}
	t.server = server
	return nil
}

// MetricsAddr returns the address of the running metrics server, or "".
func (t *Telemetry) MetricsAddr() string {
	if t.server == nil {
		return ""
	}
	return t.server.Addr()
}

// Shutdown stops every component in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// InstrumentedContext carries the span and logger of one CLI command.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	start  time.Time
}

// StartCommand begins a traced, logged command.
func (t *Telemetry) StartCommand(ctx context.Context, command, manifest string) *InstrumentedContext {
	ctx, span := t.Tracer.StartCommandSpan(ctx, command, manifest)
	logger := t.Logger.WithFields(map[string]interface{}{
		"command":  command,
		"manifest": manifest,
	})
	if traceID := TraceID(ctx); traceID != "" {
		logger = logger.WithField("trace_id", traceID)
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(ctx),
		Span:   span,
		Logger: logger,
		start:  time.Now(),
	}
}

// End closes the span, recording err if non-nil.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		RecordError(ic.Span, err)
		ic.Logger.WithError(err).WithField("duration", time.Since(ic.start).String()).Error("Command failed")
	} else {
		RecordSuccess(ic.Span)
		ic.Logger.WithField("duration", time.Since(ic.start).String()).Debug("Command completed")
	}
	ic.Span.End()
}
