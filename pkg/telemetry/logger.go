package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that knows the run, server and node fields used
// throughout a deployment.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to cfg.Output: "stderr" (or empty),
// "stdout", or a file path opened for appending.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return NewLoggerWithWriter(cfg, os.Stderr), nil
	case "stdout":
		return NewLoggerWithWriter(cfg, os.Stdout), nil
	}

	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewLoggerWithWriter(cfg, file)
	l.closer = file
	return l, nil
}

// NewLoggerWithWriter creates a logger writing to w, ignoring cfg.Output.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}
}

// Zerolog returns the underlying logger for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithRunID tags log lines with the run ID.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithServer tags log lines with a server name.
func (l *Logger) WithServer(server string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("server", server) })
}

// WithNodeID tags log lines with a sequence node ID.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("node_id", nodeID) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// WithField attaches one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields attaches every entry of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// with derives a child sharing no closer, so only the root closes the file.
func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// WithContext stores the logger in ctx. The zerolog logger is stored too, so
// zerolog.Ctx(ctx) works in packages that do not import telemetry.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	ctx = l.zlog.WithContext(ctx)
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or an info-level JSON logger
// on stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, os.Stderr)
}

func (l *Logger) Debug(msg string)                          { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)                           { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                          { l.zlog.Error().Msg(msg) }

// Close closes the log file when the logger writes to one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to
// info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
