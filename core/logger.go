package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the minimal structured logging interface every component
// in this module depends on instead of a concrete logging library.
// The context-aware variants exist so call sites can propagate trace
// correlation without every component needing to know how that
// correlation is carried.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its own log lines with a
// component name ("dispatcher", "dlq", "coordinator", ...) without
// threading that name through every call signature.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Used as the zero-value default so
// every component works without a logger wired in (tests, embedding).
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                       {}
func (NoOpLogger) Error(string, map[string]interface{})                                      {}
func (NoOpLogger) Warn(string, map[string]interface{})                                       {}
func (NoOpLogger) Debug(string, map[string]interface{})                                      {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})           {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})          {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})           {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})          {}

// ProductionLogger is the default Logger: single-line JSON or
// human-readable text, selected by LoggingConfig.Format, written to
// stdout or stderr per LoggingConfig.Output.
type ProductionLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// NewProductionLogger builds a Logger from LoggingConfig for the named
// service (used as the "service" field on every log line).
func NewProductionLogger(cfg LoggingConfig, service string) Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:   strings.ToLower(cfg.Level),
		debug:   strings.ToLower(cfg.Level) == "debug",
		service: service,
		format:  cfg.Format,
		output:  output,
	}
}

// WithComponent returns a copy of the logger tagged with component,
// satisfying ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(nil, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

// correlationIDKey is the context key used to stamp a request/task
// correlation id onto log lines when present.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying id for later retrieval
// by the logger's context-aware methods.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func correlationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	correlationID := correlationIDFrom(ctx)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.service,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		if correlationID != "" {
			entry["correlation_id"] = correlationID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	component := p.component
	if component == "" {
		component = p.service
	}
	corr := ""
	if correlationID != "" {
		corr = fmt.Sprintf("[corr=%s] ", correlationID)
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n", timestamp, level, component, corr, msg, fieldStr.String())
}
