package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these instead of raw strings so log queries stay consistent.
const (
	// Orchestration identities
	FieldJobID             = "job_id"
	FieldPluginExecutionID = "plugin_execution_id"
	FieldPlugin            = "plugin"
	FieldProject           = "project"
	FieldRevision          = "revision"
	FieldBackend           = "backend"

	FieldComponent = "component"
	FieldOperation = "operation"
	FieldCommand   = "command"
	FieldPath      = "path"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldStatus     = "status"

	FieldHost = "host"
	FieldPort = "port"

	// Validation
	FieldCommit    = "commit"
	FieldSubsystem = "subsystem"
	FieldVCSURL    = "vcs_url"
)

type contextKey string

const (
	pluginExecutionKey contextKey = "logger_plugin_execution"
	componentKey       contextKey = "logger_component"
)

// WithPluginExecution adds a plugin execution id to the context for logging
func WithPluginExecution(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, pluginExecutionKey, id)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(pluginExecutionKey).(int64); ok && id != 0 {
		fields = append(fields, FieldPluginExecutionID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns base enriched with the fields carried by ctx.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("queue.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
