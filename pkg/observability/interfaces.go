// Package observability provides the logging, metrics, and tracing
// primitives shared by every stratacache component.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// LoggingConfig holds the configuration for logging
type LoggingConfig struct {
	Level  string `json:"level,omitempty" mapstructure:"level"`
	Format string `json:"format,omitempty" mapstructure:"format"`
}

// MetricsConfig holds the configuration for metrics
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace,omitempty" mapstructure:"namespace"`
	Subsystem string `json:"subsystem,omitempty" mapstructure:"subsystem"`
}

// TracingConfig holds the configuration for tracing
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name,omitempty" mapstructure:"service_name"`
	Environment string `json:"environment,omitempty" mapstructure:"environment"`
	Endpoint    string `json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// RecordCacheOperation records a cache-layer operation outcome with its
	// duration in seconds.
	RecordCacheOperation(operation string, success bool, durationSeconds float64)

	// StartTimer returns a stop function that records the elapsed time as a
	// histogram observation when called.
	StartTimer(name string, labels map[string]string) func()

	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)

	Close() error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attributes map[string]interface{})
	RecordError(err error)
	SetStatus(code int, description string)
	SpanContext() trace.SpanContext
}

// StartSpanFunc creates and starts a new span
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
