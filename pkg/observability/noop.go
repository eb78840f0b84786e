package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoopLogger discards everything. Useful as a test default.
type NoopLogger struct{}

// NewNoopLogger creates a logger that drops all output.
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Debugf(format string, args ...interface{})       {}
func (l *NoopLogger) Infof(format string, args ...interface{})        {}
func (l *NoopLogger) Warnf(format string, args ...interface{})        {}
func (l *NoopLogger) Errorf(format string, args ...interface{})       {}
func (l *NoopLogger) Fatalf(format string, args ...interface{})       {}
func (l *NoopLogger) WithPrefix(prefix string) Logger                 { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger       { return l }

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that records nothing.
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) Close() error { return nil }

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

func (s *NoopSpan) End()                                                       {}
func (s *NoopSpan) SetAttribute(key string, value interface{})                 {}
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{})    {}
func (s *NoopSpan) RecordError(err error)                                      {}
func (s *NoopSpan) SetStatus(code int, description string)                     {}
func (s *NoopSpan) SpanContext() trace.SpanContext                             { return trace.SpanContext{} }

// NoopStartSpan is a StartSpanFunc that produces no-op spans.
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}
