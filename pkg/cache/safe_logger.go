package cache

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stratacache/stratacache/pkg/observability"
)

// Redactor scrubs credential-shaped values out of log text and fields.
type Redactor struct {
	patterns []*regexp.Regexp
	keys     []string
}

// NewRedactor returns a Redactor with the default credential patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(token|access[_-]?token|refresh[_-]?token)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(secret|secret[_-]?key)\s*[:=]\s*["']?([^"'\s]+)["']?`),
			regexp.MustCompile(`(?i)(Bearer)\s+([^\s]+)`),
			regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		keys: []string{
			"api_key", "apikey", "password", "passwd", "pwd",
			"token", "secret", "private_key", "credential",
			"authorization", "encryption_key",
		},
	}
}

// Redact replaces sensitive values in input with a placeholder, keeping the
// labels so logs stay searchable.
func (r *Redactor) Redact(input string) string {
	out := input
	for _, pattern := range r.patterns {
		out = pattern.ReplaceAllStringFunc(out, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			if len(parts) > 2 {
				return strings.Replace(match, parts[2], "[REDACTED]", 1)
			}
			return "[REDACTED]"
		})
	}
	return out
}

// RedactFields scrubs a structured-log field map: sensitive keys are blanked,
// string values run through Redact.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		if r.sensitiveKey(key) {
			out[key] = "[REDACTED]"
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = r.Redact(s)
			continue
		}
		out[key] = value
	}
	return out
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// SafeLogger wraps a Logger so every message and field map is redacted before
// it reaches the sink. Cache code logs query text, which callers may have
// filled with anything.
type SafeLogger struct {
	logger   observability.Logger
	redactor *Redactor
}

// NewSafeLogger wraps logger with redaction; a nil logger gets a fresh one.
func NewSafeLogger(logger observability.Logger) *SafeLogger {
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	return &SafeLogger{logger: logger, redactor: NewRedactor()}
}

func (s *SafeLogger) Debug(msg string, fields map[string]interface{}) {
	s.logger.Debug(s.redactor.Redact(msg), s.redactor.RedactFields(fields))
}

func (s *SafeLogger) Info(msg string, fields map[string]interface{}) {
	s.logger.Info(s.redactor.Redact(msg), s.redactor.RedactFields(fields))
}

func (s *SafeLogger) Warn(msg string, fields map[string]interface{}) {
	s.logger.Warn(s.redactor.Redact(msg), s.redactor.RedactFields(fields))
}

func (s *SafeLogger) Error(msg string, fields map[string]interface{}) {
	s.logger.Error(s.redactor.Redact(msg), s.redactor.RedactFields(fields))
}

func (s *SafeLogger) Fatal(msg string, fields map[string]interface{}) {
	s.logger.Fatal(s.redactor.Redact(msg), s.redactor.RedactFields(fields))
}

func (s *SafeLogger) Debugf(format string, args ...interface{}) {
	s.logger.Debugf("%s", s.redactor.Redact(fmt.Sprintf(format, args...)))
}

func (s *SafeLogger) Infof(format string, args ...interface{}) {
	s.logger.Infof("%s", s.redactor.Redact(fmt.Sprintf(format, args...)))
}

func (s *SafeLogger) Warnf(format string, args ...interface{}) {
	s.logger.Warnf("%s", s.redactor.Redact(fmt.Sprintf(format, args...)))
}

func (s *SafeLogger) Errorf(format string, args ...interface{}) {
	s.logger.Errorf("%s", s.redactor.Redact(fmt.Sprintf(format, args...)))
}

func (s *SafeLogger) Fatalf(format string, args ...interface{}) {
	s.logger.Fatalf("%s", s.redactor.Redact(fmt.Sprintf(format, args...)))
}

func (s *SafeLogger) WithPrefix(prefix string) observability.Logger {
	return &SafeLogger{logger: s.logger.WithPrefix(prefix), redactor: s.redactor}
}

func (s *SafeLogger) With(fields map[string]interface{}) observability.Logger {
	return &SafeLogger{logger: s.logger.With(s.redactor.RedactFields(fields)), redactor: s.redactor}
}
