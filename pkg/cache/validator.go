package cache

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyQuery rejects blank queries.
	ErrEmptyQuery = fmt.Errorf("%w: query cannot be empty", ErrInvalidEntry)
	// ErrQueryTooLong rejects queries over the configured cap.
	ErrQueryTooLong = fmt.Errorf("%w: query exceeds maximum length", ErrInvalidEntry)
	// ErrInvalidCharacters rejects non-UTF-8 input.
	ErrInvalidCharacters = fmt.Errorf("%w: query contains invalid characters", ErrInvalidEntry)
)

// QueryValidator validates and sanitizes queries before they touch the
// embedding provider or any backend key.
type QueryValidator struct {
	maxLength int
	control   *regexp.Regexp
}

// NewQueryValidator returns a validator with a 4096-byte cap.
func NewQueryValidator() *QueryValidator {
	return NewQueryValidatorWithLimit(4096)
}

// NewQueryValidatorWithLimit returns a validator capping queries at maxLength
// bytes.
func NewQueryValidatorWithLimit(maxLength int) *QueryValidator {
	return &QueryValidator{
		maxLength: maxLength,
		// Control characters except \t \n \r.
		control: regexp.MustCompile(`[\x00-\x08\x0B-\x0C\x0E-\x1F\x7F]`),
	}
}

// Validate checks query without modifying it.
func (v *QueryValidator) Validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if !utf8.ValidString(query) {
		return ErrInvalidCharacters
	}
	if len(query) > v.maxLength {
		return ErrQueryTooLong
	}
	return nil
}

// Sanitize returns a storage-safe copy of query: valid UTF-8, no control
// characters, collapsed whitespace, truncated to the cap on a rune boundary.
func (v *QueryValidator) Sanitize(query string) string {
	query = strings.TrimSpace(query)
	if !utf8.ValidString(query) {
		query = strings.ToValidUTF8(query, "")
	}
	query = v.control.ReplaceAllString(query, "")
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > v.maxLength {
		runes := []rune(query)
		if len(runes) > v.maxLength {
			runes = runes[:v.maxLength]
		}
		query = string(runes)
	}
	return query
}

// SensitiveDetector flags content that must never be written to durable
// storage or the cross-session index.
type SensitiveDetector struct {
	patterns []*regexp.Regexp
}

// NewSensitiveDetector returns a detector covering credentials, key material,
// and common PII formats.
func NewSensitiveDetector() *SensitiveDetector {
	return &SensitiveDetector{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)(token|access[_-]?token|refresh[_-]?token)\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)(secret|secret[_-]?key)\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/-]+=*`),
			regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
	}
}

// Detect reports whether text contains material that must stay in-process.
func (d *SensitiveDetector) Detect(text string) bool {
	for _, p := range d.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// DetectEntry checks both the query and the payload of entry.
func (d *SensitiveDetector) DetectEntry(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	if d.Detect(entry.QueryText) {
		return true
	}
	return d.Detect(entry.Payload.CanonicalText())
}
