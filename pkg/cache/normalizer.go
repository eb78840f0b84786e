package cache

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalizes query text before hashing and embedding. Two
// queries that normalize identically share one embedding and one exact-match
// key, so every step here directly raises the hit rate.
type Normalizer interface {
	Normalize(query string) string
}

// TextNormalizer is the standard normalizer: NFKC fold, lowercase, punctuation
// strip, whitespace collapse, optional stop-word removal.
type TextNormalizer struct {
	whitespace  *regexp.Regexp
	punctuation *regexp.Regexp
	stopWords   map[string]struct{}
	dropStop    bool
	keepNumbers bool
}

// NormalizerOption configures a TextNormalizer.
type NormalizerOption func(*TextNormalizer)

// WithStopWordRemoval toggles stop-word filtering.
func WithStopWordRemoval(enabled bool) NormalizerOption {
	return func(n *TextNormalizer) { n.dropStop = enabled }
}

// WithNumbers toggles whether numeric tokens survive normalization.
func WithNumbers(keep bool) NormalizerOption {
	return func(n *TextNormalizer) { n.keepNumbers = keep }
}

// NewNormalizer returns a TextNormalizer with stop-word removal on and
// numbers preserved.
func NewNormalizer(opts ...NormalizerOption) *TextNormalizer {
	n := &TextNormalizer{
		whitespace:  regexp.MustCompile(`\s+`),
		punctuation: regexp.MustCompile(`[^\p{L}\p{N}\s-]`),
		stopWords:   stopWordSet(),
		dropStop:    true,
		keepNumbers: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize canonicalizes query. Empty input stays empty.
func (n *TextNormalizer) Normalize(query string) string {
	if query == "" {
		return ""
	}

	// NFKC first so width and compatibility variants collapse before any
	// byte-level comparison.
	s := norm.NFKC.String(query)
	s = strings.ToLower(s)
	s = n.punctuation.ReplaceAllString(s, " ")
	s = n.whitespace.ReplaceAllString(strings.TrimSpace(s), " ")

	words := strings.Fields(s)
	kept := make([]string, 0, len(words))
	var prev string
	for _, w := range words {
		if n.dropStop {
			if _, stop := n.stopWords[w]; stop {
				continue
			}
		}
		numeric := isNumeric(w)
		if numeric && !n.keepNumbers {
			continue
		}
		if len(w) < 2 && !numeric {
			continue
		}
		// Collapse immediate repeats ("the the report").
		if w == prev {
			continue
		}
		kept = append(kept, w)
		prev = w
	}
	return strings.Join(kept, " ")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func stopWordSet() map[string]struct{} {
	words := []string{
		"a", "an", "the",
		"i", "me", "my", "we", "our", "you", "your", "he", "him", "his",
		"she", "her", "it", "its", "they", "them", "their",
		"is", "am", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did",
		"will", "would", "should", "could", "can", "may", "must",
		"at", "by", "for", "with", "about", "between", "into", "through",
		"before", "after", "above", "below", "to", "from", "up", "down",
		"in", "out", "on", "off", "over", "under",
		"and", "but", "or", "nor", "if", "then", "else",
		"when", "where", "how", "why", "what", "which", "who",
		"this", "that", "these", "those",
		"all", "each", "some", "such", "only", "same", "so", "than",
		"too", "very", "just", "now", "here", "there",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
