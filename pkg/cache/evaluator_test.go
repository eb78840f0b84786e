package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluator_Evaluate(t *testing.T) {
	e := NewEvaluator(0.05, 0.95)

	tests := []struct {
		name       string
		threshold  float32
		similarity float32
		query      string
		candidate  string
		accepted   bool
		rescued    bool
	}{
		{
			name:       "above threshold",
			threshold:  0.90,
			similarity: 0.93,
			query:      "reset password",
			candidate:  "password reset procedure",
			accepted:   true,
		},
		{
			name:       "exactly at threshold",
			threshold:  0.90,
			similarity: 0.90,
			query:      "reset password",
			candidate:  "anything at all",
			accepted:   true,
		},
		{
			name:       "in band with near-identical text",
			threshold:  0.90,
			similarity: 0.88,
			query:      "restart primary database server",
			candidate:  "restart primary database servers",
			accepted:   true,
			rescued:    true,
		},
		{
			name:       "in band with unrelated text",
			threshold:  0.90,
			similarity: 0.88,
			query:      "restart primary database server",
			candidate:  "rotate backup encryption keys",
			accepted:   false,
		},
		{
			name:       "below the band",
			threshold:  0.90,
			similarity: 0.84,
			query:      "restart primary database server",
			candidate:  "restart primary database server",
			accepted:   false,
		},
		{
			name:       "lower tier threshold",
			threshold:  0.80,
			similarity: 0.83,
			query:      "steps release data pipeline",
			candidate:  "deploy workflow",
			accepted:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(tt.threshold, tt.similarity, tt.query, tt.candidate)
			assert.Equal(t, tt.accepted, v.Accepted)
			assert.Equal(t, tt.rescued, v.Rescued)
			assert.Equal(t, tt.similarity, v.Similarity)
		})
	}
}

func TestLexicalSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "reset password", "reset password", 1},
		{"both empty", "", "", 1},
		{"one empty", "reset", "", 0},
		{"single substitution", "cat", "car", 1 - 1.0/3},
		{"single insertion", "restart server", "restart servers", 1 - 1.0/15},
		{"disjoint", "abc", "xyz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, lexicalSimilarity(tt.a, tt.b), 1e-9)
		})
	}

	// Symmetry.
	assert.Equal(t, lexicalSimilarity("deploy workflow", "workflow deploy"),
		lexicalSimilarity("workflow deploy", "deploy workflow"))
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"résumé", "resume", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance([]rune(tt.a), []rune(tt.b)), "%q vs %q", tt.a, tt.b)
	}
}

func BenchmarkLexicalSimilarity(b *testing.B) {
	x := "restart the primary database server in us-east-1"
	y := "restart the primary database servers in us-east-1"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lexicalSimilarity(x, y)
	}
}
