// Package pipeline declares the boundary to the computation the cache wraps:
// the three staged producers (selection, context, outcome), the authoritative
// source-version feed, and the optional similarity judge. The cache invokes
// these only on a miss at the corresponding tier.
package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeText is the final answer produced for a query.
type OutcomeText struct {
	Text string `json:"text"`
}

// ContextBundle is the compressed working set an outcome is computed from.
type ContextBundle struct {
	Summary    string   `json:"summary"`
	Sources    []string `json:"sources,omitempty"`
	TokenCount int      `json:"token_count,omitempty"`
}

// SelectionCandidate is one scored candidate from coarse retrieval.
type SelectionCandidate struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// SelectionList is the ordered candidate set from the first pipeline stage.
type SelectionList struct {
	Candidates []SelectionCandidate `json:"candidates"`
}

// Provenance records which process produced a payload and what reusing it
// saves. CostSaved feeds savings accounting only, never eviction decisions.
type Provenance struct {
	Producer        string          `json:"producer"`
	Model           string          `json:"model,omitempty"`
	CostSaved       decimal.Decimal `json:"cost_saved"`
	ComputeDuration time.Duration   `json:"compute_duration,omitempty"`
}

// SelectionStage runs coarse retrieval for a query.
type SelectionStage interface {
	RunSelection(ctx context.Context, query string) (SelectionList, Provenance, error)
}

// ContextStage compresses a selection into a working set.
type ContextStage interface {
	RunContext(ctx context.Context, query string, selection SelectionList) (ContextBundle, Provenance, error)
}

// OutcomeStage produces the final answer from a working set.
type OutcomeStage interface {
	RunOutcome(ctx context.Context, query string, bundle ContextBundle) (OutcomeText, Provenance, error)
}

// Pipeline is the full staged computation the cache wraps.
type Pipeline interface {
	SelectionStage
	ContextStage
	OutcomeStage
}

// SourceVersionProvider reports the authoritative upstream-data version for a
// namespace. Checked on every lookup, stamped on every store.
type SourceVersionProvider interface {
	CurrentSourceVersion(ctx context.Context, namespace string) (string, error)
}

// Judge scores the semantic agreement of a cached payload against a freshly
// computed one, in [0, 1]. It runs only in drift sampling and audits, never
// on the lookup path.
type Judge interface {
	Compare(ctx context.Context, query, cached, fresh string) (float64, error)
}

// Func adapters, for tests and small callers.

// SelectionFunc adapts a function to SelectionStage.
type SelectionFunc func(ctx context.Context, query string) (SelectionList, Provenance, error)

func (f SelectionFunc) RunSelection(ctx context.Context, query string) (SelectionList, Provenance, error) {
	return f(ctx, query)
}

// ContextFunc adapts a function to ContextStage.
type ContextFunc func(ctx context.Context, query string, selection SelectionList) (ContextBundle, Provenance, error)

func (f ContextFunc) RunContext(ctx context.Context, query string, selection SelectionList) (ContextBundle, Provenance, error) {
	return f(ctx, query, selection)
}

// OutcomeFunc adapts a function to OutcomeStage.
type OutcomeFunc func(ctx context.Context, query string, bundle ContextBundle) (OutcomeText, Provenance, error)

func (f OutcomeFunc) RunOutcome(ctx context.Context, query string, bundle ContextBundle) (OutcomeText, Provenance, error) {
	return f(ctx, query, bundle)
}

// Stages bundles three adapters into a Pipeline.
type Stages struct {
	Selection SelectionFunc
	Context   ContextFunc
	Outcome   OutcomeFunc
}

func (s Stages) RunSelection(ctx context.Context, query string) (SelectionList, Provenance, error) {
	return s.Selection(ctx, query)
}

func (s Stages) RunContext(ctx context.Context, query string, selection SelectionList) (ContextBundle, Provenance, error) {
	return s.Context(ctx, query, selection)
}

func (s Stages) RunOutcome(ctx context.Context, query string, bundle ContextBundle) (OutcomeText, Provenance, error) {
	return s.Outcome(ctx, query, bundle)
}
