package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratacache/stratacache/pkg/pipeline"
)

// TierID names one of the three cache layers.
type TierID string

// Cache tiers, ordered from the end of the pipeline backwards.
const (
	// TierOutcome holds final answers.
	TierOutcome TierID = "outcome"
	// TierContext holds compressed working sets.
	TierContext TierID = "context"
	// TierSelection holds coarse retrieval candidate lists.
	TierSelection TierID = "selection"
)

// AllTiers lists the tiers in lookup precedence order.
var AllTiers = []TierID{TierOutcome, TierContext, TierSelection}

// Valid reports whether t names a known tier.
func (t TierID) Valid() bool {
	switch t {
	case TierOutcome, TierContext, TierSelection:
		return true
	}
	return false
}

// PayloadKind discriminates the payload union.
type PayloadKind string

// Payload kinds, one per tier.
const (
	PayloadOutcome   PayloadKind = "outcome"
	PayloadContext   PayloadKind = "context"
	PayloadSelection PayloadKind = "selection"
)

// Payload is the tier-specific content of an entry, a tagged union over the
// three stage results so each tier's contract stays statically checked.
type Payload struct {
	Kind      PayloadKind             `json:"kind"`
	Outcome   *pipeline.OutcomeText   `json:"outcome,omitempty"`
	Context   *pipeline.ContextBundle `json:"context,omitempty"`
	Selection *pipeline.SelectionList `json:"selection,omitempty"`
}

// OutcomePayload wraps a final answer.
func OutcomePayload(o pipeline.OutcomeText) Payload {
	return Payload{Kind: PayloadOutcome, Outcome: &o}
}

// ContextPayload wraps a working set.
func ContextPayload(c pipeline.ContextBundle) Payload {
	return Payload{Kind: PayloadContext, Context: &c}
}

// SelectionPayload wraps a candidate list.
func SelectionPayload(s pipeline.SelectionList) Payload {
	return Payload{Kind: PayloadSelection, Selection: &s}
}

// kindForTier maps a tier to the payload kind it stores.
func kindForTier(tier TierID) PayloadKind {
	switch tier {
	case TierOutcome:
		return PayloadOutcome
	case TierContext:
		return PayloadContext
	default:
		return PayloadSelection
	}
}

// MatchesTier reports whether the payload kind belongs in tier.
func (p Payload) MatchesTier(tier TierID) bool {
	return p.Kind == kindForTier(tier) && p.populated()
}

func (p Payload) populated() bool {
	switch p.Kind {
	case PayloadOutcome:
		return p.Outcome != nil
	case PayloadContext:
		return p.Context != nil
	case PayloadSelection:
		return p.Selection != nil
	}
	return false
}

// CanonicalText renders the payload as text for sensitivity scanning and
// drift comparison.
func (p Payload) CanonicalText() string {
	switch p.Kind {
	case PayloadOutcome:
		if p.Outcome != nil {
			return p.Outcome.Text
		}
	case PayloadContext:
		if p.Context != nil {
			return p.Context.Summary
		}
	case PayloadSelection:
		if p.Selection != nil {
			out := ""
			for i, c := range p.Selection.Candidates {
				if i > 0 {
					out += " "
				}
				out += fmt.Sprintf("%s:%.4f", c.ID, c.Score)
			}
			return out
		}
	}
	return ""
}

// CacheEntry is the atomic unit stored in any tier.
type CacheEntry struct {
	ID             uuid.UUID           `json:"id"`
	Tier           TierID              `json:"tier"`
	Namespace      string              `json:"namespace,omitempty"`
	QueryText      string              `json:"query_text"`
	QueryVector    []float32           `json:"query_vector"`
	Payload        Payload             `json:"payload"`
	Provenance     pipeline.Provenance `json:"provenance"`
	SourceVersion  string              `json:"source_version"`
	CreatedAt      time.Time           `json:"created_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	AccessCount    int64               `json:"access_count"`
	TTL            time.Duration       `json:"ttl"`
	Sensitive      bool                `json:"sensitive,omitempty"`
}

// ExpiresAt is the instant the entry stops being visible.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Clone returns a copy safe to mutate without racing readers of the
// original. The vector and payload pointers are shared; both are treated as
// immutable after creation.
func (e *CacheEntry) Clone() *CacheEntry {
	copied := *e
	return &copied
}

// Hit is a successful lookup.
type Hit struct {
	Entry      *CacheEntry
	Similarity float32
	// Exact marks hits served via the identical-text fast path.
	Exact bool
}

// EntryStore is the durable source of truth for entries. Implementations
// live in pkg/cache/store; the engine only sees this interface.
type EntryStore interface {
	Put(ctx context.Context, entry *CacheEntry) error
	Get(ctx context.Context, id uuid.UUID) (*CacheEntry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// UpdateAccess persists hit-time access bookkeeping.
	UpdateAccess(ctx context.Context, id uuid.UUID, lastAccess time.Time, accessCount int64) error
	// List returns entries matching the filter, for sweeps and rebuilds.
	List(ctx context.Context, filter Filter) ([]*CacheEntry, error)
	// Count returns the population of a (tier, namespace) pair.
	Count(ctx context.Context, tier TierID, namespace string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Filter narrows List calls. Zero fields match everything.
type Filter struct {
	Tier      TierID
	Namespace *string // nil matches every namespace, including shared
	// ExpiredBefore matches entries whose TTL elapsed before the given time.
	ExpiredBefore time.Time
	// SourceVersionNot matches entries stamped with a different version.
	SourceVersionNot string
	Limit            int
}

// IndexRef is what the similarity index holds per entry.
type IndexRef struct {
	ID        uuid.UUID
	Tier      TierID
	Namespace string
	Vector    []float32
}

// IndexMatch is one search result, ordered by descending similarity.
type IndexMatch struct {
	ID         uuid.UUID
	Similarity float32
}

// SimilarityIndex is the ephemeral nearest-neighbor structure over entry
// vectors. It is rebuilt from the EntryStore at startup and mutated only by
// the engine's store, evict, and invalidate paths. Implementations must be
// safe for concurrent use; search is in-memory CPU work and takes no context.
type SimilarityIndex interface {
	Insert(ref IndexRef)
	Remove(id uuid.UUID)
	// Search returns up to k matches for the vector within tier, restricted
	// to the given namespaces.
	Search(tier TierID, namespaces []string, vector []float32, k int) []IndexMatch
	Contains(id uuid.UUID) bool
	// Enumerate visits every indexed id until fn returns false.
	Enumerate(fn func(ref IndexRef) bool)
	Len() int
	Clear()
}

// Embedder is the slice of the embedding provider the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
