// Package eviction enforces per-(tier, namespace) population caps with a
// weighted composite score. It sees entries through its own Candidate type
// so the parent cache package can depend on it without a cycle.
package eviction

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Candidate is the eviction-relevant view of a cache entry.
type Candidate struct {
	ID             uuid.UUID
	Tier           string
	Namespace      string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	SourceStale    bool
}

// Weights tunes the composite eviction score. Age and Recency multiply days,
// Frequency multiplies the inverse access count, and Stale multiplies
// StalePenalty for entries whose source version is outdated.
type Weights struct {
	Age          float64
	Frequency    float64
	Recency      float64
	Stale        float64
	StalePenalty float64
}

// DefaultWeights returns the standard weighting. StalePenalty is large
// enough that stale entries outrank any realistic age or idle contribution.
func DefaultWeights() Weights {
	return Weights{
		Age:          1.0,
		Frequency:    2.0,
		Recency:      1.5,
		Stale:        1.0,
		StalePenalty: 1000,
	}
}

// Scorer computes eviction scores. Higher scores evict first.
type Scorer struct {
	weights Weights
	now     func() time.Time
}

// NewScorer returns a Scorer using w.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w, now: time.Now}
}

// Score returns the composite score for c: weighted age in days, inverse
// access frequency, idle time in days, and the stale penalty.
func (s *Scorer) Score(c Candidate) float64 {
	now := s.now()

	ageDays := now.Sub(c.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	idleDays := now.Sub(c.LastAccessedAt).Hours() / 24
	if idleDays < 0 {
		idleDays = 0
	}
	accesses := c.AccessCount
	if accesses < 1 {
		accesses = 1
	}

	score := s.weights.Age*ageDays +
		s.weights.Frequency*(1/float64(accesses)) +
		s.weights.Recency*idleDays
	if c.SourceStale {
		score += s.weights.Stale * s.weights.StalePenalty
	}
	return score
}

// Rank orders candidates most-evictable first. Ties go to the older entry.
func (s *Scorer) Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)

	scores := make(map[uuid.UUID]float64, len(ranked))
	for _, c := range ranked {
		scores[c.ID] = s.Score(c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})
	return ranked
}
