package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LookupRecord describes one completed lookup for stats purposes.
type LookupRecord struct {
	Tier      TierID
	Namespace string
	Hit       bool
	Exact     bool
	Rescued   bool
	// Degraded marks lookups that failed as a miss because a dependency was
	// unavailable rather than because nothing matched.
	Degraded bool
	Latency  time.Duration
	// CostSaved and ComputeSaved come from the reused entry's provenance.
	CostSaved    decimal.Decimal
	ComputeSaved time.Duration
}

// CacheStats is a point-in-time aggregate for one namespace, or for the whole
// cache when Namespace is "*".
type CacheStats struct {
	Namespace string    `json:"namespace"`
	Since     time.Time `json:"since"`
	Timestamp time.Time `json:"timestamp"`

	Lookups         int64            `json:"lookups"`
	Hits            int64            `json:"hits"`
	HitsByTier      map[TierID]int64 `json:"hits_by_tier"`
	RescuedByTier   map[TierID]int64 `json:"rescued_by_tier"`
	ExactHits       int64            `json:"exact_hits"`
	Misses          int64            `json:"misses"`
	DegradedLookups int64            `json:"degraded_lookups"`

	Stores        int64 `json:"stores"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`

	HitRate          float64         `json:"hit_rate"`
	AvgLookupLatency time.Duration   `json:"avg_lookup_latency"`
	CostSaved        decimal.Decimal `json:"cost_saved"`
	ComputeSaved     time.Duration   `json:"compute_saved"`
}

type tierCounters struct {
	hits    int64
	rescued int64
}

type statsBucket struct {
	start time.Time

	lookups  int64
	byTier   map[TierID]*tierCounters
	exact    int64
	misses   int64
	degraded int64

	stores        int64
	evictions     int64
	invalidations int64

	costSaved    decimal.Decimal
	computeSaved time.Duration
	latencySum   time.Duration
	latencyCount int64
}

func newStatsBucket(start time.Time) *statsBucket {
	return &statsBucket{
		start:     start,
		byTier:    make(map[TierID]*tierCounters, len(AllTiers)),
		costSaved: decimal.Zero,
	}
}

func (b *statsBucket) tier(t TierID) *tierCounters {
	c, ok := b.byTier[t]
	if !ok {
		c = &tierCounters{}
		b.byTier[t] = c
	}
	return c
}

// StatsCollector aggregates cache activity per namespace into fixed-width
// time buckets so totals age out instead of growing without bound.
type StatsCollector struct {
	mu         sync.Mutex
	bucketSize time.Duration
	retention  int
	namespaces map[string][]*statsBucket
	now        func() time.Time
}

// NewStatsCollector keeps retention buckets of bucketSize per namespace.
func NewStatsCollector(bucketSize time.Duration, retention int) *StatsCollector {
	if bucketSize <= 0 {
		bucketSize = time.Hour
	}
	if retention <= 0 {
		retention = 24
	}
	return &StatsCollector{
		bucketSize: bucketSize,
		retention:  retention,
		namespaces: make(map[string][]*statsBucket),
		now:        time.Now,
	}
}

// RecordLookup records one lookup outcome.
func (s *StatsCollector) RecordLookup(rec LookupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.currentLocked(rec.Namespace)
	b.lookups++
	b.latencySum += rec.Latency
	b.latencyCount++

	if rec.Degraded {
		b.degraded++
	}
	if !rec.Hit {
		b.misses++
		return
	}

	tc := b.tier(rec.Tier)
	tc.hits++
	if rec.Rescued {
		tc.rescued++
	}
	if rec.Exact {
		b.exact++
	}
	if !rec.CostSaved.IsZero() {
		b.costSaved = b.costSaved.Add(rec.CostSaved)
	}
	b.computeSaved += rec.ComputeSaved
}

// RecordStore records a successful write.
func (s *StatsCollector) RecordStore(namespace string, tier TierID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLocked(namespace).stores++
}

// RecordEvictions records count entries evicted from namespace.
func (s *StatsCollector) RecordEvictions(namespace string, count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLocked(namespace).evictions += int64(count)
}

// RecordInvalidations records count entries invalidated in namespace.
func (s *StatsCollector) RecordInvalidations(namespace string, count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLocked(namespace).invalidations += int64(count)
}

// Snapshot aggregates the retained buckets for one namespace.
func (s *StatsCollector) Snapshot(namespace string) CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregateLocked(namespace, s.namespaces[namespace])
}

// SnapshotAll aggregates every namespace into one view.
func (s *StatsCollector) SnapshotAll() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*statsBucket
	for _, buckets := range s.namespaces {
		all = append(all, buckets...)
	}
	return s.aggregateLocked("*", all)
}

// ExportJSON renders a snapshot for diagnostics endpoints.
func (s *StatsCollector) ExportJSON(namespace string) ([]byte, error) {
	stats := s.Snapshot(namespace)
	return json.MarshalIndent(stats, "", "  ")
}

func (s *StatsCollector) currentLocked(namespace string) *statsBucket {
	now := s.now()
	buckets := s.namespaces[namespace]

	if len(buckets) == 0 || now.Sub(buckets[len(buckets)-1].start) >= s.bucketSize {
		buckets = append(buckets, newStatsBucket(now.Truncate(s.bucketSize)))
		if len(buckets) > s.retention {
			buckets = buckets[len(buckets)-s.retention:]
		}
		s.namespaces[namespace] = buckets
	}
	return buckets[len(buckets)-1]
}

func (s *StatsCollector) aggregateLocked(namespace string, buckets []*statsBucket) CacheStats {
	stats := CacheStats{
		Namespace:     namespace,
		Timestamp:     s.now(),
		HitsByTier:    make(map[TierID]int64, len(AllTiers)),
		RescuedByTier: make(map[TierID]int64, len(AllTiers)),
		CostSaved:     decimal.Zero,
	}

	var latencySum time.Duration
	var latencyCount int64

	for _, b := range buckets {
		if stats.Since.IsZero() || b.start.Before(stats.Since) {
			stats.Since = b.start
		}
		stats.Lookups += b.lookups
		stats.Misses += b.misses
		stats.ExactHits += b.exact
		stats.DegradedLookups += b.degraded
		stats.Stores += b.stores
		stats.Evictions += b.evictions
		stats.Invalidations += b.invalidations
		stats.CostSaved = stats.CostSaved.Add(b.costSaved)
		stats.ComputeSaved += b.computeSaved
		latencySum += b.latencySum
		latencyCount += b.latencyCount

		for tier, tc := range b.byTier {
			stats.HitsByTier[tier] += tc.hits
			stats.RescuedByTier[tier] += tc.rescued
			stats.Hits += tc.hits
		}
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if latencyCount > 0 {
		stats.AvgLookupLatency = latencySum / time.Duration(latencyCount)
	}
	return stats
}
