package cache

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Category labels how volatile the data behind an entry is; it picks the TTL
// when the caller does not pass one explicitly.
type Category string

// TTL categories.
const (
	// CategoryStable is long-lived reference material.
	CategoryStable Category = "stable"
	// CategoryTimely is content that goes stale within hours.
	CategoryTimely Category = "timely"
	// CategoryLive is anything derived from live or external data.
	CategoryLive Category = "live"
)

// TierPolicy tunes one tier.
type TierPolicy struct {
	// SimilarityThreshold is the minimum cosine similarity for a hit.
	SimilarityThreshold float32 `mapstructure:"similarity_threshold" validate:"gt=0,lte=1"`
	// DefaultTTL applies when neither an explicit TTL nor a category is given.
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	// MaxEntries caps the population per namespace within this tier.
	MaxEntries int `mapstructure:"max_entries" validate:"gt=0"`
}

// TTLCategories holds the category-driven TTL defaults.
type TTLCategories struct {
	Stable time.Duration `mapstructure:"stable" validate:"gt=0"`
	Timely time.Duration `mapstructure:"timely" validate:"gt=0"`
	Live   time.Duration `mapstructure:"live" validate:"gt=0"`
}

// EvictionConfig holds the multi-factor score weights. Score:
// age*AgeWeight + (1/accessCount)*FrequencyWeight + idle*RecencyWeight +
// StalePenalty*StaleWeight for source-stale entries.
type EvictionConfig struct {
	AgeWeight       float64 `mapstructure:"age_weight" validate:"gte=0"`
	FrequencyWeight float64 `mapstructure:"frequency_weight" validate:"gte=0"`
	RecencyWeight   float64 `mapstructure:"recency_weight" validate:"gte=0"`
	StaleWeight     float64 `mapstructure:"stale_weight" validate:"gte=0"`
	StalePenalty    float64 `mapstructure:"stale_penalty" validate:"gte=0"`
}

// DriftConfig tunes the background re-validation sampler.
type DriftConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is how often a sampling pass starts.
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	// SampleSize is the number of entries re-validated per pass.
	SampleSize int `mapstructure:"sample_size" validate:"gt=0"`
	// RatePerSecond bounds recomputation work across passes.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gt=0"`
	// MinAge restricts sampling to entries at least this old.
	MinAge time.Duration `mapstructure:"min_age" validate:"gte=0"`
	// DivergenceThreshold invalidates entries whose fresh and cached outputs
	// score below it.
	DivergenceThreshold float64 `mapstructure:"divergence_threshold" validate:"gt=0,lte=1"`
}

// Config is the engine configuration.
type Config struct {
	// Enabled false makes Answer transparent: always miss, never store.
	Enabled bool `mapstructure:"enabled"`

	// Prefix namespaces backend keys so several caches can share a store.
	Prefix string `mapstructure:"prefix" validate:"required"`

	// NamespaceMode is one of shared, caller, group.
	NamespaceMode NamespaceMode `mapstructure:"namespace_mode" validate:"oneof=shared caller group"`

	Outcome   TierPolicy `mapstructure:"outcome"`
	Context   TierPolicy `mapstructure:"context"`
	Selection TierPolicy `mapstructure:"selection"`

	TTLByCategory TTLCategories `mapstructure:"ttl_by_category"`

	// MaxCandidates is the top-k width of index queries.
	MaxCandidates int `mapstructure:"max_candidates" validate:"gt=0"`

	// LexicalRescueBand is how far below the tier threshold the lexical
	// check may rescue a candidate; LexicalRescueMin is the edit-distance
	// similarity it must reach.
	LexicalRescueBand float32 `mapstructure:"lexical_rescue_band" validate:"gte=0,lt=1"`
	LexicalRescueMin  float64 `mapstructure:"lexical_rescue_min" validate:"gt=0,lte=1"`

	// LookupTimeout bounds the whole lookup; on expiry the lookup fails as a
	// miss rather than blocking the caller.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" validate:"gt=0"`

	// SweepInterval drives the TTL and stale-version background sweeps.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`

	Eviction EvictionConfig `mapstructure:"eviction"`
	Drift    DriftConfig    `mapstructure:"drift"`

	// Exact-text embedding reuse window.
	EmbeddingWindowSize int           `mapstructure:"embedding_window_size" validate:"gt=0"`
	EmbeddingWindowTTL  time.Duration `mapstructure:"embedding_window_ttl" validate:"gt=0"`

	// Payload handling for durable backends.
	CompressionEnabled  bool   `mapstructure:"compression_enabled"`
	CompressionMinBytes int    `mapstructure:"compression_min_bytes" validate:"gte=0"`
	EncryptionEnabled   bool   `mapstructure:"encryption_enabled"`
	EncryptionKey       string `mapstructure:"encryption_key"`
}

// DefaultConfig returns production defaults. Thresholds are asymmetric per
// tier: a false accept on Outcome returns a wrong answer, a false accept on
// Selection only reuses a slightly imprecise candidate set.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		Prefix:        "stratacache",
		NamespaceMode: NamespaceModeCaller,
		Outcome: TierPolicy{
			SimilarityThreshold: 0.90,
			DefaultTTL:          24 * time.Hour,
			MaxEntries:          10000,
		},
		Context: TierPolicy{
			SimilarityThreshold: 0.85,
			DefaultTTL:          12 * time.Hour,
			MaxEntries:          5000,
		},
		Selection: TierPolicy{
			SimilarityThreshold: 0.80,
			DefaultTTL:          6 * time.Hour,
			MaxEntries:          5000,
		},
		TTLByCategory: TTLCategories{
			Stable: 7 * 24 * time.Hour,
			Timely: time.Hour,
			Live:   5 * time.Minute,
		},
		MaxCandidates:     10,
		LexicalRescueBand: 0.05,
		LexicalRescueMin:  0.95,
		LookupTimeout:     500 * time.Millisecond,
		SweepInterval:     time.Minute,
		Eviction: EvictionConfig{
			AgeWeight:       1.0,
			FrequencyWeight: 2.0,
			RecencyWeight:   1.5,
			StaleWeight:     1.0,
			StalePenalty:    1000,
		},
		Drift: DriftConfig{
			Enabled:             false,
			Interval:            10 * time.Minute,
			SampleSize:          8,
			RatePerSecond:       0.5,
			MinAge:              time.Hour,
			DivergenceThreshold: 0.80,
		},
		EmbeddingWindowSize: 2048,
		EmbeddingWindowTTL:  5 * time.Minute,
		CompressionEnabled:  true,
		CompressionMinBytes: 1024,
	}
}

// TierPolicyFor returns the policy for tier.
func (c *Config) TierPolicyFor(tier TierID) TierPolicy {
	switch tier {
	case TierOutcome:
		return c.Outcome
	case TierContext:
		return c.Context
	default:
		return c.Selection
	}
}

// ResolveTTL picks the entry TTL: explicit beats category beats tier default.
func (c *Config) ResolveTTL(tier TierID, category Category, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	switch category {
	case CategoryStable:
		return c.TTLByCategory.Stable
	case CategoryTimely:
		return c.TTLByCategory.Timely
	case CategoryLive:
		return c.TTLByCategory.Live
	}
	return c.TierPolicyFor(tier).DefaultTTL
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, tier := range AllTiers {
		p := c.TierPolicyFor(tier)
		if float64(p.SimilarityThreshold)-float64(c.LexicalRescueBand) <= 0 {
			return fmt.Errorf("%w: lexical rescue band %.2f swallows the %s threshold %.2f",
				ErrInvalidConfig, c.LexicalRescueBand, tier, p.SimilarityThreshold)
		}
	}
	if c.EncryptionEnabled && c.EncryptionKey == "" {
		return fmt.Errorf("%w: encryption enabled without a key", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromViper reads cache.* keys from v (nil means the global viper)
// on top of DefaultConfig.
func LoadConfigFromViper(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}

	cfg := DefaultConfig()

	if v.IsSet("cache.enabled") {
		cfg.Enabled = v.GetBool("cache.enabled")
	}
	if v.IsSet("cache.prefix") {
		cfg.Prefix = v.GetString("cache.prefix")
	}
	if v.IsSet("cache.namespace_mode") {
		cfg.NamespaceMode = NamespaceMode(v.GetString("cache.namespace_mode"))
	}

	loadTier := func(key string, p *TierPolicy) {
		if v.IsSet(key + ".similarity_threshold") {
			p.SimilarityThreshold = float32(v.GetFloat64(key + ".similarity_threshold"))
		}
		if v.IsSet(key + ".default_ttl") {
			p.DefaultTTL = v.GetDuration(key + ".default_ttl")
		}
		if v.IsSet(key + ".max_entries") {
			p.MaxEntries = v.GetInt(key + ".max_entries")
		}
	}
	loadTier("cache.outcome", &cfg.Outcome)
	loadTier("cache.context", &cfg.Context)
	loadTier("cache.selection", &cfg.Selection)

	if v.IsSet("cache.ttl_by_category.stable") {
		cfg.TTLByCategory.Stable = v.GetDuration("cache.ttl_by_category.stable")
	}
	if v.IsSet("cache.ttl_by_category.timely") {
		cfg.TTLByCategory.Timely = v.GetDuration("cache.ttl_by_category.timely")
	}
	if v.IsSet("cache.ttl_by_category.live") {
		cfg.TTLByCategory.Live = v.GetDuration("cache.ttl_by_category.live")
	}

	if v.IsSet("cache.max_candidates") {
		cfg.MaxCandidates = v.GetInt("cache.max_candidates")
	}
	if v.IsSet("cache.lexical_rescue_band") {
		cfg.LexicalRescueBand = float32(v.GetFloat64("cache.lexical_rescue_band"))
	}
	if v.IsSet("cache.lexical_rescue_min") {
		cfg.LexicalRescueMin = v.GetFloat64("cache.lexical_rescue_min")
	}
	if v.IsSet("cache.lookup_timeout") {
		cfg.LookupTimeout = v.GetDuration("cache.lookup_timeout")
	}
	if v.IsSet("cache.sweep_interval") {
		cfg.SweepInterval = v.GetDuration("cache.sweep_interval")
	}

	if v.IsSet("cache.eviction.age_weight") {
		cfg.Eviction.AgeWeight = v.GetFloat64("cache.eviction.age_weight")
	}
	if v.IsSet("cache.eviction.frequency_weight") {
		cfg.Eviction.FrequencyWeight = v.GetFloat64("cache.eviction.frequency_weight")
	}
	if v.IsSet("cache.eviction.recency_weight") {
		cfg.Eviction.RecencyWeight = v.GetFloat64("cache.eviction.recency_weight")
	}
	if v.IsSet("cache.eviction.stale_weight") {
		cfg.Eviction.StaleWeight = v.GetFloat64("cache.eviction.stale_weight")
	}
	if v.IsSet("cache.eviction.stale_penalty") {
		cfg.Eviction.StalePenalty = v.GetFloat64("cache.eviction.stale_penalty")
	}

	if v.IsSet("cache.drift.enabled") {
		cfg.Drift.Enabled = v.GetBool("cache.drift.enabled")
	}
	if v.IsSet("cache.drift.interval") {
		cfg.Drift.Interval = v.GetDuration("cache.drift.interval")
	}
	if v.IsSet("cache.drift.sample_size") {
		cfg.Drift.SampleSize = v.GetInt("cache.drift.sample_size")
	}
	if v.IsSet("cache.drift.rate_per_second") {
		cfg.Drift.RatePerSecond = v.GetFloat64("cache.drift.rate_per_second")
	}
	if v.IsSet("cache.drift.min_age") {
		cfg.Drift.MinAge = v.GetDuration("cache.drift.min_age")
	}
	if v.IsSet("cache.drift.divergence_threshold") {
		cfg.Drift.DivergenceThreshold = v.GetFloat64("cache.drift.divergence_threshold")
	}

	if v.IsSet("cache.embedding_window_size") {
		cfg.EmbeddingWindowSize = v.GetInt("cache.embedding_window_size")
	}
	if v.IsSet("cache.embedding_window_ttl") {
		cfg.EmbeddingWindowTTL = v.GetDuration("cache.embedding_window_ttl")
	}
	if v.IsSet("cache.compression_enabled") {
		cfg.CompressionEnabled = v.GetBool("cache.compression_enabled")
	}
	if v.IsSet("cache.compression_min_bytes") {
		cfg.CompressionMinBytes = v.GetInt("cache.compression_min_bytes")
	}
	if v.IsSet("cache.encryption_enabled") {
		cfg.EncryptionEnabled = v.GetBool("cache.encryption_enabled")
	}
	if v.IsSet("cache.encryption_key") {
		cfg.EncryptionKey = v.GetString("cache.encryption_key")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
