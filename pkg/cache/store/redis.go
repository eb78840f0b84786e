package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stratacache/stratacache/pkg/cache"
	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/resilience"
	"github.com/stratacache/stratacache/pkg/retry"
)

const bucketSeparator = "|"

// redisEnvelope wraps the codec-encoded entry blob. The namespace rides in
// clear because decryption needs it before the blob can be opened.
type redisEnvelope struct {
	Namespace string `json:"ns"`
	Blob      []byte `json:"blob"`
}

// RedisStore keeps entries as codec-encoded JSON blobs with native key
// expiry, plus one membership set per (tier, namespace) bucket so sweeps and
// cap checks never scan the whole keyspace. Set membership can lag behind
// natural expiry; List self-heals ghost ids as it finds them.
type RedisStore struct {
	client  *ResilientRedisClient
	codec   *cache.Codec
	prefix  string
	logger  observability.Logger
	metrics observability.MetricsClient
}

// RedisStoreOptions configures NewRedisStore. Zero values get defaults.
type RedisStoreOptions struct {
	Prefix  string
	Codec   *cache.Codec
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Breaker *resilience.CircuitBreakerConfig
	Retry   *retry.Config
}

// NewRedisStore wraps client as an EntryStore.
func NewRedisStore(client *redis.Client, opts RedisStoreOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "stratacache"
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("cache.store.redis")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}
	return &RedisStore{
		client:  NewResilientRedisClient(client, opts.Breaker, opts.Retry, opts.Logger, opts.Metrics),
		codec:   opts.Codec,
		prefix:  opts.Prefix,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (s *RedisStore) entryKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:entry:%s", s.prefix, id)
}

func (s *RedisStore) bucketKey(tier cache.TierID, namespace string) string {
	return fmt.Sprintf("%s:ids:%s:%s", s.prefix, tier, namespace)
}

func (s *RedisStore) catalogKey() string {
	return fmt.Sprintf("%s:buckets", s.prefix)
}

func (s *RedisStore) sealEntry(entry *cache.CacheEntry) ([]byte, error) {
	blob, err := encodeJSON(s.codec, entry, entry.Namespace)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisEnvelope{Namespace: entry.Namespace, Blob: blob})
}

func (s *RedisStore) openEntry(data []byte) (*cache.CacheEntry, error) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	var entry cache.CacheEntry
	if err := decodeJSON(s.codec, env.Blob, env.Namespace, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put writes entry with its remaining TTL and registers it in the bucket set.
func (s *RedisStore) Put(ctx context.Context, entry *cache.CacheEntry) error {
	if entry == nil {
		return cache.ErrInvalidEntry
	}
	remaining := time.Until(entry.ExpiresAt())
	if remaining <= 0 {
		return fmt.Errorf("%w: entry already expired", cache.ErrInvalidEntry)
	}

	sealed, err := s.sealEntry(entry)
	if err != nil {
		return err
	}

	bucket := s.bucketKey(entry.Tier, entry.Namespace)
	member := string(entry.Tier) + bucketSeparator + entry.Namespace

	err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.ID), sealed, remaining)
		pipe.SAdd(ctx, bucket, entry.ID.String())
		pipe.SAdd(ctx, s.catalogKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Get returns the entry at id, or ErrEntryNotFound.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*cache.CacheEntry, error) {
	val, err := s.client.Get(ctx, s.entryKey(id))
	if err == redis.Nil {
		return nil, cache.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return s.openEntry([]byte(val))
}

// Delete removes id and its bucket membership.
func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	val, err := s.client.Get(ctx, s.entryKey(id))
	if err == redis.Nil {
		return s.deleteUnlocated(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load entry: %w", err)
	}

	entry, decodeErr := s.openEntry([]byte(val))
	if decodeErr != nil {
		// Undecodable entries still have to go.
		return s.deleteUnlocated(ctx, id)
	}

	return s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(id))
		pipe.SRem(ctx, s.bucketKey(entry.Tier, entry.Namespace), id.String())
		return nil
	})
}

// deleteUnlocated clears an id whose tier and namespace are unknown, so its
// membership has to be removed from every bucket.
func (s *RedisStore) deleteUnlocated(ctx context.Context, id uuid.UUID) error {
	members, err := s.client.SMembers(ctx, s.catalogKey())
	if err != nil {
		return err
	}
	for _, member := range members {
		tier, ns, ok := splitBucketMember(member)
		if !ok {
			continue
		}
		if err := s.client.SRem(ctx, s.bucketKey(tier, ns), id.String()); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, s.entryKey(id))
}

// UpdateAccess rewrites the entry blob with new access bookkeeping, keeping
// the key's TTL. Concurrent hits may lose an increment; the counters feed
// eviction heuristics, not invariants.
func (s *RedisStore) UpdateAccess(ctx context.Context, id uuid.UUID, lastAccess time.Time, accessCount int64) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	entry.LastAccessedAt = lastAccess
	entry.AccessCount = accessCount

	sealed, err := s.sealEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.entryKey(id), sealed, redis.KeepTTL); err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	return nil
}

// List returns entries matching filter across the relevant buckets.
func (s *RedisStore) List(ctx context.Context, filter cache.Filter) ([]*cache.CacheEntry, error) {
	buckets, err := s.selectBuckets(ctx, filter)
	if err != nil {
		return nil, err
	}

	var out []*cache.CacheEntry
	for _, b := range buckets {
		ids, err := s.client.SMembers(ctx, s.bucketKey(b.tier, b.namespace))
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			parsed, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			keys[i] = s.entryKey(parsed)
		}

		vals, err := s.client.MGet(ctx, keys...)
		if err != nil {
			return nil, err
		}

		var ghosts []interface{}
		for i, val := range vals {
			if val == nil {
				ghosts = append(ghosts, ids[i])
				continue
			}
			str, ok := val.(string)
			if !ok {
				continue
			}
			entry, err := s.openEntry([]byte(str))
			if err != nil {
				s.logger.Warn("Skipping undecodable cache entry", map[string]interface{}{
					"key":   keys[i],
					"error": err.Error(),
				})
				continue
			}
			if !matchesFilter(entry, filter) {
				continue
			}
			out = append(out, entry)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}

		if len(ghosts) > 0 {
			if err := s.client.SRem(ctx, s.bucketKey(b.tier, b.namespace), ghosts...); err != nil {
				s.logger.Warn("Failed to clear expired ids from bucket set", map[string]interface{}{
					"bucket": s.bucketKey(b.tier, b.namespace),
					"error":  err.Error(),
				})
			}
		}

		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the bucket set cardinality. It can briefly overcount after
// natural expiry until the next List or sweep clears the ghosts.
func (s *RedisStore) Count(ctx context.Context, tier cache.TierID, namespace string) (int, error) {
	n, err := s.client.SCard(ctx, s.bucketKey(tier, namespace))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping checks backend connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type bucketRef struct {
	tier      cache.TierID
	namespace string
}

func (s *RedisStore) selectBuckets(ctx context.Context, filter cache.Filter) ([]bucketRef, error) {
	if filter.Tier != "" && filter.Namespace != nil {
		return []bucketRef{{tier: filter.Tier, namespace: *filter.Namespace}}, nil
	}

	members, err := s.client.SMembers(ctx, s.catalogKey())
	if err != nil {
		return nil, err
	}

	var buckets []bucketRef
	for _, member := range members {
		tier, ns, ok := splitBucketMember(member)
		if !ok {
			continue
		}
		if filter.Tier != "" && tier != filter.Tier {
			continue
		}
		if filter.Namespace != nil && ns != *filter.Namespace {
			continue
		}
		buckets = append(buckets, bucketRef{tier: tier, namespace: ns})
	}
	return buckets, nil
}

func splitBucketMember(member string) (cache.TierID, string, bool) {
	parts := strings.SplitN(member, bucketSeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	tier := cache.TierID(parts[0])
	if !tier.Valid() {
		return "", "", false
	}
	return tier, parts[1], true
}
