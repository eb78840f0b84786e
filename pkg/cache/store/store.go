// Package store provides the durable EntryStore backends: in-memory for
// tests and single-process use, Redis for shared low-latency deployments,
// and SQL (PostgreSQL or SQLite) where entries must survive with the rest
// of the system of record.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/stratacache/stratacache/pkg/cache"
)

// encodeJSON marshals v and runs it through codec for namespace. A nil codec
// stores plain JSON.
func encodeJSON(codec *cache.Codec, v interface{}, namespace string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	if codec == nil {
		return raw, nil
	}
	return codec.Encode(raw, namespace)
}

// decodeJSON reverses encodeJSON into v.
func decodeJSON(codec *cache.Codec, blob []byte, namespace string, v interface{}) error {
	raw := blob
	if codec != nil {
		decoded, err := codec.Decode(blob, namespace)
		if err != nil {
			return err
		}
		raw = decoded
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// matchesFilter applies f to e for backends that filter in memory.
func matchesFilter(e *cache.CacheEntry, f cache.Filter) bool {
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	if f.Namespace != nil && e.Namespace != *f.Namespace {
		return false
	}
	if !f.ExpiredBefore.IsZero() && !e.ExpiresAt().Before(f.ExpiredBefore) {
		return false
	}
	if f.SourceVersionNot != "" && e.SourceVersion == f.SourceVersionNot {
		return false
	}
	return true
}
