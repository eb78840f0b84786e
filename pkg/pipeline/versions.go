package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// VersionBumper is the optional write side of a SourceVersionProvider.
// Providers that implement it let the cache advance a namespace's version in
// response to source-data events.
type VersionBumper interface {
	Bump(namespace string) string
}

// VersionRegistry is an in-process SourceVersionProvider backed by monotonic
// per-namespace counters. Callers without an external version feed use it and
// bump it whenever their source data changes.
type VersionRegistry struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

// NewVersionRegistry creates an empty registry; every namespace starts at v1.
func NewVersionRegistry() *VersionRegistry {
	return &VersionRegistry{counters: make(map[string]uint64)}
}

// CurrentSourceVersion implements SourceVersionProvider.
func (r *VersionRegistry) CurrentSourceVersion(ctx context.Context, namespace string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return formatVersion(r.counters[namespace]), nil
}

// Bump advances the namespace's version and returns the new marker. Entries
// stamped with older markers become logically invisible immediately.
func (r *VersionRegistry) Bump(namespace string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[namespace]++
	return formatVersion(r.counters[namespace])
}

func formatVersion(n uint64) string {
	return fmt.Sprintf("v%d", n+1)
}
