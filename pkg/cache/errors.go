package cache

import "errors"

// Cache error taxonomy. Lookup-path failures are downgraded to misses by the
// engine; these sentinels exist so callers and tests can still see why.
var (
	// ErrCacheMiss is returned by Lookup when no candidate was accepted.
	ErrCacheMiss = errors.New("cache miss")

	// ErrProviderUnavailable covers unreachable embedding or storage
	// backends. Always handled as a miss on the lookup path.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrIndexInconsistency marks disagreement between the similarity index
	// and the entry store. Repaired in the background, entry store wins.
	ErrIndexInconsistency = errors.New("similarity index inconsistent with entry store")

	// ErrNamespaceViolation marks an operation that tried to read or write
	// outside its declared scope. Rejected outright, never widened.
	ErrNamespaceViolation = errors.New("namespace violation")

	// ErrSensitiveContent marks a payload matching a disallowed pattern. The
	// store is skipped entirely.
	ErrSensitiveContent = errors.New("sensitive content detected")

	// ErrInvalidConfig is returned when configuration fails validation.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrInvalidEntry is returned for malformed entries (wrong payload kind
	// for the tier, missing vector, unknown tier).
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrEntryNotFound is returned by entry stores for unknown ids.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrDisabled is returned by write paths while the cache is disabled.
	ErrDisabled = errors.New("cache disabled")

	// ErrShutdown is returned once the engine has been shut down.
	ErrShutdown = errors.New("cache engine is shut down")
)
