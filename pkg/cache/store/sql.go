package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratacache/stratacache/pkg/cache"
	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/pipeline"
)

// Dialect selects the SQL flavor.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectFromDriver maps a sqlx driver name to a Dialect.
func DialectFromDriver(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: unsupported sql driver %q", cache.ErrInvalidConfig, driverName)
	}
}

const entryColumns = `id, tier, namespace, query_text, query_vector, payload,
	source_version, created_at, expires_at, last_accessed_at, access_count, ttl_seconds`

// sqlPayload is the codec-encoded part of a row: everything that is content
// rather than retrieval metadata.
type sqlPayload struct {
	Payload    cache.Payload       `json:"payload"`
	Provenance pipeline.Provenance `json:"provenance"`
}

// SQLStore persists entries in PostgreSQL or SQLite through sqlx. Retrieval
// metadata lives in indexed columns; payload content is a codec blob.
// Expired rows stay put until a sweep deletes them, but Get and Count only
// see live rows.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	codec   *cache.Codec
	logger  observability.Logger
	metrics observability.MetricsClient
}

// SQLStoreOptions configures NewSQLStore.
type SQLStoreOptions struct {
	Codec   *cache.Codec
	Logger  observability.Logger
	Metrics observability.MetricsClient
	// AutoMigrate applies the embedded schema migrations on startup.
	AutoMigrate bool
}

// NewSQLStore wraps db as an EntryStore. The dialect is derived from the
// driver name.
func NewSQLStore(db *sqlx.DB, opts SQLStoreOptions) (*SQLStore, error) {
	dialect, err := DialectFromDriver(db.DriverName())
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("cache.store.sql")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		codec:   opts.Codec,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	if opts.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put upserts entry.
func (s *SQLStore) Put(ctx context.Context, entry *cache.CacheEntry) error {
	if entry == nil {
		return cache.ErrInvalidEntry
	}

	blob, err := encodeJSON(s.codec, sqlPayload{Payload: entry.Payload, Provenance: entry.Provenance}, entry.Namespace)
	if err != nil {
		return err
	}
	vec, err := s.vectorValue(entry.QueryVector)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO cache_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tier = excluded.tier,
			namespace = excluded.namespace,
			query_text = excluded.query_text,
			query_vector = excluded.query_vector,
			payload = excluded.payload,
			source_version = excluded.source_version,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			ttl_seconds = excluded.ttl_seconds`)

	start := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		entry.ID.String(),
		string(entry.Tier),
		entry.Namespace,
		entry.QueryText,
		vec,
		blob,
		entry.SourceVersion,
		entry.CreatedAt.UTC(),
		entry.ExpiresAt().UTC(),
		entry.LastAccessedAt.UTC(),
		entry.AccessCount,
		int64(entry.TTL/time.Second),
	)
	s.metrics.RecordTimer("cache_store_sql_duration", time.Since(start), map[string]string{"operation": "put"})
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Get returns the live entry at id, or ErrEntryNotFound.
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*cache.CacheEntry, error) {
	query := s.db.Rebind(`
		SELECT ` + entryColumns + `
		FROM cache_entries
		WHERE id = ? AND expires_at > ?`)

	row := s.db.QueryRowContext(ctx, query, id.String(), time.Now().UTC())
	entry, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, cache.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes id; absent rows are not an error.
func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID) error {
	query := s.db.Rebind(`DELETE FROM cache_entries WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id.String()); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// UpdateAccess persists hit bookkeeping for id.
func (s *SQLStore) UpdateAccess(ctx context.Context, id uuid.UUID, lastAccess time.Time, accessCount int64) error {
	query := s.db.Rebind(`
		UPDATE cache_entries
		SET last_accessed_at = ?, access_count = ?
		WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, lastAccess.UTC(), accessCount, id.String())
	if err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return cache.ErrEntryNotFound
	}
	return nil
}

// List returns entries matching filter, including expired rows so sweeps can
// find them.
func (s *SQLStore) List(ctx context.Context, filter cache.Filter) ([]*cache.CacheEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Tier != "" {
		conds = append(conds, "tier = ?")
		args = append(args, string(filter.Tier))
	}
	if filter.Namespace != nil {
		conds = append(conds, "namespace = ?")
		args = append(args, *filter.Namespace)
	}
	if !filter.ExpiredBefore.IsZero() {
		conds = append(conds, "expires_at < ?")
		args = append(args, filter.ExpiredBefore.UTC())
	}
	if filter.SourceVersionNot != "" {
		conds = append(conds, "source_version <> ?")
		args = append(args, filter.SourceVersionNot)
	}

	query := `SELECT ` + entryColumns + ` FROM cache_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var out []*cache.CacheEntry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Count returns the live population of (tier, namespace).
func (s *SQLStore) Count(ctx context.Context, tier cache.TierID, namespace string) (int, error) {
	query := s.db.Rebind(`
		SELECT COUNT(*) FROM cache_entries
		WHERE tier = ? AND namespace = ? AND expires_at > ?`)

	var n int
	if err := s.db.GetContext(ctx, &n, query, string(tier), namespace, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanEntry(row rowScanner) (*cache.CacheEntry, error) {
	var (
		idStr, tier, namespace, queryText, sourceVersion string
		blob                                             []byte
		createdAt, expiresAt, lastAccess                 time.Time
		accessCount, ttlSeconds                          int64

		pgVector  pq.Float32Array
		rawVector []byte
	)

	vectorDest := interface{}(&rawVector)
	if s.dialect == DialectPostgres {
		vectorDest = &pgVector
	}

	err := row.Scan(&idStr, &tier, &namespace, &queryText, vectorDest, &blob,
		&sourceVersion, &createdAt, &expiresAt, &lastAccess, &accessCount, &ttlSeconds)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid entry id %q: %w", idStr, err)
	}

	var vector []float32
	if s.dialect == DialectPostgres {
		vector = []float32(pgVector)
	} else if len(rawVector) > 0 {
		if err := json.Unmarshal(rawVector, &vector); err != nil {
			return nil, fmt.Errorf("invalid entry vector: %w", err)
		}
	}

	var content sqlPayload
	if err := decodeJSON(s.codec, blob, namespace, &content); err != nil {
		return nil, err
	}

	return &cache.CacheEntry{
		ID:             id,
		Tier:           cache.TierID(tier),
		Namespace:      namespace,
		QueryText:      queryText,
		QueryVector:    vector,
		Payload:        content.Payload,
		Provenance:     content.Provenance,
		SourceVersion:  sourceVersion,
		CreatedAt:      createdAt,
		LastAccessedAt: lastAccess,
		AccessCount:    accessCount,
		TTL:            time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func (s *SQLStore) vectorValue(vec []float32) (interface{}, error) {
	if s.dialect == DialectPostgres {
		return pq.Float32Array(vec), nil
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vector: %w", err)
	}
	return string(raw), nil
}
