package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacache/stratacache/pkg/cache"
)

var entryColumnNames = []string{
	"id", "tier", "namespace", "query_text", "query_vector", "payload",
	"source_version", "created_at", "expires_at", "last_accessed_at", "access_count", "ttl_seconds",
}

func setupSQLStore(t *testing.T, driverName string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mockDB.Close()
	})

	db := sqlx.NewDb(mockDB, driverName)
	s, err := NewSQLStore(db, SQLStoreOptions{})
	require.NoError(t, err)
	return s, mock
}

func TestDialectFromDriver(t *testing.T) {
	for driverName, want := range map[string]Dialect{
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
		"sqlite3":  DialectSQLite,
	} {
		got, err := DialectFromDriver(driverName)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := DialectFromDriver("mysql")
	assert.ErrorIs(t, err, cache.ErrInvalidConfig)
}

func TestSQLStore_Put(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "caller:a", "deploy status")
	mock.ExpectExec(`INSERT INTO cache_entries`).
		WithArgs(
			entry.ID.String(),
			"outcome",
			"caller:a",
			"deploy status",
			pq.Float32Array{0.6, 0.8},
			sqlmock.AnyArg(),
			"v1",
			entry.CreatedAt.UTC(),
			entry.ExpiresAt().UTC(),
			entry.LastAccessedAt.UTC(),
			int64(0),
			int64(3600),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Put(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Get(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "caller:a", "deploy status")
	blob, err := encodeJSON(nil, sqlPayload{Payload: entry.Payload, Provenance: entry.Provenance}, entry.Namespace)
	require.NoError(t, err)

	rows := sqlmock.NewRows(entryColumnNames).AddRow(
		entry.ID.String(),
		"outcome",
		"caller:a",
		"deploy status",
		[]byte("{0.6,0.8}"),
		blob,
		"v1",
		entry.CreatedAt.UTC(),
		entry.ExpiresAt().UTC(),
		entry.LastAccessedAt.UTC(),
		int64(2),
		int64(3600),
	)
	mock.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE id = \$1 AND expires_at > \$2`).
		WithArgs(entry.ID.String(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := s.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, cache.TierOutcome, got.Tier)
	assert.Equal(t, []float32{0.6, 0.8}, got.QueryVector)
	assert.Equal(t, "answer for deploy status", got.Payload.Outcome.Text)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, time.Hour, got.TTL)
	assert.True(t, entry.Provenance.CostSaved.Equal(got.Provenance.CostSaved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetMissing(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "", "gone")
	mock.ExpectQuery(`SELECT (.+) FROM cache_entries`).
		WithArgs(entry.ID.String(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	_, err := s.Get(context.Background(), entry.ID)
	assert.ErrorIs(t, err, cache.ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLiteVectorRoundtrip(t *testing.T) {
	s, mock := setupSQLStore(t, "sqlite3")

	entry := testEntry(cache.TierContext, "group:eng", "bundle")
	blob, err := encodeJSON(nil, sqlPayload{Payload: entry.Payload, Provenance: entry.Provenance}, entry.Namespace)
	require.NoError(t, err)

	rows := sqlmock.NewRows(entryColumnNames).AddRow(
		entry.ID.String(),
		"context",
		"group:eng",
		"bundle",
		[]byte(`[0.6,0.8]`),
		blob,
		"v1",
		entry.CreatedAt.UTC(),
		entry.ExpiresAt().UTC(),
		entry.LastAccessedAt.UTC(),
		int64(0),
		int64(3600),
	)
	mock.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE id = \? AND expires_at > \?`).
		WithArgs(entry.ID.String(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := s.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, got.QueryVector)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAccess(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "", "counted")
	later := time.Now().Add(time.Minute)

	mock.ExpectExec(`UPDATE cache_entries`).
		WithArgs(later.UTC(), int64(3), entry.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateAccess(context.Background(), entry.ID, later, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAccessMissing(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "", "gone")
	later := time.Now()

	mock.ExpectExec(`UPDATE cache_entries`).
		WithArgs(later.UTC(), int64(1), entry.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateAccess(context.Background(), entry.ID, later, 1)
	assert.ErrorIs(t, err, cache.ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListBuildsConditions(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	ns := "caller:a"
	mock.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE tier = \$1 AND namespace = \$2 AND source_version <> \$3 LIMIT 5`).
		WithArgs("outcome", "caller:a", "v2").
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	got, err := s.List(context.Background(), cache.Filter{
		Tier:             cache.TierOutcome,
		Namespace:        &ns,
		SourceVersionNot: "v2",
		Limit:            5,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListExpiredBefore(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	cutoff := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE expires_at < \$1`).
		WithArgs(cutoff.UTC()).
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	_, err := s.List(context.Background(), cache.Filter{ExpiredBefore: cutoff})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Delete(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	entry := testEntry(cache.TierOutcome, "", "doomed")
	mock.ExpectExec(`DELETE FROM cache_entries WHERE id = \$1`).
		WithArgs(entry.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Absent rows are not an error.
	assert.NoError(t, s.Delete(context.Background(), entry.ID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Count(t *testing.T) {
	s, mock := setupSQLStore(t, "postgres")

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM cache_entries`).
		WithArgs("outcome", "caller:a", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.Count(context.Background(), cache.TierOutcome, "caller:a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
