package nexus

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRateLimiter(t testing.TB) *RateLimiter {
	t.Helper()
	return NewRateLimiter(
		testDB(t),
		slog.Default().With("test", t.Name()),
		DefaultRateLimitRetention,
	)
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRateLimiter(t)

	currentTime := time.Now()
	limiter.now = func() time.Time { return currentTime }

	window := time.Minute

	assert.True(t, limiter.Check(ctx, 1, "ping", window))

	// inside the window
	currentTime = currentTime.Add(30 * time.Second)
	assert.False(t, limiter.Check(ctx, 1, "ping", window))

	// a denied check must not have moved the timestamp
	currentTime = currentTime.Add(31 * time.Second)
	assert.True(t, limiter.Check(ctx, 1, "ping", window))
}

func TestRateLimiterKeyedByUserAndOperation(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRateLimiter(t)

	window := time.Minute

	assert.True(t, limiter.Check(ctx, 1, "ping", window))
	// other users and other operations are unaffected
	assert.True(t, limiter.Check(ctx, 2, "ping", window))
	assert.True(t, limiter.Check(ctx, 1, "summary", window))
	assert.False(t, limiter.Check(ctx, 1, "ping", window))
}

func TestRateLimiterPersistsGrants(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRateLimiter(t)

	require.True(t, limiter.Check(ctx, 42, "ping", time.Minute))

	var record RateLimitRecord
	require.NoError(
		t, limiter.db.DB().First(
			&record,
			"user_id = ? AND operation = ?",
			int64(42),
			"ping",
		).Error,
	)
	assert.Equal(t, int64(42), record.UserID)
	assert.Equal(t, "ping", record.Operation)
	assert.NotZero(t, record.LastAllowedAt)

	// a second grant updates the same record instead of erroring
	limiter.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.True(t, limiter.Check(ctx, 42, "ping", time.Minute))

	var count int64
	require.NoError(
		t,
		limiter.db.DB().Model(&RateLimitRecord{}).Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)
}

func TestRateLimiterWarm(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	first := NewRateLimiter(db, slog.Default(), DefaultRateLimitRetention)
	require.True(t, first.Check(ctx, 7, "summary", time.Hour))

	// a new limiter over the same database simulates a restart
	second := NewRateLimiter(db, slog.Default(), DefaultRateLimitRetention)
	require.NoError(t, second.Warm(ctx))
	assert.False(t, second.Check(ctx, 7, "summary", time.Hour))

	// without warming, the restarted process would have granted
	cold := NewRateLimiter(db, slog.Default(), DefaultRateLimitRetention)
	assert.True(t, cold.Check(ctx, 7, "summary", time.Hour))
}

func TestRateLimiterGrantKeptOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(
		&failingUpsertDB{},
		slog.Default().With("test", t.Name()),
		DefaultRateLimitRetention,
	)

	// the grant survives the durable write failing entirely
	assert.True(t, limiter.Check(ctx, 3, "ping", time.Minute))
	// and the cache stamp still throttles the next call
	assert.False(t, limiter.Check(ctx, 3, "ping", time.Minute))
}

func TestRateLimiterSweep(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRateLimiter(t)
	limiter.retention = time.Hour

	past := time.Now().Add(-2 * time.Hour)
	limiter.now = func() time.Time { return past }
	require.True(t, limiter.Check(ctx, 1, "ping", time.Minute))

	limiter.now = time.Now
	require.True(t, limiter.Check(ctx, 2, "ping", time.Minute))

	require.NoError(t, limiter.Sweep(ctx))

	var count int64
	require.NoError(
		t,
		limiter.db.DB().Model(&RateLimitRecord{}).Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)

	limiter.mu.Lock()
	_, staleCached := limiter.cache[rateLimitKey{userID: 1, operation: "ping"}]
	_, freshCached := limiter.cache[rateLimitKey{userID: 2, operation: "ping"}]
	limiter.mu.Unlock()
	assert.False(t, staleCached)
	assert.True(t, freshCached)
}

// Retention is a housekeeping horizon only: records inside it are kept
// even when they're far older than the window being checked.
func TestRateLimiterRetentionIndependentOfWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRateLimiter(t)
	limiter.retention = 24 * time.Hour

	past := time.Now().Add(-time.Hour)
	limiter.now = func() time.Time { return past }
	require.True(t, limiter.Check(ctx, 9, "ping", time.Second))

	limiter.now = time.Now
	require.NoError(t, limiter.Sweep(ctx))

	var count int64
	require.NoError(
		t,
		limiter.db.DB().Model(&RateLimitRecord{}).Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)
}

// failingUpsertDB implements DBI with every write failing. Reads are
// not expected to be called.
type failingUpsertDB struct{}

var errWriteFailed = errors.New("write failed")

func (failingUpsertDB) Lock()   {}
func (failingUpsertDB) Unlock() {}

func (failingUpsertDB) DB() *gorm.DB { return nil }

func (failingUpsertDB) Create(context.Context, any, ...string) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) Updates(context.Context, any, any) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) Save(context.Context, any, ...string) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) Upsert(context.Context, any) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) Update(context.Context, any, string, any) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) DeleteWhere(context.Context, any, any, ...any) (int64, error) {
	return 0, errWriteFailed
}

func (failingUpsertDB) Transaction(
	context.Context,
	func(tx *gorm.DB) error,
	...*sql.TxOptions,
) error {
	return errWriteFailed
}
