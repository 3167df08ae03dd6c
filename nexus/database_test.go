package nexus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDBMigratesModels(t *testing.T) {
	db := gormDB(t)

	for _, table := range []string{"peer_config", "rate_limits", "bot_state"} {
		assert.Truef(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestCreateDBInvalidType(t *testing.T) {
	_, err := CreateDB(
		context.Background(),
		"mysql",
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.Error(t, err)
}

func TestDatabaseUpsert(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	record := &RateLimitRecord{
		UserID:        5,
		Operation:     "ping",
		LastAllowedAt: 1000,
	}
	_, err := db.Upsert(ctx, record)
	require.NoError(t, err)

	record.LastAllowedAt = 2000
	_, err = db.Upsert(ctx, record)
	require.NoError(t, err)

	var rows []RateLimitRecord
	require.NoError(t, db.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2000), rows[0].LastAllowedAt)
}

func TestDatabaseDeleteWhere(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for i, op := range []string{"ping", "summary", "other"} {
		_, err := db.Create(
			ctx,
			&RateLimitRecord{
				UserID:        int64(i),
				Operation:     op,
				LastAllowedAt: int64(i * 100),
			},
		)
		require.NoError(t, err)
	}

	affected, err := db.DeleteWhere(
		ctx,
		&RateLimitRecord{},
		"last_allowed_at < ?",
		200,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	var remaining []RateLimitRecord
	require.NoError(t, db.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].Operation)
}

func TestSQLiteNotifierInvalidation(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNexus(t)

	_, err := n.peerConfig.Get(ctx, 42)
	require.NoError(t, err)
	_, err = n.peerConfig.Get(ctx, 43)
	require.NoError(t, err)

	assert.True(t, n.dbNotifier.PeerConfigInvalidated(ctx, 42))
	n.peerConfig.mu.RLock()
	_, has42 := n.peerConfig.cache[42]
	_, has43 := n.peerConfig.cache[43]
	n.peerConfig.mu.RUnlock()
	assert.False(t, has42)
	assert.True(t, has43)

	// chat ID 0 drops everything
	assert.True(t, n.dbNotifier.PeerConfigInvalidated(ctx, 0))
	n.peerConfig.mu.RLock()
	remaining := len(n.peerConfig.cache)
	n.peerConfig.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestSQLiteNotifierStop(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNexus(t)

	assert.True(t, n.dbNotifier.Stop(ctx))
	// the signal is buffered; a second send with the buffer full fails
	assert.False(t, n.dbNotifier.Stop(ctx))
	<-n.signalStop
	assert.True(t, n.dbNotifier.Stop(ctx))
}
