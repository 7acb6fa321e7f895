package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ema-screener/internal/model"
	"ema-screener/internal/store/sqlite"
)

func TestOpen_SelectsBackend(t *testing.T) {
	c, err := Open(Config{Backend: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &sqlite.Cache{}, c)

	c, err = Open(Config{Backend: "none"})
	require.NoError(t, err)
	assert.Equal(t, Noop{}, c)

	c, err = Open(Config{})
	require.NoError(t, err)
	assert.Equal(t, Noop{}, c)
}

func TestOpen_UnreachableFallsBackToNoop(t *testing.T) {
	c, err := Open(Config{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, Noop{}, c)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "memcached"})
	assert.Error(t, err)
}

func TestNoop_AlwaysMisses(t *testing.T) {
	ctx := context.Background()
	key := model.SubscriptionKey{Symbol: "X", Timeframe: "1h"}
	var n Noop
	require.NoError(t, n.Save(ctx, key, []model.Candle{{}}, model.UnavailableState()))
	require.NoError(t, n.SaveState(ctx, key, model.UnavailableState()))
	_, _, found, err := n.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, n.Close())
}
