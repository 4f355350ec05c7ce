package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
)

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{Addr: "cache:6379", DB: 2, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "pw", opts.Password)

	opts, err = redisOptions(config.RedisConfig{Addr: "redis://:secret@cache.internal:6380/3"})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "secret", opts.Password)

	_, err = redisOptions(config.RedisConfig{Addr: "redis://cache/notanumber"})
	assert.Error(t, err)
}

func TestNewRedisDB(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb, err := NewRedisDB(context.Background(), config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer rdb.Close()

	assert.NoError(t, rdb.Health(context.Background()))

	mr.Close()
	assert.Error(t, rdb.Health(context.Background()))
}
