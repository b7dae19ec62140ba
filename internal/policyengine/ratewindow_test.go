package policyengine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func newTestRateLimiter(t *testing.T) *RedisRateLimiter {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return NewRedisRateLimiter(client, 8*24*time.Hour)
}

func TestRedisRateLimiter_CountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	rl := newTestRateLimiter(t)

	now := time.Now()
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now.Add(-12*time.Hour)))
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now.Add(-36*time.Hour)))

	daily, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, 24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, daily)

	weekly, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, 7*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 2, weekly)
}

func TestRedisRateLimiter_ChannelsAndTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	rl := newTestRateLimiter(t)
	now := time.Now()

	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now))
	require.NoError(t, rl.RecordExecuted(ctx, "t2", "s1", models.ChannelEmail, now))
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelWhatsApp, now))

	count, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemoryRateLimiter_CountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewMemoryRateLimiter(8 * 24 * time.Hour)
	now := time.Now()

	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now.Add(-12*time.Hour)))
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now.Add(-36*time.Hour)))

	daily, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, 24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, daily)

	weekly, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, 7*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 2, weekly)
}

func TestMemoryRateLimiter_ChannelsAndTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	rl := NewMemoryRateLimiter(8 * 24 * time.Hour)
	now := time.Now()

	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now))
	require.NoError(t, rl.RecordExecuted(ctx, "t2", "s1", models.ChannelEmail, now))
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelWhatsApp, now))

	count, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemoryRateLimiter_TrimsBeyondRetention(t *testing.T) {
	ctx := context.Background()
	rl := NewMemoryRateLimiter(24 * time.Hour)
	now := time.Now()

	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now.Add(-48*time.Hour)))
	require.NoError(t, rl.RecordExecuted(ctx, "t1", "s1", models.ChannelEmail, now))

	count, err := rl.CountExecuted(ctx, "t1", "s1", models.ChannelEmail, 7*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
