package policyengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// RateLimiter counts how many Actions executed against one subject on one
// channel within a trailing window, and records executions as they happen
//. The
// actions table is the system of record; RedisRateLimiter below is a
// distributed counter kept in lock-step with it — it is incremented at
// the instant an Action transitions to executed, so a cold rebuild from
// the actions table would reproduce the same counts. A process that
// persists an Action as executed must call RecordExecuted in the same
// step.
type RateLimiter interface {
	CountExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, window time.Duration, asOf time.Time) (int, error)
	RecordExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, at time.Time) error
}

// RedisRateLimiter implements RateLimiter over a Redis sorted set keyed by
// tenant+subject+channel and scored by execution time, so a window count is a
// single ZCOUNT and aged-out entries are trimmed on write. An in-process
// bucket cannot serve here: the caps must hold across the ingress,
// worker-task-consumer, and scheduler processes.
type RedisRateLimiter struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisRateLimiter builds a RedisRateLimiter. retention bounds how long
// an entry survives in the sorted set regardless of the window it was
// written for; it must be at least as wide as the longest window ever
// queried (the weekly cap), or a count would silently undercount.
func NewRedisRateLimiter(client *redis.Client, retention time.Duration) *RedisRateLimiter {
	if retention <= 0 {
		retention = 8 * 24 * time.Hour
	}
	return &RedisRateLimiter{client: client, retention: retention}
}

func (r *RedisRateLimiter) key(tenantID, subjectID string, channel models.ChannelType) string {
	return fmt.Sprintf("policyengine:executed:%s:%s:%s", tenantID, subjectID, channel)
}

// CountExecuted returns the number of recorded executions in
// (asOf-window, asOf].
func (r *RedisRateLimiter) CountExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, window time.Duration, asOf time.Time) (int, error) {
	key := r.key(tenantID, subjectID, channel)
	cutoff := asOf.Add(-window).UnixNano()
	count, err := r.client.ZCount(ctx, key,
		fmt.Sprintf("(%d", cutoff),
		fmt.Sprintf("%d", asOf.UnixNano()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("policyengine: redis zcount: %w", err)
	}
	return int(count), nil
}

// RecordExecuted registers a new execution at `at` and trims entries
// older than the configured retention.
func (r *RedisRateLimiter) RecordExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, at time.Time) error {
	key := r.key(tenantID, subjectID, channel)
	member := fmt.Sprintf("%d-%s", at.UnixNano(), uuid.NewString())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("policyengine: redis zadd: %w", err)
	}
	cutoff := at.Add(-r.retention).UnixNano()
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return fmt.Errorf("policyengine: redis trim: %w", err)
	}
	return nil
}

// MemoryRateLimiter is RedisRateLimiter's single-process analog: the same
// sorted-timestamps-trimmed-on-write shape, kept in a plain map instead of
// a Redis sorted set. It has no cross-process visibility, so it is only
// correct when a single process owns every channel send for a tenant (the
// sqlite/dev deployment this module also supports, where there is one
// worker-task-consumer and no horizontal fan-out). Swap in
// RedisRateLimiter the moment more than one process can execute sends.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	retention time.Duration
	entries   map[string][]time.Time
}

// NewMemoryRateLimiter builds a MemoryRateLimiter with the same retention
// contract as NewRedisRateLimiter.
func NewMemoryRateLimiter(retention time.Duration) *MemoryRateLimiter {
	if retention <= 0 {
		retention = 8 * 24 * time.Hour
	}
	return &MemoryRateLimiter{retention: retention, entries: make(map[string][]time.Time)}
}

func (m *MemoryRateLimiter) key(tenantID, subjectID string, channel models.ChannelType) string {
	return tenantID + ":" + subjectID + ":" + string(channel)
}

// CountExecuted returns the number of recorded executions in
// (asOf-window, asOf].
func (m *MemoryRateLimiter) CountExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, window time.Duration, asOf time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := asOf.Add(-window)
	count := 0
	for _, ts := range m.entries[m.key(tenantID, subjectID, channel)] {
		if ts.After(cutoff) && !ts.After(asOf) {
			count++
		}
	}
	return count, nil
}

// RecordExecuted registers a new execution at `at` and trims entries
// older than the configured retention.
func (m *MemoryRateLimiter) RecordExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(tenantID, subjectID, channel)
	cutoff := at.Add(-m.retention)
	kept := m.entries[key][:0]
	for _, ts := range m.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.entries[key] = append(kept, at)
	return nil
}
