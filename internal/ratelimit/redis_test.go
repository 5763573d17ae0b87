package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
	fail   bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64), ttls: make(map[string]time.Duration)}
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return redis.NewBoolResult(false, errors.New("connection refused"))
	}
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllowWithinLimit(t *testing.T) {
	counter := newFakeCounter()
	l := NewLimiter(counter, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "client-a", "initialize", 5, time.Minute), "request %d should pass", i+1)
	}

	// The (N+1)-th request in the window is denied.
	assert.False(t, l.Allow(ctx, "client-a", "initialize", 5, time.Minute))

	// A different client in the same window is unaffected.
	assert.True(t, l.Allow(ctx, "client-b", "initialize", 5, time.Minute))
}

func TestEndpointsCountedSeparately(t *testing.T) {
	l := NewLimiter(newFakeCounter(), testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "client-a", "initialize", 5, time.Minute))
	}
	assert.False(t, l.Allow(ctx, "client-a", "initialize", 5, time.Minute))

	// Webhook traffic has its own ceiling.
	assert.True(t, l.Allow(ctx, "client-a", "webhook", 10, time.Minute))
}

func TestWindowTTLSetOnFirstHit(t *testing.T) {
	counter := newFakeCounter()
	l := NewLimiter(counter, testLogger())
	ctx := context.Background()

	l.Allow(ctx, "client-a", "initialize", 5, time.Minute)
	l.Allow(ctx, "client-a", "initialize", 5, time.Minute)

	assert.Equal(t, time.Minute, counter.ttls["payrate:initialize:client-a"])
}

func TestFailOpenOnBackendError(t *testing.T) {
	counter := newFakeCounter()
	counter.fail = true
	l := NewLimiter(counter, testLogger())
	ctx := context.Background()

	// Availability of payments beats strict abuse prevention.
	for i := 0; i < 20; i++ {
		assert.True(t, l.Allow(ctx, "client-a", "initialize", 5, time.Minute))
	}
}
