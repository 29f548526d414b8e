package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalSlidingWindow(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, "poll", 2, time.Minute)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "user-1")
	assert.True(t, ok)
	now = now.Add(10 * time.Second)
	ok, _ = l.Allow(ctx, "user-1")
	assert.True(t, ok)

	ok, wait := l.Allow(ctx, "user-1")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)

	ok, _ = l.Allow(ctx, "user-2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(51 * time.Second)
	ok, _ = l.Allow(ctx, "user-1")
	assert.True(t, ok, "oldest hit left the window")
}

func TestLimiterDefaults(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, "x", 0, 0)
	assert.Equal(t, 1, l.Limit())
	assert.Equal(t, time.Minute, l.window)
}
