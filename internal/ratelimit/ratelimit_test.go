package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	l := New()
	now := start
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheck_DeniesAtCapacityWithinWindow(t *testing.T) {
	l, now := newTestLimiter(time.UnixMilli(1_000_000))
	const max = 3
	const windowMS = int64(60_000)

	for i := 0; i < max; i++ {
		res := l.Check("g1", max, windowMS)
		require.True(t, res.Allowed, "request %d should be allowed", i)
		*now = now.Add(time.Second)
	}

	res := l.Check("g1", max, windowMS)
	assert.False(t, res.Allowed)
	assert.LessOrEqual(t, res.ResetInMS, windowMS)
	assert.Positive(t, res.ResetInMS)
}

func TestCheck_DenialClearsAfterWindow(t *testing.T) {
	l, now := newTestLimiter(time.UnixMilli(1_000_000))
	const max = 2
	const windowMS = int64(10_000)

	l.Check("g1", max, windowMS)
	l.Check("g1", max, windowMS)
	res := l.Check("g1", max, windowMS)
	require.False(t, res.Allowed)

	*now = now.Add(time.Duration(windowMS)*time.Millisecond + time.Millisecond)
	res = l.Check("g1", max, windowMS)
	assert.True(t, res.Allowed)
	assert.Equal(t, max, res.Remaining)
}

// TestCheck_QuietPeriodGrace covers the documented grace behaviour: the
// first access after the whole window expired returns full headroom
// without itself being recorded, so a client can land max+1 requests
// across a window reset.
func TestCheck_QuietPeriodGrace(t *testing.T) {
	l, now := newTestLimiter(time.UnixMilli(1_000_000))
	const max = 2
	const windowMS = int64(1_000)

	l.Check("g1", max, windowMS)
	l.Check("g1", max, windowMS)
	*now = now.Add(5 * time.Second)

	res := l.Check("g1", max, windowMS)
	assert.True(t, res.Allowed)
	assert.Equal(t, max, res.Remaining)

	l.mu.Lock()
	_, exists := l.windows["g1"]
	l.mu.Unlock()
	assert.False(t, exists, "quiet key should be evicted, grace access unrecorded")

	// The next access is a fresh key again and does get recorded.
	res = l.Check("g1", max, windowMS)
	require.True(t, res.Allowed)
	l.mu.Lock()
	assert.Len(t, l.windows["g1"], 1)
	l.mu.Unlock()
}

func TestCheck_RemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(1_000_000))
	const max = 3
	const windowMS = int64(60_000)

	assert.Equal(t, 3, l.Check("g1", max, windowMS).Remaining)
	assert.Equal(t, 2, l.Check("g1", max, windowMS).Remaining)
	assert.Equal(t, 1, l.Check("g1", max, windowMS).Remaining)
	assert.False(t, l.Check("g1", max, windowMS).Allowed)
}

func TestCheck_IndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(1_000_000))

	for i := 0; i < 3; i++ {
		l.Check("busy", 2, 60_000)
	}
	res := l.Check("busy", 2, 60_000)
	require.False(t, res.Allowed)

	res = l.Check("idle", 2, 60_000)
	assert.True(t, res.Allowed)
}
