package consolidator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Consolidated
}

func (r *recorder) flush(c Consolidated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, c)
}

func (r *recorder) snapshot() []Consolidated {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Consolidated, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAdd_EmitsOncePerCycleInOrder(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	opts := AddOptions{Debounce: 30 * time.Millisecond}
	require.True(t, c.Add("chat-1", "first", opts))
	require.True(t, c.Add("chat-1", "second", opts))
	require.True(t, c.Add("chat-1", "third", opts))

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "chat-1", events[0].ChatID)
	assert.Equal(t, []string{"first", "second", "third"}, events[0].Messages)
	assert.Equal(t, "first\nsecond\nthird", events[0].CombinedText)

	// The cycle is done: nothing further fires.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestAdd_NewMessageResetsTimer(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	opts := AddOptions{Debounce: 60 * time.Millisecond}
	c.Add("chat-1", "one", opts)
	time.Sleep(35 * time.Millisecond)
	c.Add("chat-1", "two", opts)
	time.Sleep(35 * time.Millisecond)

	// 70ms after the first Add, but only 35ms after the second: the reset
	// timer must not have fired yet.
	assert.Empty(t, rec.snapshot())

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, []string{"one", "two"}, rec.snapshot()[0].Messages)
}

func TestAdd_MediaBypassesBuffer(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	assert.False(t, c.Add("chat-1", "a photo", AddOptions{IsMedia: true}))

	// Nothing buffered, nothing emitted.
	assert.Nil(t, c.Flush("chat-1"))
	assert.Empty(t, rec.snapshot())
}

func TestAdd_StreamingBypassesBuffer(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	c.SetStreaming("chat-1", true)
	assert.False(t, c.Add("chat-1", "mid-stream question", AddOptions{}))

	c.SetStreaming("chat-1", false)
	assert.True(t, c.Add("chat-1", "after stream", AddOptions{Debounce: 20 * time.Millisecond}))
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, []string{"after stream"}, rec.snapshot()[0].Messages)
}

func TestFlush_MidCycleCancelsTimer(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	c.Add("chat-1", "one", AddOptions{Debounce: 50 * time.Millisecond})
	c.Add("chat-1", "two", AddOptions{Debounce: 50 * time.Millisecond})

	out := c.Flush("chat-1")
	require.NotNil(t, out)
	assert.Equal(t, "one\ntwo", out.CombinedText)

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	// The cancelled debounce timer must not emit a second event.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestFlush_EmptyReturnsNil(t *testing.T) {
	c := New(func(Consolidated) {})
	assert.Nil(t, c.Flush("never-seen"))
}

func TestDestroy_CancelsPendingTimers(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	c.Add("chat-1", "pending", AddOptions{Debounce: 30 * time.Millisecond})
	c.Destroy()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestAdd_IndependentChats(t *testing.T) {
	rec := &recorder{}
	c := New(rec.flush)

	c.Add("chat-a", "a1", AddOptions{Debounce: 20 * time.Millisecond})
	c.Add("chat-b", "b1", AddOptions{Debounce: 20 * time.Millisecond})

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })

	seen := map[string]string{}
	for _, e := range rec.snapshot() {
		seen[e.ChatID] = e.CombinedText
	}
	assert.Equal(t, map[string]string{"chat-a": "a1", "chat-b": "b1"}, seen)
}
