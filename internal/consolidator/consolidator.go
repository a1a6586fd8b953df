// Package consolidator batches rapid-fire messages from the same chat into
// one dispatch, the same way a person typing several short lines in a row
// means one thought. It debounces with a per-chat timer rather than a
// single global one.
package consolidator

import (
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is used when AddOptions.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// Consolidated is one emitted debounce cycle: every message added to the
// cycle, in arrival order, plus their newline join.
type Consolidated struct {
	ChatID       string
	Messages     []string
	CombinedText string
}

// Flush is called with the consolidated buffer of one chat once its
// debounce window elapses (or Flush forces it).
type Flush func(c Consolidated)

// AddOptions modifies how one message is buffered.
type AddOptions struct {
	MessageID string
	IsMedia   bool
	// Debounce overrides DefaultDebounce for this cycle; bounded per group
	// config by the caller.
	Debounce time.Duration
}

type bucket struct {
	mu        sync.Mutex
	messages  []string
	timer     *time.Timer
	streaming bool
}

// Consolidator coalesces same-chat messages arriving within a debounce
// window into a single flush. Media messages and messages arriving while
// the chat is marked streaming are never buffered: Add returns false and
// the caller handles them directly.
type Consolidator struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	onFlush Flush
}

// New creates a Consolidator delivering each settled buffer to onFlush.
func New(onFlush Flush) *Consolidator {
	return &Consolidator{
		buckets: make(map[string]*bucket),
		onFlush: onFlush,
	}
}

func (c *Consolidator) bucketFor(chatID string) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[chatID]
	if !ok {
		b = &bucket{}
		c.buckets[chatID] = b
	}
	return b
}

// Add buffers a message for chatID and (re)starts its debounce timer,
// returning whether the message was buffered. Media messages and messages
// arriving while the chat is streaming bypass the buffer entirely and
// return false.
func (c *Consolidator) Add(chatID, message string, opts AddOptions) bool {
	b := c.bucketFor(chatID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.IsMedia || b.streaming {
		return false
	}

	b.messages = append(b.messages, message)

	window := opts.Debounce
	if window <= 0 {
		window = DefaultDebounce
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(window, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		c.flushLocked(chatID, b)
	})
	return true
}

// SetStreaming marks whether chatID currently has an assistant reply in
// flight. While true, Add bypasses the buffer so a user's follow-up
// reaches the in-progress turn without a debounce delay.
func (c *Consolidator) SetStreaming(chatID string, streaming bool) {
	b := c.bucketFor(chatID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streaming = streaming
}

// Flush emits chatID's buffer immediately, cancelling any pending timer,
// and returns the consolidated value — nil if the buffer was empty.
func (c *Consolidator) Flush(chatID string) *Consolidated {
	b := c.bucketFor(chatID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.flushLocked(chatID, b)
}

// flushLocked requires b.mu held. It stops any pending timer, copies out
// the buffer, clears it, and invokes onFlush outside the bucket lock so a
// re-entrant Add from the callback cannot deadlock.
func (c *Consolidator) flushLocked(chatID string, b *bucket) *Consolidated {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.messages) == 0 {
		return nil
	}
	out := Consolidated{
		ChatID:       chatID,
		Messages:     b.messages,
		CombinedText: strings.Join(b.messages, "\n"),
	}
	b.messages = nil
	go c.onFlush(out)
	return &out
}

// Destroy cancels every pending timer and clears all buffered state.
func (c *Consolidator) Destroy() {
	c.mu.Lock()
	buckets := c.buckets
	c.buckets = make(map[string]*bucket)
	c.mu.Unlock()
	for _, b := range buckets {
		b.mu.Lock()
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.messages = nil
		b.mu.Unlock()
	}
}
