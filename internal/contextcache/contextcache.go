// Package contextcache holds the one provider-side cache handle per group
// that lets the fast path avoid resending a large static
// system-instruction blob on every turn. Replacing a handle best-effort
// deletes the provider-side entry it displaced.
package contextcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/aiprovider"
)

// Handle is the cached content a group is currently using.
type Handle struct {
	Name      string
	Hash      string
	Model     string
	ExpiresAt time.Time
}

// Cache holds at most one Handle per group folder.
type Cache struct {
	provider  aiprovider.Service
	minChars  int
	ttl       time.Duration
	mu        sync.Mutex
	byGroup   map[string]*Handle
}

// New creates a Cache. Content shorter than minChars is never cached.
func New(provider aiprovider.Service, minChars int, ttl time.Duration) *Cache {
	return &Cache{
		provider: provider,
		minChars: minChars,
		ttl:      ttl,
		byGroup:  make(map[string]*Handle),
	}
}

// GetOrCreate returns the existing handle for group if its hash and model
// still match content, otherwise creates a new one and best-effort deletes
// the old one. Returns (nil, nil) whenever caching doesn't apply: content
// too short, or the provider declined (logged internally, never surfaced
// as an error — callers proceed uncached).
func (c *Cache) GetOrCreate(ctx context.Context, group, model, content string) (*Handle, error) {
	if len(content) < c.minChars {
		return nil, nil
	}
	hash := hashContent(content)

	c.mu.Lock()
	existing := c.byGroup[group]
	c.mu.Unlock()

	if existing != nil && existing.Hash == hash && existing.Model == model && time.Now().Before(existing.ExpiresAt) {
		return existing, nil
	}

	created, err := c.provider.CreateCache(ctx, model, content, c.ttl)
	if err != nil {
		if isNotSupported(err) {
			slog.Debug("contextcache: provider declined to cache", "group", group, "error", err)
		} else {
			slog.Warn("contextcache: create cache failed", "group", group, "error", err)
		}
		return nil, nil
	}

	handle := &Handle{Name: created.Name, Hash: hash, Model: model, ExpiresAt: time.Now().Add(c.ttl)}

	c.mu.Lock()
	old := c.byGroup[group]
	c.byGroup[group] = handle
	c.mu.Unlock()

	if old != nil && old.Name != handle.Name {
		go func() {
			if err := c.provider.DeleteCache(context.Background(), old.Name); err != nil {
				slog.Debug("contextcache: best-effort delete of old cache failed", "group", group, "error", err)
			}
		}()
	}
	return handle, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// isNotSupported matches the two provider error substrings that mean
// "proceed without caching, log at debug" rather than a warning.
func isNotSupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not supported") || strings.Contains(msg, "too few tokens")
}
