package chatapp

import (
	"context"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// typingRefreshInterval is how often the "typing…" chat action is resent
// while an execution is in flight; Telegram expires the indicator after
// about five seconds.
const typingRefreshInterval = 4 * time.Second

// maxTypingEntries bounds the typing-interval map; inserting beyond it
// evicts the oldest entry and stops its ticker.
const maxTypingEntries = 100

// SendTyping emits one "typing…" chat action for chatID.
func (a *TelegramAdapter) SendTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = a.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

// TypingSender is the one call TypingManager needs from the transport.
type TypingSender interface {
	SendTyping(ctx context.Context, chatID string) error
}

type typingEntry struct {
	cancel  context.CancelFunc
	started time.Time
}

// TypingManager keeps a bounded map of per-chat typing tickers so the user
// sees a live indicator for the whole duration of an execution.
type TypingManager struct {
	sender TypingSender

	mu      sync.Mutex
	entries map[string]*typingEntry
}

// NewTypingManager creates a manager around sender.
func NewTypingManager(sender TypingSender) *TypingManager {
	return &TypingManager{sender: sender, entries: make(map[string]*typingEntry)}
}

// Begin starts (or restarts) the typing ticker for chatID. At capacity the
// oldest entry is evicted and its ticker stopped.
func (m *TypingManager) Begin(chatID string) {
	m.mu.Lock()
	if existing, ok := m.entries[chatID]; ok {
		existing.cancel()
		delete(m.entries, chatID)
	}
	if len(m.entries) >= maxTypingEntries {
		m.evictOldestLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.entries[chatID] = &typingEntry{cancel: cancel, started: time.Now()}
	m.mu.Unlock()

	go func() {
		_ = m.sender.SendTyping(ctx, chatID)
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.sender.SendTyping(ctx, chatID)
			}
		}
	}()
}

// End stops the typing ticker for chatID, if any.
func (m *TypingManager) End(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[chatID]; ok {
		e.cancel()
		delete(m.entries, chatID)
	}
}

// Len reports how many tickers are live.
func (m *TypingManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *TypingManager) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.started.Before(oldest) {
			oldestKey = k
			oldest = e.started
		}
	}
	if oldestKey != "" {
		m.entries[oldestKey].cancel()
		delete(m.entries, oldestKey)
	}
}
