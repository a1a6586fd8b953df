// Package memsum implements the memory summariser: when a chat grows past
// a character or message-count threshold, it archives the oldest messages
// into a running narrative summary and prunes them from the message
// table.
package memsum

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nanoclaw/nanoclaw/internal/aiprovider"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// maxPromptLength bounds the combined prompt handed to the provider.
// Chosen generously: it only guards against pathological single calls,
// not routine summarisation.
const maxPromptLength = 60000

const summarizeTimeout = 60 * time.Second

// Summariser owns the store and provider dependencies needed to decide
// whether a chat needs summarising and to perform it.
type Summariser struct {
	Store     *store.Store
	Provider  aiprovider.Service
	Model     string
	Config    config.MemoryConfig
	NowMillis func() int64
}

func (s *Summariser) now() int64 {
	if s.NowMillis != nil {
		return s.NowMillis()
	}
	return time.Now().UnixMilli()
}

// MaybeSummarize checks chatID against the configured thresholds and, if
// exceeded, runs Summarize. It is a no-op (nil error) when the chat is
// under both thresholds.
func (s *Summariser) MaybeSummarize(ctx context.Context, chatID, groupFolder string) error {
	chars, count, err := s.Store.TotalMessageChars(ctx, chatID)
	if err != nil {
		return err
	}
	if chars <= s.Config.SummarizeThresholdChars && count <= s.Config.MaxContextMessages {
		return nil
	}
	return s.Summarize(ctx, chatID, groupFolder)
}

// Summarize fetches up to MaxContextMessages oldest messages, prepends any
// prior summary as a PREVIOUS_SUMMARY block, truncates to maxPromptLength,
// asks the provider for a narrative, then in one update accumulates the
// archived counters and deletes the archived messages.
func (s *Summariser) Summarize(ctx context.Context, chatID, groupFolder string) error {
	messages, err := s.Store.OldestMessages(ctx, chatID, s.Config.MaxContextMessages)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	prior, err := s.Store.GetMemorySummary(ctx, groupFolder)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var sb strings.Builder
	if prior != nil && prior.Summary != "" {
		sb.WriteString("PREVIOUS_SUMMARY:\n")
		sb.WriteString(prior.Summary)
		sb.WriteString("\n\n")
	}

	var charsArchived int64
	for _, m := range messages {
		name := sanitizeSenderName(m.SenderName)
		content := stripControlChars(m.Content)
		sb.WriteString(fmt.Sprintf("%s: %s\n", name, content))
		charsArchived += int64(len(m.Content))
	}

	prompt := s.Config.SummaryPrompt + "\n\n" + truncate(sb.String(), maxPromptLength)

	summaryCtx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := s.Provider.Summarize(summaryCtx, s.Model, prompt)
		// A settled channel with capacity 1 makes a late send after the
		// timeout path already fired a harmless no-op: nobody is left
		// receiving, and the goroutine exits instead of leaking.
		select {
		case done <- outcome{text, err}:
		default:
		}
	}()

	var result outcome
	select {
	case result = <-done:
	case <-summaryCtx.Done():
		return errors.Wrap(summaryCtx.Err(), "memsum: summarisation timed out")
	}
	if result.err != nil {
		return errors.Wrap(result.err, "memsum: provider summarisation failed")
	}

	newest := messages[len(messages)-1]
	_, err = s.Store.ArchiveMessages(ctx, groupFolder, chatID, result.text, int64(len(messages)), charsArchived, newest.Timestamp, s.now())
	return err
}

func sanitizeSenderName(name string) string {
	name = stripControlChars(name)
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
