package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// MemorySummary is the one narrative summary kept per group.
type MemorySummary struct {
	GroupFolder      string
	Summary          string
	MessagesArchived int64
	CharsArchived    int64
	CreatedAt        int64
	UpdatedAt        int64
}

// UpsertMemorySummary replaces the narrative and accumulates the archived
// counters (never resets them); created_at is stable across updates,
// updated_at always refreshes.
func (s *Store) UpsertMemorySummary(ctx context.Context, group, summary string, messagesArchived, charsArchived int64, nowMillis int64) (*MemorySummary, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_summaries (group_folder, summary, messages_archived, chars_archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET
			summary = excluded.summary,
			messages_archived = memory_summaries.messages_archived + excluded.messages_archived,
			chars_archived = memory_summaries.chars_archived + excluded.chars_archived,
			updated_at = excluded.updated_at
	`, group, summary, messagesArchived, charsArchived, nowMillis, nowMillis)
	if err != nil {
		return nil, errors.Wrap(err, "upsert memory summary")
	}
	return s.GetMemorySummary(ctx, group)
}

// ArchiveMessages performs one summarisation commit atomically: upsert the
// summary (accumulating the archived counters) and delete every message
// for chatID older than cutoff, in a single transaction. Either both land
// or neither does, so the counters can never run ahead of the prune.
func (s *Store) ArchiveMessages(ctx context.Context, group, chatID, summary string, messagesArchived, charsArchived int64, cutoff, nowMillis int64) (*MemorySummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin archive tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_summaries (group_folder, summary, messages_archived, chars_archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET
			summary = excluded.summary,
			messages_archived = memory_summaries.messages_archived + excluded.messages_archived,
			chars_archived = memory_summaries.chars_archived + excluded.chars_archived,
			updated_at = excluded.updated_at
	`, group, summary, messagesArchived, charsArchived, nowMillis, nowMillis); err != nil {
		return nil, errors.Wrap(err, "upsert memory summary in archive")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND timestamp < ?`, chatID, cutoff); err != nil {
		return nil, errors.Wrap(err, "delete archived messages")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit archive tx")
	}
	return s.GetMemorySummary(ctx, group)
}

// GetMemorySummary returns the summary row for a group, or ErrNotFound.
func (s *Store) GetMemorySummary(ctx context.Context, group string) (*MemorySummary, error) {
	var m MemorySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT group_folder, summary, messages_archived, chars_archived, created_at, updated_at
		FROM memory_summaries WHERE group_folder = ?
	`, group).Scan(&m.GroupFolder, &m.Summary, &m.MessagesArchived, &m.CharsArchived, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get memory summary")
	}
	return &m, nil
}
