package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Message is a single turn in a chat, identified by the composite key
// (chat_id, message_id).
type Message struct {
	ChatID    string
	MessageID string
	SenderID  string
	SenderName string
	Content   string
	Timestamp int64 // unix millis
	FromSelf  bool
}

// InsertMessage upserts by (chat_id, message_id); a duplicate delivery of
// the same message_id replaces the stored row rather than erroring.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	fromSelf := 0
	if m.FromSelf {
		fromSelf = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, message_id, sender_id, sender_name, content, timestamp, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			content = excluded.content,
			timestamp = excluded.timestamp,
			from_self = excluded.from_self
	`, m.ChatID, m.MessageID, m.SenderID, m.SenderName, m.Content, m.Timestamp, fromSelf)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	return nil
}

// MessagesSince returns messages for chatID with timestamp strictly greater
// than watermark, excluding ones whose content begins with botPrefix (the
// mechanism by which self-sent replies are ignored on a shared chat
// account), ordered oldest-first.
func (s *Store) MessagesSince(ctx context.Context, chatID string, watermark int64, botPrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp ASC
	`, chatID, watermark)
	if err != nil {
		return nil, errors.Wrap(err, "query messages since watermark")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var fromSelf int
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &fromSelf); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.FromSelf = fromSelf != 0
		if botPrefix != "" && strings.HasPrefix(m.Content, botPrefix) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// OldestMessages returns up to limit of the oldest stored messages for a
// chat, used by the memory summariser to pick what to archive.
func (s *Store) OldestMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query oldest messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var fromSelf int
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &fromSelf); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.FromSelf = fromSelf != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessagesOlderThan removes every message for chatID with timestamp
// strictly less than cutoff, used after a summary has archived them.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, chatID string, cutoff int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND timestamp < ?`, chatID, cutoff)
	if err != nil {
		return errors.Wrap(err, "delete archived messages")
	}
	return nil
}

// TotalMessageChars returns the total content length across a chat's
// stored messages, used to trigger summarisation.
func (s *Store) TotalMessageChars(ctx context.Context, chatID string) (chars, count int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(LENGTH(content)), 0), COUNT(*) FROM messages WHERE chat_id = ?
	`, chatID).Scan(&chars, &count)
	if err != nil {
		return 0, 0, errors.Wrap(err, "total message chars")
	}
	return chars, count, nil
}
