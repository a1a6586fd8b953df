package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Chat is a conversation the chat transport has observed at least one
// message for.
type Chat struct {
	ID              string
	Name            string
	LastMessageTime int64 // unix millis
}

// UpsertChat creates the chat on first sight or updates its display name,
// taking last_message_time as max(old, new) so out-of-order delivery never
// regresses the watermark.
func (s *Store) UpsertChat(ctx context.Context, id, name string, messageTime int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, name, last_message_time)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)
	`, id, name, messageTime)
	if err != nil {
		return errors.Wrap(err, "upsert chat")
	}
	return nil
}

// GetChat returns the chat row, or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, name, last_message_time FROM chats WHERE chat_id = ?`, id).
		Scan(&c.ID, &c.Name, &c.LastMessageTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get chat")
	}
	return &c, nil
}
