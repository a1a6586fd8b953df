package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// AllowedPreferenceKeys is the authoritative six-key allowlist. Any
// surface that validates preference keys must read from this map so the
// lists cannot diverge.
var AllowedPreferenceKeys = map[string]bool{
	"language":            true,
	"nickname":            true,
	"response_style":      true,
	"interests":           true,
	"timezone":            true,
	"custom_instructions": true,
}

// Preference is one (group_folder, key) -> value setting.
type Preference struct {
	GroupFolder string
	Key         string
	Value       string
	UpdatedAt   int64
}

// SetPreference upserts a (group, key) -> value pair. Callers (the tool
// registry) are responsible for rejecting keys outside
// AllowedPreferenceKeys before calling this.
func (s *Store) SetPreference(ctx context.Context, group, key, value string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (group_folder, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_folder, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, group, key, value, nowMillis)
	if err != nil {
		return errors.Wrap(err, "set preference")
	}
	return nil
}

// GetPreference returns the value for (group, key), or ErrNotFound.
func (s *Store) GetPreference(ctx context.Context, group, key string) (*Preference, error) {
	var p Preference
	err := s.db.QueryRowContext(ctx, `
		SELECT group_folder, key, value, updated_at FROM preferences WHERE group_folder = ? AND key = ?
	`, group, key).Scan(&p.GroupFolder, &p.Key, &p.Value, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get preference")
	}
	return &p, nil
}

// ListPreferences returns every preference set for a group.
func (s *Store) ListPreferences(ctx context.Context, group string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_folder, key, value, updated_at FROM preferences WHERE group_folder = ?
	`, group)
	if err != nil {
		return nil, errors.Wrap(err, "list preferences")
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.GroupFolder, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan preference")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
