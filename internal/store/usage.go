package store

import (
	"context"

	"github.com/pkg/errors"
)

// UsageRecord is an append-only log entry of one AI call's cost.
type UsageRecord struct {
	GroupFolder    string
	Timestamp      int64
	PromptTokens   *int
	ResponseTokens *int
	DurationMS     int64
	Model          string
	IsScheduled    bool
}

// InsertUsage appends a usage record.
func (s *Store) InsertUsage(ctx context.Context, r UsageRecord) error {
	isScheduled := 0
	if r.IsScheduled {
		isScheduled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (group_folder, timestamp, prompt_tokens, response_tokens, duration_ms, model, is_scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.GroupFolder, r.Timestamp, r.PromptTokens, r.ResponseTokens, r.DurationMS, r.Model, isScheduled)
	if err != nil {
		return errors.Wrap(err, "insert usage")
	}
	return nil
}

// UsageByGroup sums usage for a group within [since, until).
func (s *Store) UsageByGroup(ctx context.Context, group string, since, until int64) (calls int, promptTokens, responseTokens int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(response_tokens), 0)
		FROM usage_records WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
	`, group, since, until).Scan(&calls, &promptTokens, &responseTokens)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "usage by group")
	}
	return calls, promptTokens, responseTokens, nil
}

// UsageByTimeBucket buckets call counts into fixed-width windows starting
// at since, bucketWidthMillis wide, through until.
func (s *Store) UsageByTimeBucket(ctx context.Context, group string, since, until, bucketWidthMillis int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM usage_records WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
	`, group, since, until)
	if err != nil {
		return nil, errors.Wrap(err, "usage by time bucket")
	}
	defer rows.Close()

	buckets := make(map[int64]int)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, errors.Wrap(err, "scan usage timestamp")
		}
		bucket := since + ((ts - since) / bucketWidthMillis) * bucketWidthMillis
		buckets[bucket]++
	}
	return buckets, rows.Err()
}

// DurationPercentile computes the P-th percentile (0..100) of duration_ms
// for a group within [since, until) via an offset query over duration_ms
// sorted by the database (ORDER BY), so no in-process aggregation is needed.
func (s *Store) DurationPercentile(ctx context.Context, group string, since, until int64, percentile float64) (int64, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_records WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
	`, group, since, until).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count usage records")
	}
	if count == 0 {
		return 0, ErrNotFound
	}

	offset := int(float64(count-1) * percentile / 100.0)
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT duration_ms FROM usage_records
		WHERE group_folder = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY duration_ms ASC
		LIMIT 1 OFFSET ?
	`, group, since, until, offset).Scan(&durationMS)
	if err != nil {
		return 0, errors.Wrap(err, "duration percentile")
	}
	return durationMS, nil
}
