package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	// A second migration run over an up-to-date schema is a no-op.
	require.NoError(t, s.Migrate(context.Background()))

	v, err := s.schemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestClose_Idempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestUpsertChat_LastMessageTimeMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChat(ctx, "c1", "Alice", 2000))
	// An out-of-order older write must not regress the watermark.
	require.NoError(t, s.UpsertChat(ctx, "c1", "Alice Updated", 1000))

	c, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Updated", c.Name)
	assert.Equal(t, int64(2000), c.LastMessageTime)

	require.NoError(t, s.UpsertChat(ctx, "c1", "Alice", 3000))
	c, err = s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), c.LastMessageTime)
}

func TestInsertMessage_UpsertByCompositeKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Message{ChatID: "c1", MessageID: "m1", SenderID: "u1", SenderName: "Alice", Content: "hello", Timestamp: 100}
	require.NoError(t, s.InsertMessage(ctx, m))

	m.Content = "hello edited"
	require.NoError(t, s.InsertMessage(ctx, m))

	msgs, err := s.MessagesSince(ctx, "c1", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello edited", msgs[0].Content)
}

func TestMessagesSince_WatermarkAndBotPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "c1", MessageID: "m1", Content: "old", Timestamp: 100}))
	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "c1", MessageID: "m2", Content: "Andy: I replied", Timestamp: 200, FromSelf: true}))
	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "c1", MessageID: "m3", Content: "new", Timestamp: 300}))
	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "other", MessageID: "m4", Content: "elsewhere", Timestamp: 400}))

	msgs, err := s.MessagesSince(ctx, "c1", 100, "Andy: ")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Content)
}

func TestOldestMessages_AndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.InsertMessage(ctx, Message{
			ChatID: "c1", MessageID: content, Content: content, Timestamp: int64(100 * (i + 1)),
		}))
	}

	oldest, err := s.OldestMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "a", oldest[0].Content)
	assert.Equal(t, "b", oldest[1].Content)

	require.NoError(t, s.DeleteMessagesOlderThan(ctx, "c1", 300))
	remaining, err := s.MessagesSince(ctx, "c1", 0, "")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "c", remaining[0].Content)
}

func TestTotalMessageChars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "c1", MessageID: "m1", Content: "12345", Timestamp: 1}))
	require.NoError(t, s.InsertMessage(ctx, Message{ChatID: "c1", MessageID: "m2", Content: "123", Timestamp: 2}))

	chars, count, err := s.TotalMessageChars(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 8, chars)
	assert.Equal(t, 2, count)
}

func TestTask_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := int64(5000)
	task := Task{
		ID: "task-1-abc", GroupFolder: "g1", ChatID: "c1", Prompt: "do it",
		ScheduleKind: ScheduleIntervalMS, ScheduleValue: "60000",
		ContextMode: ContextIsolated, NextRun: &next, Status: TaskActive, CreatedAt: 1000,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1-abc")
	require.NoError(t, err)
	assert.Equal(t, TaskActive, got.Status)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, int64(5000), *got.NextRun)

	// Due at next_run, not before.
	due, err := s.DueTasks(ctx, 4999)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DueTasks(ctx, 5000)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Pausing removes it from the due set.
	require.NoError(t, s.SetStatus(ctx, "task-1-abc", TaskPaused))
	due, err = s.DueTasks(ctx, 5000)
	require.NoError(t, err)
	assert.Empty(t, due)
	require.NoError(t, s.SetStatus(ctx, "task-1-abc", TaskActive))

	// A run with a new next_run stays active.
	newNext := int64(9000)
	require.NoError(t, s.UpdateAfterRun(ctx, "task-1-abc", &newNext, 5000, "ok"))
	got, err = s.GetTask(ctx, "task-1-abc")
	require.NoError(t, err)
	assert.Equal(t, TaskActive, got.Status)
	assert.Equal(t, "ok", got.LastResult)

	// A run with nil next_run completes the task.
	require.NoError(t, s.UpdateAfterRun(ctx, "task-1-abc", nil, 9000, "done"))
	got, err = s.GetTask(ctx, "task-1-abc")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestDeleteTask_RemovesRunLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := int64(1)
	require.NoError(t, s.CreateTask(ctx, Task{
		ID: "task-2-x", GroupFolder: "g1", ChatID: "c1", Prompt: "p",
		ScheduleKind: ScheduleCron, ScheduleValue: "0 9 * * *",
		ContextMode: ContextIsolated, NextRun: &next, Status: TaskActive, CreatedAt: 1,
	}))
	require.NoError(t, s.AppendRunLog(ctx, TaskRunLog{TaskID: "task-2-x", Status: RunSuccess, DurationMS: 10, ResultText: "r", CreatedAt: 2}))

	require.NoError(t, s.DeleteTask(ctx, "task-2-x"))

	_, err := s.GetTask(ctx, "task-2-x")
	assert.ErrorIs(t, err, ErrNotFound)
	logs, err := s.RunLogsForTask(ctx, "task-2-x")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestUpsertMemorySummary_Accumulates is the literal scenario from the
// design review: two successive upserts accumulate the counters, replace
// the narrative, keep created_at stable and advance updated_at.
func TestUpsertMemorySummary_Accumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertMemorySummary(ctx, "g2", "First", 5, 2000, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.MessagesArchived)
	assert.Equal(t, int64(2000), first.CharsArchived)

	second, err := s.UpsertMemorySummary(ctx, "g2", "Updated", 3, 1500, 2000)
	require.NoError(t, err)
	assert.Equal(t, "Updated", second.Summary)
	assert.Equal(t, int64(8), second.MessagesArchived)
	assert.Equal(t, int64(3500), second.CharsArchived)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Greater(t, second.UpdatedAt, first.UpdatedAt)
}

func TestArchiveMessages_UpsertsAndPrunesTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertMessage(ctx, Message{
			ChatID: "c1", MessageID: content, Content: content, Timestamp: int64(100 * (i + 1)),
		}))
	}

	first, err := s.ArchiveMessages(ctx, "g1", "c1", "first narrative", 2, 20, 300, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.MessagesArchived)
	assert.Equal(t, int64(20), first.CharsArchived)

	remaining, err := s.MessagesSince(ctx, "c1", 0, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].Content)

	// A second archive accumulates the counters like the plain upsert.
	second, err := s.ArchiveMessages(ctx, "g1", "c1", "second narrative", 1, 10, 400, 2000)
	require.NoError(t, err)
	assert.Equal(t, "second narrative", second.Summary)
	assert.Equal(t, int64(3), second.MessagesArchived)
	assert.Equal(t, int64(30), second.CharsArchived)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestGetMemorySummary_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMemorySummary(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreferences_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPreference(ctx, "g1", "language", "de", 100))
	require.NoError(t, s.SetPreference(ctx, "g1", "language", "en", 200))
	require.NoError(t, s.SetPreference(ctx, "g1", "nickname", "Al", 300))

	p, err := s.GetPreference(ctx, "g1", "language")
	require.NoError(t, err)
	assert.Equal(t, "en", p.Value)
	assert.Equal(t, int64(200), p.UpdatedAt)

	all, err := s.ListPreferences(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSearchKnowledgeDocs_RanksByOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledgeDoc(ctx, KnowledgeDoc{
		GroupFolder: "g1", Filename: "go.md", Title: "Go deployment",
		Content: "deployment runbook for the go service", CreatedAt: 1,
	}, 1))
	require.NoError(t, s.UpsertKnowledgeDoc(ctx, KnowledgeDoc{
		GroupFolder: "g1", Filename: "misc.md", Title: "Lunch menu",
		Content: "sandwiches and soup", CreatedAt: 1,
	}, 1))

	docs, err := s.SearchKnowledgeDocs(ctx, "g1", "how do I run the deployment", 3)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "go.md", docs[0].Filename)

	// No keyword overlap: nothing returned.
	docs, err = s.SearchKnowledgeDocs(ctx, "g1", "zzz qqq", 3)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUsage_AggregationsAndPercentiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	durations := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for i, d := range durations {
		pt := 100
		rt := 50
		require.NoError(t, s.InsertUsage(ctx, UsageRecord{
			GroupFolder: "g1", Timestamp: int64(1000 + i), PromptTokens: &pt, ResponseTokens: &rt,
			DurationMS: d, Model: "m",
		}))
	}

	calls, prompt, response, err := s.UsageByGroup(ctx, "g1", 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, 10, calls)
	assert.Equal(t, int64(1000), prompt)
	assert.Equal(t, int64(500), response)

	p50, err := s.DurationPercentile(ctx, "g1", 0, 5000, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p50)

	p95, err := s.DurationPercentile(ctx, "g1", 0, 5000, 95)
	require.NoError(t, err)
	assert.Equal(t, int64(90), p95)

	_, err = s.DurationPercentile(ctx, "empty", 0, 5000, 50)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageByTimeBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ts := range []int64{0, 10, 110, 120, 250} {
		require.NoError(t, s.InsertUsage(ctx, UsageRecord{GroupFolder: "g1", Timestamp: ts, DurationMS: 1}))
	}

	buckets, err := s.UsageByTimeBucket(ctx, "g1", 0, 300, 100)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{0: 2, 100: 2, 200: 1}, buckets)
}
