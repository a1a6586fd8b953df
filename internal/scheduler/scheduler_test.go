package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/dispatch"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createTask(t *testing.T, st *store.Store, id, kind, value string, nextRun int64) store.Task {
	t.Helper()
	task := store.Task{
		ID: id, GroupFolder: "g1", ChatID: "c1", Prompt: "do it",
		ScheduleKind: kind, ScheduleValue: value,
		ContextMode: store.ContextIsolated, NextRun: &nextRun,
		Status: store.TaskActive, CreatedAt: 1,
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

// TestRunOne_SkipsPausedBetweenSelectionAndRun is the scheduler re-check
// invariant: a task paused after the due query but before execution must
// not run.
func TestRunOne_SkipsPausedBetweenSelectionAndRun(t *testing.T) {
	st := newTestStore(t)
	var executions int32

	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		atomic.AddInt32(&executions, 1)
		return "ok", nil
	}, time.Hour, time.UTC)

	stale := createTask(t, st, "task-1-a", store.ScheduleIntervalMS, "60000", 100)

	// Pause after "selection" (the stale copy still says active).
	require.NoError(t, st.SetStatus(context.Background(), stale.ID, store.TaskPaused))

	s.runOne(context.Background(), stale)
	assert.Zero(t, atomic.LoadInt32(&executions))

	logs, err := st.RunLogsForTask(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestTick_RunsDueTaskAndReschedulesInterval(t *testing.T) {
	st := newTestStore(t)
	var executions int32

	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		atomic.AddInt32(&executions, 1)
		return "all good", nil
	}, time.Hour, time.UTC)
	fixedNow := int64(1_000_000)
	s.NowMillis = func() int64 { return fixedNow }

	createTask(t, st, "task-2-b", store.ScheduleIntervalMS, "60000", fixedNow-1)

	s.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))

	task, err := st.GetTask(context.Background(), "task-2-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, task.Status)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, fixedNow+60000, *task.NextRun)
	assert.Equal(t, "all good", task.LastResult)

	logs, err := st.RunLogsForTask(context.Background(), "task-2-b")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.RunSuccess, logs[0].Status)
	assert.Equal(t, "all good", logs[0].ResultText)
}

func TestTick_OnceTaskCompletes(t *testing.T) {
	st := newTestStore(t)
	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		return "fired", nil
	}, time.Hour, time.UTC)
	s.NowMillis = func() int64 { return 1_000_000 }

	createTask(t, st, "task-3-c", store.ScheduleOnceISO, "2026-01-01T09:00:00Z", 999_999)

	s.tick(context.Background())

	task, err := st.GetTask(context.Background(), "task-3-c")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)
}

func TestTick_FailureIsLoggedAndIsolated(t *testing.T) {
	st := newTestStore(t)
	var ran []string

	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		ran = append(ran, task.ID)
		if task.ID == "task-4-bad" {
			return "", assert.AnError
		}
		return "ok", nil
	}, time.Hour, time.UTC)
	s.NowMillis = func() int64 { return 1_000_000 }

	createTask(t, st, "task-4-bad", store.ScheduleIntervalMS, "60000", 100)
	createTask(t, st, "task-5-good", store.ScheduleIntervalMS, "60000", 200)

	s.tick(context.Background())

	// The failing task does not prevent the later one from running.
	assert.Equal(t, []string{"task-4-bad", "task-5-good"}, ran)

	logs, err := st.RunLogsForTask(context.Background(), "task-4-bad")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.RunError, logs[0].Status)
}

// TestTick_UnschedulableTaskCompletes: a task whose schedule can no longer
// produce a next run is forced to completed rather than left active to
// re-fire every poll.
func TestTick_UnschedulableTaskCompletes(t *testing.T) {
	st := newTestStore(t)
	var executions int32
	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		atomic.AddInt32(&executions, 1)
		return "ran once", nil
	}, time.Hour, time.UTC)
	s.NowMillis = func() int64 { return 1_000_000 }

	// The row exists with a corrupt schedule value; creation-time
	// validation lives in the tool layer, not the store.
	createTask(t, st, "task-7-bad-sched", store.ScheduleIntervalMS, "not-a-number", 100)

	s.tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))

	task, err := st.GetTask(context.Background(), "task-7-bad-sched")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)

	// Completed means the next tick finds nothing to run.
	s.tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
}

func TestTick_MaintenanceModeSkips(t *testing.T) {
	st := newTestStore(t)
	var executions int32
	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		atomic.AddInt32(&executions, 1)
		return "", nil
	}, time.Hour, time.UTC)

	createTask(t, st, "task-6-m", store.ScheduleIntervalMS, "60000", 100)

	s.SetMaintenanceMode(true)
	s.tick(context.Background())
	assert.Zero(t, atomic.LoadInt32(&executions))

	s.SetMaintenanceMode(false)
	s.tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
}

func TestNextRun_Kinds(t *testing.T) {
	s := New(nil, nil, nil, time.Hour, time.UTC)
	s.NowMillis = func() int64 { return 1_000_000 }

	t.Run("interval adds period to now", func(t *testing.T) {
		next, err := s.nextRun(store.Task{ScheduleKind: store.ScheduleIntervalMS, ScheduleValue: "5000"})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, int64(1_005_000), *next)
	})

	t.Run("once always returns nil", func(t *testing.T) {
		next, err := s.nextRun(store.Task{ScheduleKind: store.ScheduleOnceISO, ScheduleValue: "2026-01-01T00:00:00Z"})
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("cron steps forward from now", func(t *testing.T) {
		next, err := s.nextRun(store.Task{ScheduleKind: store.ScheduleCron, ScheduleValue: "0 9 * * *"})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Greater(t, *next, time.Now().UnixMilli())
		assert.LessOrEqual(t, *next, time.Now().Add(25*time.Hour).UnixMilli())
	})

	t.Run("bad interval errors", func(t *testing.T) {
		_, err := s.nextRun(store.Task{ScheduleKind: store.ScheduleIntervalMS, ScheduleValue: "abc"})
		assert.Error(t, err)
	})

	t.Run("unknown kind errors", func(t *testing.T) {
		_, err := s.nextRun(store.Task{ScheduleKind: "weekly"})
		assert.Error(t, err)
	})
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)
	s := New(st, dispatch.NewLockManager(), func(ctx context.Context, task store.Task) (string, error) {
		return "", nil
	}, 10*time.Millisecond, time.UTC)

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	// A second Stop is safe.
	s.Stop()
}
