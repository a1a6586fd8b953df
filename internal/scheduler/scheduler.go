// Package scheduler polls for due tasks and runs each through the same
// per-group lock user messages use, so a scheduled task and a live chat
// message never execute concurrently in the same group. A ticker loop
// owned by one goroutine, timezone loaded once and reused for every cron
// computation, each task run isolated so one failure cannot take down the
// loop.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/dispatch"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

var cronSpecParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Executor runs one task's prompt end to end and returns a short result
// summary (or an error). The scheduler truncates the summary itself.
type Executor func(ctx context.Context, task store.Task) (string, error)

// Scheduler polls Store for due tasks at PollInterval and runs each
// through Locks, isolating failures per task.
type Scheduler struct {
	Store        *store.Store
	Locks        *dispatch.LockManager
	Execute      Executor
	PollInterval time.Duration
	Timezone     *time.Location
	NowMillis    func() int64

	maintenance atomic.Bool
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a Scheduler. tz defaults to UTC if nil.
func New(st *store.Store, locks *dispatch.LockManager, execute Executor, pollInterval time.Duration, tz *time.Location) *Scheduler {
	if tz == nil {
		tz = time.UTC
	}
	return &Scheduler{
		Store:        st,
		Locks:        locks,
		Execute:      execute,
		PollInterval: pollInterval,
		Timezone:     tz,
		stop:         make(chan struct{}),
	}
}

func (s *Scheduler) now() int64 {
	if s.NowMillis != nil {
		return s.NowMillis()
	}
	return time.Now().UnixMilli()
}

// SetMaintenanceMode toggles the flag checked at the top of every tick;
// it takes effect from the next tick onward.
func (s *Scheduler) SetMaintenanceMode(on bool) {
	s.maintenance.Store(on)
}

// Start runs the poll loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the loop to end after its current iteration finishes, and
// blocks until it has.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	metrics.SchedulerTicksTotal.Inc()

	if s.maintenance.Load() {
		slog.Debug("scheduler: skipping tick, maintenance mode active")
		return
	}

	due, err := s.Store.DueTasks(ctx, s.now())
	if err != nil {
		slog.Error("scheduler: fetch due tasks failed", "error", err)
		return
	}

	for _, task := range due {
		s.runOne(ctx, task)
	}
}

// runOne re-checks the task's status (it may have been paused between
// selection and now), then runs it under its group's lock, isolating any
// failure so it cannot block other tasks.
func (s *Scheduler) runOne(ctx context.Context, task store.Task) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("scheduler: task panicked", "task_id", task.ID, "panic", p)
		}
	}()

	current, err := s.Store.GetTask(ctx, task.ID)
	if err != nil {
		slog.Error("scheduler: re-check task failed", "task_id", task.ID, "error", err)
		return
	}
	if current.Status != store.TaskActive {
		slog.Debug("scheduler: task no longer active, skipping", "task_id", task.ID, "status", current.Status)
		return
	}

	err = s.Locks.WithLock(ctx, task.GroupFolder, func(ctx context.Context) error {
		return s.execute(ctx, *current)
	})
	if err != nil {
		slog.Error("scheduler: task execution failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.Task) error {
	start := time.Now()
	resultText, execErr := s.Execute(ctx, task)

	status := store.RunSuccess
	summary := truncate(resultText, 200)
	if execErr != nil {
		status = store.RunError
		summary = truncate(execErr.Error(), 200)
	}

	if err := s.Store.AppendRunLog(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		ResultText: summary,
		CreatedAt:  s.now(),
	}); err != nil {
		slog.Error("scheduler: append run log failed", "task_id", task.ID, "error", err)
	}

	nextRun, err := s.nextRun(task)
	if err != nil {
		// A schedule that cannot produce a next run must not stay active,
		// or it would re-fire and re-fail on every poll. Force it to
		// completed (nil next_run does that in UpdateAfterRun).
		slog.Error("scheduler: compute next run failed, completing task", "task_id", task.ID, "error", err)
		if uerr := s.Store.UpdateAfterRun(ctx, task.ID, nil, s.now(), truncate(err.Error(), 200)); uerr != nil {
			slog.Error("scheduler: complete task after next-run failure failed", "task_id", task.ID, "error", uerr)
		}
		return err
	}

	if err := s.Store.UpdateAfterRun(ctx, task.ID, nextRun, s.now(), summary); err != nil {
		return errors.Wrap(err, "update task after run")
	}
	return execErr
}

// nextRun computes the next scheduled time for a task:
// cron expressions step forward from now in the scheduler's configured
// timezone, interval tasks add their millisecond period to now, and
// one-shot tasks always return nil (completing the task).
func (s *Scheduler) nextRun(task store.Task) (*int64, error) {
	switch task.ScheduleKind {
	case store.ScheduleCron:
		schedule, err := cronSpecParser.Parse(task.ScheduleValue)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron expression %q", task.ScheduleValue)
		}
		next := schedule.Next(time.Now().In(s.Timezone)).UnixMilli()
		return &next, nil
	case store.ScheduleIntervalMS:
		ms, err := parseIntervalMS(task.ScheduleValue)
		if err != nil {
			return nil, err
		}
		next := s.now() + ms
		return &next, nil
	case store.ScheduleOnceISO:
		return nil, nil
	default:
		return nil, errors.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

func parseIntervalMS(value string) (int64, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, errors.Errorf("invalid interval value %q", value)
	}
	return ms, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
