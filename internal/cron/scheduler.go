// Package cron provides the scheduled-task loop: it polls the store for
// due tasks, runs each prompt through the message processor, records a
// run log, and advances or completes the schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nanoclaw/internal/engine"
	"github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/persistence"
	"github.com/basket/nanoclaw/internal/shared"
)

// Schedule kinds stored in scheduled_tasks.schedule_type.
const (
	ScheduleCron = "cron" // 5-field cron expression, recurs
	ScheduleOnce = "once" // fires once, then the task completes
)

// Run log statuses.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the task scheduler.
type Config struct {
	Store     *persistence.Store
	Processor engine.Processor
	Sender    engine.Sender
	Logger    *slog.Logger
	Metrics   *otel.Metrics // may be nil
	// BotName prefixes replies delivered to chats, matching the
	// poller's own-message filter.
	BotName  string
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due tasks and runs them.
type Scheduler struct {
	store    *persistence.Store
	proc     engine.Processor
	sender   engine.Sender
	logger   *slog.Logger
	metrics  *otel.Metrics
	botName  string
	interval time.Duration

	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		proc:     cfg.Processor,
		sender:   cfg.Sender,
		logger:   logger,
		metrics:  cfg.Metrics,
		botName:  cfg.BotName,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started", "interval", s.interval.String())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// queries for due tasks, and runs each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick queries for due tasks and runs each one.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx)
	if err != nil {
		s.logger.Error("query due tasks failed", "err", err)
		return
	}
	for _, task := range due {
		s.runTask(ctx, task)
	}
}

// runTask executes one due task: process the prompt, deliver the reply,
// append a run log, and advance the schedule. Log append and task
// update are separate writes; both are idempotent, so either surviving
// a crash alone is safe.
func (s *Scheduler) runTask(ctx context.Context, task persistence.ScheduledTask) {
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), task.ID)
	start := s.now()

	s.logger.Info("running scheduled task",
		"task_id", task.ID,
		"trace_id", shared.TraceID(ctx),
		"chat_id", task.ChatJID,
		"schedule", task.ScheduleType)

	reply, ok, err := s.proc.Process(ctx, engine.Request{
		ChatJID:     task.ChatJID,
		Sender:      "scheduler",
		Content:     task.Prompt,
		Timestamp:   persistence.FormatTime(start),
		ContextMode: task.ContextMode,
	})
	duration := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.TaskRunDuration.Record(ctx, duration.Seconds())
	}

	status := RunStatusSuccess
	result := reply
	runErr := ""
	if err != nil {
		status = RunStatusError
		result = ""
		runErr = err.Error()
		s.logger.Error("scheduled task failed",
			"task_id", task.ID,
			"trace_id", shared.TraceID(ctx),
			"err", err)
	} else if ok && reply != "" && s.sender != nil {
		out := fmt.Sprintf("%s: %s", s.botName, reply)
		if sendErr := s.sender.SendText(ctx, task.ChatJID, out); sendErr != nil {
			s.logger.Error("deliver task reply failed",
				"task_id", task.ID,
				"chat_id", task.ChatJID,
				"err", sendErr)
		}
	}

	if logErr := s.store.AppendRunLog(ctx, persistence.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      persistence.FormatTime(start),
		DurationMS: duration.Milliseconds(),
		Status:     status,
		Result:     result,
		Error:      runErr,
	}); logErr != nil {
		s.logger.Error("append run log failed", "task_id", task.ID, "err", logErr)
	}

	nextRun := s.nextRun(task, start)
	lastResult := result
	if runErr != "" {
		lastResult = "error: " + runErr
	}
	if updErr := s.store.RecordRunOutcome(ctx, task.ID, nextRun, lastResult); updErr != nil {
		s.logger.Error("record run outcome failed", "task_id", task.ID, "err", updErr)
		return
	}

	if nextRun != nil {
		s.logger.Info("task rescheduled", "task_id", task.ID, "next_run", *nextRun)
	} else {
		s.logger.Info("task completed", "task_id", task.ID)
	}
}

// nextRun computes the task's next firing time, or nil when the task is
// done. A cron expression that no longer parses completes the task
// rather than wedging the due queue.
func (s *Scheduler) nextRun(task persistence.ScheduledTask, after time.Time) *string {
	switch task.ScheduleType {
	case ScheduleCron:
		next, err := NextRunTime(task.ScheduleValue, after)
		if err != nil {
			s.logger.Error("invalid cron expression, completing task",
				"task_id", task.ID,
				"expr", task.ScheduleValue,
				"err", err)
			return nil
		}
		ts := persistence.FormatTime(next)
		return &ts
	case ScheduleOnce:
		return nil
	default:
		s.logger.Error("unknown schedule type, completing task",
			"task_id", task.ID,
			"schedule_type", task.ScheduleType)
		return nil
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
