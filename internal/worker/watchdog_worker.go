package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/repository"
)

const (
	TaskTypeWatchdog = "generation:watchdog"
	TaskTypeSweep    = "generation:sweep"

	QueueWatchdog = "watchdog"
)

// Reconciler settles a job's tokens against its stored status.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string) error
	Sweep(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type watchdogPayload struct {
	JobID string `json:"jobId"`
}

func newWatchdogTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(watchdogPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWatchdog, data), nil
}

// WatchdogTaskID is the unique asynq task ID for a job's watchdog.
func WatchdogTaskID(jobID string) string {
	return "watchdog:" + jobID
}

// Scheduler enqueues delayed watchdog tasks.
type Scheduler struct {
	client Enqueuer
}

func NewScheduler(client Enqueuer) *Scheduler {
	return &Scheduler{client: client}
}

// ScheduleWatchdog arranges a reconciliation of the job after the delay.
// Scheduling the same job twice is not an error.
func (s *Scheduler) ScheduleWatchdog(ctx context.Context, jobID string, after time.Duration) error {
	task, err := newWatchdogTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueWatchdog),
		asynq.ProcessIn(after),
		asynq.TaskID(WatchdogTaskID(jobID)),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue watchdog: %w", err)
	}
	return nil
}

// WatchdogWorker reconciles jobs whose start call may have been lost.
type WatchdogWorker struct {
	reconciler Reconciler
	grace      time.Duration
	batch      int
	log        *logger.Logger
}

func NewWatchdogWorker(reconciler Reconciler, grace time.Duration, log *logger.Logger) *WatchdogWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &WatchdogWorker{
		reconciler: reconciler,
		grace:      grace,
		batch:      100,
		log:        log.With("worker", "watchdog"),
	}
}

// Register adds the worker's handlers to mux.
func (w *WatchdogWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeWatchdog, w.ProcessTask)
	mux.HandleFunc(TaskTypeSweep, w.ProcessSweep)
}

// ProcessTask handles one job's watchdog.
func (w *WatchdogWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload watchdogPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.JobID == "" {
		return fmt.Errorf("invalid watchdog payload: %w", asynq.SkipRetry)
	}

	err := w.reconciler.Reconcile(ctx, payload.JobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		w.log.Warn("Watchdog job no longer exists", "job_id", payload.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", payload.JobID, err)
	}
	w.log.Debug("Watchdog reconciled job", "job_id", payload.JobID)
	return nil
}

// ProcessSweep reconciles every job stuck in RUNNING.
func (w *WatchdogWorker) ProcessSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := w.reconciler.Sweep(ctx, w.grace, w.batch)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("Sweep reconciled stale jobs", "count", n)
	}
	return nil
}

// NewSweepScheduler registers the periodic sweep on an asynq scheduler.
func NewSweepScheduler(opt asynq.RedisConnOpt, cronspec string) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(cronspec, asynq.NewTask(TaskTypeSweep, nil), asynq.Queue(QueueWatchdog)); err != nil {
		return nil, fmt.Errorf("failed to register sweep: %w", err)
	}
	return scheduler, nil
}
