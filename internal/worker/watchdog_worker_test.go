package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/repository"
)

type fakeReconciler struct {
	reconciled []string
	err        error
	swept      int
}

func (f *fakeReconciler) Reconcile(_ context.Context, jobID string) error {
	f.reconciled = append(f.reconciled, jobID)
	return f.err
}

func (f *fakeReconciler) Sweep(context.Context, time.Duration, int) (int, error) {
	f.swept++
	return 2, nil
}

type fakeEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.task, f.opts = task, opts
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "x"}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestScheduler_EnqueuesUniqueDelayedTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := NewScheduler(enq)

	require.NoError(t, s.ScheduleWatchdog(context.Background(), "job-1", 9*time.Minute))

	require.NotNil(t, enq.task)
	assert.Equal(t, TaskTypeWatchdog, enq.task.Type())
	assert.JSONEq(t, `{"jobId":"job-1"}`, string(enq.task.Payload()))
	assert.Equal(t, 9*time.Minute, optionValue(enq.opts, asynq.ProcessInOpt))
	assert.Equal(t, "watchdog:job-1", optionValue(enq.opts, asynq.TaskIDOpt))
	assert.Equal(t, QueueWatchdog, optionValue(enq.opts, asynq.QueueOpt))
}

func TestScheduler_DuplicateIsNotAnError(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	assert.NoError(t, s.ScheduleWatchdog(context.Background(), "job-1", time.Minute))

	s = NewScheduler(&fakeEnqueuer{err: errors.New("redis down")})
	assert.Error(t, s.ScheduleWatchdog(context.Background(), "job-1", time.Minute))
}

func TestWatchdogWorker_ProcessTask(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewWatchdogWorker(rec, time.Minute, logger.Nop())

	task, err := newWatchdogTask("job-1")
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"job-1"}, rec.reconciled)
}

func TestWatchdogWorker_MissingJobIsDone(t *testing.T) {
	w := NewWatchdogWorker(&fakeReconciler{err: repository.ErrJobNotFound}, time.Minute, nil)
	task, err := newWatchdogTask("gone")
	require.NoError(t, err)
	assert.NoError(t, w.ProcessTask(context.Background(), task))
}

func TestWatchdogWorker_ReconcileErrorIsRetried(t *testing.T) {
	w := NewWatchdogWorker(&fakeReconciler{err: errors.New("db locked")}, time.Minute, nil)
	task, err := newWatchdogTask("job-1")
	require.NoError(t, err)

	err = w.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestWatchdogWorker_BadPayloadSkipsRetry(t *testing.T) {
	w := NewWatchdogWorker(&fakeReconciler{}, time.Minute, nil)
	err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeWatchdog, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWatchdogWorker_ProcessSweep(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewWatchdogWorker(rec, time.Minute, nil)
	require.NoError(t, w.ProcessSweep(context.Background(), asynq.NewTask(TaskTypeSweep, nil)))
	assert.Equal(t, 1, rec.swept)
}

func TestAsynqLogLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, asynqLogLevel("DEBUG"))
	assert.Equal(t, asynq.WarnLevel, asynqLogLevel("warning"))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel(""))
}
