// Package service coordinates generation jobs: starting them, ingesting
// engine callbacks and reconciling jobs whose waiter went away.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/adforge/api/internal/model"
)

var (
	ErrAuthRequired    = errors.New("authentication required")
	ErrForbidden       = errors.New("job belongs to another user")
	ErrKindMismatch    = errors.New("job kind does not match endpoint")
	ErrMissingJobID    = errors.New("job_id is required")
	ErrJobInProgress   = errors.New("job is already running")
	ErrAlreadyTerminal = errors.New("job already finished")
)

// OutcomeError is a failed start that still has a job-shaped response for
// the client.
type OutcomeError struct {
	Err      error
	Response *model.GenerationResponse
}

func (e *OutcomeError) Error() string { return e.Err.Error() }
func (e *OutcomeError) Unwrap() error { return e.Err }

// JobStore is the persisted job record.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*model.GenerationJob, error)
	MarkRunning(ctx context.Context, jobID string, tokensCost int, ledgerID *string) error
	Finish(ctx context.Context, jobID string, status model.JobStatus, code, message string) (bool, error)
	FindOrCreateHomeJob(ctx context.Context, userID, brandID string) (*model.GenerationJob, error)
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]model.GenerationJob, error)
}

// Ledger is the token account. Reserve is atomic; Refund and Commit are
// no-ops when nothing is reserved.
type Ledger interface {
	Reserve(ctx context.Context, userID, jobID string, amount int) (string, error)
	Refund(ctx context.Context, userID, jobID string) (int, error)
	Commit(ctx context.Context, userID, jobID string) error
}

type ImageStore interface {
	ListByJob(ctx context.Context, jobID string) ([]model.AdImage, error)
	SoftDelete(ctx context.Context, imageIDs []string) error
	Reassign(ctx context.Context, imageIDs []string, targetJobID string) error
	DeleteByJob(ctx context.Context, jobID string) ([]model.AdImage, error)
}

type PlanReader interface {
	Plan(ctx context.Context, userID string) (model.Plan, error)
}

// WatchdogScheduler arranges for a job to be reconciled after a delay.
type WatchdogScheduler interface {
	ScheduleWatchdog(ctx context.Context, jobID string, after time.Duration) error
}

// Notifier pushes job updates to live subscribers.
type Notifier interface {
	BroadcastStatus(jobID string, status model.JobStatus)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

type nopNotifier struct{}

func (nopNotifier) BroadcastStatus(string, model.JobStatus) {}
func (nopNotifier) BroadcastComplete(string, interface{})   {}
func (nopNotifier) BroadcastError(string, string, string)   {}

func orNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func imageIDs(images []model.AdImage) []string {
	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return ids
}

func orEmpty(images []model.AdImageSummary) []model.AdImageSummary {
	if images == nil {
		return []model.AdImageSummary{}
	}
	return images
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
