package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

// ReconcileService settles the tokens of jobs whose start call never
// finished its own bookkeeping, for example because the instance died while
// waiting.
type ReconcileService struct {
	jobs     JobStore
	ledger   Ledger
	notifier Notifier
	log      *logger.Logger
	maxWait  time.Duration
}

func NewReconcileService(jobs JobStore, ledger Ledger, notifier Notifier, maxWait time.Duration, log *logger.Logger) *ReconcileService {
	if log == nil {
		log = logger.Nop()
	}
	return &ReconcileService{
		jobs:     jobs,
		ledger:   ledger,
		notifier: orNop(notifier),
		log:      log.With("service", "ReconcileService"),
		maxWait:  maxWait,
	}
}

// Reconcile brings a job's tokens in line with its status. A job still
// RUNNING after the maximum wait is failed with TIMEOUT first. Safe to run
// any number of times.
func (s *ReconcileService) Reconcile(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == model.JobStatusRunning {
		if job.StartedAt != nil && time.Since(*job.StartedAt) < s.maxWait {
			return nil
		}
		applied, err := s.jobs.Finish(ctx, job.ID, model.JobStatusFailed, model.ErrorCodeTimeout, "generation timed out")
		if err != nil {
			return fmt.Errorf("failed to time out job: %w", err)
		}
		if applied {
			s.log.Warn("Orphaned job timed out", "job_id", job.ID)
			s.notifier.BroadcastError(job.ID, model.ErrorCodeTimeout, "generation timed out")
		}
		if job, err = s.jobs.Get(ctx, jobID); err != nil {
			return err
		}
	}

	switch job.Status {
	case model.JobStatusSucceeded:
		if err := s.ledger.Commit(ctx, job.UserID, job.ID); err != nil {
			return fmt.Errorf("failed to commit tokens: %w", err)
		}
	case model.JobStatusFailed, model.JobStatusCanceled:
		refunded, err := s.ledger.Refund(ctx, job.UserID, job.ID)
		if err != nil {
			return fmt.Errorf("failed to refund tokens: %w", err)
		}
		if refunded > 0 {
			s.log.Info("Tokens refunded by reconciliation", "job_id", job.ID, "tokens", refunded)
		}
	}
	return nil
}

// Sweep reconciles up to limit jobs that have been RUNNING longer than the
// maximum wait plus grace. It returns how many were reconciled.
func (s *ReconcileService) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	stale, err := s.jobs.ListStale(ctx, time.Now().UTC().Add(-(s.maxWait + grace)), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	done := 0
	for _, job := range stale {
		if err := s.Reconcile(ctx, job.ID); err != nil {
			s.log.Error("Failed to reconcile job", "job_id", job.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
