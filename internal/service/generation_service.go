package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/policy"
	"github.com/adforge/api/internal/rendezvous"
	"github.com/adforge/api/internal/repository"
)

// GenerationDeps wires a GenerationService. Watchdog and Notifier are optional.
type GenerationDeps struct {
	Jobs       JobStore
	Ledger     Ledger
	Images     ImageStore
	Policy     policy.Policy
	Engine     client.WorkflowEngine
	Rendezvous rendezvous.Rendezvous
	Watchdog   WatchdogScheduler
	Notifier   Notifier
	Log        *logger.Logger

	// MaxWait bounds the wait for the engine's callback.
	MaxWait time.Duration
	// WatchdogDelay is how long after start the watchdog reconciles the job.
	WatchdogDelay time.Duration
}

// GenerationService starts jobs and waits for their outcome.
type GenerationService struct {
	jobs          JobStore
	ledger        Ledger
	images        ImageStore
	policy        policy.Policy
	engine        client.WorkflowEngine
	rv            rendezvous.Rendezvous
	watchdog      WatchdogScheduler
	notifier      Notifier
	log           *logger.Logger
	maxWait       time.Duration
	watchdogDelay time.Duration
}

func NewGenerationService(d GenerationDeps) *GenerationService {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &GenerationService{
		jobs:          d.Jobs,
		ledger:        d.Ledger,
		images:        d.Images,
		policy:        d.Policy,
		engine:        d.Engine,
		rv:            d.Rendezvous,
		watchdog:      d.Watchdog,
		notifier:      orNop(d.Notifier),
		log:           log.With("service", "GenerationService"),
		maxWait:       d.MaxWait,
		watchdogDelay: d.WatchdogDelay,
	}
}

// Start runs a QUEUED job to completion and reports its outcome. Outcomes
// that are not a plain success or engine-reported failure come back as an
// *OutcomeError carrying the response body.
func (s *GenerationService) Start(ctx context.Context, kind model.JobKind, jobID, callerUserID string) (*model.GenerationResponse, error) {
	if callerUserID == "" {
		return nil, ErrAuthRequired
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != callerUserID {
		return nil, ErrForbidden
	}
	if job.Kind() != kind {
		return nil, ErrKindMismatch
	}

	if job.Status != model.JobStatusQueued {
		return nil, s.replay(ctx, job)
	}

	cost := s.policy.Cost(job)
	var ledgerID *string
	if cost > 0 {
		id, err := s.ledger.Reserve(ctx, job.UserID, job.ID, cost)
		if err != nil {
			var insufficient *repository.InsufficientTokensError
			if errors.As(err, &insufficient) {
				return nil, &OutcomeError{Err: err, Response: &model.GenerationResponse{
					JobID:          job.ID,
					Status:         job.Status,
					Images:         []model.AdImageSummary{},
					TokensRequired: model.IntPtr(insufficient.Required),
					ErrorMessage:   "insufficient tokens",
					ErrorCode:      model.ErrorCodeInsufficient,
				}}
			}
			if errors.Is(err, repository.ErrDuplicateReservation) {
				return nil, s.reread(ctx, job.ID)
			}
			return nil, fmt.Errorf("failed to reserve tokens: %w", err)
		}
		ledgerID = &id
	}

	if err := s.jobs.MarkRunning(ctx, job.ID, cost, ledgerID); err != nil {
		if cost > 0 {
			s.refund(ctx, job)
		}
		if errors.Is(err, repository.ErrJobStateConflict) {
			return nil, s.reread(ctx, job.ID)
		}
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	job.Status = model.JobStatusRunning
	job.TokensCost = cost
	job.LedgerID = ledgerID
	s.notifier.BroadcastStatus(job.ID, model.JobStatusRunning)

	log := s.log.With("job_id", job.ID, "kind", kind, "tokens", cost)
	log.Info("Generation started")

	if s.watchdog != nil {
		if err := s.watchdog.ScheduleWatchdog(ctx, job.ID, s.maxWait+s.watchdogDelay); err != nil {
			log.Warn("Failed to schedule watchdog", "error", err)
		}
	}

	if err := s.engine.Trigger(ctx, job); err != nil {
		if !errors.Is(err, client.ErrDispatchTimeout) {
			return nil, s.failDispatch(ctx, job, err)
		}
		log.Warn("Dispatch confirmation timed out, waiting for callback anyway")
	}

	result, err := s.rv.Wait(ctx, job.ID, s.maxWait)
	if err != nil {
		if !errors.Is(err, rendezvous.ErrCallbackTimeout) {
			log.Warn("Wait for callback interrupted", "error", err)
		}
		return s.timeout(context.WithoutCancel(ctx), job)
	}
	return s.settle(ctx, job, result)
}

// replay answers a start on a job that is no longer QUEUED.
func (s *GenerationService) replay(ctx context.Context, job *model.GenerationJob) error {
	if !job.Status.IsTerminal() {
		return &OutcomeError{Err: ErrJobInProgress, Response: &model.GenerationResponse{
			JobID:  job.ID,
			Status: job.Status,
			Images: []model.AdImageSummary{},
		}}
	}

	resp := &model.GenerationResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Images:       []model.AdImageSummary{},
		ErrorMessage: "job already finished",
		ErrorCode:    model.ErrorCodeAlreadyFinished,
	}
	if job.Status == model.JobStatusSucceeded {
		resp.Images = s.validImages(ctx, job.ID)
	} else if msg := deref(job.ErrorMessage); msg != "" {
		resp.ErrorMessage = msg
	}
	return &OutcomeError{Err: ErrAlreadyTerminal, Response: resp}
}

// reread replays against the latest stored state after losing a race. A job
// still QUEUED is reported as such; the competing start has not marked it yet.
func (s *GenerationService) reread(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return s.replay(ctx, job)
}

func (s *GenerationService) failDispatch(ctx context.Context, job *model.GenerationJob, cause error) error {
	s.log.Error("Workflow dispatch failed", "job_id", job.ID, "error", cause)

	if _, err := s.jobs.Finish(ctx, job.ID, model.JobStatusFailed, model.ErrorCodeDispatch, cause.Error()); err != nil {
		s.log.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
	}
	refunded := s.refund(ctx, job)

	msg := "failed to start generation workflow"
	s.notifier.BroadcastError(job.ID, model.ErrorCodeDispatch, msg)
	return &OutcomeError{Err: cause, Response: &model.GenerationResponse{
		JobID:          job.ID,
		Status:         model.JobStatusFailed,
		Images:         []model.AdImageSummary{},
		TokensRefunded: model.IntPtr(refunded),
		ErrorMessage:   msg,
		ErrorCode:      model.ErrorCodeDispatch,
	}}
}

// settle reconciles tokens with the delivered result.
func (s *GenerationService) settle(ctx context.Context, job *model.GenerationJob, result *model.CallbackResult) (*model.GenerationResponse, error) {
	if result.Status == model.JobStatusSucceeded {
		applied, err := s.jobs.Finish(ctx, job.ID, model.JobStatusSucceeded, "", "")
		if err != nil {
			s.log.Error("Failed to mark job succeeded", "job_id", job.ID, "error", err)
		} else if !applied {
			current, err := s.jobs.Get(ctx, job.ID)
			if err == nil && current.Status.IsTerminal() && current.Status != model.JobStatusSucceeded {
				return s.settleReconciled(ctx, job, current), nil
			}
		}
		if err := s.ledger.Commit(ctx, job.UserID, job.ID); err != nil {
			s.log.Error("Failed to commit tokens", "job_id", job.ID, "error", err)
		}
		resp := &model.GenerationResponse{
			JobID:      job.ID,
			Status:     model.JobStatusSucceeded,
			Images:     orEmpty(result.Images),
			TokensUsed: model.IntPtr(job.TokensCost),
		}
		s.notifier.BroadcastComplete(job.ID, resp)
		s.log.Info("Generation succeeded", "job_id", job.ID, "images", len(resp.Images))
		return resp, nil
	}

	status, code, msg := failureOf(result.Status, result.ErrorCode, result.ErrorMessage)
	if _, err := s.jobs.Finish(ctx, job.ID, status, code, msg); err != nil {
		s.log.Error("Failed to mark job finished", "job_id", job.ID, "error", err)
	}
	refunded := s.refund(ctx, job)
	s.notifier.BroadcastError(job.ID, code, msg)
	s.log.Info("Generation failed", "job_id", job.ID, "status", status, "code", code)

	return &model.GenerationResponse{
		JobID:          job.ID,
		Status:         status,
		Images:         orEmpty(result.Images),
		TokensRefunded: model.IntPtr(refunded),
		ErrorMessage:   msg,
		ErrorCode:      code,
	}, nil
}

// settleReconciled reports a job that was failed and refunded elsewhere,
// typically by the watchdog, before its success could be recorded.
func (s *GenerationService) settleReconciled(ctx context.Context, job, current *model.GenerationJob) *model.GenerationResponse {
	s.refund(ctx, job)
	code, msg := deref(current.ErrorCode), deref(current.ErrorMessage)
	s.log.Warn("Success arrived after job was settled", "job_id", job.ID, "status", current.Status, "code", code)

	return &model.GenerationResponse{
		JobID:          job.ID,
		Status:         current.Status,
		Images:         []model.AdImageSummary{},
		TokensRefunded: model.IntPtr(job.TokensCost),
		ErrorMessage:   msg,
		ErrorCode:      code,
	}
}

// timeout handles a wait that ended without a result. The stored status is
// re-read first so a success written concurrently is not overwritten.
func (s *GenerationService) timeout(ctx context.Context, job *model.GenerationJob) (*model.GenerationResponse, error) {
	applied, err := s.jobs.Finish(ctx, job.ID, model.JobStatusFailed, model.ErrorCodeTimeout, "generation timed out")
	if err != nil {
		s.log.Error("Failed to mark job timed out", "job_id", job.ID, "error", err)
	}

	if !applied {
		current, err := s.jobs.Get(ctx, job.ID)
		if err == nil && current.Status.IsTerminal() {
			if current.Status == model.JobStatusSucceeded {
				return s.settle(ctx, job, &model.CallbackResult{
					Status: model.JobStatusSucceeded,
					Images: s.validImages(ctx, job.ID),
				})
			}
			return s.settle(ctx, job, &model.CallbackResult{
				Status:       current.Status,
				ErrorCode:    deref(current.ErrorCode),
				ErrorMessage: deref(current.ErrorMessage),
			})
		}
	}

	refunded := s.refund(ctx, job)
	msg := "generation timed out"
	s.notifier.BroadcastError(job.ID, model.ErrorCodeTimeout, msg)
	s.log.Warn("Generation timed out", "job_id", job.ID, "tokens_refunded", refunded)

	return nil, &OutcomeError{Err: rendezvous.ErrCallbackTimeout, Response: &model.GenerationResponse{
		JobID:          job.ID,
		Status:         model.JobStatusFailed,
		Images:         []model.AdImageSummary{},
		TokensRefunded: model.IntPtr(refunded),
		ErrorMessage:   msg,
		ErrorCode:      model.ErrorCodeTimeout,
	}}
}

// refund returns the job's reservation. Failures are logged, never returned.
func (s *GenerationService) refund(ctx context.Context, job *model.GenerationJob) int {
	refunded, err := s.ledger.Refund(ctx, job.UserID, job.ID)
	if err != nil {
		s.log.Error("Failed to refund tokens", "job_id", job.ID, "user_id", job.UserID, "error", err)
		return 0
	}
	return refunded
}

func (s *GenerationService) validImages(ctx context.Context, jobID string) []model.AdImageSummary {
	images, err := s.images.ListByJob(ctx, jobID)
	if err != nil {
		s.log.Error("Failed to load job images", "job_id", jobID, "error", err)
		return []model.AdImageSummary{}
	}
	return model.Summaries(model.FilterValid(images))
}

// GetStatus returns the stored state of a job owned by the caller.
func (s *GenerationService) GetStatus(ctx context.Context, jobID, callerUserID string) (*model.JobStatusResponse, error) {
	if callerUserID == "" {
		return nil, ErrAuthRequired
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != callerUserID {
		return nil, ErrForbidden
	}
	return &model.JobStatusResponse{
		JobID:        job.ID,
		Kind:         job.Kind(),
		Status:       job.Status,
		TokensCost:   job.TokensCost,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}, nil
}

// failureOf fills in the code and message of a non-success outcome.
func failureOf(status model.JobStatus, code, msg string) (model.JobStatus, string, string) {
	if status != model.JobStatusCanceled {
		status = model.JobStatusFailed
	}
	if code == "" {
		code = model.ErrorCodeEngineFailed
		if status == model.JobStatusCanceled {
			code = model.ErrorCodeEngineCanceled
		}
	}
	if msg == "" {
		msg = "generation failed"
		if status == model.JobStatusCanceled {
			msg = "generation canceled"
		}
	}
	return status, code, msg
}
