package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adforge/api/internal/model"
)

// JobRepository persists generation jobs.
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a job. Job creation belongs to the dashboard; this is used
// for home jobs and fixtures.
func (r *JobRepository) Create(ctx context.Context, job *model.GenerationJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// Get fetches a job by ID.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.db.WithContext(ctx).Where("id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkRunning moves a QUEUED job to RUNNING and records its cost.
// ErrJobStateConflict means another request got there first.
func (r *JobRepository) MarkRunning(ctx context.Context, jobID string, tokensCost int, ledgerID *string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      model.JobStatusRunning,
			"tokens_cost": tokensCost,
			"ledger_id":   ledgerID,
			"started_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobStateConflict
	}
	return nil
}

// Finish moves a non-terminal job to a terminal status. It reports false
// without error when the job was already terminal.
func (r *JobRepository) Finish(ctx context.Context, jobID string, status model.JobStatus, code, message string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}
	if status == model.JobStatusSucceeded {
		updates["error_code"] = nil
		updates["error_message"] = nil
	} else {
		updates["error_code"] = nullable(code)
		updates["error_message"] = nullable(message)
	}

	res := r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("id = ? AND status NOT IN ?", jobID, model.TerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindOrCreateHomeJob returns the quick-ads job that collects salvaged images
// for a user's brand.
func (r *JobRepository) FindOrCreateHomeJob(ctx context.Context, userID, brandID string) (*model.GenerationJob, error) {
	var home model.GenerationJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND brand_id = ? AND is_home = ?", userID, brandID, true).
			Order("created_at ASC").
			Take(&home).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		home = model.GenerationJob{
			ID:            uuid.New().String(),
			UserID:        userID,
			BrandID:       brandID,
			AutoGenerated: true,
			IsHome:        true,
			Status:        model.JobStatusSucceeded,
			StartedAt:     &now,
			CompletedAt:   &now,
		}
		return tx.Create(&home).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find or create home job: %w", err)
	}
	return &home, nil
}

// ListStale returns RUNNING jobs started before the cutoff.
func (r *JobRepository) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]model.GenerationJob, error) {
	var jobs []model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
