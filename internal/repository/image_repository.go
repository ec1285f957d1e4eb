package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/adforge/api/internal/model"
)

// ImageRepository reads and adjusts ad images produced by the engine.
type ImageRepository struct {
	db *gorm.DB
}

func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Create inserts images. The engine writes images in production.
func (r *ImageRepository) Create(ctx context.Context, images ...*model.AdImage) error {
	if len(images) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(images).Error
}

// ListByJob returns every image of a job, oldest first.
func (r *ImageRepository) ListByJob(ctx context.Context, jobID string) ([]model.AdImage, error) {
	var images []model.AdImage
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&images).Error
	return images, err
}

// SoftDelete hides images from the user's library.
func (r *ImageRepository) SoftDelete(ctx context.Context, imageIDs []string) error {
	if len(imageIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.AdImage{}).
		Where("id IN ?", imageIDs).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Reassign moves images to another job.
func (r *ImageRepository) Reassign(ctx context.Context, imageIDs []string, targetJobID string) error {
	if len(imageIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.AdImage{}).
		Where("id IN ?", imageIDs).
		Updates(map[string]interface{}{
			"job_id":     targetJobID,
			"updated_at": time.Now().UTC(),
		}).Error
}

// DeleteByJob removes every image row still attached to the job and returns
// the removed rows so their stored objects can be cleaned up.
func (r *ImageRepository) DeleteByJob(ctx context.Context, jobID string) ([]model.AdImage, error) {
	var removed []model.AdImage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Where("job_id = ?", jobID).Delete(&model.AdImage{}).Error
	})
	return removed, err
}

// UserRepository reads account plans.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. Accounts are owned by the dashboard; used by fixtures.
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// Plan returns the user's billing plan. Unknown users are on the free plan.
func (r *UserRepository) Plan(ctx context.Context, userID string) (model.Plan, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PlanFree, nil
	}
	if err != nil {
		return "", err
	}
	if user.Plan == "" {
		return model.PlanFree, nil
	}
	return user.Plan, nil
}
