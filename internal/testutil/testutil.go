// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/adforge/api/internal/database"
	"github.com/adforge/api/internal/model"
)

// DB opens a private in-memory SQLite database with every table migrated.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	return db
}

// SeedUser inserts a user on the given plan.
func SeedUser(tb testing.TB, db *gorm.DB, plan model.Plan) *model.User {
	tb.Helper()
	u := &model.User{ID: uuid.New().String(), Plan: plan}
	if err := db.WithContext(context.Background()).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

// SeedBalance credits a token account.
func SeedBalance(tb testing.TB, db *gorm.DB, userID string, balance int) {
	tb.Helper()
	acct := &model.TokenAccount{UserID: userID, Balance: balance}
	if err := db.WithContext(context.Background()).Create(acct).Error; err != nil {
		tb.Fatalf("seed balance: %v", err)
	}
}

// SeedJob inserts a QUEUED job owned by userID. Customized jobs get the
// given formats; pass none for a quick-ads job.
func SeedJob(tb testing.TB, db *gorm.DB, userID string, autoGenerated bool, formats ...string) *model.GenerationJob {
	tb.Helper()
	job := &model.GenerationJob{
		ID:            uuid.New().String(),
		UserID:        userID,
		BrandID:       "brand-" + userID,
		AutoGenerated: autoGenerated,
		Formats:       formats,
		Status:        model.JobStatusQueued,
	}
	if err := db.WithContext(context.Background()).Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

// SeedImage inserts an image for the job. A valid image has a public URL
// and no error flag.
func SeedImage(tb testing.TB, db *gorm.DB, job *model.GenerationJob, valid bool) *model.AdImage {
	tb.Helper()
	id := uuid.New().String()
	key := "ads/" + job.ID + "/" + id + ".png"
	img := &model.AdImage{
		ID:         id,
		JobID:      job.ID,
		UserID:     job.UserID,
		BrandID:    job.BrandID,
		Format:     "1:1",
		StorageKey: &key,
		CreatedAt:  time.Now().UTC(),
	}
	if valid {
		url := "https://cdn.example.com/" + key
		img.PublicURL = &url
	} else {
		img.ErrorFlag = true
	}
	if err := db.WithContext(context.Background()).Create(img).Error; err != nil {
		tb.Fatalf("seed image: %v", err)
	}
	return img
}
