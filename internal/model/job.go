package model

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationJob is one request to produce one or more ad images.
type GenerationJob struct {
	ID            string                      `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID        string                      `gorm:"type:varchar(64);not null;index" json:"userId"`
	BrandID       string                      `gorm:"type:varchar(64);not null;index" json:"brandId"`
	AutoGenerated bool                        `gorm:"not null;default:false" json:"autoGenerated"`
	ArchetypeCode *string                     `gorm:"type:varchar(64)" json:"archetypeCode,omitempty"`
	Formats       datatypes.JSONSlice[string] `json:"formats"`
	Status        JobStatus                   `gorm:"type:varchar(16);not null;index" json:"status"`
	TokensCost    int                         `gorm:"not null;default:0" json:"tokensCost"`
	LedgerID      *string                     `gorm:"type:varchar(64)" json:"ledgerId,omitempty"`
	ErrorCode     *string                     `gorm:"type:varchar(64)" json:"errorCode,omitempty"`
	ErrorMessage  *string                     `gorm:"type:text" json:"errorMessage,omitempty"`
	// IsHome marks the per-brand quick-ads job that receives images salvaged from failed jobs.
	IsHome      bool       `gorm:"not null;default:false;index" json:"isHome"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Kind derives the job kind from the AutoGenerated flag.
func (j *GenerationJob) Kind() JobKind {
	if j.AutoGenerated {
		return JobKindQuickAds
	}
	return JobKindCustomized
}

// User is the slice of the account record this service reads.
type User struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Plan      Plan      `gorm:"type:varchar(16);not null;default:free" json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }
