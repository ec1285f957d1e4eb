package model

import "time"

// AdImage is a generated ad image written by the workflow engine.
type AdImage struct {
	ID         string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	JobID      string    `gorm:"type:varchar(64);not null;index" json:"jobId"`
	UserID     string    `gorm:"type:varchar(64);not null;index" json:"userId"`
	BrandID    string    `gorm:"type:varchar(64);not null" json:"brandId"`
	Format     string    `gorm:"type:varchar(16)" json:"format"`
	PublicURL  *string   `gorm:"type:text" json:"publicUrl,omitempty"`
	StorageKey *string   `gorm:"type:text" json:"storageKey,omitempty"`
	WorkflowID *string   `gorm:"type:varchar(128)" json:"workflowId,omitempty"`
	IsDeleted  bool      `gorm:"not null;default:false" json:"isDeleted"`
	ErrorFlag  bool      `gorm:"not null;default:false" json:"errorFlag"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (AdImage) TableName() string { return "ad_images" }

// Valid reports whether the image is usable output.
func (i *AdImage) Valid() bool {
	return !i.IsDeleted && !i.ErrorFlag && i.PublicURL != nil && *i.PublicURL != ""
}

// Summary projects the image for clients and the rendezvous store.
func (i *AdImage) Summary() AdImageSummary {
	s := AdImageSummary{ID: i.ID, Format: i.Format}
	if i.PublicURL != nil {
		s.PublicURL = *i.PublicURL
	}
	if i.WorkflowID != nil {
		s.WorkflowID = *i.WorkflowID
	}
	return s
}

// AdImageSummary is the client-facing projection of an AdImage.
type AdImageSummary struct {
	ID         string `json:"id"`
	PublicURL  string `json:"public_url"`
	Format     string `json:"format,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// FilterValid returns the valid images in order.
func FilterValid(images []AdImage) []AdImage {
	valid := make([]AdImage, 0, len(images))
	for _, img := range images {
		if img.Valid() {
			valid = append(valid, img)
		}
	}
	return valid
}

// Summaries projects a slice of images.
func Summaries(images []AdImage) []AdImageSummary {
	out := make([]AdImageSummary, 0, len(images))
	for i := range images {
		out = append(out, images[i].Summary())
	}
	return out
}
