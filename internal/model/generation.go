package model

import "time"

// StartGenerationRequest represents the request to start a generation job
type StartGenerationRequest struct {
	JobID string `json:"jobId" validate:"required,max=64"`
}

// GenerationResponse is returned by the start endpoints for every outcome
// that concerns the job itself.
type GenerationResponse struct {
	JobID          string           `json:"job_id"`
	Status         JobStatus        `json:"status"`
	Images         []AdImageSummary `json:"images"`
	TokensUsed     *int             `json:"tokens_used,omitempty"`
	TokensRefunded *int             `json:"tokens_refunded,omitempty"`
	TokensRequired *int             `json:"tokens_required,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
}

// JobStatusResponse represents the status of a generation job
type JobStatusResponse struct {
	JobID        string     `json:"job_id"`
	Kind         JobKind    `json:"kind"`
	Status       JobStatus  `json:"status"`
	TokensCost   int        `json:"tokens_cost"`
	ErrorCode    *string    `json:"error_code"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// IntPtr is a small helper for optional token counts.
func IntPtr(v int) *int { return &v }
