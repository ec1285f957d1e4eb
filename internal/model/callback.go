package model

import "encoding/json"

// CallbackResult is the normalized outcome handed from the callback
// ingestor to the waiting orchestrator.
type CallbackResult struct {
	Status       JobStatus        `json:"status"`
	Images       []AdImageSummary `json:"images"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
}

// CallbackRequest is the body the workflow engine posts on completion.
// Result is either a JSON object or a string holding (almost) JSON.
type CallbackRequest struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// CallbackResponse acknowledges an ingested callback.
type CallbackResponse struct {
	Success     bool      `json:"success"`
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	ImagesCount int       `json:"images_count"`
}
