package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

// CallbackPath is where the engine posts results.
const CallbackPath = "/webhooks/generation/callback"

var (
	// ErrDispatch is a trigger that failed before the engine answered.
	ErrDispatch = errors.New("workflow dispatch failed")
	// ErrDispatchTimeout means the engine did not confirm in time. The job
	// may still run and call back.
	ErrDispatchTimeout = errors.New("workflow dispatch confirmation timed out")
)

// DispatchError is a trigger the engine answered with a non-2xx status.
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("workflow engine rejected trigger (status %d): %s", e.StatusCode, e.Body)
}

// WorkflowEngine starts generation workflows.
type WorkflowEngine interface {
	Trigger(ctx context.Context, job *model.GenerationJob) error
}

// TriggerRequest is the body sent to the engine's webhook.
type TriggerRequest struct {
	JobID         string   `json:"job_id"`
	CallbackURL   string   `json:"callback_url"`
	UserID        string   `json:"user_id"`
	BrandID       string   `json:"brand_id"`
	Formats       []string `json:"formats,omitempty"`
	ArchetypeCode string   `json:"archetype_code,omitempty"`
	AutoGenerated bool     `json:"auto_generated"`
}

func (c *WorkflowClient) newTriggerRequest(job *model.GenerationJob) *TriggerRequest {
	req := &TriggerRequest{
		JobID:         job.ID,
		CallbackURL:   c.callbackURL,
		UserID:        job.UserID,
		BrandID:       job.BrandID,
		Formats:       job.Formats,
		AutoGenerated: job.AutoGenerated,
	}
	if job.ArchetypeCode != nil {
		req.ArchetypeCode = *job.ArchetypeCode
	}
	return req
}

// WorkflowClient implements WorkflowEngine over HTTP webhooks.
type WorkflowClient struct {
	httpClient   *http.Client
	urls         map[model.JobKind]string
	secret       string
	secretHeader string
	callbackURL  string
	log          *logger.Logger
}

func NewWorkflowClient(cfg *config.WorkflowConfig, log *logger.Logger) *WorkflowClient {
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	header := cfg.SecretHeader
	if header == "" {
		header = "X-Webhook-Secret"
	}
	return &WorkflowClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		urls: map[model.JobKind]string{
			model.JobKindQuickAds:   cfg.QuickAdsURL,
			model.JobKindCustomized: cfg.CustomizedAdsURL,
		},
		secret:       cfg.Secret,
		secretHeader: header,
		callbackURL:  cfg.CallbackBaseURL + CallbackPath,
		log:          log.With("client", "workflow"),
	}
}

// Trigger posts the job to the webhook for its kind. Any 2xx is acceptance.
func (c *WorkflowClient) Trigger(ctx context.Context, job *model.GenerationJob) error {
	kind := job.Kind()
	url := c.urls[kind]
	if url == "" {
		return fmt.Errorf("%w: no webhook configured for %s", ErrDispatch, kind)
	}

	body := c.newTriggerRequest(job)

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(c.secretHeader, c.secret)
	}

	return c.doRequest(req, body.JobID)
}

func (c *WorkflowClient) doRequest(req *http.Request, jobID string) error {
	c.log.Debug("Workflow trigger sent", "method", req.Method, "url", req.URL.String(), "job_id", jobID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.log.Warn("Workflow trigger confirmation timed out", "url", req.URL.String(), "job_id", jobID)
			return ErrDispatchTimeout
		}
		c.log.Error("Workflow trigger failed", "url", req.URL.String(), "job_id", jobID, "error", err)
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil && isTimeout(err) {
		return ErrDispatchTimeout
	}

	c.log.Debug("Workflow trigger answered", "status", resp.StatusCode, "job_id", jobID, "body", string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DispatchError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConfigured returns true if at least one workflow webhook is set.
func (c *WorkflowClient) IsConfigured() bool {
	return c.urls[model.JobKindQuickAds] != "" || c.urls[model.JobKindCustomized] != ""
}
