package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/loosejson"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/policy"
	"github.com/adforge/api/internal/rendezvous"
)

const noValidImagesMessage = "no valid images found"

// CallbackDeps wires a CallbackService. Storage and Notifier are optional.
type CallbackDeps struct {
	Jobs       JobStore
	Images     ImageStore
	Users      PlanReader
	Policy     policy.Policy
	Rendezvous rendezvous.Rendezvous
	Storage    client.ObjectStore
	Notifier   Notifier
	Log        *logger.Logger
}

// CallbackService turns engine callbacks into job outcomes.
type CallbackService struct {
	jobs     JobStore
	images   ImageStore
	users    PlanReader
	policy   policy.Policy
	rv       rendezvous.Rendezvous
	storage  client.ObjectStore
	notifier Notifier
	log      *logger.Logger
}

func NewCallbackService(d CallbackDeps) *CallbackService {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &CallbackService{
		jobs:     d.Jobs,
		images:   d.Images,
		users:    d.Users,
		policy:   d.Policy,
		rv:       d.Rendezvous,
		storage:  d.Storage,
		notifier: orNop(d.Notifier),
		log:      log.With("service", "CallbackService"),
	}
}

// Ingest records the outcome the engine reported. The waiting start call is
// always released with the normalized result once the job is known, even
// when a side effect fails; such failures are still returned.
func (s *CallbackService) Ingest(ctx context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error) {
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return nil, ErrMissingJobID
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log := s.log.With("job_id", job.ID)

	fields := s.decodeResult(log, req.Result)
	status := MapStatus(req.Status, fields)
	result := &model.CallbackResult{Status: status, Images: []model.AdImageSummary{}}
	if status != model.JobStatusSucceeded {
		_, result.ErrorCode, result.ErrorMessage = failureOf(status, stringField(fields, "error_code"), stringField(fields, "error_message"))
	}

	defer func() {
		if err := s.rv.Resolve(context.WithoutCancel(ctx), job.ID, result); err != nil {
			log.Error("Failed to resolve rendezvous", "error", err)
		}
	}()

	images, err := s.images.ListByJob(ctx, job.ID)
	if err != nil {
		result.Status = model.JobStatusFailed
		result.ErrorCode = model.ErrorCodeNoValidImages
		result.ErrorMessage = "failed to load generated images"
		return nil, fmt.Errorf("failed to load images: %w", err)
	}

	valid := model.FilterValid(images)
	if len(valid) == 0 {
		result.Status = model.JobStatusFailed
		result.ErrorCode = model.ErrorCodeNoValidImages
		result.ErrorMessage = noValidImagesMessage
	}
	result.Images = model.Summaries(valid)

	var errs []error
	if len(valid) > 0 {
		if err := s.hideForPlan(ctx, job, valid); err != nil {
			errs = append(errs, err)
		}
	}

	if s.shouldMigrate(job, result.Status, valid) {
		if err := s.migrate(ctx, log, job, valid); err != nil {
			errs = append(errs, err)
		} else {
			result.Images = []model.AdImageSummary{}
		}
	}

	stored := result.Status
	applied, err := s.jobs.Finish(ctx, job.ID, result.Status, result.ErrorCode, result.ErrorMessage)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("failed to finish job: %w", err))
	case !applied:
		if current, err := s.jobs.Get(ctx, job.ID); err == nil {
			stored = current.Status
		}
		log.Info("Callback for finished job ignored", "stored_status", stored, "reported_status", result.Status)
	default:
		if result.Status == model.JobStatusSucceeded {
			s.notifier.BroadcastStatus(job.ID, model.JobStatusSucceeded)
		} else {
			s.notifier.BroadcastError(job.ID, result.ErrorCode, result.ErrorMessage)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	log.Info("Callback ingested", "status", stored, "images", len(result.Images))
	return &model.CallbackResponse{
		Success:     true,
		JobID:       job.ID,
		Status:      stored,
		ImagesCount: len(result.Images),
	}, nil
}

// decodeResult accepts an object, a string holding almost-JSON, or nothing.
func (s *CallbackService) decodeResult(log *logger.Logger, raw json.RawMessage) map[string]interface{} {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]interface{}{}
	}

	switch raw[0] {
	case '{':
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err == nil {
			return fields
		}
		return s.parseLoose(log, string(raw))
	case '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			log.Warn("Malformed callback payload", "error", err)
			return map[string]interface{}{}
		}
		return s.parseLoose(log, str)
	default:
		log.Warn("Malformed callback payload", "reason", "result is neither object nor string")
		return map[string]interface{}{}
	}
}

func (s *CallbackService) parseLoose(log *logger.Logger, str string) map[string]interface{} {
	res := loosejson.Parse(str)
	switch res.Stage {
	case loosejson.StageStrict, loosejson.StageEmpty:
	default:
		log.Warn("Malformed callback payload", "stage", res.Stage.String())
	}
	if res.ErrorMessage != "" {
		if _, ok := res.Fields["error_message"]; !ok {
			res.Fields["error_message"] = res.ErrorMessage
		}
	}
	return res.Fields
}

func (s *CallbackService) hideForPlan(ctx context.Context, job *model.GenerationJob, valid []model.AdImage) error {
	plan, err := s.users.Plan(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	if !s.policy.ShouldHideOnIngest(plan) {
		return nil
	}
	if err := s.images.SoftDelete(ctx, imageIDs(valid)); err != nil {
		return fmt.Errorf("failed to hide images: %w", err)
	}
	return nil
}

// shouldMigrate reports whether a failed quick-ads job left usable images
// that belong in the brand's home job.
func (s *CallbackService) shouldMigrate(job *model.GenerationJob, status model.JobStatus, valid []model.AdImage) bool {
	if !job.AutoGenerated || job.IsHome || len(valid) == 0 {
		return false
	}
	if job.Status == model.JobStatusSucceeded {
		return false
	}
	return status == model.JobStatusFailed || status == model.JobStatusCanceled
}

// migrate moves valid images to the home job, then removes whatever the
// failed job still holds along with its stored objects.
func (s *CallbackService) migrate(ctx context.Context, log *logger.Logger, job *model.GenerationJob, valid []model.AdImage) error {
	home, err := s.jobs.FindOrCreateHomeJob(ctx, job.UserID, job.BrandID)
	if err != nil {
		return err
	}
	if err := s.images.Reassign(ctx, imageIDs(valid), home.ID); err != nil {
		return fmt.Errorf("failed to reassign images: %w", err)
	}

	removed, err := s.images.DeleteByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to delete leftover images: %w", err)
	}
	for _, img := range removed {
		s.deleteObject(ctx, log, &img)
	}

	log.Info("Images migrated from failed job", "target_job_id", home.ID, "migrated", len(valid), "removed", len(removed))
	return nil
}

func (s *CallbackService) deleteObject(ctx context.Context, log *logger.Logger, img *model.AdImage) {
	if s.storage == nil {
		return
	}
	key := deref(img.StorageKey)
	if key == "" {
		var ok bool
		if key, ok = s.storage.KeyFromURL(deref(img.PublicURL)); !ok {
			return
		}
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		log.Warn("Failed to delete stored image", "image_id", img.ID, "key", key, "error", err)
	}
}

// MapStatus folds the engine's status and the optional "ok" flag into a
// terminal job status. Anything unrecognized is FAILED.
func MapStatus(status string, fields map[string]interface{}) model.JobStatus {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		s = strings.ToLower(strings.TrimSpace(stringField(fields, "status")))
	}

	switch s {
	case "canceled", "cancelled", "aborted":
		return model.JobStatusCanceled
	case "completed", "complete", "success", "succeeded", "done":
		if ok, present := boolField(fields, "ok"); present && !ok {
			return model.JobStatusFailed
		}
		return model.JobStatusSucceeded
	default:
		return model.JobStatusFailed
	}
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolField(fields map[string]interface{}, key string) (bool, bool) {
	switch v := fields[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}
