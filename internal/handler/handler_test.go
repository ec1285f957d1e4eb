package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/api/internal/auth"
	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/rendezvous"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/service"
)

type fakeGeneration struct {
	kind   model.JobKind
	caller string
	resp   *model.GenerationResponse
	err    error
}

func (f *fakeGeneration) Start(_ context.Context, kind model.JobKind, jobID, caller string) (*model.GenerationResponse, error) {
	f.kind, f.caller = kind, caller
	return f.resp, f.err
}

func (f *fakeGeneration) GetStatus(_ context.Context, jobID, caller string) (*model.JobStatusResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.JobStatusResponse{JobID: jobID, Status: model.JobStatusRunning}, nil
}

type fakeIngestor struct {
	got  *model.CallbackRequest
	resp *model.CallbackResponse
	err  error
}

func (f *fakeIngestor) Ingest(_ context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error) {
	f.got = req
	return f.resp, f.err
}

func generationApp(svc GenerationService) *fiber.App {
	app := fiber.New()
	h := NewGenerationHandler(svc, validator.New(), nil)
	withUser := func(c *fiber.Ctx) error {
		c.Locals("userId", "user-1")
		return c.Next()
	}
	app.Post("/quick-ads/start", withUser, h.StartQuickAds)
	app.Post("/customized-ads/start", withUser, h.StartCustomizedAds)
	app.Get("/jobs/:jobId", withUser, h.Status)
	return app
}

func send(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, int(time.Second.Milliseconds()))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestStart_SuccessUsesPathKindAndCaller(t *testing.T) {
	svc := &fakeGeneration{resp: &model.GenerationResponse{
		JobID:      "job-1",
		Status:     model.JobStatusSucceeded,
		Images:     []model.AdImageSummary{},
		TokensUsed: model.IntPtr(50),
	}}
	app := generationApp(svc)

	status, body := send(t, app, "POST", "/customized-ads/start", `{"jobId":"job-1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "SUCCEEDED", body["status"])
	assert.EqualValues(t, 50, body["tokens_used"])
	assert.Equal(t, model.JobKindCustomized, svc.kind)
	assert.Equal(t, "user-1", svc.caller)

	send(t, app, "POST", "/quick-ads/start", `{"jobId":"job-1"}`)
	assert.Equal(t, model.JobKindQuickAds, svc.kind)
}

func TestStart_EngineFailureIsStillOK(t *testing.T) {
	svc := &fakeGeneration{resp: &model.GenerationResponse{
		JobID:          "job-1",
		Status:         model.JobStatusFailed,
		Images:         []model.AdImageSummary{},
		ErrorCode:      model.ErrorCodeEngineFailed,
		TokensRefunded: model.IntPtr(50),
	}}

	status, body := send(t, generationApp(svc), "POST", "/customized-ads/start", `{"jobId":"job-1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "FAILED", body["status"])
	assert.EqualValues(t, 50, body["tokens_refunded"])
}

func TestStart_Validation(t *testing.T) {
	app := generationApp(&fakeGeneration{})

	status, body := send(t, app, "POST", "/quick-ads/start", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	status, _ = send(t, app, "POST", "/quick-ads/start", `{"jobId":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestStart_ErrorMapping(t *testing.T) {
	outcome := func(err error) error {
		return &service.OutcomeError{Err: err, Response: &model.GenerationResponse{JobID: "job-1", Status: model.JobStatusFailed}}
	}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthenticated", service.ErrAuthRequired, fiber.StatusUnauthorized, "UNAUTHORIZED"},
		{"not owner", service.ErrForbidden, fiber.StatusForbidden, "FORBIDDEN"},
		{"unknown job", repository.ErrJobNotFound, fiber.StatusNotFound, "NOT_FOUND"},
		{"wrong kind", service.ErrKindMismatch, fiber.StatusBadRequest, "VALIDATION_ERROR"},
		{"store failure", errors.New("db down"), fiber.StatusInternalServerError, "SERVICE_ERROR"},
		{"in progress", outcome(service.ErrJobInProgress), fiber.StatusAccepted, ""},
		{"already finished", outcome(service.ErrAlreadyTerminal), fiber.StatusConflict, ""},
		{"insufficient tokens", outcome(&repository.InsufficientTokensError{Required: 80}), fiber.StatusPaymentRequired, ""},
		{"callback timeout", outcome(rendezvous.ErrCallbackTimeout), fiber.StatusGatewayTimeout, ""},
		{"dispatch rejected", outcome(&client.DispatchError{StatusCode: 500}), fiber.StatusBadGateway, ""},
		{"dispatch unreachable", outcome(client.ErrDispatch), fiber.StatusBadGateway, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := generationApp(&fakeGeneration{err: tc.err})
			status, body := send(t, app, "POST", "/customized-ads/start", `{"jobId":"job-1"}`)
			assert.Equal(t, tc.status, status)
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(body))
			} else {
				assert.Equal(t, "job-1", body["job_id"])
			}
		})
	}
}

func TestStatus(t *testing.T) {
	status, body := send(t, generationApp(&fakeGeneration{}), "GET", "/jobs/job-1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "RUNNING", body["status"])

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrAuthRequired, fiber.StatusUnauthorized, "UNAUTHORIZED"},
		{service.ErrForbidden, fiber.StatusForbidden, "FORBIDDEN"},
		{fmt.Errorf("load: %w", repository.ErrJobNotFound), fiber.StatusNotFound, "NOT_FOUND"},
		{errors.New("db down"), fiber.StatusInternalServerError, "SERVICE_ERROR"},
	}
	for _, tc := range cases {
		status, body := send(t, generationApp(&fakeGeneration{err: tc.err}), "GET", "/jobs/job-1", "")
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, errorCode(body), tc.err.Error())
	}
}

func callbackApp(svc CallbackIngestor) *fiber.App {
	app := fiber.New()
	app.Post("/callback", NewCallbackHandler(svc, nil).Receive)
	return app
}

func TestCallback_Accepted(t *testing.T) {
	svc := &fakeIngestor{resp: &model.CallbackResponse{Success: true, JobID: "job-1", Status: model.JobStatusFailed}}

	status, body := send(t, callbackApp(svc), "POST", "/callback",
		`{"job_id":"job-1","status":"completed","result":"{'ok': false}"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, `"{'ok': false}"`, string(svc.got.Result))
}

func TestCallback_ErrorMapping(t *testing.T) {
	status, _ := send(t, callbackApp(&fakeIngestor{err: service.ErrMissingJobID}), "POST", "/callback", `{"status":"completed"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = send(t, callbackApp(&fakeIngestor{err: repository.ErrJobNotFound}), "POST", "/callback", `{"job_id":"x"}`)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = send(t, callbackApp(&fakeIngestor{err: errors.New("boom")}), "POST", "/callback", `{"job_id":"x"}`)
	assert.Equal(t, fiber.StatusInternalServerError, status)

	status, _ = send(t, callbackApp(&fakeIngestor{}), "POST", "/callback", `not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAuthVerify(t *testing.T) {
	app := fiber.New()
	app.Get("/auth/verify", NewAuthHandler(nil, "s3cret").Verify)

	token, err := auth.GenerateLegacyToken("s3cret", "user-1", "a@b.c", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", resp.Header.Get("X-User-Id"))

	req = httptest.NewRequest("GET", "/auth/verify", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
