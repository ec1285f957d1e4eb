package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

func newTestClient(url string, timeout time.Duration) *WorkflowClient {
	return NewWorkflowClient(&config.WorkflowConfig{
		QuickAdsURL:      url + "/quick",
		CustomizedAdsURL: url + "/custom",
		Secret:           "s3cret",
		SecretHeader:     "X-Webhook-Secret",
		CallbackBaseURL:  "https://api.example.com",
		DispatchTimeout:  timeout,
	}, logger.Nop())
}

func TestTrigger_SendsJobToKindWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		secret string
		body   map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		secret = r.Header.Get("X-Webhook-Secret")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	archetype := "bold"
	job := &model.GenerationJob{
		ID:            "job-1",
		UserID:        "u1",
		BrandID:       "b1",
		ArchetypeCode: &archetype,
		Formats:       []string{"1:1", "9:16"},
	}

	require.NoError(t, c.Trigger(context.Background(), job))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/custom", path)
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "https://api.example.com/webhooks/generation/callback", body["callback_url"])
	assert.Equal(t, "bold", body["archetype_code"])
	assert.Equal(t, []interface{}{"1:1", "9:16"}, body["formats"])
	assert.Equal(t, false, body["auto_generated"])
}

func TestTrigger_Non2xxIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("workflow inactive"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	err := c.Trigger(context.Background(), &model.GenerationJob{ID: "job-1", AutoGenerated: true})

	var dispatchErr *DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.Equal(t, http.StatusInternalServerError, dispatchErr.StatusCode)
	assert.Equal(t, "workflow inactive", dispatchErr.Body)
}

func TestTrigger_SlowEngineIsTolerableTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL, 50*time.Millisecond)
	err := c.Trigger(context.Background(), &model.GenerationJob{ID: "job-1", AutoGenerated: true})
	assert.ErrorIs(t, err, ErrDispatchTimeout)
}

func TestTrigger_UnreachableEngineIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(url, time.Second)
	err := c.Trigger(context.Background(), &model.GenerationJob{ID: "job-1", AutoGenerated: true})
	assert.ErrorIs(t, err, ErrDispatch)
	assert.NotErrorIs(t, err, ErrDispatchTimeout)
}

func TestTrigger_MissingWebhook(t *testing.T) {
	c := NewWorkflowClient(&config.WorkflowConfig{}, logger.Nop())
	assert.False(t, c.IsConfigured())
	err := c.Trigger(context.Background(), &model.GenerationJob{ID: "job-1"})
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestR2Client_DeleteAndKeyFromURL(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := newS3Client(&config.R2Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		BucketName:      "ads",
		PublicURL:       "https://cdn.example.com/",
	}, srv.URL, true)
	require.NoError(t, err)
	require.True(t, c.IsConfigured())

	require.NoError(t, c.Delete(context.Background(), "ads/job-1/a.png"))
	mu.Lock()
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/ads/ads/job-1/a.png", path)
	mu.Unlock()

	key, ok := c.KeyFromURL("https://cdn.example.com/ads/job-1/a.png?v=2")
	require.True(t, ok)
	assert.Equal(t, "ads/job-1/a.png", key)

	_, ok = c.KeyFromURL("https://elsewhere.example.com/a.png")
	assert.False(t, ok)
}

func TestNewR2Client_RequiresCredentials(t *testing.T) {
	_, err := NewR2Client(&config.R2Config{BucketName: "ads"})
	assert.Error(t, err)
}
