// Package rendezvous hands a callback result from the request that ingests
// it to the request that is waiting for it, possibly on another instance.
package rendezvous

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

var ErrCallbackTimeout = errors.New("timed out waiting for generation callback")

// Rendezvous blocks a waiter until a result for the job is published.
//
// Resolve may run before Wait starts; the result is kept for the configured
// TTL. Resolving a job that already has a result, or whose waiter already
// timed out, is a no-op.
type Rendezvous interface {
	Wait(ctx context.Context, jobID string, maxWait time.Duration) (*model.CallbackResult, error)
	Resolve(ctx context.Context, jobID string, result *model.CallbackResult) error
	Reject(ctx context.Context, jobID string, cause error) error
}

type Config struct {
	// MaxWait is the longest a waiter is expected to block. Results live
	// for MaxWait + TTLBuffer.
	MaxWait time.Duration
	// InitialDelay is slept before the first poll of the shared store.
	InitialDelay time.Duration
	PollInterval time.Duration
	TTLBuffer    time.Duration
}

func (c Config) resultTTL() time.Duration {
	return c.MaxWait + c.TTLBuffer
}

// New returns the Redis backend when a client is configured and the
// process-local backend otherwise.
func New(cfg Config, rdb *redis.Client, log *logger.Logger) Rendezvous {
	if rdb != nil {
		return NewRedis(rdb, cfg, log)
	}
	return NewMemory(cfg)
}

// rejection turns an error into the FAILED result Reject publishes.
func rejection(cause error) *model.CallbackResult {
	msg := "generation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &model.CallbackResult{
		Status:       model.JobStatusFailed,
		Images:       []model.AdImageSummary{},
		ErrorMessage: msg,
		ErrorCode:    model.ErrorCodeEngineFailed,
	}
}
