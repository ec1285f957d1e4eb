package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

const (
	keyPrefix = "adgen:callback:"
	// tombstoneValue marks a job whose waiter timed out.
	tombstoneValue = "__expired__"
)

// Key returns the store key holding a job's result.
func Key(jobID string) string {
	return keyPrefix + jobID
}

// Redis is the multi-instance backend. Results are written once with SET NX
// and polled by the waiter.
type Redis struct {
	rdb *redis.Client
	cfg Config
	log *logger.Logger
}

func NewRedis(rdb *redis.Client, cfg Config, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{rdb: rdb, cfg: cfg, log: log.With("component", "RedisRendezvous")}
}

func (r *Redis) Wait(ctx context.Context, jobID string, maxWait time.Duration) (*model.CallbackResult, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	delay := r.cfg.InitialDelay
	if delay > maxWait {
		delay = maxWait
	}

	// A result published before we got here is picked up without delay.
	if res, ok := r.poll(ctx, jobID); ok {
		return res, nil
	}

	next := time.NewTimer(delay)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.abandon(jobID, ctx.Err())
		case <-deadline.C:
			return r.abandon(jobID, ErrCallbackTimeout)
		case <-next.C:
			if res, ok := r.poll(ctx, jobID); ok {
				return res, nil
			}
			next.Reset(r.cfg.PollInterval)
		}
	}
}

// poll reads the job key. Store errors are logged and treated as "not yet".
func (r *Redis) poll(ctx context.Context, jobID string) (*model.CallbackResult, bool) {
	raw, err := r.rdb.Get(ctx, Key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("Rendezvous poll failed", "job_id", jobID, "error", err)
		}
		return nil, false
	}
	return r.decode(jobID, raw)
}

func (r *Redis) decode(jobID, raw string) (*model.CallbackResult, bool) {
	if raw == tombstoneValue {
		return nil, false
	}
	var res model.CallbackResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		r.log.Error("Rendezvous value is not a callback result", "job_id", jobID, "error", err)
		return nil, false
	}
	return &res, true
}

// abandon writes a tombstone so a late Resolve is dropped. If a result was
// written in the meantime it is returned instead.
func (r *Redis) abandon(jobID string, cause error) (*model.CallbackResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	set, err := r.rdb.SetNX(ctx, Key(jobID), tombstoneValue, r.cfg.TTLBuffer).Result()
	if err != nil {
		r.log.Warn("Failed to write rendezvous tombstone", "job_id", jobID, "error", err)
		return nil, cause
	}
	if !set {
		raw, err := r.rdb.Get(ctx, Key(jobID)).Result()
		if err == nil {
			if res, ok := r.decode(jobID, raw); ok {
				return res, nil
			}
		}
	}
	return nil, cause
}

func (r *Redis) Resolve(ctx context.Context, jobID string, result *model.CallbackResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode callback result: %w", err)
	}

	set, err := r.rdb.SetNX(ctx, Key(jobID), data, r.cfg.resultTTL()).Result()
	if err != nil {
		return fmt.Errorf("failed to publish callback result: %w", err)
	}
	if !set {
		r.log.Debug("Callback result already published or expired", "job_id", jobID)
	}
	return nil
}

func (r *Redis) Reject(ctx context.Context, jobID string, cause error) error {
	return r.Resolve(ctx, jobID, rejection(cause))
}
