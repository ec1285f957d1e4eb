package worker

import (
	"strings"

	"github.com/hibiken/asynq"
)

// NewServer builds the asynq server that runs the watchdog queue.
func NewServer(opt asynq.RedisConnOpt, logLevel string) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			QueueWatchdog: 1,
		},
		LogLevel: asynqLogLevel(logLevel),
	})
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
