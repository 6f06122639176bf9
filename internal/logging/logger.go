package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide structured logger. Every entry carries
// the service name; LOG_LEVEL overrides the default info threshold.
func NewLogger(serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		var level zapcore.Level
		if err := level.Set(raw); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return cfg.Build()
}

// WithPollID tags every entry of one poll sweep with a shared correlation ID.
func WithPollID(logger *zap.Logger, pollID string) *zap.Logger {
	return logger.With(zap.String("poll_id", pollID))
}
