package proxy

import (
	"context"
	"log/slog"
	"time"
)

// LoggingInterceptor logs every message it sees at debug level and always
// returns Continue. It runs at the highest priority so it sees every
// message regardless of what later interceptors decide. It only emits
// structured log lines; it never persists anything to disk.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a LoggingInterceptor writing to logger.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (l *LoggingInterceptor) Intercept(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
	start := time.Now()
	defer func() {
		l.logger.Debug("intercept chain entry",
			"session_id", ic.SessionID,
			"direction", ic.Direction.String(),
			"method", ic.Message.Method(),
			"elapsed_us", time.Since(start).Microseconds(),
		)
	}()
	return Continue(), nil
}

func (l *LoggingInterceptor) Priority() int { return 1000 }

func (l *LoggingInterceptor) ShouldIntercept(ic *InterceptContext) bool { return true }

func (l *LoggingInterceptor) Name() string { return "logging" }

var _ Interceptor = (*LoggingInterceptor)(nil)
