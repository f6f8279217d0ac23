package events

import (
	"context"
	"log/slog"

	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
)

// LogSinkName is the registry name of LogSink.
const LogSinkName = "log"

// LogSink reports alerts as warning log entries.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "log_alert_sink")}
}

// SendAlert implements AlertSink.
func (s *LogSink) SendAlert(ctx context.Context, inst *domain.TaskInstance) error {
	logger.FromContextOrDefault(ctx, s.logger).Warn("task instance alert",
		"task_instance_id", inst.ID,
		"task_id", inst.TaskID,
		"method_signature", inst.MethodSignature,
		"execute_times", inst.ExecuteTimes,
		"task_status", inst.TaskStatus.String(),
		"error_msg", inst.ErrorMsg,
		"fallback_error_msg", inst.FallbackErrorMsg)
	return nil
}
