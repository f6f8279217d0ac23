package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/consistency/internal/capability"
	"github.com/phrazzld/consistency/internal/domain"
)

// AlertDispatcher routes alerts to sinks registered by name.
type AlertDispatcher struct {
	sinks       *capability.Registry[AlertSink]
	defaultSink string
	logger      *slog.Logger
}

// NewAlertDispatcher creates a dispatcher. defaultSink names the sink used
// for instances that name none, or name one that cannot be resolved.
func NewAlertDispatcher(sinks *capability.Registry[AlertSink], defaultSink string, logger *slog.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		sinks:       sinks,
		defaultSink: defaultSink,
		logger:      logger.With("component", "alert_dispatcher"),
	}
}

// Notify delivers an alert for inst to the sink called name.
func (d *AlertDispatcher) Notify(ctx context.Context, name string, inst *domain.TaskInstance) error {
	sinkName := name
	if sinkName == "" {
		sinkName = d.defaultSink
	}

	sink, err := d.sinks.Resolve(sinkName)
	if err != nil && sinkName != d.defaultSink {
		d.logger.Warn("alert sink not resolvable, using default",
			"alert_action_name", sinkName,
			"default_sink", d.defaultSink,
			"error", err)
		sinkName = d.defaultSink
		sink, err = d.sinks.Resolve(sinkName)
	}
	if err != nil {
		return fmt.Errorf("no alert sink available for task instance %d: %w", inst.ID, err)
	}

	d.logger.Debug("dispatching alert",
		"task_instance_id", inst.ID,
		"sink", sinkName,
		"execute_times", inst.ExecuteTimes)

	if err := sink.SendAlert(ctx, inst); err != nil {
		return fmt.Errorf("alert sink %q failed: %w", sinkName, err)
	}
	return nil
}
