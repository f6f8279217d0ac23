package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/redact"
)

// TaskAlertEvent is the message published for one alert.
type TaskAlertEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Sink is the name of the sink the alert was routed to
	Sink string `json:"sink"`

	// Instance is a snapshot of the failing task instance
	Instance domain.TaskInstance `json:"instance"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskAlertEvent creates an event for inst. Error messages are
// redacted, since the event leaves the process.
func NewTaskAlertEvent(sink string, inst *domain.TaskInstance) *TaskAlertEvent {
	snapshot := *inst
	snapshot.ErrorMsg = redact.String(inst.ErrorMsg)
	snapshot.FallbackErrorMsg = redact.String(inst.FallbackErrorMsg)
	return &TaskAlertEvent{
		ID:        uuid.New(),
		Sink:      sink,
		Instance:  snapshot,
		CreatedAt: time.Now().UTC(),
	}
}

// Marshal encodes the event as JSON.
func (e *TaskAlertEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// AlertSink delivers an alert for a failing task instance.
type AlertSink interface {
	// SendAlert delivers the alert. Returns an error if delivery failed.
	SendAlert(ctx context.Context, inst *domain.TaskInstance) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, inst *domain.TaskInstance) error

// SendAlert implements AlertSink.
func (f AlertSinkFunc) SendAlert(ctx context.Context, inst *domain.TaskInstance) error {
	return f(ctx, inst)
}
