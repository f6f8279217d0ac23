package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/consistency/internal/domain"
)

// OrderMessageFallback parks an undeliverable order message for manual
// follow-up. When a secondary deliverer is set the message is sent there
// instead, and its failure fails the fallback.
type OrderMessageFallback struct {
	secondary Deliverer
	logger    *slog.Logger
}

// NewOrderMessageFallback creates an OrderMessageFallback. secondary may be nil.
func NewOrderMessageFallback(secondary Deliverer, logger *slog.Logger) *OrderMessageFallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderMessageFallback{
		secondary: secondary,
		logger:    logger.With(slog.String("component", "order_message_fallback")),
	}
}

// Fallback implements task.FallbackHandler.
func (f *OrderMessageFallback) Fallback(ctx context.Context, inst *domain.TaskInstance) error {
	msg, err := decodeOrderMessage(inst)
	if err != nil {
		return err
	}

	f.logger.WarnContext(ctx, "order message handed to fallback",
		slog.Int64("order_id", msg.OrderID),
		slog.Int64("task_instance_id", inst.ID),
		slog.Int("execute_times", inst.ExecuteTimes),
		slog.String("last_error", inst.ErrorMsg))

	if f.secondary == nil {
		return nil
	}
	if err := f.secondary.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("secondary delivery of order %d: %w", msg.OrderID, err)
	}
	return nil
}

func decodeOrderMessage(inst *domain.TaskInstance) (OrderMessage, error) {
	var msg OrderMessage
	args, err := inst.Arguments()
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrUndecodableMessage, err)
	}
	if len(args) != 1 {
		return msg, fmt.Errorf("%w: %d arguments", ErrUndecodableMessage, len(args))
	}
	if err := json.Unmarshal(args[0], &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrUndecodableMessage, err)
	}
	return msg, nil
}
