package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/consistency/internal/capture"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/events"
)

// Names under which the messenger's collaborators are registered.
const (
	OrderMessageFallbackName = "order.message_fallback"
	orderMessengerType       = "service.OrderMessenger"
)

// OrderMessage is one notification about an order.
type OrderMessage struct {
	OrderID   int64  `json:"orderId" validate:"required,gt=0"`
	Recipient string `json:"recipient" validate:"required,max=255"`
	Body      string `json:"body" validate:"required,max=2000"`
}

// OrderMessenger sends order messages through the task engine. Send is
// scheduled ten seconds out and retried every twenty; SendNow runs at once
// on the worker pool and retries every two seconds.
type OrderMessenger struct {
	deliverer Deliverer
	logger    *slog.Logger

	send    func(ctx context.Context, msg OrderMessage) error
	sendNow func(ctx context.Context, msg OrderMessage) error
}

// NewOrderMessenger wraps the messenger's operations with c.
func NewOrderMessenger(c *capture.Capturer, deliverer Deliverer, logger *slog.Logger) (*OrderMessenger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &OrderMessenger{
		deliverer: deliverer,
		logger:    logger.With(slog.String("component", "order_messenger")),
	}

	var err error
	m.send, err = capture.Wrap1(c, capture.Descriptor{
		Type:               orderMessengerType,
		Method:             "Send",
		ParamTypes:         []string{"service.OrderMessage"},
		PerformanceWay:     domain.PerformanceSchedule,
		ThreadWay:          domain.ThreadWayAsync,
		ExecuteIntervalSec: 20,
		DelayTime:          10,
		FallbackName:       OrderMessageFallbackName,
		AlertActionName:    events.LogSinkName,
	}, m.deliver)
	if err != nil {
		return nil, fmt.Errorf("wrap OrderMessenger.Send: %w", err)
	}

	m.sendNow, err = capture.Wrap1(c, capture.Descriptor{
		Type:               orderMessengerType,
		Method:             "SendNow",
		ParamTypes:         []string{"service.OrderMessage"},
		PerformanceWay:     domain.PerformanceRightNow,
		ThreadWay:          domain.ThreadWayAsync,
		ExecuteIntervalSec: 2,
		FallbackName:       OrderMessageFallbackName,
		AlertActionName:    events.LogSinkName,
	}, m.deliver)
	if err != nil {
		return nil, fmt.Errorf("wrap OrderMessenger.SendNow: %w", err)
	}
	return m, nil
}

// Send records msg for delivery after the default delay.
func (m *OrderMessenger) Send(ctx context.Context, msg OrderMessage) error {
	return m.send(ctx, msg)
}

// SendNow records msg and starts delivering it immediately.
func (m *OrderMessenger) SendNow(ctx context.Context, msg OrderMessage) error {
	return m.sendNow(ctx, msg)
}

func (m *OrderMessenger) deliver(ctx context.Context, msg OrderMessage) error {
	if err := m.deliverer.Deliver(ctx, msg); err != nil {
		m.logger.WarnContext(ctx, "order message delivery failed",
			slog.Int64("order_id", msg.OrderID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
