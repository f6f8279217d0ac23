package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Deliverer sends an order message to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, msg OrderMessage) error
}

// LogDeliverer "delivers" by logging. Used when no webhook is configured.
type LogDeliverer struct {
	logger *slog.Logger
}

// NewLogDeliverer creates a LogDeliverer.
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger.With(slog.String("component", "order_deliverer"))}
}

// Deliver implements Deliverer.
func (d *LogDeliverer) Deliver(ctx context.Context, msg OrderMessage) error {
	d.logger.InfoContext(ctx, "order message delivered",
		slog.Int64("order_id", msg.OrderID),
		slog.String("recipient", msg.Recipient))
	return nil
}

// WebhookDeliverer posts order messages as JSON to a URL.
type WebhookDeliverer struct {
	client *resty.Client
	url    string
}

// NewWebhookDeliverer creates a WebhookDeliverer. The client does not
// retry; retries are the engine's job.
func NewWebhookDeliverer(url string, timeout time.Duration) *WebhookDeliverer {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	return &WebhookDeliverer{client: client, url: url}
}

// Deliver implements Deliverer.
func (d *WebhookDeliverer) Deliver(ctx context.Context, msg OrderMessage) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("deliver order message %d: %w", msg.OrderID, err)
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: order %d, http code %d", ErrDeliveryRejected, msg.OrderID, resp.StatusCode())
	}
	return nil
}
