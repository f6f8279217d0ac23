package api

import (
	"context"
	"net/http"

	"github.com/phrazzld/consistency/internal/api/shared"
	"github.com/phrazzld/consistency/internal/service"
)

// OrderMessageSender is the part of the order messenger the HTTP layer needs.
type OrderMessageSender interface {
	Send(ctx context.Context, msg service.OrderMessage) error
	SendNow(ctx context.Context, msg service.OrderMessage) error
}

// SendOrderMessageRequest is the body of POST /api/orders/messages.
type SendOrderMessageRequest struct {
	service.OrderMessage
	Immediate bool `json:"immediate"`
}

// SendOrderMessageResponse acknowledges a recorded message.
type SendOrderMessageResponse struct {
	Status  string `json:"status"`
	TraceID string `json:"traceId,omitempty"`
}

// OrderHandler serves the demo order-messaging operation.
type OrderHandler struct {
	sender OrderMessageSender
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(sender OrderMessageSender) *OrderHandler {
	return &OrderHandler{sender: sender}
}

// SendMessage handles POST /api/orders/messages. A 202 means the message
// is recorded and will be delivered eventually, not that it was delivered.
func (h *OrderHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendOrderMessageRequest
	if !shared.DecodeAndValidate(w, r, &req) {
		return
	}

	send := h.sender.Send
	if req.Immediate {
		send = h.sender.SendNow
	}
	if err := send(r.Context(), req.OrderMessage); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to record order message", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SendOrderMessageResponse{
		Status:  "accepted",
		TraceID: shared.GetTraceID(r.Context()),
	})
}
