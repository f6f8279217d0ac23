package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/consistency/internal/api/shared"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// QueueSizer reports the number of entries buffered in the local queue.
type QueueSizer interface {
	Size() (int, error)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	LocalQueued   int    `json:"localQueued"`
	LocalQueueErr string `json:"localQueueError,omitempty"`
	IsLeader      bool   `json:"isLeader"`
	LeaderID      string `json:"leaderId"`
	OwnedShards   int    `json:"ownedShards"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	db      Pinger
	queue   QueueSizer
	leader  LeaderService
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler. db may be nil when the node
// runs without a central store configured.
func NewHealthHandler(db Pinger, queue QueueSizer, leader LeaderService) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, leader: leader, timeout: 2 * time.Second}
}

// Health reports "ok", or "degraded" with 503 when the central store is
// unreachable. A degraded node keeps accepting work into its local queue.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "up"}

	if h.db == nil {
		resp.Database = "not configured"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.db.PingContext(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Database = "down"
		}
	}

	if h.queue != nil {
		n, err := h.queue.Size()
		if err != nil {
			resp.LocalQueueErr = "unavailable"
		}
		resp.LocalQueued = n
	}

	if h.leader != nil {
		snap := h.leader.Snapshot()
		resp.IsLeader = snap.IsLeader
		resp.LeaderID = snap.LeaderID
		resp.OwnedShards = len(snap.ShardIndexes)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, resp)
}
