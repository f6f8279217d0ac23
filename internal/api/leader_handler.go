package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/consistency/internal/api/shared"
	"github.com/phrazzld/consistency/internal/election"
	"github.com/phrazzld/consistency/internal/platform/logger"
)

// LeaderService is the part of the elector the HTTP layer needs.
type LeaderService interface {
	HandleHeartbeat(req election.HeartbeatRequest) election.HeartbeatResponse
	Snapshot() election.Snapshot
}

// LeaderHandler serves the heartbeat protocol and the assignment view.
type LeaderHandler struct {
	leader LeaderService
	logger *slog.Logger
}

// NewLeaderHandler creates a LeaderHandler.
func NewLeaderHandler(leader LeaderService, logger *slog.Logger) *LeaderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderHandler{
		leader: leader,
		logger: logger.With(slog.String("component", "leader_handler")),
	}
}

// Heartbeat handles POST /leader/heartbeat. A rejected heartbeat is still a
// 200: the body's success flag and responsePeerId tell the caller where to go.
// An undecodable heartbeat is a 400 logged at WARN.
func (h *LeaderHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logger.WithLogger(r.Context(), h.logger))

	var req election.HeartbeatRequest
	if !shared.DecodeAndValidate(w, r, &req, shared.WithElevatedLogLevel()) {
		return
	}

	resp := h.leader.HandleHeartbeat(req)
	if !resp.Success {
		h.logger.Debug("heartbeat not accepted",
			slog.String("from_peer", req.PeerID),
			slog.String("response_peer", resp.ResponsePeerID),
			slog.String("trace_id", shared.GetTraceID(r.Context())))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Assignment handles GET /leader/assignment.
func (h *LeaderHandler) Assignment(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.leader.Snapshot())
}
