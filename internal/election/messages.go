package election

// HTTP paths served by every peer.
const (
	HeartbeatPath  = "/leader/heartbeat"
	AssignmentPath = "/leader/assignment"
)

// HeartbeatRequest is sent by a follower to the peer it believes leads.
type HeartbeatRequest struct {
	PeerID string `json:"peerId" validate:"required"`
}

// HeartbeatResponse carries the follower's shard assignment when Success
// is set. Otherwise ResponsePeerID names the peer the responder believes
// is the leader.
type HeartbeatResponse struct {
	Success        bool    `json:"success"`
	ResponsePeerID string  `json:"responsePeerId"`
	LastResponseTs int64   `json:"lastResponseTs"`
	ShardIndexes   []int64 `json:"shardIndexes"`
}
