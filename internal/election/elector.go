package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/shard"
)

// Configuration errors
var (
	ErrSelfNotInPeers    = errors.New("self ID is not among the configured peers")
	ErrInvalidShardCount = errors.New("shard count must be positive")
)

// Peer is one statically configured cluster member.
type Peer struct {
	ID  string
	URL string
}

// Config holds election settings.
type Config struct {
	SelfID            string
	Peers             []Peer
	ShardCount        int64
	HeartbeatInterval time.Duration
	// PeerTimeout is how long the leader keeps a silent follower in the assignment.
	PeerTimeout time.Duration
	// AssignmentTTL is how long a follower trusts its last assignment
	// without a successful heartbeat.
	AssignmentTTL time.Duration
}

// Snapshot is a point-in-time view of the election state.
type Snapshot struct {
	SelfID       string           `json:"selfId"`
	LeaderID     string           `json:"leaderId"`
	IsLeader     bool             `json:"isLeader"`
	ShardIndexes []int64          `json:"shardIndexes"`
	AssignedAt   *time.Time       `json:"assignedAt,omitempty"`
	Assignment   shard.Assignment `json:"assignment,omitempty"`
	LivePeers    []string         `json:"livePeers,omitempty"`
}

// Elector runs the election loop on one peer and answers heartbeats from
// the others.
type Elector struct {
	cfg        Config
	lower      []Peer
	known      map[string]struct{}
	strategy   shard.Strategy
	client     HeartbeatClient
	clock      clockwork.Clock
	membership *Membership
	logger     *slog.Logger

	mu         sync.RWMutex
	leaderID   string
	isLeader   bool
	assignment shard.Assignment
	myShards   []int64
	assignedAt time.Time
	assigned   bool

	// lastLowerContact is when a lower peer last answered a heartbeat.
	lastLowerContact time.Time
	contacted        bool
	// preferred is the lower peer that last accepted a heartbeat; it is
	// tried first on the next round.
	preferred string
}

// New creates an Elector.
func New(cfg Config, strategy shard.Strategy, client HeartbeatClient, clock clockwork.Clock, logger *slog.Logger) (*Elector, error) {
	if cfg.ShardCount <= 0 {
		return nil, ErrInvalidShardCount
	}
	known := make(map[string]struct{}, len(cfg.Peers))
	var lower []Peer
	for _, p := range cfg.Peers {
		known[p.ID] = struct{}{}
		if p.ID < cfg.SelfID {
			lower = append(lower, p)
		}
	}
	if _, ok := known[cfg.SelfID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrSelfNotInPeers, cfg.SelfID)
	}
	sort.Slice(lower, func(i, j int) bool { return lower[i].ID < lower[j].ID })

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Elector{
		cfg:        cfg,
		lower:      lower,
		known:      known,
		strategy:   strategy,
		client:     client,
		clock:      clock,
		membership: NewMembership(),
		logger: logger.With(
			slog.String("component", "elector"),
			slog.String("peer_id", cfg.SelfID),
		),
	}, nil
}

// Run performs an election round immediately and then every
// HeartbeatInterval until ctx is done.
func (e *Elector) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	e.logger.Info("elector started",
		"peers", len(e.cfg.Peers),
		"strategy", e.strategy.Name(),
		"heartbeat_interval", e.cfg.HeartbeatInterval)

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("elector stopped")
			return nil
		case <-ticker.Chan():
			e.Tick(ctx)
		}
	}
}

// Tick performs one election round: heartbeat the lower peers, the
// current leader first, and follow the first that answers. When none
// answers, the last assignment is kept until AssignmentTTL has passed
// since a lower peer was last heard from; only then does this peer lead.
func (e *Elector) Tick(ctx context.Context) {
	req := HeartbeatRequest{PeerID: e.cfg.SelfID}
	for _, p := range e.candidates() {
		resp, err := e.client.Heartbeat(ctx, p.URL, req)
		if err != nil {
			e.logger.Debug("peer unreachable", "target_peer", p.ID, "error", err)
			continue
		}
		if resp.Success {
			e.follow(p.ID, resp)
			return
		}
		// A lower peer is alive but not accepting; defer to it and keep
		// the current assignment until it expires.
		e.deferTo(p.ID, resp.ResponsePeerID)
		return
	}

	if silent, ok := e.lowerPeersSilentFor(); ok && silent <= e.cfg.AssignmentTTL {
		e.logger.Warn("no lower peer answered, keeping last assignment",
			"silent_for", silent,
			"assignment_ttl", e.cfg.AssignmentTTL)
		return
	}
	e.lead()
}

// candidates returns the lower peers in heartbeat order: the preferred
// peer first, then the rest by ID.
func (e *Elector) candidates() []Peer {
	e.mu.RLock()
	preferred := e.preferred
	e.mu.RUnlock()

	if preferred == "" {
		return e.lower
	}
	out := make([]Peer, 0, len(e.lower))
	for _, p := range e.lower {
		if p.ID == preferred {
			out = append(out, p)
		}
	}
	for _, p := range e.lower {
		if p.ID != preferred {
			out = append(out, p)
		}
	}
	return out
}

// lowerPeersSilentFor reports how long ago a lower peer last answered.
// ok is false while leading or when no lower peer ever answered.
func (e *Elector) lowerPeersSilentFor() (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.isLeader || !e.contacted {
		return 0, false
	}
	return e.clock.Since(e.lastLowerContact), true
}

// HandleHeartbeat answers a heartbeat from a follower.
func (e *Elector) HandleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	resp := HeartbeatResponse{
		ResponsePeerID: e.cfg.SelfID,
		LastResponseTs: now.UnixMilli(),
	}
	if !e.isLeader {
		if e.leaderID != "" {
			resp.ResponsePeerID = e.leaderID
		}
		return resp
	}
	if _, ok := e.known[req.PeerID]; !ok {
		e.logger.Warn("heartbeat from unknown peer", "from_peer", req.PeerID)
		return resp
	}

	e.membership.Touch(req.PeerID, now)
	e.recomputeLocked(now)

	resp.Success = true
	resp.ShardIndexes = append([]int64{}, e.assignment[req.PeerID]...)
	return resp
}

// MyShardIndexes returns the shard indexes this peer owns, or nil when it
// has no assignment or its assignment has expired.
func (e *Elector) MyShardIndexes() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.assigned {
		return nil
	}
	if !e.isLeader && e.clock.Since(e.assignedAt) > e.cfg.AssignmentTTL {
		return nil
	}
	return append([]int64(nil), e.myShards...)
}

// IsLeader reports whether this peer currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// LeaderID returns the peer this peer believes leads, or "" if unknown.
func (e *Elector) LeaderID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderID
}

// Snapshot returns the current election state.
func (e *Elector) Snapshot() Snapshot {
	shards := e.MyShardIndexes()

	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{
		SelfID:       e.cfg.SelfID,
		LeaderID:     e.leaderID,
		IsLeader:     e.isLeader,
		ShardIndexes: shards,
	}
	if e.assigned {
		at := e.assignedAt
		s.AssignedAt = &at
	}
	if e.isLeader {
		s.Assignment = make(shard.Assignment, len(e.assignment))
		for peer, idx := range e.assignment {
			s.Assignment[peer] = append([]int64{}, idx...)
		}
		s.LivePeers = e.membership.Live()
	}
	return s
}

func (e *Elector) follow(peer string, resp *HeartbeatResponse) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastLowerContact = now
	e.contacted = true
	e.preferred = peer

	if e.isLeader || e.leaderID != resp.ResponsePeerID {
		e.logger.Info("following leader", "leader_id", resp.ResponsePeerID)
	}
	e.stepDownLocked()
	e.leaderID = resp.ResponsePeerID
	e.myShards = append([]int64{}, resp.ShardIndexes...)
	e.assignedAt = now
	e.assigned = true
}

func (e *Elector) deferTo(peer, believedLeader string) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastLowerContact = now
	e.contacted = true
	e.preferred = ""

	if e.isLeader {
		e.logger.Info("lower peer is back, stepping down", "lower_peer", peer)
	}
	e.stepDownLocked()
	e.leaderID = believedLeader
	if e.leaderID == "" {
		e.leaderID = peer
	}
}

func (e *Elector) stepDownLocked() {
	if e.isLeader {
		e.membership = NewMembership()
		e.assignment = nil
	}
	e.isLeader = false
}

func (e *Elector) lead() {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		e.logger.Info("no lower peer reachable, taking leadership")
	}
	e.isLeader = true
	e.leaderID = e.cfg.SelfID
	e.membership.Touch(e.cfg.SelfID, now)
	e.recomputeLocked(now)
}

func (e *Elector) recomputeLocked(now time.Time) {
	if dead := e.membership.DetectDead(now, e.cfg.PeerTimeout); len(dead) > 0 {
		e.logger.Info("dropping silent peers from assignment", "peers", dead)
	}
	// self is always live while leading
	e.membership.Touch(e.cfg.SelfID, now)

	e.assignment = e.strategy.Assign(e.membership.Live(), e.cfg.ShardCount)
	e.myShards = e.assignment[e.cfg.SelfID]
	e.assignedAt = now
	e.assigned = true
}
