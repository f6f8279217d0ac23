package election

import (
	"sort"
	"sync"
	"time"
)

// Membership tracks when the leader last heard from each peer.
type Membership struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewMembership creates an empty Membership.
func NewMembership() *Membership {
	return &Membership{lastSeen: make(map[string]time.Time)}
}

// Touch records a heartbeat from peer at now.
func (m *Membership) Touch(peer string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[peer] = now
}

// DetectDead removes and returns the peers not heard from within timeout.
func (m *Membership) DetectDead(now time.Time, timeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []string
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > timeout {
			delete(m.lastSeen, id)
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	return dead
}

// Live returns the peers currently tracked, sorted.
func (m *Membership) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
