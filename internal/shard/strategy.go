package shard

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/lafikl/consistent"
)

// Strategy names accepted in configuration.
const (
	StrategyRoundRobin = "round_robin"
	StrategyHashRing   = "hash_ring"
)

// Assignment maps a peer ID to the shard indexes it owns.
type Assignment map[string][]int64

// Strategy partitions [0, shardCount) among live peers. Every index must
// appear exactly once across the result.
type Strategy interface {
	Name() string
	Assign(peers []string, shardCount int64) Assignment
}

// StrategyByName returns the strategy registered under name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin, "":
		return RoundRobin{}, nil
	case StrategyHashRing:
		return HashRing{}, nil
	default:
		return nil, fmt.Errorf("unknown shard strategy %q", name)
	}
}

// RoundRobin deals index i to the i-th peer in sorted order, modulo the
// number of peers.
type RoundRobin struct{}

// Name implements Strategy.
func (RoundRobin) Name() string { return StrategyRoundRobin }

// Assign implements Strategy.
func (RoundRobin) Assign(peers []string, shardCount int64) Assignment {
	sorted := sortedUnique(peers)
	out := make(Assignment, len(sorted))
	if len(sorted) == 0 {
		return out
	}
	for _, p := range sorted {
		out[p] = []int64{}
	}
	for i := int64(0); i < shardCount; i++ {
		p := sorted[i%int64(len(sorted))]
		out[p] = append(out[p], i)
	}
	return out
}

// HashRing places peers on a consistent-hash ring so that a membership
// change moves only the indexes adjacent to the changed peer.
type HashRing struct{}

// Name implements Strategy.
func (HashRing) Name() string { return StrategyHashRing }

// Assign implements Strategy.
func (HashRing) Assign(peers []string, shardCount int64) Assignment {
	sorted := sortedUnique(peers)
	out := make(Assignment, len(sorted))
	if len(sorted) == 0 {
		return out
	}

	ring := consistent.New()
	for _, p := range sorted {
		ring.Add(p)
		out[p] = []int64{}
	}
	for i := int64(0); i < shardCount; i++ {
		owner, err := ring.Get(strconv.FormatInt(i, 10))
		if err != nil {
			// Only returned for an empty ring.
			owner = sorted[i%int64(len(sorted))]
		}
		out[owner] = append(out[owner], i)
	}
	return out
}

func sortedUnique(peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
