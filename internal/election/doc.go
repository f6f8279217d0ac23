// Package election elects a leader among a static set of peers and
// distributes shard assignments through heartbeats.
//
// The leader is the peer with the lowest ID that answers heartbeats. Each
// follower periodically sends a heartbeat to the lower peers in order and
// adopts the assignment returned by the first one that accepts it. A
// follower stops trusting its assignment once AssignmentTTL has passed
// without a successful heartbeat, so it cannot keep running shards that a
// new leader has already handed to someone else.
package election
