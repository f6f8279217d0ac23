// Package api serves the node's HTTP surface: the heartbeat endpoint peers
// use to elect a leader and receive shard assignments, read-only views of
// the election state, health, and the demo order-messaging operation. It
// translates HTTP concerns to calls on the election and service layers.
package api
