// Package shard generates shard keys for new task instances and
// partitions the shard index space among live peers.
package shard
