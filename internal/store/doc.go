// Package store defines interfaces for task instance persistence: the
// central store shared by all nodes, the node-local fallback queue and
// the query window used to find unfinished work. Implementations live
// under internal/platform.
package store
