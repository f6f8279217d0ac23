// Package task executes persisted task instances.
//
// It holds the replay registry of operations that can be re-invoked from a
// stored instance, the execution engine that drives an instance through
// START into SUCCESS or FAIL, and the schedule manager that periodically
// collects due instances from the central store and the local queue and
// runs them on a bounded worker pool.
package task
