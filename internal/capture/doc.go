// Package capture turns calls to ordinary Go functions into persisted task
// instances. An operation is wrapped once at startup with a Descriptor;
// calling the wrapped function records the invocation in the central store
// (or, when the store is unavailable, in the node-local queue) instead of
// running it, and the execution engine replays it later. Replays reach the
// real operation because the engine marks their context.
package capture
