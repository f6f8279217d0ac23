package task

import "context"

type replayKey struct{}

// WithReplay marks ctx as carrying a replay of a stored instance. Capture
// wrappers seeing this flag call the operation directly instead of
// persisting a new instance.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx was marked by WithReplay.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}
