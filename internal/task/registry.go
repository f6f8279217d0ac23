package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Invoker calls a registered operation with positional arguments decoded
// from a stored instance.
type Invoker func(ctx context.Context, args []json.RawMessage) error

// Registry maps method signatures to invokers. Operations are registered
// at startup, normally by the capture wrappers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register adds or replaces the invoker for signature.
func (r *Registry) Register(signature string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[signature] = inv
}

// Lookup returns the invoker registered for signature.
func (r *Registry) Lookup(signature string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[signature]
	return inv, ok
}

// Signatures returns every registered signature in sorted order.
func (r *Registry) Signatures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.invokers))
	for s := range r.invokers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Invoke replays signature with args. Resolution and decoding failures
// are returned as *ReplayError; errors from the operation itself are
// returned unchanged.
func (r *Registry) Invoke(ctx context.Context, signature string, args []json.RawMessage) error {
	inv, ok := r.Lookup(signature)
	if !ok {
		return &ReplayError{MethodSignature: signature, Err: ErrOperationNotRegistered}
	}
	return inv(ctx, args)
}

// Register0 registers an operation that takes no arguments.
func Register0(r *Registry, signature string, op func(ctx context.Context) error) {
	r.Register(signature, func(ctx context.Context, args []json.RawMessage) error {
		if err := checkArity(signature, args, 0); err != nil {
			return err
		}
		return op(ctx)
	})
}

// Register1 registers an operation that takes one argument.
func Register1[A any](r *Registry, signature string, op func(ctx context.Context, a A) error) {
	r.Register(signature, func(ctx context.Context, args []json.RawMessage) error {
		if err := checkArity(signature, args, 1); err != nil {
			return err
		}
		var a A
		if err := decodeArg(signature, args, 0, &a); err != nil {
			return err
		}
		return op(ctx, a)
	})
}

// Register2 registers an operation that takes two arguments.
func Register2[A, B any](r *Registry, signature string, op func(ctx context.Context, a A, b B) error) {
	r.Register(signature, func(ctx context.Context, args []json.RawMessage) error {
		if err := checkArity(signature, args, 2); err != nil {
			return err
		}
		var a A
		if err := decodeArg(signature, args, 0, &a); err != nil {
			return err
		}
		var b B
		if err := decodeArg(signature, args, 1, &b); err != nil {
			return err
		}
		return op(ctx, a, b)
	})
}

func checkArity(signature string, args []json.RawMessage, want int) error {
	if len(args) != want {
		return &ReplayError{
			MethodSignature: signature,
			Err:             fmt.Errorf("%w: want %d, got %d", ErrArgumentCount, want, len(args)),
		}
	}
	return nil
}

func decodeArg(signature string, args []json.RawMessage, i int, dst any) error {
	if err := json.Unmarshal(args[i], dst); err != nil {
		return &ReplayError{
			MethodSignature: signature,
			Err:             fmt.Errorf("decode argument %d: %w", i, err),
		}
	}
	return nil
}
