package capture

import (
	"context"
	"reflect"

	"github.com/phrazzld/consistency/internal/task"
)

// Wrap0 registers op for replay and returns a function that captures calls
// instead of running them.
func Wrap0(c *Capturer, d Descriptor, op func(ctx context.Context) error) (func(ctx context.Context) error, error) {
	d, err := d.normalize(nil, c.config.DefaultIntervalSec)
	if err != nil {
		return nil, err
	}
	task.Register0(c.deps.Registry, d.Signature(), op)

	return func(ctx context.Context) error {
		if task.IsReplay(ctx) {
			return op(ctx)
		}
		return c.Capture(ctx, d)
	}, nil
}

// Wrap1 is Wrap0 for operations with one argument. The argument must
// round-trip through encoding/json.
func Wrap1[A any](c *Capturer, d Descriptor, op func(ctx context.Context, a A) error) (func(ctx context.Context, a A) error, error) {
	d, err := d.normalize([]string{typeName[A]()}, c.config.DefaultIntervalSec)
	if err != nil {
		return nil, err
	}
	task.Register1(c.deps.Registry, d.Signature(), op)

	return func(ctx context.Context, a A) error {
		if task.IsReplay(ctx) {
			return op(ctx, a)
		}
		return c.Capture(ctx, d, a)
	}, nil
}

// Wrap2 is Wrap0 for operations with two arguments.
func Wrap2[A, B any](
	c *Capturer,
	d Descriptor,
	op func(ctx context.Context, a A, b B) error,
) (func(ctx context.Context, a A, b B) error, error) {
	d, err := d.normalize([]string{typeName[A](), typeName[B]()}, c.config.DefaultIntervalSec)
	if err != nil {
		return nil, err
	}
	task.Register2(c.deps.Registry, d.Signature(), op)

	return func(ctx context.Context, a A, b B) error {
		if task.IsReplay(ctx) {
			return op(ctx, a, b)
		}
		return c.Capture(ctx, d, a, b)
	}, nil
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
