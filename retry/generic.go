package retry

import "context"

// DoTyped is a type-safe generic wrapper around Executor.DoWithResult.
// It eliminates the need for type assertions on the return value.
//
// Usage:
//
//	resp, err := retry.DoTyped[*Response](exec, ctx, func() (*Response, error) {
//	    return callProvider(ctx)
//	})
func DoTyped[T any](e Executor, ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := e.DoWithResult(ctx, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
