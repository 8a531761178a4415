// Package fallback runs an ordered list of strategies until one succeeds.
//
// The execution backend uses it to walk its provider chain, and the worker
// uses it to try pipeline steps before open missions.
package fallback

import (
	"context"
	"errors"
	"fmt"
)

// Step is one named strategy. Run returns an error to hand over to the next step.
type Step[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// ErrExhausted is returned (joined with each step's error) when no step succeeded.
var ErrExhausted = errors.New("all strategies failed")

// First runs steps in order and returns the first successful value with the
// name of the step that produced it. Failures are absorbed; a cancelled
// context stops the walk early.
func First[T any](ctx context.Context, steps []Step[T]) (T, string, error) {
	var zero T
	errs := []error{ErrExhausted}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := s.Run(ctx)
		if err == nil {
			return v, s.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return zero, "", errors.Join(errs...)
}
