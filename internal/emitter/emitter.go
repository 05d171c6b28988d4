// Package emitter writes what a sweep found. Each account's result is
// emitted after correlation and before any of its resources are deleted,
// so the report always names what a run was about to remove.
package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// Emitter records one account's selected job groups.
type Emitter interface {
	// Emit is called once per account, before deletion. An error keeps
	// the sweep from deleting that account's resources.
	Emit(ctx context.Context, result resource.SweepResult) error

	// Close flushes and releases the output.
	Close() error
}

// MultiEmitter passes each account result to several outputs in order.
// The first failing output stops the chain, since the account will not be
// swept anyway.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an emitter writing to every given output.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit writes result to each output until one fails.
func (m *MultiEmitter) Emit(ctx context.Context, result resource.SweepResult) error {
	for i, e := range m.emitters {
		if err := e.Emit(ctx, result); err != nil {
			return fmt.Errorf("emit account %d to output %d: %w", result.AccountIndex, i, err)
		}
	}
	return nil
}

// Close closes every output, even after one fails, and joins the errors.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
