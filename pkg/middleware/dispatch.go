// Package middleware runs an ordered chain of handlers over one event.
//
// Each handler receives a next continuation. Calling it runs the rest of
// the chain and, after the last handler, the terminal function. A handler
// that returns without calling next claims the event and stops the chain.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDoubleInvocation is returned when a continuation runs more than once or
// out of order. It always indicates a bug in the handler that called it.
var ErrDoubleInvocation = errors.New("middleware: next() called multiple times")

// Next continues the chain after the current handler.
type Next func(ctx context.Context) error

// Handler is one link of the chain.
type Handler[A any] func(ctx context.Context, args A, next Next) error

// Terminal runs after every handler has called next.
type Terminal func(ctx context.Context) error

// Dispatch runs handlers in order over args and returns the chain's result.
//
// The cursor is local to this call, so chains for different events never
// share state. A rejected continuation is remembered, and Dispatch reports
// ErrDoubleInvocation even when the handler that triggered it dropped the
// error.
func Dispatch[A any](ctx context.Context, handlers []Handler[A], args A, terminal Terminal) error {
	var (
		mu        sync.Mutex
		last      = -1
		violation error
	)

	var invoke func(ctx context.Context, index int) error
	invoke = func(ctx context.Context, index int) error {
		mu.Lock()
		if last >= index {
			err := fmt.Errorf("%w (handler %d)", ErrDoubleInvocation, index-1)
			if violation == nil {
				violation = err
			}
			mu.Unlock()
			return err
		}
		last = index
		mu.Unlock()

		if index < len(handlers) {
			return handlers[index](ctx, args, func(ctx context.Context) error {
				return invoke(ctx, index+1)
			})
		}

		if terminal == nil {
			return nil
		}
		return terminal(ctx)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	err := invoke(ctx, 0)

	mu.Lock()
	defer mu.Unlock()
	switch {
	case violation == nil || errors.Is(err, ErrDoubleInvocation):
		return err
	case err == nil:
		return violation
	default:
		return errors.Join(err, violation)
	}
}

// Chain is an ordered handler list fixed before events are dispatched.
type Chain[A any] struct {
	handlers []Handler[A]
}

// NewChain returns a chain running handlers in the given order.
func NewChain[A any](handlers ...Handler[A]) *Chain[A] {
	return &Chain[A]{handlers: append([]Handler[A](nil), handlers...)}
}

// Use appends handlers. It must not be called while events are in flight.
func (c *Chain[A]) Use(handlers ...Handler[A]) {
	c.handlers = append(c.handlers, handlers...)
}

// Len returns the number of handlers in the chain.
func (c *Chain[A]) Len() int {
	return len(c.handlers)
}

// Run dispatches args through the chain.
func (c *Chain[A]) Run(ctx context.Context, args A, terminal Terminal) error {
	return Dispatch(ctx, c.handlers, args, terminal)
}
