// Package app is the processor receivers hand events to. It runs global
// middleware over each event and acknowledges whatever the chain leaves
// unacknowledged.
package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"boltgate/pkg/ack"
	"boltgate/pkg/middleware"
	"boltgate/pkg/receiver"
)

// Args is what every middleware receives for one event.
type Args struct {
	Event *receiver.Event
	Log   *slog.Logger
}

// Middleware is one link of the global chain.
type Middleware = middleware.Handler[Args]

// Terminal runs after the last middleware called next.
type Terminal func(ctx context.Context, args Args) error

// App implements receiver.Processor.
type App struct {
	chain    *middleware.Chain[Args]
	terminal Terminal
	log      *slog.Logger
	ignored  []string
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the base logger handed to middleware.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// WithTerminal replaces AutoAck as the final step.
func WithTerminal(terminal Terminal) Option {
	return func(a *App) {
		if terminal != nil {
			a.terminal = terminal
		}
	}
}

// WithIgnoredTypes drops the listed event types ahead of every other
// middleware, LogEvent included.
func WithIgnoredTypes(types ...string) Option {
	return func(a *App) {
		a.ignored = append(a.ignored, types...)
	}
}

// New returns an App whose chain starts with LogEvent, preceded by
// IgnoreTypes when WithIgnoredTypes is set.
func New(opts ...Option) *App {
	a := &App{
		terminal: AutoAck,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "app")

	builtin := make([]Middleware, 0, 2)
	if len(a.ignored) > 0 {
		builtin = append(builtin, IgnoreTypes(a.ignored...))
	}
	a.chain = middleware.NewChain(append(builtin, LogEvent)...)

	return a
}

// Use appends global middleware. It must be called before events arrive.
func (a *App) Use(handlers ...Middleware) {
	a.chain.Use(handlers...)
}

// ProcessEvent runs the chain over event.
func (a *App) ProcessEvent(ctx context.Context, event *receiver.Event) error {
	if event == nil {
		return errors.New("event is required")
	}

	args := Args{
		Event: event,
		Log:   a.log.With("event_id", event.ID, "receiver", event.Receiver, "event_type", event.Type()),
	}

	err := a.chain.Run(ctx, args, func(ctx context.Context) error {
		return a.terminal(ctx, args)
	})
	return event.Settle(err)
}

// LogEvent logs each event on entry and its result on exit.
func LogEvent(ctx context.Context, args Args, next middleware.Next) error {
	started := time.Now()
	args.Log.Debug("Event received")

	err := next(ctx)
	if err != nil {
		args.Log.Warn("Event processing failed", "error", err, "duration", time.Since(started))
		return err
	}

	args.Log.Debug("Event processed", "acknowledged", args.Event.Acknowledged(), "duration", time.Since(started))
	return nil
}

// AutoAck acknowledges events no middleware acknowledged.
func AutoAck(ctx context.Context, args Args) error {
	if args.Event.Acknowledged() {
		return nil
	}
	return args.Event.Ack(ctx, ack.Empty())
}

// IgnoreTypes claims events whose type is listed, acknowledging them with
// an empty response so the rest of the chain never sees them.
func IgnoreTypes(types ...string) Middleware {
	ignored := make([]string, 0, len(types))
	for _, kind := range types {
		if trimmed := strings.TrimSpace(kind); trimmed != "" {
			ignored = append(ignored, trimmed)
		}
	}

	return func(ctx context.Context, args Args, next middleware.Next) error {
		if !slices.Contains(ignored, args.Event.Type()) {
			return next(ctx)
		}

		args.Log.Debug("Ignoring event type")
		if args.Event.Acknowledged() {
			return nil
		}
		return args.Event.Ack(ctx, ack.Empty())
	}
}
