package ack

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is how long an event may stay unacknowledged before the
// watchdog reports it. The platform gives up after three seconds.
const DefaultTimeout = 3*time.Second + time.Millisecond

// ErrMultipleAcknowledgment is returned when an event is acknowledged twice.
// It always indicates a bug in the handler that acknowledged.
var ErrMultipleAcknowledgment = errors.New("ack: event already acknowledged")

// Deliverer sends one acknowledgment response over the originating transport.
type Deliverer func(ctx context.Context, resp Response) error

// Controller enforces exactly-once acknowledgment for one inbound event.
type Controller struct {
	deliver   Deliverer
	deferred  bool
	timeout   time.Duration
	onTimeout func()
	log       *slog.Logger

	mu        sync.Mutex
	acked     bool
	stored    Response
	ackedAt   time.Time
	created   time.Time
	timer     *time.Timer
	violation error
}

// Option configures a Controller.
type Option func(*Controller)

// WithDeferredDelivery stores the response instead of delivering it, so the
// transport can flush it after processing completes.
func WithDeferredDelivery(deferred bool) Option {
	return func(c *Controller) {
		c.deferred = deferred
	}
}

// WithTimeout overrides the watchdog window.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for watchdog diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTimeoutHook registers a callback run when the watchdog fires on a
// pending event.
func WithTimeoutHook(hook func()) Option {
	return func(c *Controller) {
		c.onTimeout = hook
	}
}

// New creates a pending controller and arms its watchdog.
func New(deliver Deliverer, opts ...Option) *Controller {
	c := &Controller{
		deliver: deliver,
		timeout: DefaultTimeout,
		log:     slog.Default(),
		created: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mu.Lock()
	c.timer = time.AfterFunc(c.timeout, c.expire)
	c.mu.Unlock()

	return c
}

// Ack acknowledges the event. Only the first call succeeds; later calls
// return ErrMultipleAcknowledgment, leave the first response untouched and
// are recorded for Violation.
//
// In deferred mode the response is stored for Stored. Otherwise it is handed
// to the deliverer and any delivery failure is returned.
func (c *Controller) Ack(ctx context.Context, resp Response) error {
	c.mu.Lock()
	if c.acked {
		c.violation = ErrMultipleAcknowledgment
		c.mu.Unlock()
		return ErrMultipleAcknowledgment
	}
	c.acked = true
	c.ackedAt = time.Now()
	c.stopLocked()
	if c.deferred {
		c.stored = resp
		c.mu.Unlock()
		c.log.Debug("Acknowledgment stored", "kind", resp.Kind().String())
		return nil
	}
	c.mu.Unlock()

	if c.deliver == nil {
		return errors.New("ack: no deliverer configured")
	}
	if err := c.deliver(ctx, resp); err != nil {
		return err
	}

	c.log.Debug("Acknowledgment sent", "kind", resp.Kind().String())
	return nil
}

// Acknowledged reports whether Ack has succeeded once.
func (c *Controller) Acknowledged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// Violation returns ErrMultipleAcknowledgment once Ack has been called
// again after succeeding, whether or not the caller kept that error.
func (c *Controller) Violation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violation
}

// Stored returns the response captured in deferred mode.
func (c *Controller) Stored() (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deferred || !c.acked {
		return Response{}, false
	}

	return c.stored, true
}

// Latency returns the time between construction and acknowledgment.
func (c *Controller) Latency() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acked {
		return 0, false
	}

	return c.ackedAt.Sub(c.created), true
}

// Stop releases the watchdog. It is safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire runs on the watchdog goroutine. A fire that races with Ack or
// Stop observes the updated state and does nothing.
func (c *Controller) expire() {
	c.mu.Lock()
	if c.acked || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	hook := c.onTimeout
	c.mu.Unlock()

	c.log.Error("Event not acknowledged in time; ensure a handler calls ack", "timeout", c.timeout)
	if hook != nil {
		hook()
	}
}
