package receiver

import (
	"context"
	"errors"
	"strings"

	"boltgate/pkg/ack"
	"boltgate/pkg/ids"
)

// Event is one decoded inbound unit of work. It is created per request or
// socket message and must not be reused.
type Event struct {
	ID       string
	Receiver string
	Payload  map[string]any

	ack *ack.Controller
}

// NewEvent binds payload to the controller that acknowledges it.
func NewEvent(receiverName string, payload map[string]any, controller *ack.Controller) *Event {
	if payload == nil {
		payload = map[string]any{}
	}

	return &Event{
		ID:       ids.NewEventID(),
		Receiver: receiverName,
		Payload:  payload,
		ack:      controller,
	}
}

// Ack acknowledges the event. Only one call may succeed.
func (e *Event) Ack(ctx context.Context, resp ack.Response) error {
	return e.ack.Ack(ctx, resp)
}

// Acknowledged reports whether the event has been acknowledged.
func (e *Event) Acknowledged() bool {
	return e.ack.Acknowledged()
}

// Settle returns the processing result for the event: err, plus any
// repeated acknowledgment recorded on the event that err does not already
// carry.
func (e *Event) Settle(err error) error {
	if e.ack == nil {
		return err
	}

	violation := e.ack.Violation()
	switch {
	case violation == nil || errors.Is(err, violation):
		return err
	case err == nil:
		return violation
	default:
		return errors.Join(err, violation)
	}
}

// Type returns the payload's top-level "type" field.
func (e *Event) Type() string {
	return e.String("type")
}

// String returns a top-level string field, or "" when absent.
func (e *Event) String(key string) string {
	value, _ := e.Payload[key].(string)
	return strings.TrimSpace(value)
}
