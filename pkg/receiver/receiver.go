package receiver

import (
	"context"
	"errors"

	"boltgate/pkg/ack"
	"boltgate/pkg/metrics"
	"boltgate/pkg/middleware"
)

// ErrAlreadyRunning is returned when Run is called on a receiver that is
// already serving.
var ErrAlreadyRunning = errors.New("receiver is already running")

// Processor is the application entry point every receiver hands events to.
type Processor interface {
	ProcessEvent(ctx context.Context, event *Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, event *Event) error

func (f ProcessorFunc) ProcessEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Receiver bridges one wire protocol into canonical events.
type Receiver interface {
	Name() string
	Run(ctx context.Context, processor Processor) error
}

// IsContractViolation reports whether err comes from a handler breaking the
// exactly-once rules for acknowledgment or continuation.
func IsContractViolation(err error) bool {
	return errors.Is(err, ack.ErrMultipleAcknowledgment) || errors.Is(err, middleware.ErrDoubleInvocation)
}

// Outcome classifies how processing of one event ended.
func Outcome(err error, acknowledged bool) string {
	switch {
	case err != nil && IsContractViolation(err):
		return metrics.OutcomeContractViolation
	case err != nil:
		return metrics.OutcomeFailed
	case acknowledged:
		return metrics.OutcomeAcknowledged
	default:
		return metrics.OutcomeUnacknowledged
	}
}
