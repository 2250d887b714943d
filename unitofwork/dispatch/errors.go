package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrWriterRequired    = errors.New("outbox writer is required")
	ErrPublisherRequired = errors.New("event publisher is required")
	ErrNoSQLTransaction  = errors.New("no sql transaction available for outbox write")
	ErrStrategyInvalid   = errors.New("invalid dispatch strategy")
)

// EnvelopeFailure records one envelope the fallback path could not persist.
type EnvelopeFailure struct {
	EnvelopeID uuid.UUID
	EventName  string
	Err        error
}

// FallbackError aggregates envelopes that were neither published nor written
// to the outbox after the owning transaction committed. The business mutation
// is durable; these events are at risk of being lost and need operator
// attention.
type FallbackError struct {
	Failures []EnvelopeFailure
}

func (e *FallbackError) Error() string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "event dispatch fallback failed for %d envelope(s); business data committed but these events may be lost:", len(e.Failures))

	for _, failure := range e.Failures {
		fmt.Fprintf(&builder, " [%s %s: %v]", failure.EnvelopeID, failure.EventName, failure.Err)
	}

	return builder.String()
}

// Unwrap exposes the individual failure causes to errors.Is and errors.As.
func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}

	return errs
}
