package consume

import (
	"errors"
	"fmt"

	"github.com/baechuer/jetbus/event"
	"github.com/baechuer/jetbus/subject"
)

// Decision is what the error policy tells the worker to do with a
// failed delivery.
type Decision int

const (
	// DecisionRetry naks the delivery with the next backoff step.
	DecisionRetry Decision = iota + 1
	// DecisionDiscard acks and drops the delivery.
	DecisionDiscard
	// DecisionDLQ publishes the envelope to the dead-letter subject and
	// terminates the delivery.
	DecisionDLQ
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDiscard:
		return "discard"
	case DecisionDLQ:
		return "dlq"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func (d Decision) valid() bool {
	return d == DecisionRetry || d == DecisionDiscard || d == DecisionDLQ
}

// ErrorClass buckets handler errors for the default policy and the DLQ
// annotation.
type ErrorClass string

const (
	ClassMalformed     ErrorClass = "malformed"
	ClassUnrecoverable ErrorClass = "unrecoverable"
	ClassTransient     ErrorClass = "transient"
)

// UnrecoverableError marks a handler failure that retrying cannot fix.
// The worker sends the message straight to the DLQ.
type UnrecoverableError struct {
	Err error
}

// Unrecoverable wraps err so the policy terminates the delivery
// immediately instead of retrying.
func Unrecoverable(err error) *UnrecoverableError {
	return &UnrecoverableError{Err: err}
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// ErrorContext is handed to a subscriber's error-policy hook.
type ErrorContext struct {
	Err         error
	Envelope    *event.Envelope
	Context     event.MessageContext
	Attempt     int
	MaxAttempts int
}

// Classify buckets an error: envelope and subject validation failures
// are malformed, explicit UnrecoverableError wrappers are
// unrecoverable, everything else is assumed transient.
func Classify(err error) ErrorClass {
	var unrec *UnrecoverableError
	if errors.As(err, &unrec) {
		return ClassUnrecoverable
	}
	var envErr *event.InvalidEnvelopeError
	if errors.As(err, &envErr) {
		return ClassMalformed
	}
	var subjErr *subject.InvalidSubjectError
	if errors.As(err, &subjErr) {
		return ClassMalformed
	}
	return ClassTransient
}

// DefaultDecision maps a class to the stock policy. A transient error
// whose attempt count has reached the cap goes to the DLQ.
func DefaultDecision(class ErrorClass, attempt, maxAttempts int) Decision {
	switch class {
	case ClassMalformed:
		return DecisionDiscard
	case ClassUnrecoverable:
		return DecisionDLQ
	default:
		if attempt >= maxAttempts {
			return DecisionDLQ
		}
		return DecisionRetry
	}
}
