// Package consume runs the worker pool that pulls messages from the
// durable consumers and routes them to registered subscribers, with the
// retry/discard/DLQ policy applied to failures.
package consume

import (
	"context"

	"github.com/baechuer/jetbus/event"
)

// Subscriber handles messages matching the patterns it registered for.
// Implementations must be safe for concurrent Handle calls.
type Subscriber interface {
	// ID names the subscriber. It keys the inbox dedup fence, so two
	// subscribers sharing an ID share processed-state.
	ID() string
	Handle(ctx context.Context, env *event.Envelope, mctx event.MessageContext) error
}

// ErrorPolicy is an optional hook a Subscriber may implement to
// override the default failure handling. A returned value outside
// {retry, discard, dlq} is logged and replaced by the default.
type ErrorPolicy interface {
	OnError(ectx ErrorContext) Decision
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	Name string
	Fn   func(ctx context.Context, env *event.Envelope, mctx event.MessageContext) error
}

func (s SubscriberFunc) ID() string { return s.Name }

func (s SubscriberFunc) Handle(ctx context.Context, env *event.Envelope, mctx event.MessageContext) error {
	return s.Fn(ctx, env, mctx)
}
