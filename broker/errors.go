package broker

import (
	"context"
	"errors"
	"net"

	"github.com/nats-io/nats.go"
)

// Retryable reports whether a publish/fetch error is a transient
// transport failure worth retrying: timeouts, connection errors,
// no-servers and stale connections. Everything else (permissions,
// bad subjects, server-rejected acks) is final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrStaleConnection),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Timeout reports whether the error is specifically a timeout, for
// result classification.
func Timeout(err error) bool {
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Recoverable reports 404-class JetStream errors: the stream or
// consumer is gone and topology should be re-ensured before the next
// attempt.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, nats.ErrStreamNotFound),
		errors.Is(err, nats.ErrConsumerNotFound),
		errors.Is(err, nats.ErrNoResponders):
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case nats.JSErrCodeStreamNotFound, nats.JSErrCodeConsumerNotFound:
			return true
		}
	}
	return false
}
