// Package broker defines the queue-broker contract the router consumes.
//
// A Broker is a thin poll-based wrapper around whatever durable queue backs
// deployment (SQS, an embedded NATS JetStream stream, or anything else): the
// router owns the poll loop and calls Poll/Ack/Nack/ExtendVisibility instead
// of handing the broker a push callback. This keeps backoff, batching, and
// shutdown draining entirely inside internal/consumer rather than split
// across each broker implementation.
package broker

import (
	"context"
	"time"
)

// Delivery is a single message handed back from a Poll call.
type Delivery struct {
	// Receipt identifies this delivery for Ack/Nack/ExtendVisibility.
	Receipt Receipt

	// MessageID is the broker's own identifier for the underlying message,
	// used for visibility-timeout-redelivery deduplication. It is stable
	// across redeliveries of the same unconsumed message; AppID (carried
	// in the payload) is stable across broker-level requeues.
	MessageID string

	// MessageGroupID groups deliveries that must be processed in order.
	// Empty means ungrouped.
	MessageGroupID string

	// Body is the raw message payload (a JSON-encoded MessagePointer).
	Body []byte
}

// Receipt is an opaque broker-specific handle returned with each Delivery.
// Callers must not inspect its contents; they pass it back to Ack, Nack, or
// ExtendVisibility.
type Receipt struct {
	opaque any
}

// NewReceipt wraps a broker-specific handle. Broker implementations call
// this; router code never constructs a Receipt itself.
func NewReceipt(v any) Receipt {
	return Receipt{opaque: v}
}

// Unwrap returns the broker-specific handle a Receipt was built from. Only
// the broker implementation that created the Receipt should call Unwrap.
func (r Receipt) Unwrap() any {
	return r.opaque
}

// Broker is the external contract the router dispatches against. It is
// implemented by internal/broker/sqs and internal/broker/embeddednats; any
// durable queue with at-least-once delivery and a visibility/ack-deadline
// concept can back it.
type Broker interface {
	// Poll retrieves up to maxMessages deliveries, long-polling for up to
	// waitTime if none are immediately available. An empty, nil-error
	// result means the wait elapsed with nothing to deliver.
	Poll(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Delivery, error)

	// Ack permanently removes the message the receipt refers to.
	Ack(ctx context.Context, receipt Receipt) error

	// Nack makes the message visible again after delay. A delay of zero
	// uses the broker's default visibility/redelivery window.
	Nack(ctx context.Context, receipt Receipt, delay time.Duration) error

	// ExtendVisibility pushes out the redelivery deadline by extension,
	// used by the visibility extender to keep a long-running dispatch
	// from being redelivered mid-flight.
	ExtendVisibility(ctx context.Context, receipt Receipt, extension time.Duration) error

	// HealthCheck reports whether the broker connection is currently usable.
	HealthCheck(ctx context.Context) error
}
