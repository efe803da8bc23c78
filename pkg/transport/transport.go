// Package transport defines the messaging contract the saga runtime consumes.
//
// A Transport moves opaque envelopes between processes. The runtime only
// assumes at-least-once delivery: a handler returning nil acknowledges the
// message, a handler returning an error rejects it and the transport's
// redelivery policy applies.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDelayUnsupported is returned by Publish when a delay was requested but
// the transport has no native delayed-delivery support.
var ErrDelayUnsupported = errors.New("transport: delayed publish not supported")

// Envelope is the unit crossing the transport boundary. Envelopes are
// immutable after publication; the runtime never mutates a delivered one.
type Envelope struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	PartitionKey string            `json:"partition_key,omitempty"`
}

// NewEnvelope builds an envelope with generated identity and the current
// wall-clock publish time. The payload is marshalled to JSON.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, fmt.Errorf("transport: message type is required")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: marshal payload: %w", err)
		}
		raw = data
	}

	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Header returns the named header, or "" when unset.
func (e Envelope) Header(key string) string {
	return e.Headers[key]
}

// Bind unmarshals the envelope payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("transport: envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("transport: unmarshal payload of %s: %w", e.ID, err)
	}
	return nil
}

// Handler consumes one delivered envelope. Returning nil acknowledges the
// delivery; returning an error rejects it.
type Handler func(ctx context.Context, env Envelope) error

// SubscribeOptions configures an inbound subscription.
type SubscribeOptions struct {
	// Endpoint is the routing key / topic / queue to consume from.
	Endpoint string
	// Group is the consumer group; subscribers sharing a group split the
	// stream, distinct groups each receive every message.
	Group string
	// Concurrency is a hint for the number of parallel deliveries the
	// subscriber is willing to process. Zero means transport default.
	Concurrency int
}

// PublishOptions configures an outbound publish.
type PublishOptions struct {
	// Endpoint is the destination routing key / topic / queue.
	Endpoint string
	// PartitionKey is an ordering hint for FIFO-style transports.
	PartitionKey string
	// Delay defers delivery. Transports without native support return
	// ErrDelayUnsupported; callers probe with the DelayCapable interface.
	Delay time.Duration
	// Headers are merged over the envelope headers at publish time.
	Headers map[string]string
}

// Transport is the broker abstraction the bus runs on.
type Transport interface {
	// Start and Stop are idempotent lifecycle hooks.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Subscribe registers a handler for inbound envelopes on an endpoint.
	Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) error

	// Publish sends an envelope to an endpoint.
	Publish(ctx context.Context, env Envelope, opts PublishOptions) error
}

// DelayCapable is implemented by transports with native delayed delivery.
type DelayCapable interface {
	SupportsDelay() bool
}

// SupportsDelay reports whether t can honor PublishOptions.Delay natively.
func SupportsDelay(t Transport) bool {
	if d, ok := t.(DelayCapable); ok {
		return d.SupportsDelay()
	}
	return false
}
