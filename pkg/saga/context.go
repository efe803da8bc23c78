package saga

import (
	"fmt"
	"time"

	"github.com/sagabus/sagabus/pkg/transport"
)

// timeoutOp is the pending timeout mutation buffered on a Context. Only the
// last SetTimeout/ClearTimeout before commit takes effect.
type timeoutOp int

const (
	timeoutNone timeoutOp = iota
	timeoutSet
	timeoutClear
)

// publishEffect is one buffered outbound message.
type publishEffect struct {
	env  transport.Envelope
	opts transport.PublishOptions
}

// PublishOption customizes one buffered publish.
type PublishOption func(*transport.PublishOptions)

// WithEndpoint routes the published message to an explicit endpoint instead of
// the bus default.
func WithEndpoint(endpoint string) PublishOption {
	return func(opts *transport.PublishOptions) {
		opts.Endpoint = endpoint
	}
}

// WithPartitionKey overrides the ordering key. It defaults to the saga's
// correlation id so messages of one instance stay ordered on FIFO transports.
func WithPartitionKey(key string) PublishOption {
	return func(opts *transport.PublishOptions) {
		opts.PartitionKey = key
	}
}

// WithHeader sets a header on the published envelope.
func WithHeader(key, value string) PublishOption {
	return func(opts *transport.PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers[key] = value
	}
}

// Context is the per-invocation handle passed to saga handlers. Every
// operation buffers an effect; nothing leaves the process until the new state
// commits. A Context is not safe for use after the handler returns.
type Context struct {
	sagaName      string
	sagaID        string
	correlationID string
	envelope      transport.Envelope

	defaultEndpoint string
	now             time.Time
	loadedTimeoutAt *time.Time

	effects           []publishEffect
	completeRequested bool
	timeoutOp         timeoutOp
	timeoutAt         time.Time

	metadata map[string]string
}

func newContext(sagaName, sagaID, correlationID string, env transport.Envelope, defaultEndpoint string, now time.Time, loadedTimeoutAt *time.Time, metadata map[string]string) *Context {
	return &Context{
		sagaName:        sagaName,
		sagaID:          sagaID,
		correlationID:   correlationID,
		envelope:        env,
		defaultEndpoint: defaultEndpoint,
		now:             now,
		loadedTimeoutAt: loadedTimeoutAt,
		metadata:        metadata,
	}
}

// SagaName returns the definition name of the running saga.
func (c *Context) SagaName() string { return c.sagaName }

// SagaID returns the unique instance id.
func (c *Context) SagaID() string { return c.sagaID }

// CorrelationID returns the correlation id that routed the message here.
func (c *Context) CorrelationID() string { return c.correlationID }

// Envelope returns the message being handled.
func (c *Context) Envelope() transport.Envelope { return c.envelope }

// Bind unmarshals the current message payload into v.
func (c *Context) Bind(v any) error {
	return c.envelope.Bind(v)
}

// Publish buffers an outbound message. It is dispatched after the state
// commits; if the commit fails the buffer is discarded.
func (c *Context) Publish(msgType string, payload any, opts ...PublishOption) error {
	return c.publish(msgType, payload, 0, opts...)
}

// Schedule buffers a delayed outbound message. Transports without native
// delay support are bridged through the bus scheduler.
func (c *Context) Schedule(msgType string, payload any, delay time.Duration, opts ...PublishOption) error {
	if delay < 0 {
		return fmt.Errorf("saga: schedule delay must not be negative")
	}
	return c.publish(msgType, payload, delay, opts...)
}

func (c *Context) publish(msgType string, payload any, delay time.Duration, opts ...PublishOption) error {
	env, err := transport.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	po := transport.PublishOptions{
		Endpoint:     c.defaultEndpoint,
		PartitionKey: c.correlationID,
		Delay:        delay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&po)
		}
	}
	if po.Endpoint == "" {
		return fmt.Errorf("saga: publish of %s has no endpoint; set a bus default or use WithEndpoint", msgType)
	}

	c.effects = append(c.effects, publishEffect{env: env, opts: po})
	return nil
}

// Complete marks the instance finished. The final state is still persisted
// and its correlation mapping is released for reuse.
func (c *Context) Complete() {
	c.completeRequested = true
}

// SetTimeout arms (or re-arms) the instance timeout relative to now. A later
// SetTimeout or ClearTimeout in the same invocation replaces it.
func (c *Context) SetTimeout(d time.Duration) {
	c.timeoutOp = timeoutSet
	c.timeoutAt = c.now.Add(d)
}

// ClearTimeout disarms any pending timeout.
func (c *Context) ClearTimeout() {
	c.timeoutOp = timeoutClear
}

// TimeoutRemaining returns the time left on the pending timeout as of this
// invocation, accounting for buffered SetTimeout/ClearTimeout calls. The
// second result is false when no timeout is armed.
func (c *Context) TimeoutRemaining() (time.Duration, bool) {
	switch c.timeoutOp {
	case timeoutSet:
		return c.timeoutAt.Sub(c.now), true
	case timeoutClear:
		return 0, false
	}
	if c.loadedTimeoutAt == nil {
		return 0, false
	}
	return c.loadedTimeoutAt.Sub(c.now), true
}

// SetMetadata annotates the persisted record. Metadata survives across
// invocations and is visible to middleware.
func (c *Context) SetMetadata(key, value string) {
	if c.metadata == nil {
		c.metadata = make(map[string]string)
	}
	c.metadata[key] = value
}

// Metadata returns the annotation for key, or "" when unset.
func (c *Context) Metadata(key string) string {
	return c.metadata[key]
}
