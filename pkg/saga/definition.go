package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sagabus/sagabus/pkg/transport"
)

const (
	// TypeWildcard matches any message type in a correlation rule. Wildcard
	// rules are consulted like any other; register them last.
	TypeWildcard = "*"

	// TypeTimeoutExpired is the synthetic message type the scheduler publishes
	// when a saga's timeout deadline elapses.
	TypeTimeoutExpired = "SagaTimeoutExpired"
)

// TimeoutExpired is the payload of TypeTimeoutExpired envelopes.
type TimeoutExpired struct {
	SagaName      string    `json:"sagaName"`
	CorrelationID string    `json:"correlationId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

// Extractor derives the correlation id from an envelope. Returning "" means
// the rule does not match this envelope.
type Extractor func(env transport.Envelope) string

// CorrelationRule maps envelopes of one message type (or any type, for the
// wildcard) to a correlation id. CanStart authorizes new-instance creation.
type CorrelationRule struct {
	MessageType string
	Extract     Extractor
	CanStart    bool
}

// rawGuard and rawHandler are the type-erased forms the compiled definition
// stores; the generic builder wraps typed user functions into them.
type rawGuard func(state json.RawMessage) (bool, error)

type rawHandler func(ctx context.Context, sc *Context, state json.RawMessage) (json.RawMessage, error)

type handlerEntry struct {
	guard  rawGuard
	handle rawHandler
}

type rawFactory func(env transport.Envelope) (json.RawMessage, error)

// Definition is a compiled, immutable saga definition. Build one with the
// generic Builder; the runtime consumes only this structure.
type Definition struct {
	name     string
	endpoint string
	rules    []CorrelationRule
	initial  rawFactory
	handlers map[string][]handlerEntry
}

// Name returns the saga name, unique across the bus.
func (d *Definition) Name() string { return d.name }

// Endpoint returns the inbound endpoint the bus subscribes for this saga.
func (d *Definition) Endpoint() string { return d.endpoint }

// HandledTypes returns the message types with at least one handler.
func (d *Definition) HandledTypes() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// HandlesType reports whether the definition has a handler for the type.
func (d *Definition) HandlesType(msgType string) bool {
	return len(d.handlers[msgType]) > 0
}

// correlate evaluates the correlation rules in registration order. The first
// rule whose type matches and whose extractor yields a non-empty string wins.
func (d *Definition) correlate(env transport.Envelope) (correlationID string, canStart, ok bool) {
	for _, rule := range d.rules {
		if rule.MessageType != TypeWildcard && rule.MessageType != env.Type {
			continue
		}
		if id := rule.Extract(env); id != "" {
			return id, rule.CanStart, true
		}
	}
	return "", false, false
}

// selectHandler picks the first handler for the type whose guard passes.
func (d *Definition) selectHandler(msgType string, state json.RawMessage) (rawHandler, bool, error) {
	for _, entry := range d.handlers[msgType] {
		if entry.guard != nil {
			pass, err := entry.guard(state)
			if err != nil {
				return nil, false, err
			}
			if !pass {
				continue
			}
		}
		return entry.handle, true, nil
	}
	return nil, false, nil
}

// newInitialState runs the initial-state factory for a starting envelope.
func (d *Definition) newInitialState(env transport.Envelope) (json.RawMessage, error) {
	return d.initial(env)
}

func (d *Definition) validate() error {
	if d.name == "" {
		return definitionErr(d.name, "name must not be empty")
	}
	if d.endpoint == "" {
		return definitionErr(d.name, "endpoint must not be empty")
	}
	if len(d.rules) == 0 {
		return definitionErr(d.name, "at least one correlation rule is required")
	}
	hasStarter := false
	for _, rule := range d.rules {
		if rule.Extract == nil {
			return definitionErr(d.name, "correlation rule for %q has no extractor", rule.MessageType)
		}
		if rule.CanStart {
			hasStarter = true
		}
	}
	if !hasStarter {
		return definitionErr(d.name, "at least one correlation rule must allow starting")
	}
	if d.initial == nil {
		return definitionErr(d.name, "initial state factory is required")
	}
	if len(d.handlers) == 0 {
		return definitionErr(d.name, "at least one handler is required")
	}
	return nil
}

// timeoutCorrelation extracts the correlation id from a TimeoutExpired
// payload. The builder prepends a rule using it whenever a timeout handler is
// registered without an explicit rule for TypeTimeoutExpired.
func timeoutCorrelation(env transport.Envelope) string {
	var payload TimeoutExpired
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return ""
	}
	return payload.CorrelationID
}
