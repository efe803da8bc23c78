package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagabus/sagabus/pkg/transport"
)

// Handler is a typed state transition. It receives the current state value
// and returns the replacement; side effects go through the Context and are
// dispatched only after the new state commits.
type Handler[S any] func(ctx context.Context, sc *Context, state S) (S, error)

// Guard gates a handler on the current state. Handlers are consulted in
// registration order; the first whose guard passes (or that has no guard)
// runs.
type Guard[S any] func(state S) bool

// HandleOption customizes one handler registration.
type HandleOption[S any] func(*handleConfig[S])

type handleConfig[S any] struct {
	guard Guard[S]
}

// When attaches a state guard to a handler registration.
func When[S any](guard Guard[S]) HandleOption[S] {
	return func(cfg *handleConfig[S]) {
		cfg.guard = guard
	}
}

// Builder incrementally constructs a Definition for sagas with state type S.
// Errors are collected and reported by Build.
type Builder[S any] struct {
	def  *Definition
	errs []error
}

// New creates a definition builder. The inbound endpoint defaults to
// "saga.<name>".
func New[S any](name string) *Builder[S] {
	return &Builder[S]{
		def: &Definition{
			name:     name,
			endpoint: "saga." + name,
			handlers: make(map[string][]handlerEntry),
		},
	}
}

// Endpoint overrides the inbound endpoint the bus subscribes for this saga.
func (b *Builder[S]) Endpoint(endpoint string) *Builder[S] {
	if endpoint == "" {
		b.errs = append(b.errs, definitionErr(b.def.name, "endpoint must not be empty"))
		return b
	}
	b.def.endpoint = endpoint
	return b
}

// StartOn registers a correlation rule that may create a new instance.
func (b *Builder[S]) StartOn(msgType string, extract Extractor) *Builder[S] {
	return b.rule(msgType, extract, true)
}

// CorrelateOn registers a correlation rule for follow-up messages of one type.
func (b *Builder[S]) CorrelateOn(msgType string, extract Extractor) *Builder[S] {
	return b.rule(msgType, extract, false)
}

// CorrelateAll registers the wildcard correlation rule. It matches any
// message type and is typically registered last.
func (b *Builder[S]) CorrelateAll(extract Extractor) *Builder[S] {
	return b.rule(TypeWildcard, extract, false)
}

func (b *Builder[S]) rule(msgType string, extract Extractor, canStart bool) *Builder[S] {
	if msgType == "" {
		b.errs = append(b.errs, definitionErr(b.def.name, "correlation rule message type must not be empty"))
		return b
	}
	if extract == nil {
		b.errs = append(b.errs, definitionErr(b.def.name, "correlation rule for %q has no extractor", msgType))
		return b
	}
	b.def.rules = append(b.def.rules, CorrelationRule{MessageType: msgType, Extract: extract, CanStart: canStart})
	return b
}

// Init registers the initial-state factory, invoked exactly once per new
// instance before the starting message's handler runs.
func (b *Builder[S]) Init(factory func(env transport.Envelope) (S, error)) *Builder[S] {
	if factory == nil {
		b.errs = append(b.errs, definitionErr(b.def.name, "initial state factory must not be nil"))
		return b
	}
	b.def.initial = func(env transport.Envelope) (json.RawMessage, error) {
		state, err := factory(env)
		if err != nil {
			return nil, err
		}
		return encodeState(state)
	}
	return b
}

// Handle registers a handler for one message type. Multiple handlers per type
// are evaluated in registration order.
func (b *Builder[S]) Handle(msgType string, handler Handler[S], opts ...HandleOption[S]) *Builder[S] {
	if msgType == "" {
		b.errs = append(b.errs, definitionErr(b.def.name, "handler message type must not be empty"))
		return b
	}
	if handler == nil {
		b.errs = append(b.errs, definitionErr(b.def.name, "handler for %q must not be nil", msgType))
		return b
	}

	var cfg handleConfig[S]
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	entry := handlerEntry{handle: wrapHandler(handler)}
	if cfg.guard != nil {
		entry.guard = wrapGuard(cfg.guard)
	}
	b.def.handlers[msgType] = append(b.def.handlers[msgType], entry)
	return b
}

// HandleTimeout registers a handler for the synthetic timeout message. If no
// explicit correlation rule for TypeTimeoutExpired exists at Build time, one
// extracting the correlation id from the timeout payload is prepended.
func (b *Builder[S]) HandleTimeout(handler Handler[S], opts ...HandleOption[S]) *Builder[S] {
	return b.Handle(TypeTimeoutExpired, handler, opts...)
}

// Build validates and returns the compiled definition.
func (b *Builder[S]) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	if b.def.HandlesType(TypeTimeoutExpired) && !b.hasRuleFor(TypeTimeoutExpired) {
		intrinsic := CorrelationRule{MessageType: TypeTimeoutExpired, Extract: timeoutCorrelation}
		b.def.rules = append([]CorrelationRule{intrinsic}, b.def.rules...)
	}

	if err := b.def.validate(); err != nil {
		return nil, err
	}
	return b.def, nil
}

func (b *Builder[S]) hasRuleFor(msgType string) bool {
	for _, rule := range b.def.rules {
		if rule.MessageType == msgType {
			return true
		}
	}
	return false
}

func wrapHandler[S any](handler Handler[S]) rawHandler {
	return func(ctx context.Context, sc *Context, raw json.RawMessage) (json.RawMessage, error) {
		state, err := decodeState[S](raw)
		if err != nil {
			return nil, err
		}
		next, err := handler(ctx, sc, state)
		if err != nil {
			return nil, err
		}
		return encodeState(next)
	}
}

func wrapGuard[S any](guard Guard[S]) rawGuard {
	return func(raw json.RawMessage) (bool, error) {
		state, err := decodeState[S](raw)
		if err != nil {
			return false, err
		}
		return guard(state), nil
	}
}

func decodeState[S any](raw json.RawMessage) (S, error) {
	var state S
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("saga: decode state: %w", err)
	}
	return state, nil
}

func encodeState[S any](state S) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("saga: encode state: %w", err)
	}
	return data, nil
}
