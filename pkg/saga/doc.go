// Package saga implements a message-correlated saga orchestration runtime.
//
// A saga is a long-lived, message-driven state machine. Definitions are
// built with the generic Builder (New), declaring how inbound messages
// correlate to instances, the initial state of a new instance and the
// handlers that advance it. The Bus subscribes one transport endpoint per
// definition and drives deliveries through a middleware pipeline into the
// orchestrator, which loads the instance under a per-correlation lock,
// invokes the handler and commits the new state with optimistic concurrency.
// Side effects requested by handlers (outbound messages, timeouts,
// completion) are buffered on the Context and dispatched only after the
// commit succeeds, giving at-least-once effect semantics on top of any
// at-least-once transport.
package saga
