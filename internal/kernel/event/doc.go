// Package event carries the kernel's observable state transitions.
//
// The core emits an Event for every externally meaningful transition:
// context switches, thread state changes, IPC pairings and timeouts,
// retypes, revocations, and lifecycle operations. Consumers (the metrics
// recorder and the WebSocket event trace) subscribe through a Hub.
//
// Emission is fire-and-forget and never blocks a kernel path: a slow
// subscriber loses events rather than stalling the scheduler.
package event
