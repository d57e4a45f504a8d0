// Package ipc implements the synchronous rendezvous engine.
//
// Endpoints hold either waiting senders or waiting receivers, never
// both: pairing always drains one side before the other can grow, which
// is what makes the endpoint state machine three states (idle, senders
// waiting, receivers waiting) instead of a buffer.
//
// A rendezvous copies the fixed inline words, transfers the listed
// capability slots (re-checked against the registry at pairing time,
// moved or copied with narrowed rights), and hands the receiver a
// single-use reply capability when the sender used call semantics. All
// blocking is delegated to the scheduler as explicit state transitions;
// the engine never holds an endpoint lock across a scheduler call, and
// cancellation hooks invoked by the scheduler touch only endpoint and
// engine state, so the two lock domains never wait on each other.
package ipc
