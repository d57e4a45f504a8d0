// Package sched implements per-core thread scheduling.
//
// Each core owns one FIFO run queue per priority level with round-robin
// inside a level, preempted by quantum expiry. Time is virtual: nothing
// moves until Tick is called, so preemption and deadline handling are
// deterministic under test.
//
// The scheduler owns every thread state transition. Blocking is always
// an explicit transition back into the scheduler with a cancellation
// hook; the kernel never parks a call stack. Priority is donated across
// call chains: a client blocked awaiting a reply lends its effective
// priority to the server thread until the reply lands, which keeps a
// low-priority client's call from starving behind unrelated work queued
// at the server. Donation changes who runs next, never who pairs next
// on an endpoint.
package sched
