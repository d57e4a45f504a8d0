// Package object implements the kernel object registry.
//
// The registry is a fixed-capacity table of typed kernel objects:
// endpoints, memory regions, threads, notifications, and untyped memory.
// Objects are addressed by small integer ids; capabilities store ids and
// a generation counter, never pointers, so revocation is a single
// generation bump that invalidates every outstanding capability without
// visiting any of them.
//
// Allocation is never hidden. Every object is carved out of a
// caller-supplied untyped memory region by Retype, which charges the
// object's footprint against that region; when an object's reference
// count reaches zero its storage returns to the free pool of the region
// it came from. Kernel memory use is therefore bounded by, and
// attributable to, explicit untyped grants.
package object
