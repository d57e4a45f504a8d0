// Package process manages process lifecycle on top of the kernel core.
//
// A process owns one capability table, a set of threads, and an address
// space of mapped memory regions. Spawning resolves an image in the
// boot store, carves the initial thread and image region out of the
// caller-supplied untyped memory, and seeds the fresh capability table:
// slot 0 holds the parent notification endpoint, slot 1 the service
// endpoint the image exports (if any), and further slots whatever the
// image's grants declare.
//
// The manager is also the engine's capability table resolver: every
// thread maps to its process's table.
package process
