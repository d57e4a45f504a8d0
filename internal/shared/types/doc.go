// Package types defines the core value types shared across the kernel.
//
// Everything here is a plain value: object ids, generations, rights masks,
// capabilities, message envelopes, and the kernel error taxonomy. Kernel
// packages exchange these values instead of pointers into each other's
// state, which keeps the dependency graph flat and makes capabilities
// harmless to copy: a capability is just an (id, generation, rights)
// triple whose validity is checked against the object registry at use time.
package types
