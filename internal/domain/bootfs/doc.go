// Package bootfs provides the boot-time read-only image store.
//
// The store is loaded once at boot from a directory containing a YAML
// manifest plus gzip-compressed image blobs. The manifest declares every
// spawnable image: its name, initial thread priority, how much untyped
// memory a spawn must supply, the capability grants to seed into the
// fresh process's table, and the delegated-syscall routing classes those
// grants serve.
//
// Components:
//   - Store: resolves image names for process_spawn
//   - Image: one manifest entry with its declared grants
//
// The store never changes after Load; spawn-time lookups are lock-free
// reads.
package bootfs
