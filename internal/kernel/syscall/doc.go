// Package syscall dispatches traps into the kernel.
//
// Every trap carries a syscall number. Numbers in the direct range are
// executed inline against the registry, the caller's capability table,
// the IPC engine, or the scheduler. Numbers in the delegated range are
// never interpreted here: the dispatcher packages the trap into a
// message and issues a call on the routing endpoint the caller's
// process was seeded with for that class. The owning service does the
// work and replies.
package syscall
