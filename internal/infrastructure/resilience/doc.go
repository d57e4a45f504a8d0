/*
Package resilience guards the delegated-syscall path with per-class
circuit breakers.

A delegated syscall is a Call into a userspace service. When a service
keeps timing out or aborting, further calls into its class fail fast
with ErrCircuitOpen instead of parking more threads on a dead endpoint.

# States

	Closed --[failures]-> Open --[cooldown]-> Half-Open --[success]-> Closed
	                                              |
	                                          [failure] -> Open

# Usage

	set := resilience.NewSet(resilience.Settings{FailureThreshold: 5})
	br := set.ForClass("file")
	if err := br.Allow(); err != nil {
		// fail fast
	}
	err := doCall()
	br.Record(err)
*/
package resilience
