package types

import "fmt"

// Fatalf reports an internal consistency violation: corrupted pool
// metadata, an impossible state-machine transition, and the like. These
// are not part of the recoverable taxonomy; the core has no lower layer
// to recover into, so it halts.
func Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf("kernel: "+format, args...))
}
