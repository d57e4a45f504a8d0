// Package id provides centralized ID generation for the control plane.
//
// Kernel objects, threads, and processes use small integer ids allocated
// by the registry; those never come from here. This package covers the
// operational surface around the kernel, where ids must be unique across
// restarts and readable in logs:
//   - Trace and span ids for the syscall tracer
//   - WebSocket connection ids for the event trace
//   - Boot ids identifying one kernel instance
//
// IDs are prefixed ULIDs (trace_*, span_*, conn_*, boot_*): lexicographic
// sortability gives timeline ordering for free, and the prefix makes a
// bare id in a log line self-describing.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TraceID identifies one syscall trace across the three-layer path.
type TraceID string

// SpanID identifies a single operation within a trace.
type SpanID string

// ConnID identifies a WebSocket event-trace connection.
type ConnID string

// BootID identifies one boot of the kernel instance.
type BootID string

const (
	TracePrefix = "trace"
	SpanPrefix  = "span"
	ConnPrefix  = "conn"
	BootPrefix  = "boot"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy
// source, useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewTraceID generates a new trace ID.
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(TracePrefix))
}

// NewSpanID generates a new span ID.
func NewSpanID() SpanID {
	return SpanID(Default().GenerateWithPrefix(SpanPrefix))
}

// NewConnID generates a new connection ID.
func NewConnID() ConnID {
	return ConnID(Default().GenerateWithPrefix(ConnPrefix))
}

// NewBootID generates a new boot ID.
func NewBootID() BootID {
	return BootID(Default().GenerateWithPrefix(BootPrefix))
}

func (id TraceID) String() string { return string(id) }
func (id SpanID) String() string  { return string(id) }
func (id ConnID) String() string  { return string(id) }
func (id BootID) String() string  { return string(id) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string.
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}
