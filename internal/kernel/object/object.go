package object

import (
	"sync"

	"github.com/meridian-os/meridian/internal/shared/types"
)

// Kind tags the variant stored in a registry slot. Dispatch over kinds
// is an exhaustive switch, not an interface, so the hot paths stay
// auditable and branch-predictable.
type Kind uint8

const (
	KindNone Kind = iota
	KindEndpoint
	KindMemoryRegion
	KindThread
	KindNotification
	KindUntyped
)

// String returns the lowercase kind name used in logs and the API.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEndpoint:
		return "endpoint"
	case KindMemoryRegion:
		return "memory_region"
	case KindThread:
		return "thread"
	case KindNotification:
		return "notification"
	case KindUntyped:
		return "untyped"
	default:
		return "unknown"
	}
}

// Fixed footprints charged against untyped memory per kind. Region and
// untyped footprints are caller-sized; these cover the fixed kinds.
const (
	FootprintEndpoint     = 64
	FootprintNotification = 32
	FootprintThread       = 512

	// MinAlign is the allocation granule inside an untyped region.
	MinAlign = 16
	// RegionAlign is the required granularity of memory regions and
	// untyped sub-regions.
	RegionAlign = 4096
)

// Endpoint is a synchronous rendezvous channel. At most one of the two
// queues is ever non-empty: pairing always drains one side before the
// other can grow.
type Endpoint struct {
	mu        sync.Mutex
	senders   []types.ThreadID
	receivers []types.ThreadID
}

// Lock/Unlock guard the endpoint's queues. Callers hold the lock only
// across bounded queue edits, never across a state transition that could
// itself wait.
func (e *Endpoint) Lock()   { e.mu.Lock() }
func (e *Endpoint) Unlock() { e.mu.Unlock() }

// Senders returns the sender queue. Caller must hold the lock.
func (e *Endpoint) Senders() []types.ThreadID { return e.senders }

// Receivers returns the receiver queue. Caller must hold the lock.
func (e *Endpoint) Receivers() []types.ThreadID { return e.receivers }

// PushSender appends tid to the sender queue. Caller must hold the lock.
func (e *Endpoint) PushSender(tid types.ThreadID) {
	if len(e.receivers) != 0 {
		types.Fatalf("endpoint: enqueue sender while receivers wait")
	}
	e.senders = append(e.senders, tid)
}

// PushReceiver appends tid to the receiver queue. Caller must hold the lock.
func (e *Endpoint) PushReceiver(tid types.ThreadID) {
	if len(e.senders) != 0 {
		types.Fatalf("endpoint: enqueue receiver while senders wait")
	}
	e.receivers = append(e.receivers, tid)
}

// PopSender removes and returns the head sender. Caller must hold the lock.
func (e *Endpoint) PopSender() (types.ThreadID, bool) {
	if len(e.senders) == 0 {
		return 0, false
	}
	tid := e.senders[0]
	e.senders = e.senders[1:]
	return tid, true
}

// PopReceiver removes and returns the head receiver. Caller must hold the lock.
func (e *Endpoint) PopReceiver() (types.ThreadID, bool) {
	if len(e.receivers) == 0 {
		return 0, false
	}
	tid := e.receivers[0]
	e.receivers = e.receivers[1:]
	return tid, true
}

// Remove deletes tid from whichever queue holds it, preserving FIFO
// order of the rest. Caller must hold the lock.
func (e *Endpoint) Remove(tid types.ThreadID) bool {
	for i, q := range e.senders {
		if q == tid {
			e.senders = append(e.senders[:i], e.senders[i+1:]...)
			return true
		}
	}
	for i, q := range e.receivers {
		if q == tid {
			e.receivers = append(e.receivers[:i], e.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Notification is an asynchronous bit accumulator. Notify ORs bits in
// and wakes one waiter; Wait reads and clears, blocking on zero.
type Notification struct {
	mu      sync.Mutex
	bits    uint64
	waiters []types.ThreadID
}

func (n *Notification) Lock()   { n.mu.Lock() }
func (n *Notification) Unlock() { n.mu.Unlock() }

// Bits returns the accumulator. Caller must hold the lock.
func (n *Notification) Bits() uint64 { return n.bits }

// OrBits ORs v into the accumulator. Caller must hold the lock.
func (n *Notification) OrBits(v uint64) { n.bits |= v }

// Clear reads and zeroes the accumulator. Caller must hold the lock.
func (n *Notification) Clear() uint64 {
	v := n.bits
	n.bits = 0
	return v
}

// PushWaiter appends a waiter. Caller must hold the lock.
func (n *Notification) PushWaiter(tid types.ThreadID) {
	n.waiters = append(n.waiters, tid)
}

// PopWaiter removes and returns the head waiter. Caller must hold the lock.
func (n *Notification) PopWaiter() (types.ThreadID, bool) {
	if len(n.waiters) == 0 {
		return 0, false
	}
	tid := n.waiters[0]
	n.waiters = n.waiters[1:]
	return tid, true
}

// RemoveWaiter deletes tid from the waiter queue. Caller must hold the lock.
func (n *Notification) RemoveWaiter(tid types.ThreadID) bool {
	for i, q := range n.waiters {
		if q == tid {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// MemoryRegion is an opaque span of memory. The core manages it purely
// as an object; page-table mechanics live outside the core.
type MemoryRegion struct {
	Size uint64
}

// Untyped is raw memory not yet specialized into a kernel object.
// Retyping carves footprints off a watermark; freed footprints go to a
// size-keyed free list consulted before the watermark moves again.
type Untyped struct {
	Size      uint64
	watermark uint64
	free      map[uint64]int // footprint size -> freed count
}

// Remaining reports unconsumed bytes at the watermark.
func (u *Untyped) Remaining() uint64 { return u.Size - u.watermark }

// carve reserves size bytes, preferring the free list.
func (u *Untyped) carve(size uint64) bool {
	if u.free[size] > 0 {
		u.free[size]--
		return true
	}
	if u.Size-u.watermark < size {
		return false
	}
	u.watermark += size
	return true
}

// release returns a footprint to the free list.
func (u *Untyped) release(size uint64) {
	if u.free == nil {
		u.free = make(map[uint64]int)
	}
	u.free[size]++
}

// Object is the tagged union stored in a registry slot. Exactly one of
// the kind-specific pointers is non-nil, matching Kind; threads carry no
// payload here because the scheduler owns their state, keyed by the same
// object id.
type Object struct {
	ID         types.ObjectID
	Kind       Kind
	Generation types.Generation

	// refs counts valid capabilities referencing this object. Guarded
	// by the registry lock.
	refs int

	// origin is the untyped region this object was carved from, and
	// footprint what it is charged. Zero origin marks boot-minted roots.
	origin    types.ObjectID
	footprint uint64

	// children counts live objects carved from this untyped region;
	// retired marks an untyped whose refcount hit zero while children
	// were still outstanding. Guarded by the registry lock.
	children int
	retired  bool

	Endpoint     *Endpoint
	Region       *MemoryRegion
	Notification *Notification
	Untyped      *Untyped
}
