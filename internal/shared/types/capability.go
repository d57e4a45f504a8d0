package types

// ObjectID identifies a kernel object in the registry. IDs are small
// integers; 0 is never a valid object.
type ObjectID uint32

// NilObject is the zero ObjectID, used for "no object".
const NilObject ObjectID = 0

// Generation is a per-object revocation counter. A capability is valid
// only while its recorded generation matches the object's current one.
type Generation uint32

// ThreadID identifies a thread. Thread ids are registry object ids, so a
// thread can be named by capabilities like any other object.
type ThreadID = ObjectID

// ProcessID identifies a process.
type ProcessID uint32

// CapIndex is a slot index into a process's capability table.
type CapIndex uint32

// Rights is a narrowing bitmask. Derived capabilities may only clear
// bits, never set them.
type Rights uint16

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
	RightSend
	RightRecv
	RightGrant  // may transfer capabilities over this object
	RightManage // may revoke, retype, or destroy through this capability
	RightReply  // single-use reply right minted at call pairing
)

// RightsAll is every right set; the root capability of a fresh object.
const RightsAll = RightRead | RightWrite | RightExec | RightSend | RightRecv | RightGrant | RightManage

// Has reports whether every bit of want is present.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Narrow intersects r with mask. The result is always a subset of r.
func (r Rights) Narrow(mask Rights) Rights { return r & mask }

// String renders the mask as a fixed-order flag string, e.g. "rw--s---".
func (r Rights) String() string {
	flags := []struct {
		bit Rights
		ch  byte
	}{
		{RightRead, 'r'}, {RightWrite, 'w'}, {RightExec, 'x'},
		{RightSend, 's'}, {RightRecv, 'v'}, {RightGrant, 'g'},
		{RightManage, 'm'}, {RightReply, 'p'},
	}
	buf := make([]byte, len(flags))
	for i, f := range flags {
		if r.Has(f.bit) {
			buf[i] = f.ch
		} else {
			buf[i] = '-'
		}
	}
	return string(buf)
}

// Capability is an unforgeable reference to a kernel object. It is an
// immutable value; derivation goes through Rights.Narrow, never mutation.
type Capability struct {
	Object     ObjectID   `json:"object"`
	Generation Generation `json:"generation"`
	Rights     Rights     `json:"rights"`

	// ReplyNonce is non-zero only on reply capabilities. It must match
	// the caller thread's outstanding call nonce for the reply to land;
	// the nonce is consumed on first use.
	ReplyNonce uint64 `json:"reply_nonce,omitempty"`
}

// IsReply reports whether this is a single-use reply capability.
func (c Capability) IsReply() bool { return c.ReplyNonce != 0 }

// Narrow returns a copy of c with its rights intersected with mask.
func (c Capability) Narrow(mask Rights) Capability {
	c.Rights = c.Rights.Narrow(mask)
	return c
}
