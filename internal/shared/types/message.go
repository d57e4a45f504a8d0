package types

// Message geometry. Fixed so the envelope has a known worst-case size and
// transfer stays a bounded, constant-time copy.
const (
	// MessageWords is the number of inline data words per message.
	MessageWords = 8
	// MessageCapSlots is the maximum capability transfers per message.
	MessageCapSlots = 4
)

// TransferMode selects how a capability slot crosses the rendezvous.
type TransferMode uint8

const (
	// TransferCopy duplicates the sender's capability, optionally
	// narrowed by the slot mask. The sender keeps its slot.
	TransferCopy TransferMode = iota
	// TransferMove hands the capability over and deletes the sender's
	// slot as part of the same pairing.
	TransferMove
)

// CapTransfer names one capability slot being carried by a message.
// Index is resolved in the sender's table at pairing time, not at send
// time, so a revocation between enqueue and pairing is still honored.
type CapTransfer struct {
	Index CapIndex     `json:"index"`
	Mode  TransferMode `json:"mode"`
	Mask  Rights       `json:"mask"`
}

// BulkDescriptor optionally names a MemoryRegion capability carrying a
// payload too large for the inline words.
type BulkDescriptor struct {
	Index  CapIndex `json:"index"`
	Length uint64   `json:"length"`
}

// Message is the fixed-size IPC envelope: inline words, up to
// MessageCapSlots capability transfers, and an optional bulk reference.
type Message struct {
	Words [MessageWords]uint64 `json:"words"`
	Caps  []CapTransfer        `json:"caps,omitempty"`
	Bulk  *BulkDescriptor      `json:"bulk,omitempty"`
}

// Delivery is what a receiver observes after pairing: the sender's words,
// the receiver-table indices the transferred capabilities landed in, and
// the reply capability index when the sender used call semantics.
type Delivery struct {
	From     ThreadID             `json:"from"`
	Words    [MessageWords]uint64 `json:"words"`
	Caps     []CapIndex           `json:"caps,omitempty"`
	Bulk     *BulkDescriptor      `json:"bulk,omitempty"`
	ReplyCap *CapIndex            `json:"reply_cap,omitempty"`
}
