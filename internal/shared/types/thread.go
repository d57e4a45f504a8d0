package types

// ThreadState is the scheduler-owned lifecycle state of a thread. A
// thread holds at most one blocking reason at a time; the Blocked*
// states are mutually exclusive by construction.
type ThreadState uint8

const (
	StateReady ThreadState = iota
	StateRunning
	StateBlockedSend
	StateBlockedReceive
	StateBlockedNotify
	StateSuspended
	StateZombie
)

// String returns the lowercase state name used in logs and the API.
func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlockedSend:
		return "blocked_send"
	case StateBlockedReceive:
		return "blocked_receive"
	case StateBlockedNotify:
		return "blocked_notify"
	case StateSuspended:
		return "suspended"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Blocked reports whether the state is one of the blocking reasons.
func (s ThreadState) Blocked() bool {
	return s == StateBlockedSend || s == StateBlockedReceive || s == StateBlockedNotify
}

// Priority is a scheduling priority level. Higher runs first.
type Priority uint8

// PriorityLevels is the number of distinct priority levels; valid
// priorities are 0..PriorityLevels-1.
const PriorityLevels = 8

// Tick is a point in virtual kernel time. The clock advances only when
// the embedding environment ticks the kernel, which keeps quantum expiry
// and IPC deadlines deterministic.
type Tick uint64

// NoDeadline marks a blocking operation without a timeout.
const NoDeadline Tick = 0
