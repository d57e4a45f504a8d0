package syscall

// Number identifies a syscall. The direct range is handled inline; the
// delegated range is routed to a service endpoint, with bits 8..15
// selecting the class.
type Number uint32

const (
	// Capability management.
	CapDuplicate Number = 0x01
	CapDelete    Number = 0x02
	CapRevoke    Number = 0x03

	// IPC.
	IPCSend   Number = 0x10
	IPCRecv   Number = 0x11
	IPCCall   Number = 0x12
	IPCReply  Number = 0x13
	IPCNotify Number = 0x14
	IPCWait   Number = 0x15

	// Thread and process lifecycle.
	ThreadYield  Number = 0x20
	ThreadExit   Number = 0x21
	ProcessSpawn Number = 0x22

	// Memory.
	MemRetype Number = 0x30
	MemMap    Number = 0x31
	MemUnmap  Number = 0x32
)

// DelegatedBase is the first delegated syscall number.
const DelegatedBase Number = 0x1000

// Delegated classes. The class byte selects the routing slot.
const (
	ClassFile    = "file"
	ClassConsole = "console"
	ClassNet     = "net"
)

var classNames = map[uint32]string{
	0x0: ClassFile,
	0x1: ClassConsole,
	0x2: ClassNet,
}

// Delegated reports whether n routes to a service.
func (n Number) Delegated() bool { return n >= DelegatedBase }

// Class returns the delegated class name, or "" for direct numbers and
// unknown classes.
func (n Number) Class() string {
	if !n.Delegated() {
		return ""
	}
	cls := (uint32(n) >> 8) - (uint32(DelegatedBase) >> 8)
	return classNames[cls]
}

// String names direct syscalls and renders delegated ones by class.
func (n Number) String() string {
	switch n {
	case CapDuplicate:
		return "cap_duplicate"
	case CapDelete:
		return "cap_delete"
	case CapRevoke:
		return "cap_revoke"
	case IPCSend:
		return "ipc_send"
	case IPCRecv:
		return "ipc_recv"
	case IPCCall:
		return "ipc_call"
	case IPCReply:
		return "ipc_reply"
	case IPCNotify:
		return "ipc_notify"
	case IPCWait:
		return "ipc_wait"
	case ThreadYield:
		return "thread_yield"
	case ThreadExit:
		return "thread_exit"
	case ProcessSpawn:
		return "process_spawn"
	case MemRetype:
		return "mem_retype"
	case MemMap:
		return "mem_map"
	case MemUnmap:
		return "mem_unmap"
	}
	if cls := n.Class(); cls != "" {
		return cls
	}
	return "unknown"
}
