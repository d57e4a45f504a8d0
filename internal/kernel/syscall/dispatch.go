package syscall

import (
	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/ipc"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Trap is one syscall as issued by a thread. It is the in-process form
// of the register convention: a number, a primary capability slot, two
// scalar arguments, and for IPC ops a message and deadline.
type Trap struct {
	Number Number         `json:"number"`
	Cap    types.CapIndex `json:"cap"`
	Arg0   uint64         `json:"arg0,omitempty"`
	Arg1   uint64         `json:"arg1,omitempty"`

	Msg      types.Message `json:"msg,omitempty"`
	Deadline types.Tick    `json:"deadline,omitempty"`

	// Image is the image name for process_spawn. A register ABI would
	// pass it through a mapped region; the embedding passes it inline.
	Image string `json:"image,omitempty"`

	// Blocking selects blocking send semantics for ipc_send.
	Blocking bool `json:"blocking,omitempty"`
}

// Result is the completed half of a trap. Blocked results carry no
// value; the outcome surfaces through the scheduler when the thread is
// woken.
type Result struct {
	Value    uint64          `json:"value,omitempty"`
	Delivery *types.Delivery `json:"delivery,omitempty"`
	Blocked  bool            `json:"blocked,omitempty"`
}

// Processes is the process-manager surface the dispatcher needs.
type Processes interface {
	TableFor(tid types.ThreadID) (*captable.Table, error)
	RoutingSlot(tid types.ThreadID, class string) (types.CapIndex, error)
	Map(tid types.ThreadID, region types.Capability, addr uint64) error
	Unmap(tid types.ThreadID, region types.ObjectID) error
}

// Lifecycle is implemented by the kernel: exit and spawn need the kill
// and reap orchestration that lives above the dispatcher.
type Lifecycle interface {
	Exit(tid types.ThreadID) error
	Spawn(tid types.ThreadID, image string, untyped types.CapIndex) (types.ProcessID, error)
}

// Yielder is the scheduler surface the dispatcher needs.
type Yielder interface {
	Yield(tid types.ThreadID) error
	State(tid types.ThreadID) (types.ThreadState, error)
}

// Dispatcher routes traps. It holds no state of its own.
type Dispatcher struct {
	reg    *object.Registry
	engine *ipc.Engine
	sched  Yielder
	procs  Processes
	life   Lifecycle
}

// New wires a dispatcher.
func New(reg *object.Registry, engine *ipc.Engine, sched Yielder, procs Processes, life Lifecycle) *Dispatcher {
	return &Dispatcher{reg: reg, engine: engine, sched: sched, procs: procs, life: life}
}

// Dispatch executes one trap for tid. Errors are always KernelError
// values; a nil error with Result.Blocked set means the thread parked
// and its outcome will arrive via the scheduler.
func (d *Dispatcher) Dispatch(tid types.ThreadID, trap Trap) (Result, error) {
	// Only a runnable thread can trap. Blocked, suspended, and zombie
	// threads are rejected before any kernel state is touched.
	st, err := d.sched.State(tid)
	if err != nil {
		return Result{}, err
	}
	if st != types.StateRunning && st != types.StateReady {
		return Result{}, types.Detailf(types.CodeInvalidThread, "dispatch", "thread is %s", st)
	}

	if trap.Number.Delegated() {
		return d.delegate(tid, trap)
	}

	tbl, err := d.procs.TableFor(tid)
	if err != nil {
		return Result{}, err
	}

	switch trap.Number {
	case CapDuplicate:
		idx, err := tbl.Duplicate(trap.Cap, types.Rights(trap.Arg0), d.reg)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: uint64(idx)}, nil

	case CapDelete:
		return Result{}, tbl.Delete(trap.Cap, d.reg)

	case CapRevoke:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		root, err := d.reg.Revoke(c)
		if err != nil {
			return Result{}, err
		}
		// The old capability in this slot just died with everyone
		// else's; the revoker keeps the sole fresh root in its place.
		if err := tbl.Replace(trap.Cap, root); err != nil {
			return Result{}, err
		}
		return Result{Value: uint64(trap.Cap)}, nil

	case IPCSend:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		blocked, err := d.engine.Send(tid, c, trap.Msg, trap.Blocking, trap.Deadline)
		if err != nil {
			return Result{}, err
		}
		return Result{Blocked: blocked}, nil

	case IPCRecv:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		dlv, blocked, err := d.engine.Recv(tid, c, trap.Deadline)
		if err != nil {
			return Result{}, err
		}
		return Result{Delivery: dlv, Blocked: blocked}, nil

	case IPCCall:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		if err := d.engine.Call(tid, c, trap.Msg, trap.Deadline); err != nil {
			return Result{}, err
		}
		return Result{Blocked: true}, nil

	case IPCReply:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		if err := d.engine.Reply(tid, c, trap.Msg); err != nil {
			return Result{}, err
		}
		// Reply consumed the capability; clear the dead slot. A second
		// ipc_reply on this index therefore fails NotFound at the
		// surface; reusing the capability value itself hits the
		// engine's nonce check and fails InvalidEndpoint.
		tbl.Remove(trap.Cap)
		return Result{}, nil

	case IPCNotify:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		return Result{}, d.engine.Notify(tid, c, trap.Arg0)

	case IPCWait:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		bits, blocked, err := d.engine.Wait(tid, c, trap.Deadline)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: bits, Blocked: blocked}, nil

	case ThreadYield:
		return Result{}, d.sched.Yield(tid)

	case ThreadExit:
		return Result{}, d.life.Exit(tid)

	case ProcessSpawn:
		pid, err := d.life.Spawn(tid, trap.Image, trap.Cap)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: uint64(pid)}, nil

	case MemRetype:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		child, err := d.reg.Retype(c, object.Kind(trap.Arg0), trap.Arg1)
		if err != nil {
			return Result{}, err
		}
		idx, err := tbl.InsertOwned(child)
		if err != nil {
			d.reg.Release(child)
			return Result{}, err
		}
		return Result{Value: uint64(idx)}, nil

	case MemMap:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		return Result{}, d.procs.Map(tid, c, trap.Arg0)

	case MemUnmap:
		c, err := tbl.Lookup(trap.Cap)
		if err != nil {
			return Result{}, err
		}
		return Result{}, d.procs.Unmap(tid, c.Object)

	default:
		return Result{}, types.Detailf(types.CodeNotFound, "dispatch", "unknown syscall %#x", uint32(trap.Number))
	}
}

// delegate packages the trap and calls the routing endpoint seeded for
// its class. The payload is opaque here; word 0 carries the syscall
// number so the owning service can demultiplex.
func (d *Dispatcher) delegate(tid types.ThreadID, trap Trap) (Result, error) {
	cls := trap.Number.Class()
	if cls == "" {
		return Result{}, types.Detailf(types.CodeNotFound, "dispatch", "unknown delegated class %#x", uint32(trap.Number))
	}
	slot, err := d.procs.RoutingSlot(tid, cls)
	if err != nil {
		return Result{}, err
	}
	tbl, err := d.procs.TableFor(tid)
	if err != nil {
		return Result{}, err
	}
	c, err := tbl.Lookup(slot)
	if err != nil {
		return Result{}, err
	}

	msg := trap.Msg
	msg.Words[0] = uint64(trap.Number)
	if err := d.engine.Call(tid, c, msg, trap.Deadline); err != nil {
		return Result{}, err
	}
	return Result{Blocked: true}, nil
}
