// Package kernel assembles the core: object registry, capability
// tables, IPC engine, scheduler, syscall dispatcher, and process
// lifecycle, behind one facade the control surface drives.
//
// Time is virtual. Nothing runs until Tick or Schedule is called, which
// keeps every interleaving reproducible.
package kernel

import (
	"github.com/meridian-os/meridian/internal/domain/bootfs"
	"github.com/meridian-os/meridian/internal/domain/process"
	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/kernel/ipc"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/kernel/sched"
	"github.com/meridian-os/meridian/internal/kernel/syscall"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// exitSignal is the bit raised on a process's exit notification when
// its last thread dies.
const exitSignal uint64 = 1

// Options sizes the kernel at construction.
type Options struct {
	Cores            int
	Quantum          uint32
	RegistryCapacity int
	TableCapacity    int

	// BootUntypedBytes is the untyped region boot images are spawned
	// from. Must be a multiple of the region alignment.
	BootUntypedBytes uint64
}

// Defaults returns a small but serviceable geometry.
func Defaults() Options {
	return Options{
		Cores:            2,
		Quantum:          10,
		RegistryCapacity: 1024,
		TableCapacity:    64,
		BootUntypedBytes: 16 << 20,
	}
}

// Kernel is the assembled core.
type Kernel struct {
	Registry *object.Registry
	Sched    *sched.Scheduler
	Procs    *process.Manager
	Engine   *ipc.Engine
	Hub      *event.Hub

	disp  *syscall.Dispatcher
	store *bootfs.Store

	bootUntyped types.Capability
}

// tickStamper fills in the virtual timestamp on events emitted by
// components that do not track time themselves.
type tickStamper struct {
	inner event.Emitter
	now   func() types.Tick
}

func (ts *tickStamper) Emit(ev event.Event) {
	if ev.Tick == 0 && ts.now != nil {
		ev.Tick = ts.now()
	}
	ts.inner.Emit(ev)
}

// New builds a kernel over a loaded boot image store. The hub carries
// the event trace; extra emitters can be teed in by the caller via
// Subscribe.
func New(store *bootfs.Store, opts Options) (*Kernel, error) {
	if opts.Cores <= 0 {
		opts.Cores = 1
	}
	if opts.Quantum == 0 {
		opts.Quantum = Defaults().Quantum
	}
	if opts.RegistryCapacity <= 0 {
		opts.RegistryCapacity = Defaults().RegistryCapacity
	}
	if opts.TableCapacity <= 0 {
		opts.TableCapacity = Defaults().TableCapacity
	}
	if opts.BootUntypedBytes == 0 {
		opts.BootUntypedBytes = Defaults().BootUntypedBytes
	}

	hub := event.NewHub()
	stamp := &tickStamper{inner: hub}

	reg := object.NewRegistry(opts.RegistryCapacity, stamp)
	sc := sched.New(opts.Cores, opts.Quantum, hub)
	stamp.now = sc.Now

	mgr := process.NewManager(reg, store, sc, opts.TableCapacity, stamp)
	engine := ipc.NewEngine(reg, sc, mgr, stamp)

	bootUT, err := reg.MintUntyped(opts.BootUntypedBytes)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		Registry:    reg,
		Sched:       sc,
		Procs:       mgr,
		Engine:      engine,
		Hub:         hub,
		store:       store,
		bootUntyped: bootUT,
	}
	k.disp = syscall.New(reg, engine, sc, mgr, k)
	return k, nil
}

// Boot spawns the manifest's boot images in order, all drawing from the
// kernel's boot untyped region.
func (k *Kernel) Boot() error {
	for _, name := range k.store.Boot() {
		if _, _, err := k.Procs.Spawn(name, k.bootUntyped, 0); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch issues one trap as tid.
func (k *Kernel) Dispatch(tid types.ThreadID, trap syscall.Trap) (syscall.Result, error) {
	return k.disp.Dispatch(tid, trap)
}

// Tick advances virtual time by one quantum unit: charges the running
// threads, expires deadlines, preempts, and refills idle cores.
func (k *Kernel) Tick() types.Tick {
	return k.Sched.Tick()
}

// Now reports the current virtual time.
func (k *Kernel) Now() types.Tick {
	return k.Sched.Now()
}

// Schedule picks the next runnable thread for a core.
func (k *Kernel) Schedule(core int) types.ThreadID {
	return k.Sched.Schedule(core)
}

// TakeOutcome collects the stored result of a completed blocking
// operation for a woken thread.
func (k *Kernel) TakeOutcome(tid types.ThreadID) (*sched.Outcome, error) {
	return k.Sched.TakeOutcome(tid)
}

// Exit terminates the calling thread: outstanding IPC is aborted before
// the scheduler sees the kill, so no endpoint queue ever holds a dead
// thread, then the Zombie is reaped and the parent signalled if the
// process died with it.
func (k *Kernel) Exit(tid types.ThreadID) error {
	return k.terminate(tid)
}

// Kill force-terminates a thread. Same path as a voluntary exit.
func (k *Kernel) Kill(tid types.ThreadID) error {
	return k.terminate(tid)
}

func (k *Kernel) terminate(tid types.ThreadID) error {
	k.Engine.AbortThread(tid)
	if err := k.Sched.Kill(tid); err != nil {
		return err
	}
	if err := k.Sched.Reap(tid); err != nil {
		return err
	}
	notify, dead, err := k.Procs.ReapThread(tid)
	if err != nil {
		return err
	}
	if dead && notify.Object != types.NilObject {
		// Parent may already be gone; a stale notification is fine.
		_ = k.Engine.Notify(0, notify, exitSignal)
	}
	return nil
}

// Spawn implements the process_spawn syscall: the untyped donation is a
// slot in the calling thread's own table, and the caller becomes the
// parent.
func (k *Kernel) Spawn(tid types.ThreadID, image string, untyped types.CapIndex) (types.ProcessID, error) {
	tbl, err := k.Procs.TableFor(tid)
	if err != nil {
		return 0, err
	}
	ut, err := tbl.Lookup(untyped)
	if err != nil {
		return 0, err
	}
	parent, err := k.Procs.Of(tid)
	if err != nil {
		return 0, err
	}
	p, _, err := k.Procs.Spawn(image, ut, parent.ID)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// SpawnBoot spawns an image from the kernel's own boot untyped region
// with no parent. The control API uses it to start workloads.
func (k *Kernel) SpawnBoot(image string) (types.ProcessID, types.ThreadID, error) {
	p, tid, err := k.Procs.Spawn(image, k.bootUntyped, 0)
	if err != nil {
		return 0, 0, err
	}
	return p.ID, tid, nil
}

// Images lists the spawnable image names.
func (k *Kernel) Images() []string {
	return k.store.Names()
}
