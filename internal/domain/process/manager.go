package process

import (
	"sort"
	"sync"

	"github.com/meridian-os/meridian/internal/domain/bootfs"
	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Well-known table slots seeded at spawn.
const (
	// SlotParentNotify holds a send capability to the notification the
	// parent waits on for this child's exit.
	SlotParentNotify types.CapIndex = 0

	// SlotExport holds the receive end of the service endpoint the
	// image exports. Images that export nothing leave it empty.
	SlotExport types.CapIndex = 1
)

// ImageBase is the virtual address the image region is mapped at.
const ImageBase uint64 = 0x0040_0000

// Mapping records one region mapped into a process address space.
type Mapping struct {
	Region types.ObjectID `json:"region"`
	Addr   uint64         `json:"addr"`
	Size   uint64         `json:"size"`
}

// Process is one running program: a capability table, its threads, and
// the regions mapped into its address space.
type Process struct {
	ID     types.ProcessID
	Name   string
	Parent types.ProcessID

	Table *captable.Table

	// Routing maps delegated syscall classes to the table slot the
	// dispatcher forwards them through.
	Routing map[string]types.CapIndex

	threads map[types.ThreadID]struct{}

	// mappings is keyed by region object so a region maps at most once.
	mappings map[types.ObjectID]Mapping

	// owned are root capabilities the manager minted for this process
	// (thread objects, the exit notification, the image region). They
	// are released at teardown, independent of what the table holds.
	owned []types.Capability

	// exitNotify is the send capability used to signal the parent when
	// the process dies. Zero for the boot process.
	exitNotify types.Capability

	// exported is the service name this process registered, withdrawn
	// at teardown.
	exported string
}

// Stat is an introspection snapshot of one process.
type Stat struct {
	ID       types.ProcessID `json:"id"`
	Name     string          `json:"name"`
	Parent   types.ProcessID `json:"parent"`
	Threads  int             `json:"threads"`
	Caps     int             `json:"caps"`
	Mappings []Mapping       `json:"mappings"`
}

// ThreadAdder is the scheduler surface spawn needs.
type ThreadAdder interface {
	Add(tid types.ThreadID, pid types.ProcessID, prio types.Priority, coreIdx int) error
}

// Manager owns all processes and resolves threads to capability tables.
type Manager struct {
	reg     *object.Registry
	store   *bootfs.Store
	sched   ThreadAdder
	emitter event.Emitter

	tableCap int

	mu       sync.RWMutex
	nextPID  types.ProcessID
	procs    map[types.ProcessID]*Process
	byThread map[types.ThreadID]*Process

	// services maps exported names to the root endpoint capability the
	// exporting image minted. Grants resolve against this.
	services map[string]types.Capability
}

// NewManager creates an empty process manager. tableCap bounds every
// process's capability table.
func NewManager(reg *object.Registry, store *bootfs.Store, sched ThreadAdder, tableCap int, em event.Emitter) *Manager {
	if em == nil {
		em = event.Discard
	}
	return &Manager{
		reg:      reg,
		store:    store,
		sched:    sched,
		emitter:  em,
		tableCap: tableCap,
		nextPID:  1,
		procs:    make(map[types.ProcessID]*Process),
		byThread: make(map[types.ThreadID]*Process),
		services: make(map[string]types.Capability),
	}
}

// TableFor resolves a thread to its process's capability table.
func (m *Manager) TableFor(tid types.ThreadID) (*captable.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byThread[tid]
	if !ok {
		return nil, types.Detailf(types.CodeNotFound, "table_for", "no process for thread %d", tid)
	}
	return p.Table, nil
}

// Get returns a process by id.
func (m *Manager) Get(pid types.ProcessID) (*Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[pid]
	if !ok {
		return nil, types.Detailf(types.CodeNotFound, "process_get", "process %d", pid)
	}
	return p, nil
}

// Of returns the process owning a thread.
func (m *Manager) Of(tid types.ThreadID) (*Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byThread[tid]
	if !ok {
		return nil, types.Detailf(types.CodeNotFound, "process_of", "no process for thread %d", tid)
	}
	return p, nil
}

// RoutingSlot resolves a delegated syscall class to the table slot the
// process routes it through.
func (m *Manager) RoutingSlot(tid types.ThreadID, class string) (types.CapIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byThread[tid]
	if !ok {
		return 0, types.Detailf(types.CodeNotFound, "route", "no process for thread %d", tid)
	}
	slot, ok := p.Routing[class]
	if !ok {
		return 0, types.Detailf(types.CodeInvalidEndpoint, "route", "process %d routes no %q class", p.ID, class)
	}
	return slot, nil
}

// Service resolves an exported service name to its root endpoint.
func (m *Manager) Service(name string) (types.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cap, ok := m.services[name]
	if !ok {
		return types.Capability{}, types.Detailf(types.CodeNotFound, "service", "service %q not exported", name)
	}
	return cap, nil
}

// Spawn creates a process from a named boot image, carving the initial
// thread, exit notification, and image region out of the supplied
// untyped capability. The fresh table is seeded with the parent
// notification at slot 0, the exported service endpoint at slot 1, and
// the image's declared grants.
func (m *Manager) Spawn(name string, untyped types.Capability, parent types.ProcessID) (*Process, types.ThreadID, error) {
	img, err := m.store.Lookup(name)
	if err != nil {
		return nil, 0, err
	}

	// Validate the payload before consuming any untyped memory.
	blob, err := m.store.OpenBlob(img)
	if err != nil {
		return nil, 0, err
	}
	regionSize := alignUp(uint64(len(blob)), object.RegionAlign)
	if regionSize == 0 {
		regionSize = object.RegionAlign
	}

	// The manifest's untyped_bytes is the image's declared minimum;
	// refuse early if the donor region cannot possibly cover it.
	if ut, err := m.reg.Resolve(untyped, types.RightManage, "spawn"); err != nil {
		return nil, 0, err
	} else if ut.Untyped == nil {
		return nil, 0, types.Detailf(types.CodeMisaligned, "spawn", "capability is not untyped memory")
	} else if ut.Untyped.Remaining() < img.UntypedBytes {
		return nil, 0, types.Detailf(types.CodeOutOfUntyped, "spawn", "image %q wants %d bytes, %d remain", name, img.UntypedBytes, ut.Untyped.Remaining())
	}

	// Carve kernel objects. Any failure from here on unwinds what was
	// already carved so the spawn is side effect free.
	var carved []types.Capability
	undo := func() {
		for i := len(carved) - 1; i >= 0; i-- {
			m.reg.Release(carved[i])
		}
	}

	threadCap, err := m.reg.Retype(untyped, object.KindThread, 0)
	if err != nil {
		return nil, 0, err
	}
	carved = append(carved, threadCap)

	notifyCap, err := m.reg.Retype(untyped, object.KindNotification, 0)
	if err != nil {
		undo()
		return nil, 0, err
	}
	carved = append(carved, notifyCap)

	regionCap, err := m.reg.Retype(untyped, object.KindMemoryRegion, regionSize)
	if err != nil {
		undo()
		return nil, 0, err
	}
	carved = append(carved, regionCap)

	tbl := captable.New(m.tableCap)
	p := &Process{
		Name:     img.Name,
		Parent:   parent,
		Table:    tbl,
		Routing:  img.Routing,
		threads:  make(map[types.ThreadID]struct{}),
		mappings: make(map[types.ObjectID]Mapping),
		owned:    carved,
	}

	// Slot 0: send right on the exit notification. The parent, if any,
	// gets a wait-capable capability in its own table.
	if err := tbl.InsertAt(SlotParentNotify, notifyCap.Narrow(types.RightSend), m.reg); err != nil {
		undo()
		return nil, 0, err
	}
	p.exitNotify = notifyCap.Narrow(types.RightSend)

	m.mu.Lock()
	defer m.mu.Unlock()

	if parent != 0 {
		pp, ok := m.procs[parent]
		if !ok {
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, types.Detailf(types.CodeNotFound, "spawn", "parent process %d", parent)
		}
		if _, err := pp.Table.Insert(notifyCap.Narrow(types.RightRecv), m.reg); err != nil {
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, err
		}
	}

	// Exported service endpoint: receive end in the child, root kept by
	// the manager so later grants can be cut from it.
	if img.Exports != "" {
		if _, taken := m.services[img.Exports]; taken {
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, types.Detailf(types.CodeInvalidImage, "spawn", "service %q already exported", img.Exports)
		}
		epCap, err := m.reg.Retype(untyped, object.KindEndpoint, 0)
		if err != nil {
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, err
		}
		p.owned = append(p.owned, epCap)
		if err := tbl.InsertAt(SlotExport, epCap.Narrow(types.RightRecv|types.RightSend), m.reg); err != nil {
			m.reg.Release(epCap)
			p.owned = p.owned[:len(p.owned)-1]
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, err
		}
		m.services[img.Exports] = epCap
		p.exported = img.Exports
	}

	// Grants: capabilities to services exported by earlier spawns.
	for _, g := range img.Grants {
		root, ok := m.services[g.Service]
		if !ok {
			m.unexportLocked(p)
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, types.Detailf(types.CodeInvalidImage, "spawn", "granted service %q not exported", g.Service)
		}
		mask, err := bootfs.ParseRights(g.Rights)
		if err != nil {
			m.unexportLocked(p)
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, err
		}
		if err := tbl.InsertAt(g.Slot, root.Narrow(mask), m.reg); err != nil {
			m.unexportLocked(p)
			tbl.DropAll(m.reg)
			undo()
			return nil, 0, err
		}
	}

	// Image region mapped at the fixed base; the process also gets the
	// capability so it can remap or share it.
	p.mappings[regionCap.Object] = Mapping{Region: regionCap.Object, Addr: ImageBase, Size: regionSize}
	if _, err := tbl.Insert(regionCap.Narrow(types.RightRead|types.RightExec), m.reg); err != nil {
		m.unexportLocked(p)
		tbl.DropAll(m.reg)
		undo()
		return nil, 0, err
	}

	pid := m.nextPID
	m.nextPID++
	p.ID = pid

	tid := types.ThreadID(threadCap.Object)
	if err := m.sched.Add(tid, pid, img.Priority, -1); err != nil {
		m.unexportLocked(p)
		tbl.DropAll(m.reg)
		undo()
		return nil, 0, err
	}

	p.threads[tid] = struct{}{}
	m.procs[pid] = p
	m.byThread[tid] = p

	m.emitter.Emit(event.Event{
		Type: event.TypeSpawn,
		Fields: map[string]interface{}{
			"process": pid,
			"name":    img.Name,
			"thread":  tid,
			"parent":  parent,
		},
	})
	return p, tid, nil
}

// AddThread carves one more thread for an existing process out of the
// given untyped capability and registers it runnable.
func (m *Manager) AddThread(pid types.ProcessID, untyped types.Capability, prio types.Priority) (types.ThreadID, error) {
	threadCap, err := m.reg.Retype(untyped, object.KindThread, 0)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		m.reg.Release(threadCap)
		return 0, types.Detailf(types.CodeNotFound, "add_thread", "process %d", pid)
	}
	tid := types.ThreadID(threadCap.Object)
	if err := m.sched.Add(tid, pid, prio, -1); err != nil {
		m.reg.Release(threadCap)
		return 0, err
	}
	p.owned = append(p.owned, threadCap)
	p.threads[tid] = struct{}{}
	m.byThread[tid] = p
	return tid, nil
}

// Map installs a memory region into the process address space.
func (m *Manager) Map(tid types.ThreadID, regionCap types.Capability, addr uint64) error {
	if addr%object.RegionAlign != 0 {
		return types.Detailf(types.CodeMisaligned, "mem_map", "address %#x not region aligned", addr)
	}
	obj, err := m.reg.Resolve(regionCap, types.RightRead, "mem_map")
	if err != nil {
		return err
	}
	if obj.Region == nil {
		return types.Detailf(types.CodeMisaligned, "mem_map", "capability is not a memory region")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byThread[tid]
	if !ok {
		return types.Detailf(types.CodeNotFound, "mem_map", "no process for thread %d", tid)
	}
	if _, dup := p.mappings[regionCap.Object]; dup {
		return types.Detailf(types.CodeAlreadyMapped, "mem_map", "region %d already mapped", regionCap.Object)
	}
	for _, mp := range p.mappings {
		if overlaps(mp.Addr, mp.Size, addr, obj.Region.Size) {
			return types.Detailf(types.CodeAlreadyMapped, "mem_map", "range %#x+%#x overlaps mapping at %#x", addr, obj.Region.Size, mp.Addr)
		}
	}
	p.mappings[regionCap.Object] = Mapping{Region: regionCap.Object, Addr: addr, Size: obj.Region.Size}
	return nil
}

// Unmap removes a region mapping.
func (m *Manager) Unmap(tid types.ThreadID, region types.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byThread[tid]
	if !ok {
		return types.Detailf(types.CodeNotFound, "mem_unmap", "no process for thread %d", tid)
	}
	if _, ok := p.mappings[region]; !ok {
		return types.Detailf(types.CodeNotFound, "mem_unmap", "region %d not mapped", region)
	}
	delete(p.mappings, region)
	return nil
}

// ReapThread retires a Zombie thread. When the last thread of a process
// is reaped the process is torn down: all table slots dropped, owned
// objects released, exports withdrawn. The returned capability, when
// non-zero, is the exit notification the caller should signal so the
// parent observes the death.
func (m *Manager) ReapThread(tid types.ThreadID) (notify types.Capability, dead bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byThread[tid]
	if !ok {
		return types.Capability{}, false, types.Detailf(types.CodeNotFound, "reap", "no process for thread %d", tid)
	}
	delete(m.byThread, tid)
	delete(p.threads, tid)
	if len(p.threads) > 0 {
		return types.Capability{}, false, nil
	}

	notify = p.exitNotify
	m.unexportLocked(p)
	p.Table.DropAll(m.reg)
	for i := len(p.owned) - 1; i >= 0; i-- {
		m.reg.Release(p.owned[i])
	}
	p.owned = nil
	delete(m.procs, p.ID)

	m.emitter.Emit(event.Event{
		Type: event.TypeExit,
		Fields: map[string]interface{}{
			"process": p.ID,
			"name":    p.Name,
		},
	})
	return notify, true, nil
}

// Threads lists the live threads of a process.
func (m *Manager) Threads(pid types.ProcessID) []types.ThreadID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[pid]
	if !ok {
		return nil
	}
	out := make([]types.ThreadID, 0, len(p.threads))
	for tid := range p.threads {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot lists all live processes for introspection.
func (m *Manager) Snapshot() []Stat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stat, 0, len(m.procs))
	for _, p := range m.procs {
		st := Stat{
			ID:      p.ID,
			Name:    p.Name,
			Parent:  p.Parent,
			Threads: len(p.threads),
			Caps:    p.Table.Len(),
		}
		for _, mp := range p.mappings {
			st.Mappings = append(st.Mappings, mp)
		}
		sort.Slice(st.Mappings, func(i, j int) bool { return st.Mappings[i].Addr < st.Mappings[j].Addr })
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) unexportLocked(p *Process) {
	if p.exported != "" {
		delete(m.services, p.exported)
		p.exported = ""
	}
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func overlaps(aAddr, aSize, bAddr, bSize uint64) bool {
	return aAddr < bAddr+bSize && bAddr < aAddr+aSize
}
