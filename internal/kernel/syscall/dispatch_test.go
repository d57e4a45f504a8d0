package syscall

import (
	"errors"
	"testing"

	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/ipc"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/kernel/sched"
	"github.com/meridian-os/meridian/internal/shared/types"
)

type fakeProcs struct {
	tables map[types.ThreadID]*captable.Table
	routes map[string]types.CapIndex
	mapped map[types.ObjectID]uint64
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		tables: make(map[types.ThreadID]*captable.Table),
		routes: make(map[string]types.CapIndex),
		mapped: make(map[types.ObjectID]uint64),
	}
}

func (f *fakeProcs) TableFor(tid types.ThreadID) (*captable.Table, error) {
	tbl, ok := f.tables[tid]
	if !ok {
		return nil, types.Errf(types.CodeNotFound, "table_for")
	}
	return tbl, nil
}

func (f *fakeProcs) RoutingSlot(tid types.ThreadID, class string) (types.CapIndex, error) {
	slot, ok := f.routes[class]
	if !ok {
		return 0, types.Errf(types.CodeInvalidEndpoint, "route")
	}
	return slot, nil
}

func (f *fakeProcs) Map(tid types.ThreadID, region types.Capability, addr uint64) error {
	if _, dup := f.mapped[region.Object]; dup {
		return types.Errf(types.CodeAlreadyMapped, "mem_map")
	}
	f.mapped[region.Object] = addr
	return nil
}

func (f *fakeProcs) Unmap(tid types.ThreadID, region types.ObjectID) error {
	if _, ok := f.mapped[region]; !ok {
		return types.Errf(types.CodeNotFound, "mem_unmap")
	}
	delete(f.mapped, region)
	return nil
}

type fakeLife struct {
	exited  []types.ThreadID
	spawned []string
}

func (f *fakeLife) Exit(tid types.ThreadID) error {
	f.exited = append(f.exited, tid)
	return nil
}

func (f *fakeLife) Spawn(tid types.ThreadID, image string, untyped types.CapIndex) (types.ProcessID, error) {
	f.spawned = append(f.spawned, image)
	return types.ProcessID(len(f.spawned)), nil
}

type rig struct {
	reg    *object.Registry
	sched  *sched.Scheduler
	procs  *fakeProcs
	life   *fakeLife
	engine *ipc.Engine
	disp   *Dispatcher
	ut     types.Capability
}

func newRig(t *testing.T) *rig {
	t.Helper()
	reg := object.NewRegistry(64, nil)
	s := sched.New(1, 4, nil)
	procs := newFakeProcs()
	life := &fakeLife{}
	engine := ipc.NewEngine(reg, s, procs, nil)
	ut, err := reg.MintUntyped(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	return &rig{
		reg:    reg,
		sched:  s,
		procs:  procs,
		life:   life,
		engine: engine,
		disp:   New(reg, engine, s, procs, life),
		ut:     ut,
	}
}

func (r *rig) thread(t *testing.T) types.ThreadID {
	t.Helper()
	cap, err := r.reg.Retype(r.ut, object.KindThread, 0)
	if err != nil {
		t.Fatal(err)
	}
	tid := cap.Object
	if err := r.sched.Add(tid, types.ProcessID(tid), 4, 0); err != nil {
		t.Fatal(err)
	}
	r.procs.tables[tid] = captable.New(16)
	return tid
}

func (r *rig) seed(t *testing.T, tid types.ThreadID, kind object.Kind, size uint64, mask types.Rights) types.CapIndex {
	t.Helper()
	cap, err := r.reg.Retype(r.ut, kind, size)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := r.procs.tables[tid].InsertOwned(cap.Narrow(mask))
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestDuplicateNarrows(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)
	idx := r.seed(t, tid, object.KindEndpoint, 0, types.RightsAll)

	res, err := r.disp.Dispatch(tid, Trap{Number: CapDuplicate, Cap: idx, Arg0: uint64(types.RightSend)})
	if err != nil {
		t.Fatal(err)
	}
	dup, err := r.procs.tables[tid].Lookup(types.CapIndex(res.Value))
	if err != nil {
		t.Fatal(err)
	}
	if dup.Rights != types.RightSend {
		t.Fatalf("duplicate rights = %v, want send only", dup.Rights)
	}
}

func TestRevokeReplacesSlotAndKillsSiblings(t *testing.T) {
	r := newRig(t)
	owner := r.thread(t)
	peer := r.thread(t)
	idx := r.seed(t, owner, object.KindEndpoint, 0, types.RightsAll)

	// Hand the peer a copy, then revoke from the owner.
	c, _ := r.procs.tables[owner].Lookup(idx)
	if err := r.reg.Retain(c); err != nil {
		t.Fatal(err)
	}
	peerIdx, err := r.procs.tables[peer].InsertOwned(c)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.disp.Dispatch(owner, Trap{Number: CapRevoke, Cap: idx}); err != nil {
		t.Fatal(err)
	}

	stale, _ := r.procs.tables[peer].Lookup(peerIdx)
	if _, err := r.reg.Resolve(stale, 0, "test"); !errors.Is(err, types.ErrRevoked) {
		t.Fatalf("peer capability after revoke: %v, want Revoked", err)
	}
	fresh, _ := r.procs.tables[owner].Lookup(idx)
	if _, err := r.reg.Resolve(fresh, types.RightManage, "test"); err != nil {
		t.Fatalf("revoker's fresh root: %v", err)
	}
}

func TestRetypeInsertsChildCap(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)
	utIdx, err := r.procs.tables[tid].InsertOwned(r.ut)
	if err != nil {
		t.Fatal(err)
	}
	// InsertOwned takes over the rig's ref; keep the registry balanced.
	if err := r.reg.Retain(r.ut); err != nil {
		t.Fatal(err)
	}

	res, err := r.disp.Dispatch(tid, Trap{
		Number: MemRetype,
		Cap:    utIdx,
		Arg0:   uint64(object.KindEndpoint),
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := r.procs.tables[tid].Lookup(types.CapIndex(res.Value))
	if err != nil {
		t.Fatal(err)
	}
	obj, err := r.reg.Resolve(child, types.RightSend|types.RightRecv, "test")
	if err != nil {
		t.Fatal(err)
	}
	if obj.Kind != object.KindEndpoint {
		t.Fatalf("retyped kind = %v", obj.Kind)
	}
}

func TestCallReplyThroughDispatcher(t *testing.T) {
	r := newRig(t)
	client := r.thread(t)
	server := r.thread(t)

	ep, err := r.reg.Retype(r.ut, object.KindEndpoint, 0)
	if err != nil {
		t.Fatal(err)
	}
	clientIdx, _ := r.procs.tables[client].InsertOwned(ep.Narrow(types.RightSend))
	if err := r.reg.Retain(ep); err != nil {
		t.Fatal(err)
	}
	serverIdx, _ := r.procs.tables[server].InsertOwned(ep.Narrow(types.RightRecv))

	res, err := r.disp.Dispatch(client, Trap{
		Number: IPCCall,
		Cap:    clientIdx,
		Msg:    types.Message{Words: words(7)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Blocked {
		t.Fatal("call did not block the client")
	}

	res, err = r.disp.Dispatch(server, Trap{Number: IPCRecv, Cap: serverIdx})
	if err != nil {
		t.Fatal(err)
	}
	if res.Blocked || res.Delivery == nil {
		t.Fatalf("recv = %+v", res)
	}
	if res.Delivery.Words[0] != 7 || res.Delivery.ReplyCap == nil {
		t.Fatalf("delivery = %+v", res.Delivery)
	}

	replyIdx := *res.Delivery.ReplyCap
	if _, err := r.disp.Dispatch(server, Trap{
		Number: IPCReply,
		Cap:    replyIdx,
		Msg:    types.Message{Words: words(8)},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := r.sched.TakeOutcome(client)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != types.CodeOK || out.Delivery == nil || out.Delivery.Words[0] != 8 {
		t.Fatalf("client outcome = %+v", out)
	}

	// The reply slot was single use and must be gone: a second
	// ipc_reply fails NotFound here, while the engine's nonce check is
	// what fails InvalidEndpoint for a retained capability value.
	if _, err := r.procs.tables[server].Lookup(replyIdx); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("reply slot after reply: %v", err)
	}
	if _, err := r.disp.Dispatch(server, Trap{Number: IPCReply, Cap: replyIdx}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("second reply = %v, want NotFound", err)
	}
}

func TestDelegatedRoutesByClass(t *testing.T) {
	r := newRig(t)
	client := r.thread(t)
	server := r.thread(t)

	ep, err := r.reg.Retype(r.ut, object.KindEndpoint, 0)
	if err != nil {
		t.Fatal(err)
	}
	slot, _ := r.procs.tables[client].InsertOwned(ep.Narrow(types.RightSend))
	if err := r.reg.Retain(ep); err != nil {
		t.Fatal(err)
	}
	serverIdx, _ := r.procs.tables[server].InsertOwned(ep.Narrow(types.RightRecv))
	r.procs.routes[ClassFile] = slot

	fileOpen := DelegatedBase | 0x01
	res, err := r.disp.Dispatch(client, Trap{Number: fileOpen, Msg: types.Message{Words: words(0, 0xF11E)}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Blocked {
		t.Fatal("delegated call did not block")
	}

	res, err = r.disp.Dispatch(server, Trap{Number: IPCRecv, Cap: serverIdx})
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivery.Words[0] != uint64(fileOpen) {
		t.Fatalf("word 0 = %#x, want the syscall number", res.Delivery.Words[0])
	}
	if res.Delivery.Words[1] != 0xF11E {
		t.Fatalf("payload word = %#x", res.Delivery.Words[1])
	}
	if res.Delivery.ReplyCap == nil {
		t.Fatal("delegated call carried no reply capability")
	}
}

func TestDelegatedWithoutRouteFails(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)
	_, err := r.disp.Dispatch(tid, Trap{Number: DelegatedBase | 0x0200}) // net class, nothing seeded
	if !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Fatalf("err = %v, want InvalidEndpoint", err)
	}
}

func TestLifecycleOps(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)

	if _, err := r.disp.Dispatch(tid, Trap{Number: ThreadExit}); err != nil {
		t.Fatal(err)
	}
	if len(r.life.exited) != 1 || r.life.exited[0] != tid {
		t.Fatalf("exited = %v", r.life.exited)
	}

	res, err := r.disp.Dispatch(tid, Trap{Number: ProcessSpawn, Image: "fs.service"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 1 || r.life.spawned[0] != "fs.service" {
		t.Fatalf("spawn result = %+v, spawned = %v", res, r.life.spawned)
	}
}

func TestMapUnmapDispatch(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)
	idx := r.seed(t, tid, object.KindMemoryRegion, 8192, types.RightsAll)
	c, _ := r.procs.tables[tid].Lookup(idx)

	if _, err := r.disp.Dispatch(tid, Trap{Number: MemMap, Cap: idx, Arg0: 0x40_0000}); err != nil {
		t.Fatal(err)
	}
	if got := r.procs.mapped[c.Object]; got != 0x40_0000 {
		t.Fatalf("mapped at %#x", got)
	}
	if _, err := r.disp.Dispatch(tid, Trap{Number: MemUnmap, Cap: idx}); err != nil {
		t.Fatal(err)
	}
	if len(r.procs.mapped) != 0 {
		t.Fatalf("mappings left: %v", r.procs.mapped)
	}
}

func TestUnknownNumber(t *testing.T) {
	r := newRig(t)
	tid := r.thread(t)
	if _, err := r.disp.Dispatch(tid, Trap{Number: 0xFF}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func words(ws ...uint64) [types.MessageWords]uint64 {
	var out [types.MessageWords]uint64
	copy(out[:], ws)
	return out
}
