package ipc

import (
	"errors"
	"testing"

	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/kernel/sched"
	"github.com/meridian-os/meridian/internal/shared/types"
)

type tableMap map[types.ThreadID]*captable.Table

func (m tableMap) TableFor(tid types.ThreadID) (*captable.Table, error) {
	tbl, ok := m[tid]
	if !ok {
		return nil, types.Errf(types.CodeInvalidThread, "table_for")
	}
	return tbl, nil
}

type rig struct {
	reg    *object.Registry
	sched  *sched.Scheduler
	tables tableMap
	engine *Engine
	ut     types.Capability
}

func newRig(t *testing.T) *rig {
	t.Helper()
	reg := object.NewRegistry(64, nil)
	s := sched.New(1, 4, nil)
	tables := tableMap{}
	ut, err := reg.MintUntyped(1 << 20)
	if err != nil {
		t.Fatalf("MintUntyped failed: %v", err)
	}
	return &rig{
		reg:    reg,
		sched:  s,
		tables: tables,
		engine: NewEngine(reg, s, tables, nil),
		ut:     ut,
	}
}

// thread creates a thread object, registers it with the scheduler, and
// gives it a fresh capability table.
func (r *rig) thread(t *testing.T, prio types.Priority) types.ThreadID {
	t.Helper()
	cap, err := r.reg.Retype(r.ut, object.KindThread, 0)
	if err != nil {
		t.Fatalf("thread retype failed: %v", err)
	}
	tid := cap.Object
	if err := r.sched.Add(tid, types.ProcessID(tid), prio, 0); err != nil {
		t.Fatalf("sched add failed: %v", err)
	}
	r.tables[tid] = captable.New(16)
	return tid
}

func (r *rig) endpointCap(t *testing.T) types.Capability {
	t.Helper()
	cap, err := r.reg.Retype(r.ut, object.KindEndpoint, 0)
	if err != nil {
		t.Fatalf("endpoint retype failed: %v", err)
	}
	return cap
}

func words(ws ...uint64) [types.MessageWords]uint64 {
	var out [types.MessageWords]uint64
	copy(out[:], ws)
	return out
}

func TestSendBlocksUntilReceive(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	receiver := r.thread(t, 4)
	ep := r.endpointCap(t)

	blocked, err := r.engine.Send(sender, ep, types.Message{Words: words(42)}, true, types.NoDeadline)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !blocked {
		t.Fatal("send with no receiver should block")
	}
	if st, _ := r.sched.State(sender); st != types.StateBlockedSend {
		t.Errorf("expected blocked_send, got %s", st)
	}

	d, blocked, err := r.engine.Recv(receiver, ep, types.NoDeadline)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if blocked || d == nil {
		t.Fatal("recv with a waiting sender should pair immediately")
	}
	if d.Words[0] != 42 || d.From != sender {
		t.Errorf("unexpected delivery: %+v", d)
	}

	// Sender woke with a success outcome.
	if st, _ := r.sched.State(sender); st.Blocked() {
		t.Error("sender should be runnable after pairing")
	}
	out, _ := r.sched.TakeOutcome(sender)
	if out == nil || out.Code != types.CodeOK {
		t.Errorf("expected OK outcome for sender, got %v", out)
	}
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	receiver := r.thread(t, 4)
	ep := r.endpointCap(t)

	_, blocked, err := r.engine.Recv(receiver, ep, types.NoDeadline)
	if err != nil || !blocked {
		t.Fatalf("recv should block: blocked=%v err=%v", blocked, err)
	}

	blocked, err = r.engine.Send(sender, ep, types.Message{Words: words(7)}, true, types.NoDeadline)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if blocked {
		t.Fatal("send against a waiting receiver should not block")
	}

	out, _ := r.sched.TakeOutcome(receiver)
	if out == nil || out.Delivery == nil || out.Delivery.Words[0] != 7 {
		t.Errorf("receiver should get the delivery, got %+v", out)
	}
}

func TestNonBlockingSendWouldBlock(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	ep := r.endpointCap(t)

	if _, err := r.engine.Send(sender, ep, types.Message{}, false, types.NoDeadline); !errors.Is(err, types.ErrWouldBlock) {
		t.Errorf("expected WouldBlock, got %v", err)
	}
	if st, _ := r.sched.State(sender); st.Blocked() {
		t.Error("failed non-blocking send must not block")
	}
}

func TestSendRequiresSendRight(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	ep := r.endpointCap(t)

	weak := ep
	weak.Rights = weak.Rights.Narrow(types.RightRecv)
	if _, err := r.engine.Send(sender, weak, types.Message{}, true, types.NoDeadline); !errors.Is(err, types.ErrInsufficientRights) {
		t.Errorf("expected InsufficientRights, got %v", err)
	}
}

func TestEndpointQueuesNeverBothPopulated(t *testing.T) {
	r := newRig(t)
	ep := r.endpointCap(t)
	obj, _ := r.reg.Get(ep.Object)

	check := func() {
		obj.Endpoint.Lock()
		defer obj.Endpoint.Unlock()
		if len(obj.Endpoint.Senders()) > 0 && len(obj.Endpoint.Receivers()) > 0 {
			t.Fatal("both endpoint queues populated")
		}
	}

	s1 := r.thread(t, 4)
	s2 := r.thread(t, 4)
	rc := r.thread(t, 4)

	r.engine.Send(s1, ep, types.Message{}, true, types.NoDeadline)
	check()
	r.engine.Send(s2, ep, types.Message{}, true, types.NoDeadline)
	check()
	r.engine.Recv(rc, ep, types.NoDeadline)
	check()
	r.engine.Recv(rc, ep, types.NoDeadline)
	check()
	r.engine.Recv(rc, ep, types.NoDeadline) // drains, then blocks
	check()
}

func TestCallReplyRoundtrip(t *testing.T) {
	r := newRig(t)
	client := r.thread(t, 4)
	server := r.thread(t, 4)
	ep := r.endpointCap(t)

	if err := r.engine.Call(client, ep, types.Message{Words: words(1, 2, 3, 4)}, types.NoDeadline); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	d, blocked, err := r.engine.Recv(server, ep, types.NoDeadline)
	if err != nil || blocked {
		t.Fatalf("Recv should pair: blocked=%v err=%v", blocked, err)
	}
	if d.Words != words(1, 2, 3, 4) {
		t.Errorf("unexpected words: %v", d.Words)
	}
	if d.ReplyCap == nil {
		t.Fatal("call delivery must carry a reply capability")
	}

	// Client still blocked, now awaiting the reply.
	if st, _ := r.sched.State(client); st != types.StateBlockedSend {
		t.Fatalf("client should await reply, got %s", st)
	}

	replyCap, err := r.tables[server].Lookup(*d.ReplyCap)
	if err != nil {
		t.Fatalf("reply cap lookup failed: %v", err)
	}
	if err := r.engine.Reply(server, replyCap, types.Message{Words: words(9)}); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	out, _ := r.sched.TakeOutcome(client)
	if out == nil || out.Delivery == nil || out.Delivery.Words[0] != 9 {
		t.Errorf("client should receive the reply, got %+v", out)
	}
}

func TestReplyCapabilitySingleUse(t *testing.T) {
	r := newRig(t)
	client := r.thread(t, 4)
	server := r.thread(t, 4)
	ep := r.endpointCap(t)

	r.engine.Call(client, ep, types.Message{}, types.NoDeadline)
	d, _, _ := r.engine.Recv(server, ep, types.NoDeadline)
	replyCap, _ := r.tables[server].Lookup(*d.ReplyCap)

	if err := r.engine.Reply(server, replyCap, types.Message{}); err != nil {
		t.Fatalf("first reply failed: %v", err)
	}
	if err := r.engine.Reply(server, replyCap, types.Message{}); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Errorf("second reply should fail InvalidEndpoint, got %v", err)
	}
}

func TestCapabilityTransferCopyNarrows(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	receiver := r.thread(t, 4)
	ep := r.endpointCap(t)

	payload := r.endpointCap(t)
	idx, err := r.tables[sender].Insert(payload, r.reg)
	if err != nil {
		t.Fatal(err)
	}

	msg := types.Message{
		Caps: []types.CapTransfer{{Index: idx, Mode: types.TransferCopy, Mask: types.RightSend}},
	}
	r.engine.Recv(receiver, ep, types.NoDeadline)
	if _, err := r.engine.Send(sender, ep, msg, true, types.NoDeadline); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	out, _ := r.sched.TakeOutcome(receiver)
	if out == nil || out.Delivery == nil || len(out.Delivery.Caps) != 1 {
		t.Fatalf("expected one transferred capability, got %+v", out)
	}
	got, _ := r.tables[receiver].Lookup(out.Delivery.Caps[0])
	if got.Rights != types.RightSend {
		t.Errorf("expected narrowed send-only rights, got %s", got.Rights)
	}
	// Copy keeps the sender's slot.
	if _, err := r.tables[sender].Lookup(idx); err != nil {
		t.Error("copy must not consume the sender's slot")
	}
}

func TestCapabilityTransferMoveConsumesSlot(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	receiver := r.thread(t, 4)
	ep := r.endpointCap(t)

	payload := r.endpointCap(t)
	idx, _ := r.tables[sender].Insert(payload, r.reg)

	msg := types.Message{
		Caps: []types.CapTransfer{{Index: idx, Mode: types.TransferMove}},
	}
	r.engine.Recv(receiver, ep, types.NoDeadline)
	if _, err := r.engine.Send(sender, ep, msg, true, types.NoDeadline); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := r.tables[sender].Lookup(idx); !errors.Is(err, types.ErrNotFound) {
		t.Error("move must consume the sender's slot")
	}
	out, _ := r.sched.TakeOutcome(receiver)
	if out == nil || out.Delivery == nil || len(out.Delivery.Caps) != 1 {
		t.Fatalf("receiver should hold the moved capability, got %+v", out)
	}
}

func TestSendDeadlineTimesOut(t *testing.T) {
	r := newRig(t)
	sender := r.thread(t, 4)
	receiver := r.thread(t, 4)
	ep := r.endpointCap(t)

	deadline := r.sched.Now() + 1
	blocked, err := r.engine.Send(sender, ep, types.Message{Words: words(1)}, true, deadline)
	if err != nil || !blocked {
		t.Fatalf("send should park: blocked=%v err=%v", blocked, err)
	}

	r.sched.Tick()

	out, _ := r.sched.TakeOutcome(sender)
	if out == nil || out.Code != types.CodeTimeout {
		t.Fatalf("expected Timeout outcome, got %+v", out)
	}

	// The timed-out sender left the queue: a receiver now blocks.
	_, blocked, err = r.engine.Recv(receiver, ep, types.NoDeadline)
	if err != nil || !blocked {
		t.Errorf("receiver should block after sender timeout: blocked=%v err=%v", blocked, err)
	}
}

func TestKilledReceiverNeverPairs(t *testing.T) {
	r := newRig(t)
	victim := r.thread(t, 4)
	sender := r.thread(t, 4)
	ep := r.endpointCap(t)

	_, blocked, _ := r.engine.Recv(victim, ep, types.NoDeadline)
	if !blocked {
		t.Fatal("victim should block")
	}

	r.engine.AbortThread(victim)
	if err := r.sched.Kill(victim); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if st, _ := r.sched.State(victim); st != types.StateZombie {
		t.Fatalf("expected zombie, got %s", st)
	}

	// A later send must not pair with the corpse.
	blocked, err := r.engine.Send(sender, ep, types.Message{}, true, types.NoDeadline)
	if err != nil || !blocked {
		t.Errorf("send should block, not pair with a killed receiver: blocked=%v err=%v", blocked, err)
	}
}

func TestKilledServerAbortsCaller(t *testing.T) {
	r := newRig(t)
	client := r.thread(t, 4)
	server := r.thread(t, 4)
	ep := r.endpointCap(t)

	r.engine.Call(client, ep, types.Message{}, types.NoDeadline)
	r.engine.Recv(server, ep, types.NoDeadline)

	r.engine.AbortThread(server)
	r.sched.Kill(server)

	out, _ := r.sched.TakeOutcome(client)
	if out == nil || out.Code != types.CodeAborted {
		t.Errorf("caller should observe Aborted, got %+v", out)
	}
}

func TestNotifyAndWait(t *testing.T) {
	r := newRig(t)
	waiter := r.thread(t, 4)
	notifier := r.thread(t, 4)

	notifCap, err := r.reg.Retype(r.ut, object.KindNotification, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Notify first: wait returns immediately with the accumulated bits.
	if err := r.engine.Notify(notifier, notifCap, 0b101); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := r.engine.Notify(notifier, notifCap, 0b010); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	bits, blocked, err := r.engine.Wait(waiter, notifCap, types.NoDeadline)
	if err != nil || blocked {
		t.Fatalf("wait should not block: %v", err)
	}
	if bits != 0b111 {
		t.Errorf("expected accumulated bits 0b111, got %b", bits)
	}

	// Accumulator cleared: the next wait blocks until notified.
	bits, blocked, err = r.engine.Wait(waiter, notifCap, types.NoDeadline)
	if err != nil || !blocked {
		t.Fatalf("wait on empty accumulator should block: %v", err)
	}
	if err := r.engine.Notify(notifier, notifCap, 0b1000); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	out, _ := r.sched.TakeOutcome(waiter)
	if out == nil || out.Bits != 0b1000 {
		t.Errorf("waiter should wake with bits, got %+v", out)
	}
}
