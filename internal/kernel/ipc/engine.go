package ipc

import (
	"sync"

	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/kernel/sched"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Scheduler is the slice of the scheduler the engine drives. Satisfied
// by *sched.Scheduler; narrowed for dependency injection in tests.
type Scheduler interface {
	Block(tid types.ThreadID, state types.ThreadState, on types.ObjectID, deadline types.Tick, cancel func()) error
	Wake(tid types.ThreadID, out *sched.Outcome) error
	Rebind(tid types.ThreadID, on types.ObjectID, deadline types.Tick) error
	State(tid types.ThreadID) (types.ThreadState, error)
	Donate(server, client types.ThreadID)
	Withdraw(server, client types.ThreadID)
}

// Tables resolves a thread to its process's capability table.
type Tables interface {
	TableFor(tid types.ThreadID) (*captable.Table, error)
}

// park holds a blocked sender's message until pairing.
type park struct {
	msg    types.Message
	isCall bool
}

// callState tracks one outstanding call: the reply nonce and, once
// paired, the server thread the caller donated to.
type callState struct {
	nonce  uint64
	server types.ThreadID
}

// Engine is the IPC rendezvous engine.
type Engine struct {
	reg     *object.Registry
	sched   Scheduler
	tables  Tables
	emitter event.Emitter

	mu        sync.Mutex
	nextNonce uint64
	parks     map[types.ThreadID]*park
	calls     map[types.ThreadID]*callState
}

// NewEngine wires the engine to the registry, scheduler, and capability
// table resolver.
func NewEngine(reg *object.Registry, s Scheduler, tables Tables, em event.Emitter) *Engine {
	if em == nil {
		em = event.Discard
	}
	return &Engine{
		reg:     reg,
		sched:   s,
		tables:  tables,
		emitter: em,
		parks:   make(map[types.ThreadID]*park),
		calls:   make(map[types.ThreadID]*callState),
	}
}

// endpoint resolves cap to an endpoint object, mapping wrong-kind to
// InvalidEndpoint.
func (e *Engine) endpoint(cap types.Capability, need types.Rights, op string) (*object.Object, error) {
	obj, err := e.reg.Resolve(cap, need, op)
	if err != nil {
		return nil, err
	}
	if obj.Kind != object.KindEndpoint {
		return nil, types.Errf(types.CodeInvalidEndpoint, op)
	}
	return obj, nil
}

// Send transfers msg over the endpoint. If a receiver waits, pairing is
// immediate and Send returns without blocking. Otherwise a blocking
// send parks the caller (blocked=true); a non-blocking send fails
// WouldBlock. Fails side-effect free before any pairing.
func (e *Engine) Send(tid types.ThreadID, epCap types.Capability, msg types.Message, blocking bool, deadline types.Tick) (blocked bool, err error) {
	return e.send(tid, epCap, msg, blocking, false, deadline)
}

// Call is a send that blocks the caller until a reply arrives; the
// receiver is handed a single-use reply capability at pairing time. On
// success the caller is always blocked and the reply is delivered later
// through its outcome.
func (e *Engine) Call(tid types.ThreadID, epCap types.Capability, msg types.Message, deadline types.Tick) error {
	_, err := e.send(tid, epCap, msg, true, true, deadline)
	return err
}

func (e *Engine) send(tid types.ThreadID, epCap types.Capability, msg types.Message, blocking, isCall bool, deadline types.Tick) (bool, error) {
	op := "ipc_send"
	if isCall {
		op = "ipc_call"
	}

	ep, err := e.endpoint(epCap, types.RightSend, op)
	if err != nil {
		return false, err
	}

	senderTbl, err := e.tables.TableFor(tid)
	if err != nil {
		return false, err
	}
	if err := e.validateTransfers(senderTbl, &msg, op); err != nil {
		return false, err
	}

	// Fast path: a receiver is already waiting. Pop under the endpoint
	// lock, deliver after releasing it.
	for {
		ep.Endpoint.Lock()
		receiver, ok := ep.Endpoint.PopReceiver()
		ep.Endpoint.Unlock()
		if !ok {
			break
		}

		// A timed-out or killed receiver may still sit in the queue for
		// the instant between its wake and its cancel hook; skip it.
		if st, serr := e.sched.State(receiver); serr != nil || st != types.StateBlockedReceive {
			continue
		}
		return e.pairWithReceiver(tid, receiver, ep, msg, isCall, deadline)
	}

	if !blocking {
		return false, types.Errf(types.CodeWouldBlock, op)
	}

	// Park the message and join the sender queue.
	e.mu.Lock()
	e.parks[tid] = &park{msg: msg, isCall: isCall}
	if isCall {
		e.nextNonce++
		e.calls[tid] = &callState{nonce: e.nextNonce}
	}
	e.mu.Unlock()

	ep.Endpoint.Lock()
	ep.Endpoint.PushSender(tid)
	ep.Endpoint.Unlock()

	epObj := ep
	cancel := func() { e.cancelWait(tid, epObj) }
	if err := e.sched.Block(tid, types.StateBlockedSend, ep.ID, deadline, cancel); err != nil {
		// The thread cannot block (killed underneath us); undo.
		e.cancelWait(tid, epObj)
		return false, err
	}
	return true, nil
}

// pairWithReceiver completes a rendezvous initiated by a running sender
// against a blocked receiver. No endpoint lock is held.
func (e *Engine) pairWithReceiver(sender, receiver types.ThreadID, ep *object.Object, msg types.Message, isCall bool, deadline types.Tick) (bool, error) {
	senderTbl, err := e.tables.TableFor(sender)
	if err != nil {
		return false, err
	}
	receiverTbl, err := e.tables.TableFor(receiver)
	if err != nil {
		return false, err
	}

	delivery := e.transfer(sender, senderTbl, receiverTbl, &msg)

	if isCall {
		replyIdx, err := e.mintReply(sender, receiver, receiverTbl)
		if err != nil {
			// Table full on the receiver side: the call cannot complete;
			// surface it to the sender before anything blocks.
			e.wakeReceiverAborted(receiver)
			return false, err
		}
		delivery.ReplyCap = &replyIdx

		// The caller blocks awaiting the reply and donates priority to
		// the server for the duration.
		if err := e.sched.Block(sender, types.StateBlockedSend, receiver, types.NoDeadline, func() { e.cancelWait(sender, nil) }); err != nil {
			return false, err
		}
		e.sched.Donate(receiver, sender)
	}

	e.emitPair(ep.ID, sender, receiver, isCall)

	if werr := e.sched.Wake(receiver, &sched.Outcome{Code: types.CodeOK, Delivery: delivery}); werr != nil {
		types.Fatalf("ipc: paired receiver %d cannot wake: %v", receiver, werr)
	}
	return isCall, nil
}

// Recv receives from the endpoint: pairs with a waiting sender
// immediately, or blocks the caller as a waiting receiver.
func (e *Engine) Recv(tid types.ThreadID, epCap types.Capability, deadline types.Tick) (*types.Delivery, bool, error) {
	ep, err := e.endpoint(epCap, types.RightRecv, "ipc_recv")
	if err != nil {
		return nil, false, err
	}

	for {
		ep.Endpoint.Lock()
		sender, ok := ep.Endpoint.PopSender()
		ep.Endpoint.Unlock()
		if !ok {
			break
		}

		e.mu.Lock()
		pk := e.parks[sender]
		delete(e.parks, sender)
		e.mu.Unlock()
		if pk == nil {
			// Sender raced away (timeout or kill); take the next one.
			continue
		}
		return e.pairWithSender(sender, tid, ep, pk)
	}

	ep.Endpoint.Lock()
	ep.Endpoint.PushReceiver(tid)
	ep.Endpoint.Unlock()

	epObj := ep
	if err := e.sched.Block(tid, types.StateBlockedReceive, ep.ID, deadline, func() { e.cancelWait(tid, epObj) }); err != nil {
		e.cancelWait(tid, epObj)
		return nil, false, err
	}
	return nil, true, nil
}

// pairWithSender completes a rendezvous initiated by a running receiver
// against a parked sender.
func (e *Engine) pairWithSender(sender, receiver types.ThreadID, ep *object.Object, pk *park) (*types.Delivery, bool, error) {
	senderTbl, err := e.tables.TableFor(sender)
	if err != nil {
		return nil, false, err
	}
	receiverTbl, err := e.tables.TableFor(receiver)
	if err != nil {
		return nil, false, err
	}

	delivery := e.transfer(sender, senderTbl, receiverTbl, &pk.msg)

	if pk.isCall {
		replyIdx, err := e.mintReply(sender, receiver, receiverTbl)
		if err != nil {
			// No room for the reply capability: abort the call.
			e.abortCall(sender)
			return nil, false, err
		}
		delivery.ReplyCap = &replyIdx

		// The sender stays blocked, now awaiting the reply rather than
		// pairing: its pairing deadline no longer applies.
		if err := e.sched.Rebind(sender, receiver, types.NoDeadline); err == nil {
			e.sched.Donate(receiver, sender)
		}
	} else {
		if werr := e.sched.Wake(sender, &sched.Outcome{Code: types.CodeOK}); werr != nil {
			types.Fatalf("ipc: paired sender %d cannot wake: %v", sender, werr)
		}
	}

	e.emitPair(ep.ID, sender, receiver, pk.isCall)
	return delivery, false, nil
}

// Reply sends the single response authorized by replyCap and wakes the
// original caller. A second reply through a consumed capability fails
// InvalidEndpoint.
func (e *Engine) Reply(tid types.ThreadID, replyCap types.Capability, msg types.Message) error {
	if !replyCap.IsReply() || !replyCap.Rights.Has(types.RightReply) {
		return types.Errf(types.CodeInvalidEndpoint, "ipc_reply")
	}
	caller := replyCap.Object

	e.mu.Lock()
	cs := e.calls[caller]
	if cs == nil || cs.nonce != replyCap.ReplyNonce {
		e.mu.Unlock()
		return types.Errf(types.CodeInvalidEndpoint, "ipc_reply")
	}
	delete(e.calls, caller)
	server := cs.server
	e.mu.Unlock()

	serverTbl, err := e.tables.TableFor(tid)
	if err != nil {
		return err
	}
	callerTbl, err := e.tables.TableFor(caller)
	if err != nil {
		return err
	}
	if err := e.validateTransfers(serverTbl, &msg, "ipc_reply"); err != nil {
		// The nonce was consumed above; restore it so the reply can be
		// retried with a valid message.
		e.mu.Lock()
		e.calls[caller] = cs
		e.mu.Unlock()
		return err
	}

	delivery := e.transfer(tid, serverTbl, callerTbl, &msg)

	if server != 0 {
		e.sched.Withdraw(server, caller)
	}
	e.reg.Release(replyCap)

	if werr := e.sched.Wake(caller, &sched.Outcome{Code: types.CodeOK, Delivery: delivery}); werr != nil {
		// Caller was killed between pairing and reply; the reply is
		// simply dropped.
		return nil
	}
	return nil
}

// mintReply creates the single-use reply capability for a call from
// sender, inserts it in the receiver's table, and registers the call.
// The capability references the caller's thread object, so thread
// generation checks apply to replies like everything else.
func (e *Engine) mintReply(sender, receiver types.ThreadID, receiverTbl *captable.Table) (types.CapIndex, error) {
	obj, ok := e.reg.Get(sender)
	if !ok {
		return 0, types.Errf(types.CodeInvalidThread, "ipc_call")
	}

	e.mu.Lock()
	cs := e.calls[sender]
	if cs == nil {
		// Fast-path call: no park existed, register now.
		e.nextNonce++
		cs = &callState{nonce: e.nextNonce}
		e.calls[sender] = cs
	}
	cs.server = receiver
	nonce := cs.nonce
	e.mu.Unlock()

	replyCap := types.Capability{
		Object:     sender,
		Generation: obj.Generation,
		Rights:     types.RightReply,
		ReplyNonce: nonce,
	}
	if err := e.reg.Retain(replyCap); err != nil {
		return 0, err
	}
	idx, err := receiverTbl.InsertOwned(replyCap)
	if err != nil {
		e.reg.Release(replyCap)
		e.mu.Lock()
		delete(e.calls, sender)
		e.mu.Unlock()
		return 0, err
	}
	return idx, nil
}

// cancelWait removes tid from the endpoint's wait queue and clears any
// parked message or unpaired call. Idempotent; runs both as the
// scheduler's cancellation hook and from abort paths.
func (e *Engine) cancelWait(tid types.ThreadID, ep *object.Object) {
	if ep != nil && ep.Endpoint != nil {
		ep.Endpoint.Lock()
		ep.Endpoint.Remove(tid)
		ep.Endpoint.Unlock()
	}

	e.mu.Lock()
	delete(e.parks, tid)
	if cs := e.calls[tid]; cs != nil && cs.server == 0 {
		// Unpaired call: the nonce dies with the wait. Paired calls are
		// cleaned by AbortThread or Reply.
		delete(e.calls, tid)
	}
	e.mu.Unlock()
}

// abortCall clears a paired call and wakes the caller with Aborted.
func (e *Engine) abortCall(caller types.ThreadID) {
	e.mu.Lock()
	cs := e.calls[caller]
	delete(e.calls, caller)
	e.mu.Unlock()

	if cs != nil && cs.server != 0 {
		e.sched.Withdraw(cs.server, caller)
	}
	_ = e.sched.Wake(caller, &sched.Outcome{Code: types.CodeAborted})
}

func (e *Engine) wakeReceiverAborted(receiver types.ThreadID) {
	_ = e.sched.Wake(receiver, &sched.Outcome{Code: types.CodeAborted})
}

// AbortThread cleans up every IPC relationship of a dying thread: its
// own outstanding call, and the calls of clients blocked on it as a
// server, which fail Aborted. Called before the scheduler marks the
// thread Zombie; wait-queue removal happens via the cancel hook.
func (e *Engine) AbortThread(tid types.ThreadID) {
	e.mu.Lock()
	var own *callState
	if cs := e.calls[tid]; cs != nil {
		own = cs
		delete(e.calls, tid)
	}
	var orphaned []types.ThreadID
	for caller, cs := range e.calls {
		if cs.server == tid {
			orphaned = append(orphaned, caller)
			delete(e.calls, caller)
		}
	}
	e.mu.Unlock()

	if own != nil && own.server != 0 {
		e.sched.Withdraw(own.server, tid)
	}
	for _, caller := range orphaned {
		e.sched.Withdraw(tid, caller)
		_ = e.sched.Wake(caller, &sched.Outcome{Code: types.CodeAborted})
	}
}

func (e *Engine) emitPair(ep types.ObjectID, sender, receiver types.ThreadID, isCall bool) {
	e.emitter.Emit(event.Event{Type: event.TypeIPCPair, Fields: map[string]interface{}{
		"endpoint": uint32(ep),
		"sender":   uint32(sender),
		"receiver": uint32(receiver),
		"call":     isCall,
	}})
}
