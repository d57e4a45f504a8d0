package ipc

import (
	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/kernel/sched"
	"github.com/meridian-os/meridian/internal/shared/types"
)

func (e *Engine) notification(cap types.Capability, need types.Rights, op string) (*object.Object, error) {
	obj, err := e.reg.Resolve(cap, need, op)
	if err != nil {
		return nil, err
	}
	if obj.Kind != object.KindNotification {
		return nil, types.Errf(types.CodeInvalidEndpoint, op)
	}
	return obj, nil
}

// Notify ORs bits into the notification's accumulator and wakes one
// waiter if any. Never blocks the caller.
func (e *Engine) Notify(tid types.ThreadID, notifCap types.Capability, bits uint64) error {
	obj, err := e.notification(notifCap, types.RightSend, "ipc_notify")
	if err != nil {
		return err
	}

	n := obj.Notification
	for {
		n.Lock()
		n.OrBits(bits)
		waiter, ok := n.PopWaiter()
		var delivered uint64
		if ok {
			delivered = n.Clear()
		}
		n.Unlock()

		e.emitter.Emit(event.Event{Type: event.TypeNotify, Fields: map[string]interface{}{
			"notification": uint32(obj.ID),
			"bits":         bits,
		}})

		if !ok {
			return nil
		}
		if werr := e.sched.Wake(waiter, &sched.Outcome{Code: types.CodeOK, Bits: delivered}); werr == nil {
			return nil
		}
		// The popped waiter raced away (killed or timed out). Its bits
		// went back into nothing: restore them and try the next waiter.
		n.Lock()
		n.OrBits(delivered)
		n.Unlock()
	}
}

// Wait reads and clears the accumulator, blocking while it is zero.
func (e *Engine) Wait(tid types.ThreadID, notifCap types.Capability, deadline types.Tick) (bits uint64, blocked bool, err error) {
	obj, err := e.notification(notifCap, types.RightRecv, "ipc_wait")
	if err != nil {
		return 0, false, err
	}

	n := obj.Notification
	n.Lock()
	if b := n.Clear(); b != 0 {
		n.Unlock()
		return b, false, nil
	}
	n.PushWaiter(tid)
	n.Unlock()

	cancel := func() {
		n.Lock()
		n.RemoveWaiter(tid)
		n.Unlock()
	}
	if berr := e.sched.Block(tid, types.StateBlockedNotify, obj.ID, deadline, cancel); berr != nil {
		cancel()
		return 0, false, berr
	}
	return 0, true, nil
}
