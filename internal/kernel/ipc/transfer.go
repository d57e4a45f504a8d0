package ipc

import (
	"github.com/meridian-os/meridian/internal/kernel/captable"
	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// effectiveMask treats a zero mask as "no narrowing" so that plain
// moves and copies do not have to spell out RightsAll.
func effectiveMask(mask types.Rights) types.Rights {
	if mask == 0 {
		return types.RightsAll | types.RightReply
	}
	return mask
}

// validateTransfers checks message geometry and every named capability
// slot before anything pairs, so a bad message fails without side
// effects.
func (e *Engine) validateTransfers(tbl *captable.Table, msg *types.Message, op string) error {
	if len(msg.Caps) > types.MessageCapSlots {
		return types.Errf(types.CodeInvalidEndpoint, op)
	}
	for _, tr := range msg.Caps {
		c, err := tbl.Lookup(tr.Index)
		if err != nil {
			return err
		}
		if _, err := e.reg.Resolve(c, 0, op); err != nil {
			return err
		}
	}
	if msg.Bulk != nil {
		c, err := tbl.Lookup(msg.Bulk.Index)
		if err != nil {
			return err
		}
		obj, err := e.reg.Resolve(c, types.RightRead, op)
		if err != nil {
			return err
		}
		if obj.Kind != object.KindMemoryRegion || msg.Bulk.Length > obj.Region.Size {
			return types.Errf(types.CodeMisaligned, op)
		}
	}
	return nil
}

// transfer commits a rendezvous: copies the inline words and moves or
// copies each capability slot from the sender's table into the
// receiver's. Every slot is re-checked against the registry here, at
// pairing time; a capability revoked between enqueue and pairing is
// dropped rather than delivered stale. A receiver table that fills up
// mid-transfer also drops the remaining slots; inline words always
// arrive.
func (e *Engine) transfer(sender types.ThreadID, senderTbl, receiverTbl *captable.Table, msg *types.Message) *types.Delivery {
	d := &types.Delivery{From: sender, Words: msg.Words}

	for _, tr := range msg.Caps {
		var c types.Capability
		var err error

		switch tr.Mode {
		case types.TransferMove:
			c, err = senderTbl.Remove(tr.Index)
			if err != nil {
				continue
			}
			if _, rerr := e.reg.Resolve(c, 0, "transfer"); rerr != nil {
				// Revoked in flight; the moved slot is simply gone.
				continue
			}
			c.Rights = c.Rights.Narrow(effectiveMask(tr.Mask))
			idx, ierr := receiverTbl.InsertOwned(c)
			if ierr != nil {
				e.reg.Release(c)
				continue
			}
			d.Caps = append(d.Caps, idx)

		case types.TransferCopy:
			c, err = senderTbl.Lookup(tr.Index)
			if err != nil {
				continue
			}
			child := c
			child.Rights = c.Rights.Narrow(effectiveMask(tr.Mask))
			if rerr := e.reg.Retain(child); rerr != nil {
				continue
			}
			idx, ierr := receiverTbl.InsertOwned(child)
			if ierr != nil {
				e.reg.Release(child)
				continue
			}
			d.Caps = append(d.Caps, idx)
		}
	}

	if msg.Bulk != nil {
		if c, err := senderTbl.Lookup(msg.Bulk.Index); err == nil {
			child := c
			child.Rights = c.Rights.Narrow(types.RightRead)
			if rerr := e.reg.Retain(child); rerr == nil {
				if idx, ierr := receiverTbl.InsertOwned(child); ierr == nil {
					d.Bulk = &types.BulkDescriptor{Index: idx, Length: msg.Bulk.Length}
				} else {
					e.reg.Release(child)
				}
			}
		}
	}

	return d
}
