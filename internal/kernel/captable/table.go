package captable

import (
	"sort"
	"sync"

	"github.com/meridian-os/meridian/internal/kernel/object"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Table is one process's capability table.
type Table struct {
	mu       sync.RWMutex
	slots    map[types.CapIndex]types.Capability
	capacity int
}

// New creates an empty table holding at most capacity capabilities.
func New(capacity int) *Table {
	if capacity <= 0 {
		types.Fatalf("captable: non-positive capacity %d", capacity)
	}
	return &Table{
		slots:    make(map[types.CapIndex]types.Capability),
		capacity: capacity,
	}
}

// Lookup resolves an index to its capability value.
func (t *Table) Lookup(index types.CapIndex) (types.Capability, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.slots[index]
	if !ok {
		return types.Capability{}, types.Errf(types.CodeNotFound, "cap_lookup")
	}
	return c, nil
}

// freeIndexLocked finds the lowest free index, so seeded low slots stay
// stable and allocation is deterministic.
func (t *Table) freeIndexLocked() (types.CapIndex, bool) {
	if len(t.slots) >= t.capacity {
		return 0, false
	}
	for i := types.CapIndex(0); ; i++ {
		if _, used := t.slots[i]; !used {
			return i, true
		}
	}
}

// Insert places c in the lowest free slot, retaining its object in the
// registry. A stale capability is rejected before anything changes.
func (t *Table) Insert(c types.Capability, reg *object.Registry) (types.CapIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, ok := t.freeIndexLocked()
	if !ok {
		return 0, types.Errf(types.CodeTableFull, "cap_insert")
	}
	if err := reg.Retain(c); err != nil {
		return 0, err
	}
	t.slots[index] = c
	return index, nil
}

// InsertAt places c in a specific slot; used for seeding a fresh
// process's table. Fails TableFull if the slot is occupied.
func (t *Table) InsertAt(index types.CapIndex, c types.Capability, reg *object.Registry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, used := t.slots[index]; used || len(t.slots) >= t.capacity {
		return types.Errf(types.CodeTableFull, "cap_insert")
	}
	if err := reg.Retain(c); err != nil {
		return err
	}
	t.slots[index] = c
	return nil
}

// Duplicate derives a new capability from index with rights narrowed by
// mask and places it in a free slot. child.Rights is always a subset of
// the parent's.
func (t *Table) Duplicate(index types.CapIndex, mask types.Rights, reg *object.Registry) (types.CapIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.slots[index]
	if !ok {
		return 0, types.Errf(types.CodeNotFound, "cap_duplicate")
	}
	if parent.IsReply() {
		// Reply capabilities are single-use by contract; letting them
		// duplicate would mint extra replies.
		return 0, types.Errf(types.CodeInsufficientRights, "cap_duplicate")
	}

	free, ok := t.freeIndexLocked()
	if !ok {
		return 0, types.Errf(types.CodeTableFull, "cap_duplicate")
	}

	child := parent
	child.Rights = parent.Rights.Narrow(mask)
	if err := reg.Retain(child); err != nil {
		return 0, err
	}
	t.slots[free] = child
	return free, nil
}

// Delete removes the capability at index and releases its object
// reference.
func (t *Table) Delete(index types.CapIndex, reg *object.Registry) error {
	t.mu.Lock()
	c, ok := t.slots[index]
	if !ok {
		t.mu.Unlock()
		return types.Errf(types.CodeNotFound, "cap_delete")
	}
	delete(t.slots, index)
	t.mu.Unlock()

	reg.Release(c)
	return nil
}

// Remove takes the capability out of the table without releasing the
// object reference; the caller is transferring ownership (a move across
// IPC keeps the refcount balanced).
func (t *Table) Remove(index types.CapIndex) (types.Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.slots[index]
	if !ok {
		return types.Capability{}, types.Errf(types.CodeNotFound, "cap_remove")
	}
	delete(t.slots, index)
	return c, nil
}

// InsertOwned places an already-retained capability (one whose reference
// the caller owns, e.g. the moved side of a transfer or a freshly minted
// root) into a free slot without re-retaining.
func (t *Table) InsertOwned(c types.Capability) (types.CapIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, ok := t.freeIndexLocked()
	if !ok {
		return 0, types.Errf(types.CodeTableFull, "cap_insert")
	}
	t.slots[index] = c
	return index, nil
}

// Replace swaps the capability at index for c without touching
// refcounts; used by revoke, which re-issues the root in place.
func (t *Table) Replace(index types.CapIndex, c types.Capability) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.slots[index]; !ok {
		return types.Errf(types.CodeNotFound, "cap_replace")
	}
	t.slots[index] = c
	return nil
}

// DropAll empties the table, releasing every reference. Called at
// process teardown.
func (t *Table) DropAll(reg *object.Registry) {
	t.mu.Lock()
	caps := make([]types.Capability, 0, len(t.slots))
	for _, c := range t.slots {
		caps = append(caps, c)
	}
	t.slots = make(map[types.CapIndex]types.Capability)
	t.mu.Unlock()

	for _, c := range caps {
		reg.Release(c)
	}
}

// Len reports the number of occupied slots.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Entry is an introspection view of one slot.
type Entry struct {
	Index      types.CapIndex   `json:"index"`
	Object     types.ObjectID   `json:"object"`
	Generation types.Generation `json:"generation"`
	Rights     string           `json:"rights"`
	Reply      bool             `json:"reply,omitempty"`
}

// Snapshot lists occupied slots in index order.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.slots))
	for i, c := range t.slots {
		out = append(out, Entry{
			Index:      i,
			Object:     c.Object,
			Generation: c.Generation,
			Rights:     c.Rights.String(),
			Reply:      c.IsReply(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}
