package object

import (
	"sync"

	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Registry is the fixed-capacity kernel object table. All mutation goes
// through lock-guarded methods; critical sections are bounded and never
// wait on anything.
type Registry struct {
	mu      sync.RWMutex
	slots   []*Object
	freeIDs []types.ObjectID
	emitter event.Emitter
}

// NewRegistry creates a registry with the given slot capacity.
func NewRegistry(capacity int, em event.Emitter) *Registry {
	if capacity <= 0 {
		types.Fatalf("registry: non-positive capacity %d", capacity)
	}
	if em == nil {
		em = event.Discard
	}

	r := &Registry{
		slots:   make([]*Object, capacity),
		freeIDs: make([]types.ObjectID, 0, capacity),
		emitter: em,
	}
	// IDs are slot index + 1 so that 0 stays invalid.
	for i := capacity - 1; i >= 0; i-- {
		r.freeIDs = append(r.freeIDs, types.ObjectID(i+1))
	}
	return r
}

func (r *Registry) slot(id types.ObjectID) *Object {
	if id == types.NilObject || int(id) > len(r.slots) {
		return nil
	}
	return r.slots[id-1]
}

func footprintFor(kind Kind, size uint64) (uint64, error) {
	switch kind {
	case KindEndpoint:
		return FootprintEndpoint, nil
	case KindNotification:
		return FootprintNotification, nil
	case KindThread:
		return FootprintThread, nil
	case KindMemoryRegion, KindUntyped:
		if size == 0 || size%RegionAlign != 0 {
			return 0, types.Errf(types.CodeMisaligned, "retype")
		}
		return size, nil
	default:
		return 0, types.Errf(types.CodeMisaligned, "retype")
	}
}

func (r *Registry) allocLocked(kind Kind, origin types.ObjectID, footprint uint64) (*Object, error) {
	if len(r.freeIDs) == 0 {
		// Slot exhaustion is a resource failure attributable to the
		// caller, same as running out of untyped bytes.
		return nil, types.Errf(types.CodeOutOfUntyped, "retype")
	}
	id := r.freeIDs[len(r.freeIDs)-1]

	var prevGen types.Generation
	if old := r.slot(id); old != nil {
		prevGen = old.Generation
	}

	obj := &Object{
		ID:         id,
		Kind:       kind,
		Generation: prevGen + 1,
		refs:       1,
		origin:     origin,
		footprint:  footprint,
	}
	switch kind {
	case KindEndpoint:
		obj.Endpoint = &Endpoint{}
	case KindNotification:
		obj.Notification = &Notification{}
	case KindMemoryRegion:
		obj.Region = &MemoryRegion{Size: footprint}
	case KindUntyped:
		obj.Untyped = &Untyped{Size: footprint}
	case KindThread:
		// Scheduler state lives outside the registry, keyed by id.
	}

	r.freeIDs = r.freeIDs[:len(r.freeIDs)-1]
	r.slots[id-1] = obj
	return obj, nil
}

// MintUntyped creates a root untyped region accounted to nothing. Boot
// is the only caller; after boot every object traces back to one of
// these roots.
func (r *Registry) MintUntyped(size uint64) (types.Capability, error) {
	if size == 0 || size%RegionAlign != 0 {
		return types.Capability{}, types.Errf(types.CodeMisaligned, "mint_untyped")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.allocLocked(KindUntyped, types.NilObject, size)
	if err != nil {
		return types.Capability{}, err
	}
	return types.Capability{Object: obj.ID, Generation: obj.Generation, Rights: types.RightsAll}, nil
}

// Retype carves a new object of the requested kind out of the untyped
// region named by untypedCap, returning the new object's root
// capability. Fails without side effects: OutOfUntyped when the region
// (or the registry) cannot fit the footprint, Misaligned on bad
// geometry, and the usual capability errors on a bad untyped capability.
func (r *Registry) Retype(untypedCap types.Capability, kind Kind, size uint64) (types.Capability, error) {
	footprint, err := footprintFor(kind, size)
	if err != nil {
		return types.Capability{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ut, err := r.resolveLocked(untypedCap, types.RightManage, "mem_retype")
	if err != nil {
		return types.Capability{}, err
	}
	if ut.Kind != KindUntyped {
		return types.Capability{}, types.Errf(types.CodeMisaligned, "mem_retype")
	}
	if len(r.freeIDs) == 0 {
		return types.Capability{}, types.Errf(types.CodeOutOfUntyped, "mem_retype")
	}
	if !ut.Untyped.carve(footprint) {
		return types.Capability{}, types.Errf(types.CodeOutOfUntyped, "mem_retype")
	}

	obj, err := r.allocLocked(kind, ut.ID, footprint)
	if err != nil {
		// carve succeeded; undo so the failure stays side-effect free.
		ut.Untyped.release(footprint)
		return types.Capability{}, err
	}
	ut.children++

	r.emitter.Emit(event.Event{Type: event.TypeRetype, Fields: map[string]interface{}{
		"object": uint32(obj.ID),
		"kind":   kind.String(),
		"bytes":  footprint,
		"origin": uint32(ut.ID),
	}})

	return types.Capability{Object: obj.ID, Generation: obj.Generation, Rights: types.RightsAll}, nil
}

func (r *Registry) resolveLocked(cap types.Capability, need types.Rights, op string) (*Object, error) {
	obj := r.slot(cap.Object)
	if obj == nil || obj.Kind == KindNone {
		return nil, types.Errf(types.CodeNotFound, op)
	}
	if obj.Generation != cap.Generation {
		return nil, types.Errf(types.CodeRevoked, op)
	}
	if !cap.Rights.Has(need) {
		return nil, types.Errf(types.CodeInsufficientRights, op)
	}
	return obj, nil
}

// Resolve validates cap (generation match, then rights) and returns the
// object. The order matters: a revoked capability reports Revoked even
// when it also lacks rights.
func (r *Registry) Resolve(cap types.Capability, need types.Rights, op string) (*Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(cap, need, op)
}

// Get returns the object for id regardless of capability state. Used by
// introspection and by kernel paths that already resolved a capability.
func (r *Registry) Get(id types.ObjectID) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj := r.slot(id)
	if obj == nil || obj.Kind == KindNone {
		return nil, false
	}
	return obj, true
}

// Retain records one more valid capability for cap's object. No-op with
// an error for stale capabilities.
func (r *Registry) Retain(cap types.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.resolveLocked(cap, 0, "retain")
	if err != nil {
		return err
	}
	obj.refs++
	return nil
}

// Release drops one reference for cap. Stale capabilities (generation
// mismatch) were already uncounted by the revocation, so they release
// nothing. Destruction happens at zero.
func (r *Registry) Release(cap types.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj := r.slot(cap.Object)
	if obj == nil || obj.Generation != cap.Generation {
		return
	}
	obj.refs--
	if obj.refs < 0 {
		types.Fatalf("registry: negative refcount on object %d", obj.ID)
	}
	if obj.refs == 0 {
		r.destroyLocked(obj)
	}
}

// destroyLocked returns the object's storage to its origin untyped and
// frees the slot. Untyped regions with live children are retired in
// place and reclaimed when the last child returns.
func (r *Registry) destroyLocked(obj *Object) {
	if obj.Kind == KindUntyped && obj.children > 0 {
		obj.retired = true
		return
	}

	if origin := r.slot(obj.origin); origin != nil && origin.Untyped != nil {
		origin.Untyped.release(obj.footprint)
		origin.children--
		if origin.children == 0 && origin.retired && origin.refs == 0 {
			r.destroyLocked(origin)
		}
	}

	// Keep the generation in a tombstone so a reused slot can never
	// satisfy a stale capability.
	r.slots[obj.ID-1] = &Object{ID: obj.ID, Kind: KindNone, Generation: obj.Generation}
	r.freeIDs = append(r.freeIDs, obj.ID)

	r.emitter.Emit(event.Event{Type: event.TypeDestroy, Fields: map[string]interface{}{
		"object": uint32(obj.ID),
		"kind":   obj.Kind.String(),
	}})
}

// Revoke invalidates every outstanding capability to cap's object in one
// generation bump and returns a fresh root capability for the caller.
// Requires the manage right.
func (r *Registry) Revoke(cap types.Capability) (types.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.resolveLocked(cap, types.RightManage, "cap_revoke")
	if err != nil {
		return types.Capability{}, err
	}

	obj.Generation++
	obj.refs = 1 // only the fresh root below remains valid

	r.emitter.Emit(event.Event{Type: event.TypeRevoke, Fields: map[string]interface{}{
		"object":     uint32(obj.ID),
		"generation": uint32(obj.Generation),
	}})

	return types.Capability{Object: obj.ID, Generation: obj.Generation, Rights: types.RightsAll}, nil
}

// Stat is an introspection snapshot of one registry slot.
type Stat struct {
	ID         types.ObjectID   `json:"id"`
	Kind       string           `json:"kind"`
	Generation types.Generation `json:"generation"`
	Refs       int              `json:"refs"`
	Footprint  uint64           `json:"footprint"`
	Origin     types.ObjectID   `json:"origin,omitempty"`
}

// Snapshot lists all live objects.
func (r *Registry) Snapshot() []Stat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stat, 0, len(r.slots))
	for _, obj := range r.slots {
		if obj == nil || obj.Kind == KindNone {
			continue
		}
		out = append(out, Stat{
			ID:         obj.ID,
			Kind:       obj.Kind.String(),
			Generation: obj.Generation,
			Refs:       obj.refs,
			Footprint:  obj.footprint,
			Origin:     obj.origin,
		})
	}
	return out
}

// Live reports the number of live objects.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - len(r.freeIDs)
}
