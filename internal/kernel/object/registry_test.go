package object

import (
	"errors"
	"testing"

	"github.com/meridian-os/meridian/internal/shared/types"
)

func TestRetypeFromUntyped(t *testing.T) {
	r := NewRegistry(16, nil)

	ut, err := r.MintUntyped(4096)
	if err != nil {
		t.Fatalf("MintUntyped failed: %v", err)
	}

	ep, err := r.Retype(ut, KindEndpoint, 0)
	if err != nil {
		t.Fatalf("Retype failed: %v", err)
	}

	obj, ok := r.Get(ep.Object)
	if !ok {
		t.Fatal("endpoint not in registry")
	}
	if obj.Kind != KindEndpoint {
		t.Errorf("expected endpoint kind, got %s", obj.Kind)
	}
	if obj.Endpoint == nil {
		t.Error("endpoint payload missing")
	}

	utObj, _ := r.Get(ut.Object)
	if got := utObj.Untyped.Remaining(); got != 4096-FootprintEndpoint {
		t.Errorf("expected %d bytes remaining, got %d", 4096-FootprintEndpoint, got)
	}
}

func TestRetypeMisaligned(t *testing.T) {
	r := NewRegistry(16, nil)
	ut, _ := r.MintUntyped(8192)

	if _, err := r.Retype(ut, KindMemoryRegion, 100); !errors.Is(err, types.ErrMisaligned) {
		t.Errorf("expected Misaligned, got %v", err)
	}
	if _, err := r.MintUntyped(100); !errors.Is(err, types.ErrMisaligned) {
		t.Errorf("expected Misaligned, got %v", err)
	}
}

func TestRetypeOutOfUntyped(t *testing.T) {
	r := NewRegistry(16, nil)
	ut, _ := r.MintUntyped(4096)

	before := r.Live()
	if _, err := r.Retype(ut, KindMemoryRegion, 8192); !errors.Is(err, types.ErrOutOfUntyped) {
		t.Fatalf("expected OutOfUntyped, got %v", err)
	}
	if r.Live() != before {
		t.Error("failed retype must not allocate")
	}

	utObj, _ := r.Get(ut.Object)
	if utObj.Untyped.Remaining() != 4096 {
		t.Error("failed retype must not consume untyped bytes")
	}
}

func TestRevokeInvalidatesAllCapabilities(t *testing.T) {
	r := NewRegistry(16, nil)
	ut, _ := r.MintUntyped(4096)
	ep, _ := r.Retype(ut, KindEndpoint, 0)

	dup := ep
	dup.Rights = dup.Rights.Narrow(types.RightSend)
	if err := r.Retain(dup); err != nil {
		t.Fatalf("Retain failed: %v", err)
	}

	fresh, err := r.Revoke(ep)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// Both old capabilities are dead without being visited.
	if _, err := r.Resolve(ep, 0, "use"); !errors.Is(err, types.ErrRevoked) {
		t.Errorf("expected Revoked for original, got %v", err)
	}
	if _, err := r.Resolve(dup, types.RightSend, "use"); !errors.Is(err, types.ErrRevoked) {
		t.Errorf("expected Revoked for duplicate, got %v", err)
	}

	// The fresh root still works.
	if _, err := r.Resolve(fresh, types.RightManage, "use"); err != nil {
		t.Errorf("fresh root should resolve: %v", err)
	}
}

func TestRevokeRequiresManageRight(t *testing.T) {
	r := NewRegistry(16, nil)
	ut, _ := r.MintUntyped(4096)
	ep, _ := r.Retype(ut, KindEndpoint, 0)

	weak := ep
	weak.Rights = weak.Rights.Narrow(types.RightSend)
	if _, err := r.Revoke(weak); !errors.Is(err, types.ErrInsufficientRights) {
		t.Errorf("expected InsufficientRights, got %v", err)
	}
}

func TestReleaseDestroysAndReturnsStorage(t *testing.T) {
	r := NewRegistry(16, nil)
	ut, _ := r.MintUntyped(RegionAlign)

	// Fill the region with one page-sized child.
	region, err := r.Retype(ut, KindMemoryRegion, RegionAlign)
	if err != nil {
		t.Fatalf("Retype failed: %v", err)
	}
	if _, err := r.Retype(ut, KindMemoryRegion, RegionAlign); !errors.Is(err, types.ErrOutOfUntyped) {
		t.Fatal("region should be exhausted")
	}

	r.Release(region)

	if _, ok := r.Get(region.Object); ok {
		t.Error("object should be destroyed at refcount zero")
	}

	// Storage went back to the origin's free pool.
	if _, err := r.Retype(ut, KindMemoryRegion, RegionAlign); err != nil {
		t.Errorf("retype after release should reuse freed storage: %v", err)
	}
}

func TestStaleCapabilityOnReusedSlot(t *testing.T) {
	r := NewRegistry(1, nil)
	ut, _ := r.MintUntyped(4096)

	stale := ut
	r.Release(ut)

	// The only slot gets reused; the stale capability must not resolve.
	if _, err := r.MintUntyped(4096); err != nil {
		t.Fatalf("MintUntyped after release failed: %v", err)
	}
	if _, err := r.Resolve(stale, 0, "use"); !errors.Is(err, types.ErrRevoked) {
		t.Errorf("expected Revoked on reused slot, got %v", err)
	}
}

func TestRegistrySlotExhaustion(t *testing.T) {
	r := NewRegistry(2, nil)
	ut, _ := r.MintUntyped(RegionAlign * 4)

	if _, err := r.Retype(ut, KindEndpoint, 0); err != nil {
		t.Fatalf("Retype failed: %v", err)
	}
	if _, err := r.Retype(ut, KindEndpoint, 0); !errors.Is(err, types.ErrOutOfUntyped) {
		t.Errorf("expected OutOfUntyped on slot exhaustion, got %v", err)
	}
}
