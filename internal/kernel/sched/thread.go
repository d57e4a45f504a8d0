package sched

import (
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Outcome is the stored result of a blocking operation, written when the
// thread is woken and collected by the dispatcher on behalf of the
// thread the next time it runs.
type Outcome struct {
	Code     types.Code      `json:"code"`
	Delivery *types.Delivery `json:"delivery,omitempty"`
	Bits     uint64          `json:"bits,omitempty"`
}

// Thread is one scheduling entity. All fields are guarded by the
// scheduler lock.
type Thread struct {
	ID      types.ThreadID
	Process types.ProcessID
	Core    int

	State types.ThreadState
	Base  types.Priority

	// effective is Base plus any donated priority; recomputed whenever
	// the donor set changes.
	effective types.Priority

	// quantum is the remaining ticks before preemption.
	quantum uint32

	// WaitingOn names the endpoint or notification a blocked thread
	// sits in; cancel removes it from that wait queue. A thread holds
	// at most one blocking reason, so one pair of fields suffices.
	WaitingOn types.ObjectID
	Deadline  types.Tick
	cancel    func()

	// donors are the threads blocked awaiting this thread's reply.
	donors map[types.ThreadID]struct{}

	outcome *Outcome
}

// Effective returns the thread's current effective priority.
func (t *Thread) Effective() types.Priority { return t.effective }

// Stat is an introspection snapshot of one thread.
type Stat struct {
	ID        types.ThreadID  `json:"id"`
	Process   types.ProcessID `json:"process"`
	Core      int             `json:"core"`
	State     string          `json:"state"`
	Priority  types.Priority  `json:"priority"`
	Effective types.Priority  `json:"effective"`
	Quantum   uint32          `json:"quantum"`
	WaitingOn types.ObjectID  `json:"waiting_on,omitempty"`
	Deadline  types.Tick      `json:"deadline,omitempty"`
}
