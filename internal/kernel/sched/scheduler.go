package sched

import (
	"sort"
	"sync"

	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/shared/types"
)

type core struct {
	queues  [types.PriorityLevels][]types.ThreadID
	running types.ThreadID
}

// Scheduler owns all threads and their state transitions across a fixed
// set of cores. One lock guards everything; every critical section is a
// bounded queue edit, never a wait.
type Scheduler struct {
	mu      sync.Mutex
	cores   []*core
	threads map[types.ThreadID]*Thread
	quantum uint32
	now     types.Tick
	emitter event.Emitter

	contextSwitches uint64
	preemptions     uint64
	donations       uint64
}

// New creates a scheduler for the given core count and quantum length
// in ticks.
func New(cores int, quantum uint32, em event.Emitter) *Scheduler {
	if cores <= 0 || quantum == 0 {
		types.Fatalf("sched: invalid geometry cores=%d quantum=%d", cores, quantum)
	}
	if em == nil {
		em = event.Discard
	}

	s := &Scheduler{
		cores:   make([]*core, cores),
		threads: make(map[types.ThreadID]*Thread),
		quantum: quantum,
		emitter: em,
	}
	for i := range s.cores {
		s.cores[i] = &core{}
	}
	return s
}

// Cores reports the core count.
func (s *Scheduler) Cores() int { return len(s.cores) }

// Now reports the current virtual time.
func (s *Scheduler) Now() types.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Add registers a new thread in the Ready state on the given core.
func (s *Scheduler) Add(tid types.ThreadID, pid types.ProcessID, prio types.Priority, coreIdx int) error {
	if int(prio) >= types.PriorityLevels {
		return types.Errf(types.CodeInvalidThread, "thread_add")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[tid]; exists {
		return types.Errf(types.CodeAlreadyRunning, "thread_add")
	}
	if coreIdx < 0 || coreIdx >= len(s.cores) {
		coreIdx = int(uint32(tid) % uint32(len(s.cores)))
	}

	t := &Thread{
		ID:        tid,
		Process:   pid,
		Core:      coreIdx,
		State:     types.StateReady,
		Base:      prio,
		effective: prio,
		donors:    make(map[types.ThreadID]struct{}),
	}
	s.threads[tid] = t
	s.enqueueLocked(t)
	return nil
}

func (s *Scheduler) thread(tid types.ThreadID) (*Thread, error) {
	t, ok := s.threads[tid]
	if !ok {
		return nil, types.Errf(types.CodeInvalidThread, "thread_lookup")
	}
	return t, nil
}

func (s *Scheduler) enqueueLocked(t *Thread) {
	c := s.cores[t.Core]
	c.queues[t.effective] = append(c.queues[t.effective], t.ID)
}

func (s *Scheduler) dequeueLocked(t *Thread) {
	c := s.cores[t.Core]
	q := c.queues[t.effective]
	for i, tid := range q {
		if tid == t.ID {
			c.queues[t.effective] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// scheduleLocked picks the next runnable thread for a core, highest
// priority first, FIFO within a level.
func (s *Scheduler) scheduleLocked(coreIdx int) types.ThreadID {
	c := s.cores[coreIdx]
	if c.running != 0 {
		return c.running
	}
	for prio := types.PriorityLevels - 1; prio >= 0; prio-- {
		q := c.queues[prio]
		if len(q) == 0 {
			continue
		}
		tid := q[0]
		c.queues[prio] = q[1:]

		t := s.threads[tid]
		if t == nil || t.State != types.StateReady {
			types.Fatalf("sched: non-ready thread %d in run queue", tid)
		}
		t.State = types.StateRunning
		t.quantum = s.quantum
		c.running = tid
		s.contextSwitches++
		s.emitter.Emit(event.Event{Type: event.TypeContextSwitch, Tick: s.now, Fields: map[string]interface{}{
			"core":   coreIdx,
			"thread": uint32(tid),
		}})
		return tid
	}
	return 0
}

// Schedule picks (or returns) the running thread for a core.
func (s *Scheduler) Schedule(coreIdx int) types.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(coreIdx)
}

// Current returns the running thread on a core, 0 if idle.
func (s *Scheduler) Current(coreIdx int) types.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[coreIdx].running
}

// Tick advances virtual time one step: charge the running threads,
// preempt expired quanta, time out expired waits, and refill idle cores.
func (s *Scheduler) Tick() types.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now++

	for i, c := range s.cores {
		if c.running == 0 {
			continue
		}
		t := s.threads[c.running]
		if t.quantum > 0 {
			t.quantum--
		}
		if t.quantum == 0 {
			// Quantum expired: back of the line at its own level.
			t.State = types.StateReady
			c.running = 0
			s.enqueueLocked(t)
			s.preemptions++
			s.emitter.Emit(event.Event{Type: event.TypePreempt, Tick: s.now, Fields: map[string]interface{}{
				"core":   i,
				"thread": uint32(t.ID),
			}})
		}
	}

	s.expireDeadlinesLocked()

	for i := range s.cores {
		s.scheduleLocked(i)
	}
	return s.now
}

func (s *Scheduler) expireDeadlinesLocked() {
	var expired []*Thread
	for _, t := range s.threads {
		if t.State.Blocked() && t.Deadline != types.NoDeadline && t.Deadline <= s.now {
			expired = append(expired, t)
		}
	}
	// Stable order keeps multi-timeout tests deterministic.
	sort.Slice(expired, func(a, b int) bool { return expired[a].ID < expired[b].ID })

	for _, t := range expired {
		if t.cancel != nil {
			t.cancel()
		}
		s.emitter.Emit(event.Event{Type: event.TypeIPCTimeout, Tick: s.now, Fields: map[string]interface{}{
			"thread": uint32(t.ID),
			"object": uint32(t.WaitingOn),
		}})
		s.wakeLocked(t, &Outcome{Code: types.CodeTimeout})
	}
}

// Block transitions tid into a blocked state. The cancel hook removes
// the thread from whatever wait queue it joined; it runs under the
// scheduler lock, so it must be bounded and lock-free.
func (s *Scheduler) Block(tid types.ThreadID, state types.ThreadState, on types.ObjectID, deadline types.Tick, cancel func()) error {
	if !state.Blocked() {
		types.Fatalf("sched: Block with non-blocking state %s", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}

	switch t.State {
	case types.StateRunning:
		s.cores[t.Core].running = 0
	case types.StateReady:
		s.dequeueLocked(t)
	default:
		// A thread holds at most one blocking reason, and a suspended
		// or zombie thread cannot take one. Caller-supplied thread ids
		// land here, so this is a recoverable error, not a halt.
		return types.Errf(types.CodeInvalidThread, "thread_block")
	}

	t.State = state
	t.WaitingOn = on
	t.Deadline = deadline
	t.cancel = cancel
	s.emitThreadState(t)
	return nil
}

func (s *Scheduler) wakeLocked(t *Thread, out *Outcome) {
	t.WaitingOn = 0
	t.Deadline = types.NoDeadline
	t.cancel = nil
	if out != nil {
		t.outcome = out
	}
	t.State = types.StateReady
	s.enqueueLocked(t)
	s.emitThreadState(t)
}

// Wake moves a blocked thread to the tail of its priority's run queue,
// recording the outcome of the operation it was blocked on.
func (s *Scheduler) Wake(tid types.ThreadID, out *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if !t.State.Blocked() {
		return types.Errf(types.CodeInvalidThread, "thread_wake")
	}
	s.wakeLocked(t, out)
	return nil
}

// Rebind updates what an already-blocked thread is waiting on, without
// waking it. Used when a call pairs: the sender stops waiting for the
// endpoint and starts waiting for the server's reply, and its pairing
// deadline no longer applies.
func (s *Scheduler) Rebind(tid types.ThreadID, on types.ObjectID, deadline types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if !t.State.Blocked() {
		return types.Errf(types.CodeInvalidThread, "thread_rebind")
	}
	t.WaitingOn = on
	t.Deadline = deadline
	return nil
}

// TakeOutcome collects and clears the stored outcome of tid's last
// blocking operation.
func (s *Scheduler) TakeOutcome(tid types.ThreadID) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return nil, err
	}
	out := t.outcome
	t.outcome = nil
	return out, nil
}

// Yield moves the running thread to the back of its level.
func (s *Scheduler) Yield(tid types.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if t.State != types.StateRunning {
		// Yield from a non-running thread is a no-op, not an error.
		return nil
	}
	s.cores[t.Core].running = 0
	t.State = types.StateReady
	s.enqueueLocked(t)
	s.scheduleLocked(t.Core)
	return nil
}

// Suspend parks a Ready or Running thread until Resume.
func (s *Scheduler) Suspend(tid types.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	switch t.State {
	case types.StateRunning:
		s.cores[t.Core].running = 0
	case types.StateReady:
		s.dequeueLocked(t)
	case types.StateSuspended:
		return types.Errf(types.CodeAlreadyRunning, "thread_suspend")
	default:
		return types.Errf(types.CodeInvalidThread, "thread_suspend")
	}
	t.State = types.StateSuspended
	s.emitThreadState(t)
	return nil
}

// Resume returns a suspended thread to its run queue.
func (s *Scheduler) Resume(tid types.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if t.State != types.StateSuspended {
		return types.Errf(types.CodeInvalidThread, "thread_resume")
	}
	t.State = types.StateReady
	s.enqueueLocked(t)
	s.emitThreadState(t)
	return nil
}

// Kill removes the thread from wherever it lives (run queue or wait
// queue, via the cancel hook) and marks it Zombie. Its donors are
// cleared; the IPC engine aborts any callers separately.
func (s *Scheduler) Kill(tid types.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if t.State == types.StateZombie {
		return nil
	}

	switch t.State {
	case types.StateRunning:
		s.cores[t.Core].running = 0
	case types.StateReady:
		s.dequeueLocked(t)
	default:
		if t.State.Blocked() && t.cancel != nil {
			t.cancel()
		}
	}

	t.State = types.StateZombie
	t.WaitingOn = 0
	t.Deadline = types.NoDeadline
	t.cancel = nil
	t.donors = make(map[types.ThreadID]struct{})
	s.recomputeLocked(t)

	s.emitter.Emit(event.Event{Type: event.TypeKill, Tick: s.now, Fields: map[string]interface{}{
		"thread": uint32(tid),
	}})
	return nil
}

// Reap removes a Zombie thread entirely.
func (s *Scheduler) Reap(tid types.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return err
	}
	if t.State != types.StateZombie {
		return types.Errf(types.CodeInvalidThread, "thread_reap")
	}
	delete(s.threads, tid)
	return nil
}

// State reports a thread's current state.
func (s *Scheduler) State(tid types.ThreadID) (types.ThreadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(tid)
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

// Donate records that client (blocked awaiting a reply) lends its
// effective priority to server until Withdraw.
func (s *Scheduler) Donate(server, client types.ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.threads[server]
	if !ok {
		return
	}
	srv.donors[client] = struct{}{}
	s.donations++
	if s.recomputeLocked(srv) {
		s.emitter.Emit(event.Event{Type: event.TypeDonation, Tick: s.now, Fields: map[string]interface{}{
			"server":    uint32(server),
			"client":    uint32(client),
			"effective": uint8(srv.effective),
		}})
	}
}

// Withdraw ends a donation, typically at reply time.
func (s *Scheduler) Withdraw(server, client types.ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.threads[server]
	if !ok {
		return
	}
	delete(srv.donors, client)
	s.recomputeLocked(srv)
}

// recomputeLocked recomputes a thread's effective priority from its base
// and donor chain, requeueing it if the level changed while queued.
// Donation chains are short (one hop per nested call); the depth guard
// only trips on state corruption.
func (s *Scheduler) recomputeLocked(t *Thread) bool {
	eff := s.effectiveLocked(t, 0)
	if eff == t.effective {
		return false
	}
	if t.State == types.StateReady {
		s.dequeueLocked(t)
		t.effective = eff
		s.enqueueLocked(t)
	} else {
		t.effective = eff
	}

	// The change may propagate further up a nested call chain: if this
	// thread is itself a donor, its target needs recomputing too.
	for _, other := range s.threads {
		if _, ok := other.donors[t.ID]; ok {
			s.recomputeLocked(other)
		}
	}
	return true
}

func (s *Scheduler) effectiveLocked(t *Thread, depth int) types.Priority {
	if depth > types.PriorityLevels*8 {
		types.Fatalf("sched: donation cycle through thread %d", t.ID)
	}
	eff := t.Base
	for tid := range t.donors {
		d, ok := s.threads[tid]
		if !ok {
			continue
		}
		if de := s.effectiveLocked(d, depth+1); de > eff {
			eff = de
		}
	}
	return eff
}

func (s *Scheduler) emitThreadState(t *Thread) {
	s.emitter.Emit(event.Event{Type: event.TypeThreadState, Tick: s.now, Fields: map[string]interface{}{
		"thread": uint32(t.ID),
		"state":  t.State.String(),
	}})
}

// Stats is an introspection snapshot of scheduler counters.
type Stats struct {
	Now             types.Tick `json:"now"`
	Threads         int        `json:"threads"`
	ContextSwitches uint64     `json:"context_switches"`
	Preemptions     uint64     `json:"preemptions"`
	Donations       uint64     `json:"donations"`
	RunQueueDepth   int        `json:"run_queue_depth"`
}

// Snapshot returns counters plus per-thread stats.
func (s *Scheduler) Snapshot() (Stats, []Stat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	for _, c := range s.cores {
		for _, q := range c.queues {
			depth += len(q)
		}
	}

	st := Stats{
		Now:             s.now,
		Threads:         len(s.threads),
		ContextSwitches: s.contextSwitches,
		Preemptions:     s.preemptions,
		Donations:       s.donations,
		RunQueueDepth:   depth,
	}

	threads := make([]Stat, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, Stat{
			ID:        t.ID,
			Process:   t.Process,
			Core:      t.Core,
			State:     t.State.String(),
			Priority:  t.Base,
			Effective: t.effective,
			Quantum:   t.quantum,
			WaitingOn: t.WaitingOn,
			Deadline:  t.Deadline,
		})
	}
	sort.Slice(threads, func(a, b int) bool { return threads[a].ID < threads[b].ID })
	return st, threads
}
